package matchmaking

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/triad/internal/game/notify"
)

// fakeStarter records pairings and can be told to fail.
type fakeStarter struct {
	mu    sync.Mutex
	pairs [][2]string
	fail  bool
}

func (f *fakeStarter) StartMatch(p1, p2 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("engine unavailable")
	}
	f.pairs = append(f.pairs, [2]string{p1, p2})
	return fmt.Sprintf("match-%d", len(f.pairs)), nil
}

func (f *fakeStarter) pairings() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.pairs...)
}

// fakePresence treats every user as online unless dropped.
type fakePresence struct {
	mu      sync.Mutex
	offline map[string]bool
}

func (f *fakePresence) Online(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[userID]
}

func (f *fakePresence) drop(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline == nil {
		f.offline = make(map[string]bool)
	}
	f.offline[userID] = true
}

func newTestQueue(t *testing.T, starter MatchStarter) *Queue {
	t.Helper()
	return NewQueue(starter, &fakePresence{}, notify.NewRegistry(), time.Second, zaptest.NewLogger(t))
}

func TestRequestRejectsDuplicate(t *testing.T) {
	q := newTestQueue(t, &fakeStarter{})
	assert.True(t, q.Request("u1"))
	assert.False(t, q.Request("u1"))
	assert.Equal(t, 1, q.Len())
}

func TestCancelRemovesWaiter(t *testing.T) {
	q := newTestQueue(t, &fakeStarter{})
	q.Request("u1")
	q.Request("u2")

	q.Cancel("u1")
	assert.False(t, q.InQueue("u1"))
	assert.True(t, q.InQueue("u2"))
	assert.Equal(t, 1, q.Len())

	// Cancelling an absent user is a no-op.
	q.Cancel("ghost")
}

func TestFIFOPairing(t *testing.T) {
	starter := &fakeStarter{}
	q := newTestQueue(t, starter)

	q.Request("u1")
	q.Request("u2")
	q.Request("u3")
	q.Tick()

	pairs := starter.pairings()
	require.Len(t, pairs, 1)
	assert.Equal(t, [2]string{"u1", "u2"}, pairs[0])
	assert.True(t, q.InQueue("u3"), "odd waiter stays queued")

	q.Request("u4")
	q.Tick()

	pairs = starter.pairings()
	require.Len(t, pairs, 2)
	assert.Equal(t, [2]string{"u3", "u4"}, pairs[1])
	assert.Equal(t, 0, q.Len())
}

func TestTickDrainsMultiplePairs(t *testing.T) {
	starter := &fakeStarter{}
	q := newTestQueue(t, starter)

	for i := 1; i <= 4; i++ {
		q.Request(fmt.Sprintf("u%d", i))
	}
	q.Tick()

	pairs := starter.pairings()
	require.Len(t, pairs, 2)
	assert.Equal(t, [2]string{"u1", "u2"}, pairs[0])
	assert.Equal(t, [2]string{"u3", "u4"}, pairs[1])
}

func TestFailedPairingRequeuesBothInOrder(t *testing.T) {
	starter := &fakeStarter{fail: true}
	q := newTestQueue(t, starter)

	q.Request("u1")
	q.Request("u2")
	q.Request("u3")
	q.Tick()

	// Nobody was matched and nobody was lost.
	assert.Empty(t, starter.pairings())
	assert.True(t, q.InQueue("u1"))
	assert.True(t, q.InQueue("u2"))
	assert.True(t, q.InQueue("u3"))

	// Once the starter recovers, the original order still holds.
	starter.mu.Lock()
	starter.fail = false
	starter.mu.Unlock()
	q.Tick()

	pairs := starter.pairings()
	require.Len(t, pairs, 1)
	assert.Equal(t, [2]string{"u1", "u2"}, pairs[0])
}

// sessionStarter fails any pairing involving a user the presence fake has
// marked offline, the way the real match path fails on a missing session.
type sessionStarter struct {
	fakeStarter
	presence *fakePresence
}

func (s *sessionStarter) StartMatch(p1, p2 string) (string, error) {
	if !s.presence.Online(p1) || !s.presence.Online(p2) {
		return "", errors.New("player has no session")
	}
	return s.fakeStarter.StartMatch(p1, p2)
}

func TestDisconnectedWaiterDroppedOnFailedPairing(t *testing.T) {
	presence := &fakePresence{}
	starter := &sessionStarter{presence: presence}
	q := NewQueue(starter, presence, notify.NewRegistry(), time.Second, zaptest.NewLogger(t))

	q.Request("ghost")
	q.Request("u2")
	q.Request("u3")

	// ghost disconnects after being queued; by the time the cancel hook runs
	// the pairing pass has already taken the entry.
	presence.drop("ghost")

	q.Tick()
	q.Tick()

	// The dead entry is gone and the live waiters still get paired.
	pairs := starter.pairings()
	require.Len(t, pairs, 1)
	assert.Equal(t, [2]string{"u2", "u3"}, pairs[0])
	assert.False(t, q.InQueue("ghost"))
	assert.Equal(t, 0, q.Len())
}

func TestQueueUpdateBroadcast(t *testing.T) {
	starter := &fakeStarter{}
	reg := notify.NewRegistry()
	q := NewQueue(starter, &fakePresence{}, reg, time.Second, zaptest.NewLogger(t))

	e1 := reg.Register("u1", 8)
	q.Request("u1")
	q.Tick()

	select {
	case ev := <-e1.Events():
		require.Equal(t, notify.EventQueueUpdate, ev.Type)
		assert.Equal(t, notify.QueueUpdate{Position: 1}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no queue update delivered")
	}
}

func TestStartStop(t *testing.T) {
	starter := &fakeStarter{}
	q := NewQueue(starter, &fakePresence{}, notify.NewRegistry(), 10*time.Millisecond, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- q.Start() }()

	q.Request("u1")
	q.Request("u2")

	require.Eventually(t, func() bool {
		return len(starter.pairings()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	q.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queue loop did not stop")
	}
}
