package challenge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/triad/internal/game/notify"
	"github.com/cory-johannsen/triad/internal/game/session"
)

type fakeQueue struct {
	mu     sync.Mutex
	queued map[string]bool
}

func (f *fakeQueue) InQueue(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[userID]
}

func (f *fakeQueue) add(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queued == nil {
		f.queued = make(map[string]bool)
	}
	f.queued[userID] = true
}

type fakeStarter struct {
	mu      sync.Mutex
	started [][2]string
	fail    bool
}

func (f *fakeStarter) StartMatch(p1, p2 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("boom")
	}
	f.started = append(f.started, [2]string{p1, p2})
	return "match-1", nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Registry
	queue    *fakeQueue
	starter  *fakeStarter
	notifier *notify.Registry
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		sessions: session.NewRegistry(nil, logger),
		queue:    &fakeQueue{},
		starter:  &fakeStarter{},
		notifier: notify.NewRegistry(),
	}
	f.orch = NewOrchestrator(f.sessions, f.queue, f.starter, f.notifier, timeout, logger)
	return f
}

// connect creates a session and a push entity for the user.
func (f *fixture) connect(userID, username string) *notify.Entity {
	f.sessions.Create(userID, username)
	return f.notifier.Register(userID, 16)
}

func drainOne(t *testing.T, e *notify.Entity) notify.Event {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("expected an event")
		return notify.Event{}
	}
}

func assertNoEvent(t *testing.T, e *notify.Entity) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateNotifiesTargetOnly(t *testing.T) {
	f := newFixture(t, time.Minute)
	senderEnt := f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ch.Status)
	assert.True(t, ch.ExpiresAt.After(ch.CreatedAt))

	ev := drainOne(t, targetEnt)
	require.Equal(t, notify.EventChallengeOffer, ev.Type)
	offer := ev.Payload.(notify.ChallengeOffer)
	assert.Equal(t, ch.ID, offer.ChallengeID)
	assert.Equal(t, "Alice", offer.SenderUsername)

	assertNoEvent(t, senderEnt)

	// Both sessions now carry the challenge ID.
	assert.True(t, f.sessions.InChallenge("alice"))
	assert.True(t, f.sessions.InChallenge("bob"))
	assert.True(t, f.orch.IsUserInChallenge("alice"))
}

func TestCreateValidationChain(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(f *fixture)
		sender  string
		target  string
		wantErr error
	}{
		{
			name:    "self challenge",
			arrange: func(f *fixture) { f.connect("alice", "Alice") },
			sender:  "alice", target: "alice",
			wantErr: ErrSelfChallenge,
		},
		{
			name:    "target offline",
			arrange: func(f *fixture) { f.connect("alice", "Alice") },
			sender:  "alice", target: "bob",
			wantErr: ErrTargetOffline,
		},
		{
			name: "sender in match",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.sessions.SetMatchIDForUser("alice", "m1")
			},
			sender: "alice", target: "bob",
			wantErr: ErrSenderInMatch,
		},
		{
			name: "sender in challenge",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.sessions.SetChallengeIDForUser("alice", "c0")
			},
			sender: "alice", target: "bob",
			wantErr: ErrSenderInChallenge,
		},
		{
			name: "sender queued",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.queue.add("alice")
			},
			sender: "alice", target: "bob",
			wantErr: ErrSenderQueued,
		},
		{
			name: "target in match",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.sessions.SetMatchIDForUser("bob", "m1")
			},
			sender: "alice", target: "bob",
			wantErr: ErrTargetInMatch,
		},
		{
			name: "target in challenge",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.sessions.SetChallengeIDForUser("bob", "c0")
			},
			sender: "alice", target: "bob",
			wantErr: ErrTargetInChallenge,
		},
		{
			name: "target queued",
			arrange: func(f *fixture) {
				f.connect("alice", "Alice")
				f.connect("bob", "Bob")
				f.queue.add("bob")
			},
			sender: "alice", target: "bob",
			wantErr: ErrTargetQueued,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Minute)
			tt.arrange(f)
			_, err := f.orch.Create(tt.sender, tt.target)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.orch.ActiveCount())
		})
	}
}

func TestAcceptCreatesMatchAndCleansUp(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	require.NoError(t, f.orch.Respond(ch.ID, true))

	assert.Equal(t, 1, f.starter.count())
	assert.Equal(t, 0, f.orch.ActiveCount())
	assert.False(t, f.sessions.InChallenge("alice"))
	assert.False(t, f.sessions.InChallenge("bob"))

	// The challenge is gone; a second response is a stale reference.
	err = f.orch.Respond(ch.ID, true)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestAcceptWithFailedMatchCreationNotifiesBoth(t *testing.T) {
	f := newFixture(t, time.Minute)
	senderEnt := f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")
	f.starter.fail = true

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	require.NoError(t, f.orch.Respond(ch.ID, true))

	for _, ent := range []*notify.Entity{senderEnt, targetEnt} {
		ev := drainOne(t, ent)
		require.Equal(t, notify.EventChallengeCancelled, ev.Type)
		assert.Equal(t, ReasonMatchCreationFailed, ev.Payload.(notify.ChallengeCancelled).Reason)
	}

	// Neither user may be left stranded with a dangling challenge.
	assert.False(t, f.sessions.InChallenge("alice"))
	assert.False(t, f.sessions.InChallenge("bob"))
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestDeclineNotifiesSenderOnly(t *testing.T) {
	f := newFixture(t, time.Minute)
	senderEnt := f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	require.NoError(t, f.orch.Respond(ch.ID, false))

	ev := drainOne(t, senderEnt)
	require.Equal(t, notify.EventChallengeCancelled, ev.Type)
	assert.Equal(t, ReasonDeclined, ev.Payload.(notify.ChallengeCancelled).Reason)

	// The target declined; they get no redundant notice.
	assertNoEvent(t, targetEnt)
	assert.Equal(t, 0, f.starter.count())
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestTimeoutClearsEverything(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	senderEnt := f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	for _, ent := range []*notify.Entity{senderEnt, targetEnt} {
		ev := drainOne(t, ent)
		require.Equal(t, notify.EventChallengeCancelled, ev.Type)
		assert.Equal(t, ReasonTimeout, ev.Payload.(notify.ChallengeCancelled).Reason)
	}

	require.Eventually(t, func() bool { return f.orch.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.sessions.InChallenge("alice"))
	assert.False(t, f.sessions.InChallenge("bob"))

	err = f.orch.Respond(ch.ID, true)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestRespondBeatsTimeout(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt)

	require.NoError(t, f.orch.Respond(ch.ID, true))

	// A stale timer firing after the response must be a no-op.
	f.orch.handleTimeout(ch.ID)

	assert.Equal(t, 1, f.starter.count())
	assertNoEvent(t, targetEnt)
}

func TestConcurrentAcceptAndDecline(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	ch, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- f.orch.Respond(ch.ID, true)
	}()
	go func() {
		defer wg.Done()
		results <- f.orch.Respond(ch.ID, false)
	}()
	wg.Wait()
	close(results)

	var succeeded, failed int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one response may win")
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestHandleUserDisconnectReasons(t *testing.T) {
	f := newFixture(t, time.Minute)
	senderEnt := f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	_, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	f.orch.HandleUserDisconnect("bob")

	ev := drainOne(t, senderEnt)
	require.Equal(t, notify.EventChallengeCancelled, ev.Type)
	assert.Equal(t, ReasonTargetDisconnected, ev.Payload.(notify.ChallengeCancelled).Reason)
	assert.Equal(t, 0, f.orch.ActiveCount())

	// Disconnecting with no challenges is a no-op.
	f.orch.HandleUserDisconnect("bob")
}

func TestSenderDisconnectReason(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	_, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt) // the offer

	f.orch.HandleUserDisconnect("alice")

	ev := drainOne(t, targetEnt)
	require.Equal(t, notify.EventChallengeCancelled, ev.Type)
	assert.Equal(t, ReasonSenderDisconnected, ev.Payload.(notify.ChallengeCancelled).Reason)
}

func TestCleanupDoesNotClobberNewerChallenge(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect("alice", "Alice")
	targetEnt := f.connect("bob", "Bob")

	first, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)
	drainOne(t, targetEnt)
	require.NoError(t, f.orch.Respond(first.ID, false))

	// A newer challenge between the same users reuses the session fields.
	second, err := f.orch.Create("alice", "bob")
	require.NoError(t, err)

	// A stray cleanup for the old challenge must not clear the new one.
	f.orch.cleanup(first)

	sess, ok := f.sessions.GetByUserID("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, sess.ChallengeID)

	// And cleaning the same challenge twice must not panic.
	f.orch.cleanup(first)
}

// Property: any sequence of create, accept, decline, timeout, and disconnect
// operations leaves every user party to at most one active challenge, with
// the session's challenge field agreeing with orchestrator membership.
func TestPropertyMembershipUnderOpSequences(t *testing.T) {
	users := []string{"alice", "bob", "carol"}

	rapid.Check(t, func(rt *rapid.T) {
		logger := zap.NewNop()
		f := &fixture{
			sessions: session.NewRegistry(nil, logger),
			queue:    &fakeQueue{},
			starter:  &fakeStarter{},
			notifier: notify.NewRegistry(),
		}
		// The hour-long window keeps real timers from firing; expiry is
		// driven explicitly as one of the operations.
		f.orch = NewOrchestrator(f.sessions, f.queue, f.starter, f.notifier, time.Hour, logger)
		for _, u := range users {
			f.sessions.Create(u, u)
			f.notifier.Register(u, 64)
		}

		// All challenge IDs ever issued; operating on a resolved one is a
		// legal no-op and stays in the pool on purpose.
		var ids []string
		userGen := rapid.SampledFrom(users)

		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for step := 0; step < steps; step++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				sender := userGen.Draw(rt, "sender")
				target := userGen.Draw(rt, "target")
				if ch, err := f.orch.Create(sender, target); err == nil {
					ids = append(ids, ch.ID)
				}
			case 1:
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "respondID")]
				_ = f.orch.Respond(id, rapid.Bool().Draw(rt, "accept"))
			case 2:
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "timeoutID")]
				f.orch.handleTimeout(id)
			case 3:
				f.orch.HandleUserDisconnect(userGen.Draw(rt, "gone"))
			}

			for _, u := range users {
				var active int
				f.orch.mu.RLock()
				for _, ch := range f.orch.challenges {
					if ch.SenderID == u || ch.TargetID == u {
						active++
					}
				}
				f.orch.mu.RUnlock()

				if active > 1 {
					rt.Fatalf("user %s in %d challenges after step %d", u, active, step)
				}
				if (active == 1) != f.sessions.InChallenge(u) {
					rt.Fatalf("session challenge field out of sync for %s after step %d", u, step)
				}
			}
		}
	})
}

func TestRespondUnknownChallenge(t *testing.T) {
	f := newFixture(t, time.Minute)
	err := f.orch.Respond("nope", true)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	err = f.orch.Cancel("nope", ReasonTimeout)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}
