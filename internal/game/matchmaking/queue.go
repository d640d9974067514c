// Package matchmaking provides the FIFO matchmaking queue and its periodic
// pairing task. Waiters are paired two at a time in arrival order; the actual
// match creation is delegated to the shared MatchStarter path, which is also
// used by accepted challenges.
package matchmaking

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/game/notify"
)

// MatchStarter creates a match between two paired users: it generates the
// match ID, initializes the game, updates both sessions, and notifies both
// players. Implemented by the gameserver match manager.
type MatchStarter interface {
	StartMatch(player1ID, player2ID string) (string, error)
}

// Presence reports whether a user still has a live session. Implemented by
// the session registry.
type Presence interface {
	Online(userID string) bool
}

// Queue is a FIFO pool of waiting user IDs with O(1) membership checks.
// All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	waiting []string
	members map[string]bool

	starter  MatchStarter
	presence Presence
	notifier *notify.Registry
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueue creates a Queue that pairs waiters every interval.
//
// Precondition: starter, presence, notifier, and logger must be non-nil;
// interval > 0.
func NewQueue(starter MatchStarter, presence Presence, notifier *notify.Registry, interval time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		members:  make(map[string]bool),
		starter:  starter,
		presence: presence,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Request adds the user to the queue tail.
//
// Postcondition: Returns false with no side effect if the user is already
// queued; true once the user is waiting. Callers enforce the wider
// queued/challenged/in-match exclusivity before calling.
func (q *Queue) Request(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.members[userID] {
		return false
	}
	q.members[userID] = true
	q.waiting = append(q.waiting, userID)
	q.logger.Debug("user queued",
		zap.String("user_id", userID),
		zap.Int("queue_len", len(q.waiting)),
	)
	return true
}

// Cancel removes the user from the queue if present; no-op otherwise.
func (q *Queue) Cancel(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.members[userID] {
		return
	}
	delete(q.members, userID)
	for i, id := range q.waiting {
		if id == userID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.logger.Debug("user left queue",
		zap.String("user_id", userID),
		zap.Int("queue_len", len(q.waiting)),
	)
}

// InQueue reports whether the user is currently waiting.
func (q *Queue) InQueue(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.members[userID]
}

// Len returns the number of waiting users.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Start runs the pairing loop until Stop is called. Implements server.Service.
//
// Postcondition: Blocks until Stop; always returns nil.
func (q *Queue) Start() error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			return nil
		case <-ticker.C:
			q.Tick()
		}
	}
}

// Stop terminates the pairing loop and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// Tick performs one pairing pass: while at least two users wait, the two
// oldest are paired and handed to the MatchStarter. Exposed so tests can
// drive pairing without the ticker.
func (q *Queue) Tick() {
	for {
		p1, p2, ok := q.takePair()
		if !ok {
			break
		}

		matchID, err := q.starter.StartMatch(p1, p2)
		if err != nil {
			// Neither waiter may be lost: put both back at the head in
			// their original order and retry on the next tick.
			q.logger.Error("match creation failed, re-queueing pair",
				zap.String("player1", p1),
				zap.String("player2", p2),
				zap.Error(err),
			)
			q.requeueFront(p1, p2)
			break
		}
		q.logger.Info("matched from queue",
			zap.String("match_id", matchID),
			zap.String("player1", p1),
			zap.String("player2", p2),
		)
	}
	q.broadcastPositions()
}

// takePair removes and returns the two oldest waiters.
func (q *Queue) takePair() (string, string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) < 2 {
		return "", "", false
	}
	p1, p2 := q.waiting[0], q.waiting[1]
	q.waiting = q.waiting[2:]
	delete(q.members, p1)
	delete(q.members, p2)
	return p1, p2, true
}

// requeueFront reinserts a failed pair at the head of the queue, keeping
// their original relative order and skipping anyone who re-queued meanwhile.
// A waiter who disconnected between dequeue and match creation is dropped
// instead; restoring a session-less entry would fail every future pairing it
// appears in and wedge the head of the queue.
func (q *Queue) requeueFront(p1, p2 string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := make([]string, 0, 2)
	for _, id := range []string{p1, p2} {
		if !q.presence.Online(id) {
			q.logger.Warn("dropping disconnected waiter",
				zap.String("user_id", id),
			)
			continue
		}
		if !q.members[id] {
			q.members[id] = true
			restored = append(restored, id)
		}
	}
	q.waiting = append(restored, q.waiting...)
}

// broadcastPositions pushes each remaining waiter their queue position.
// Delivery is best-effort; an unreachable waiter stays queued.
func (q *Queue) broadcastPositions() {
	q.mu.Lock()
	waiters := append([]string(nil), q.waiting...)
	q.mu.Unlock()

	for i, userID := range waiters {
		ev := notify.Event{
			Type:    notify.EventQueueUpdate,
			Payload: notify.QueueUpdate{Position: i + 1},
		}
		if err := q.notifier.Push(userID, ev); err != nil {
			q.logger.Debug("queue update not delivered",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
}
