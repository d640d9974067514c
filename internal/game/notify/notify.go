// Package notify provides the push-notification registry: a mapping from user
// ID to a buffered event channel drained by that user's connection write loop.
// It lets matchmaking and challenge flows message a user other than the one
// whose request is currently being handled.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType identifies an asynchronous server-to-client event.
type EventType string

// Event types pushed by the orchestration core.
const (
	EventMatchFound         EventType = "match_found"
	EventChallengeOffer     EventType = "challenge_offer"
	EventChallengeCancelled EventType = "challenge_cancelled"
	EventRoundReveal        EventType = "round_reveal"
	EventGameEnd            EventType = "game_end"
	EventQueueUpdate        EventType = "queue_update"
)

// Event is a typed push message. Payload is serialized at the transport layer.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// ErrUnreachable is returned when the target user has no registered entity.
// Callers treat it as "user unreachable", never as a fatal error.
var ErrUnreachable = errors.New("user unreachable")

// MatchFound announces a successful pairing to one player.
type MatchFound struct {
	MatchID          string `json:"matchId"`
	OpponentID       string `json:"opponentId"`
	OpponentUsername string `json:"opponentUsername"`
}

// ChallengeOffer announces a pending challenge to its target.
type ChallengeOffer struct {
	ChallengeID    string    `json:"challengeId"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ChallengeCancelled announces that a challenge left PENDING without a match.
type ChallengeCancelled struct {
	ChallengeID string `json:"challengeId"`
	Reason      string `json:"reason"`
}

// GameEnd announces the final result of a match.
type GameEnd struct {
	MatchID      string `json:"matchId"`
	WinnerID     string `json:"winnerId,omitempty"` // empty for a draw
	Player1ID    string `json:"player1Id"`
	Player2ID    string `json:"player2Id"`
	Player1Score int    `json:"player1Score"`
	Player2Score int    `json:"player2Score"`
	Reason       string `json:"reason,omitempty"` // set for forfeits
}

// QueueUpdate reports a waiter's current position in the matchmaking queue.
type QueueUpdate struct {
	Position int `json:"position"`
}

// Entity routes push events to a single user's connection via a buffered
// channel. The connection write loop drains Events.
type Entity struct {
	userID string
	events chan Event
	mu     sync.Mutex
	closed bool
}

// NewEntity creates an Entity for the given user.
//
// Precondition: userID must be non-empty.
// Postcondition: Returns an Entity with an open events channel.
func NewEntity(userID string, bufferSize int) *Entity {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Entity{
		userID: userID,
		events: make(chan Event, bufferSize),
	}
}

// UserID returns the owning user's ID.
func (e *Entity) UserID() string {
	return e.userID
}

// Push enqueues an event for delivery.
//
// Postcondition: The event is enqueued, or an error if the entity is closed
// or its buffer is full. A full buffer drops the event rather than blocking
// the sender.
func (e *Entity) Push(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("entity %s is closed", e.userID)
	}
	select {
	case e.events <- ev:
		return nil
	default:
		return fmt.Errorf("entity %s event buffer full", e.userID)
	}
}

// Events returns the read-only events channel.
func (e *Entity) Events() <-chan Event {
	return e.events
}

// Close marks the entity as closed and closes the events channel.
//
// Postcondition: Further Push calls return an error. Safe to call repeatedly.
func (e *Entity) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// IsClosed reports whether the entity has been closed.
func (e *Entity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Registry maps user IDs to their active push entities. Insert and remove are
// owned by the connection lifecycle; the orchestration core only looks up and
// pushes. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Register creates and stores an entity for userID, replacing (and closing)
// any previous one for the same user.
//
// Precondition: userID must be non-empty.
// Postcondition: Returns the new open entity.
func (r *Registry) Register(userID string, bufferSize int) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entities[userID]; ok {
		_ = prev.Close()
	}
	e := NewEntity(userID, bufferSize)
	r.entities[userID] = e
	return e
}

// Deregister removes and closes the entity for userID, if the registered
// entity is the one given. A stale entity (already replaced by a newer
// connection) is closed without touching the registration.
func (r *Registry) Deregister(userID string, entity *Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entities[userID]; ok && current == entity {
		delete(r.entities, userID)
	}
	if entity != nil {
		_ = entity.Close()
	}
}

// Push delivers an event to the given user's entity.
//
// Postcondition: Returns nil on enqueue, ErrUnreachable if the user has no
// entity, or the entity's push error.
func (r *Registry) Push(userID string, ev Event) error {
	r.mu.RLock()
	e, ok := r.entities[userID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("pushing %s to %s: %w", ev.Type, userID, ErrUnreachable)
	}
	return e.Push(ev)
}

// Connected reports whether the user currently has a registered entity.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[userID]
	return ok
}
