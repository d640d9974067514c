// Package session provides the in-memory session registry binding live
// connections to authenticated users. The registry is the sole authorization
// gate for all request-level operations and the single place sessions are
// created and destroyed.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session binds one live connection to an authenticated user.
//
// Invariant: MatchID, ChallengeID, and matchmaking-queue membership are
// mutually exclusive; a user is in at most one of {queued, challenged,
// in-match} at a time. The registry stores the fields; the matchmaking and
// challenge orchestrators enforce the exclusivity at their entry points.
type Session struct {
	// ID is the opaque per-connection session identifier.
	ID string
	// UserID is the authenticated user's ID.
	UserID string
	// Username is the display name (for notifications and logging).
	Username string
	// MatchID is the active match, or empty.
	MatchID string
	// ChallengeID is the active challenge (as sender or target), or empty.
	ChallengeID string
	// LastActivity is updated on every authorized lookup.
	LastActivity time.Time
}

// Mirror persists session snapshots to an external store. All calls are
// best-effort: the in-memory registry stays authoritative and a mirror
// failure never fails the session operation.
type Mirror interface {
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, sessionID string) error
}

// Registry tracks all active sessions. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	mirror   Mirror // nil disables mirroring
	logger   *zap.Logger
}

// NewRegistry creates an empty Registry. mirror may be nil.
//
// Precondition: logger must be non-nil.
func NewRegistry(mirror Mirror, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		mirror:   mirror,
		logger:   logger,
	}
}

// Create registers a new session for the authenticated user and returns it.
//
// Precondition: userID and username must be non-empty.
// Postcondition: Returns a stored Session with a fresh unique ID.
func (r *Registry) Create(userID, username string) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Username:     username,
		LastActivity: time.Now(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	snapshot := *s
	r.mu.Unlock()

	r.mirrorSave(snapshot)
	return s
}

// Get returns the session for sessionID and refreshes its last-activity time.
// Absence means "not authenticated" and maps to AUTH_REQUIRED at the request
// layer.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.LastActivity = time.Now()
	return s, true
}

// GetByUserID returns the session owned by userID. Implemented as a linear
// scan over all sessions; fine at current scale, a userID index is the known
// optimization if session counts grow.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) GetByUserID(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.UserID == userID {
			return s, true
		}
	}
	return nil, false
}

// Remove deletes the session. This is the single place sessions are
// destroyed; external-store deletion is best-effort.
//
// Postcondition: The session no longer resolves. Safe to call for unknown IDs.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok && r.mirror != nil {
		if err := r.mirror.Delete(context.Background(), sessionID); err != nil {
			r.logger.Warn("session mirror delete failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

// SetMatchIDForUser assigns matchID to the user's session.
//
// Postcondition: Returns true if the user has a session and the field was set.
func (r *Registry) SetMatchIDForUser(userID, matchID string) bool {
	return r.updateByUser(userID, func(s *Session) { s.MatchID = matchID })
}

// ClearMatchIDForUser clears the user's match field only if it still equals
// matchID, guarding against clobbering a newer assignment.
func (r *Registry) ClearMatchIDForUser(userID, matchID string) {
	r.updateByUser(userID, func(s *Session) {
		if s.MatchID == matchID {
			s.MatchID = ""
		}
	})
}

// SetChallengeIDForUser assigns challengeID to the user's session.
//
// Postcondition: Returns true if the user has a session and the field was set.
func (r *Registry) SetChallengeIDForUser(userID, challengeID string) bool {
	return r.updateByUser(userID, func(s *Session) { s.ChallengeID = challengeID })
}

// ClearChallengeIDForUser clears the user's challenge field only if it still
// equals challengeID, guarding against clobbering a newer challenge.
func (r *Registry) ClearChallengeIDForUser(userID, challengeID string) {
	r.updateByUser(userID, func(s *Session) {
		if s.ChallengeID == challengeID {
			s.ChallengeID = ""
		}
	})
}

// Online reports whether the user currently has a session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// InMatch reports whether the user's session carries an active match ID.
func (r *Registry) InMatch(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.UserID == userID {
			return s.MatchID != ""
		}
	}
	return false
}

// InChallenge reports whether the user's session carries an active challenge ID.
func (r *Registry) InChallenge(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.UserID == userID {
			return s.ChallengeID != ""
		}
	}
	return false
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// updateByUser applies fn to the user's session under the write lock and
// mirrors the result. Returns false if the user has no session.
func (r *Registry) updateByUser(userID string, fn func(*Session)) bool {
	r.mu.Lock()
	var snapshot Session
	var found bool
	for _, s := range r.sessions {
		if s.UserID == userID {
			fn(s)
			snapshot = *s
			found = true
			break
		}
	}
	r.mu.Unlock()

	if found {
		r.mirrorSave(snapshot)
	}
	return found
}

// mirrorSave pushes a session snapshot to the mirror, logging failures.
func (r *Registry) mirrorSave(s Session) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Save(context.Background(), s); err != nil {
		r.logger.Warn("session mirror save failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}
