package challenge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/game/notify"
	"github.com/cory-johannsen/triad/internal/game/session"
)

// QueueChecker reports matchmaking-queue membership. Implemented by the
// matchmaking queue.
type QueueChecker interface {
	InQueue(userID string) bool
}

// MatchStarter creates a match between two users through the shared
// match-creation path. Implemented by the gameserver match manager.
type MatchStarter interface {
	StartMatch(player1ID, player2ID string) (string, error)
}

// Orchestrator manages all active challenges. Each challenge owns a dedicated
// lock held for the full duration of any state-transition decision, so an
// accept, decline, cancel, and timeout can never double-fire against the same
// challenge. Different challenges transition independently.
type Orchestrator struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
	locks      map[string]*sync.Mutex
	timers     map[string]*ExpiryTimer

	sessions *session.Registry
	queue    QueueChecker
	starter  MatchStarter
	notifier *notify.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewOrchestrator creates an Orchestrator with the given acceptance window.
//
// Precondition: all dependencies must be non-nil; timeout > 0.
func NewOrchestrator(
	sessions *session.Registry,
	queue QueueChecker,
	starter MatchStarter,
	notifier *notify.Registry,
	timeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		challenges: make(map[string]*Challenge),
		locks:      make(map[string]*sync.Mutex),
		timers:     make(map[string]*ExpiryTimer),
		sessions:   sessions,
		queue:      queue,
		starter:    starter,
		notifier:   notifier,
		timeout:    timeout,
		logger:     logger,
	}
}

// Create validates and issues a challenge from sender to target, schedules
// its expiry timer, and notifies the target. The sender is not notified;
// they initiated it.
//
// Postcondition: Returns the PENDING challenge, or the first violated
// business rule from the ordered validation chain.
func (o *Orchestrator) Create(senderID, targetID string) (*Challenge, error) {
	if senderID == targetID {
		return nil, ErrSelfChallenge
	}

	targetSess, ok := o.sessions.GetByUserID(targetID)
	if !ok {
		return nil, ErrTargetOffline
	}
	senderSess, ok := o.sessions.GetByUserID(senderID)
	if !ok {
		return nil, fmt.Errorf("sender %s has no session", senderID)
	}

	switch {
	case senderSess.MatchID != "":
		return nil, ErrSenderInMatch
	case senderSess.ChallengeID != "":
		return nil, ErrSenderInChallenge
	case o.queue.InQueue(senderID):
		return nil, ErrSenderQueued
	case targetSess.MatchID != "":
		return nil, ErrTargetInMatch
	case targetSess.ChallengeID != "":
		return nil, ErrTargetInChallenge
	case o.queue.InQueue(targetID):
		return nil, ErrTargetQueued
	}

	now := time.Now()
	ch := &Challenge{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		TargetID:  targetID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(o.timeout),
	}

	o.mu.Lock()
	o.challenges[ch.ID] = ch
	o.locks[ch.ID] = &sync.Mutex{}
	o.timers[ch.ID] = NewExpiryTimer(o.timeout, func() { o.handleTimeout(ch.ID) })
	o.mu.Unlock()

	o.sessions.SetChallengeIDForUser(senderID, ch.ID)
	o.sessions.SetChallengeIDForUser(targetID, ch.ID)

	offer := notify.Event{
		Type: notify.EventChallengeOffer,
		Payload: notify.ChallengeOffer{
			ChallengeID:    ch.ID,
			SenderID:       senderID,
			SenderUsername: senderSess.Username,
			ExpiresAt:      ch.ExpiresAt,
		},
	}
	if err := o.notifier.Push(targetID, offer); err != nil {
		o.logger.Warn("challenge offer not delivered",
			zap.String("challenge_id", ch.ID),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}

	o.logger.Info("challenge created",
		zap.String("challenge_id", ch.ID),
		zap.String("sender_id", senderID),
		zap.String("target_id", targetID),
	)
	return ch, nil
}

// Respond resolves a PENDING challenge as accepted or declined. The whole
// decision runs under the per-challenge lock so it cannot race the expiry
// timer. An unknown or already-resolved challenge fails uniformly.
//
// Postcondition: On accept, the match was created (or both users were told it
// failed); on decline, only the sender was notified. Either way the challenge
// is removed from the active map.
func (o *Orchestrator) Respond(challengeID string, accept bool) error {
	lock, ok := o.lockFor(challengeID)
	if !ok {
		return ErrChallengeNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	ch, ok := o.get(challengeID)
	if !ok {
		return ErrChallengeNotFound
	}
	if ch.Status != StatusPending {
		return ErrChallengeNotPending
	}

	o.stopTimer(challengeID)

	if !accept {
		ch.Status = StatusDeclined
		// Only the sender needs to hear about it; the target declined.
		o.pushCancelled(ch.SenderID, ch.ID, ReasonDeclined)
		o.cleanup(ch)
		o.logger.Info("challenge declined", zap.String("challenge_id", ch.ID))
		return nil
	}

	ch.Status = StatusAccepted
	if _, err := o.starter.StartMatch(ch.SenderID, ch.TargetID); err != nil {
		o.logger.Error("match creation from challenge failed",
			zap.String("challenge_id", ch.ID),
			zap.Error(err),
		)
		o.pushCancelled(ch.SenderID, ch.ID, ReasonMatchCreationFailed)
		o.pushCancelled(ch.TargetID, ch.ID, ReasonMatchCreationFailed)
	} else {
		o.logger.Info("challenge accepted", zap.String("challenge_id", ch.ID))
	}
	o.cleanup(ch)
	return nil
}

// Cancel transitions a PENDING challenge to CANCELLED and notifies both
// parties with the given reason — unless the reason is DECLINED, whose
// notification is owned by the decline path and must not be duplicated.
func (o *Orchestrator) Cancel(challengeID, reason string) error {
	lock, ok := o.lockFor(challengeID)
	if !ok {
		return ErrChallengeNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	ch, ok := o.get(challengeID)
	if !ok {
		return ErrChallengeNotFound
	}
	if ch.Status != StatusPending {
		return ErrChallengeNotPending
	}

	o.stopTimer(challengeID)
	ch.Status = StatusCancelled

	if reason != ReasonDeclined {
		o.pushCancelled(ch.SenderID, ch.ID, reason)
		o.pushCancelled(ch.TargetID, ch.ID, reason)
	}
	o.cleanup(ch)

	o.logger.Info("challenge cancelled",
		zap.String("challenge_id", ch.ID),
		zap.String("reason", reason),
	)
	return nil
}

// HandleUserDisconnect cancels every active challenge involving the user.
// Invoked by the connection lifecycle on every disconnect and explicit logout.
func (o *Orchestrator) HandleUserDisconnect(userID string) {
	type affected struct {
		id     string
		reason string
	}

	o.mu.RLock()
	var hits []affected
	for id, ch := range o.challenges {
		switch userID {
		case ch.SenderID:
			hits = append(hits, affected{id: id, reason: ReasonSenderDisconnected})
		case ch.TargetID:
			hits = append(hits, affected{id: id, reason: ReasonTargetDisconnected})
		}
	}
	o.mu.RUnlock()

	for _, h := range hits {
		// A concurrent resolution already cleaned the challenge up; fine.
		if err := o.Cancel(h.id, h.reason); err != nil {
			o.logger.Debug("disconnect cancel skipped",
				zap.String("challenge_id", h.id),
				zap.Error(err),
			)
		}
	}
}

// Get returns the active challenge for challengeID.
//
// Postcondition: Returns (challenge, true) if found, or (nil, false) otherwise.
func (o *Orchestrator) Get(challengeID string) (*Challenge, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ch, ok := o.challenges[challengeID]
	return ch, ok
}

// IsUserInChallenge reports whether the user is sender or target of any
// active challenge.
func (o *Orchestrator) IsUserInChallenge(userID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, ch := range o.challenges {
		if ch.SenderID == userID || ch.TargetID == userID {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of active challenges.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.challenges)
}

// handleTimeout is the expiry-timer callback. It transitions the challenge to
// TIMEOUT only if it is still PENDING at fire time, guarding against the race
// where the user responded just before the timer fired.
func (o *Orchestrator) handleTimeout(challengeID string) {
	lock, ok := o.lockFor(challengeID)
	if !ok {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	ch, ok := o.get(challengeID)
	if !ok || ch.Status != StatusPending {
		return
	}

	ch.Status = StatusTimeout
	o.pushCancelled(ch.SenderID, ch.ID, ReasonTimeout)
	o.pushCancelled(ch.TargetID, ch.ID, ReasonTimeout)
	o.cleanup(ch)

	o.logger.Info("challenge timed out", zap.String("challenge_id", challengeID))
}

// cleanup tears a challenge down after any terminal transition: it removes
// the challenge, its lock, and its timer from the active maps, and clears the
// challengeID field from both sessions only where it still equals this
// challenge. Safe to run more than once for the same challenge.
func (o *Orchestrator) cleanup(ch *Challenge) {
	o.mu.Lock()
	delete(o.challenges, ch.ID)
	delete(o.locks, ch.ID)
	timer := o.timers[ch.ID]
	delete(o.timers, ch.ID)
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	o.sessions.ClearChallengeIDForUser(ch.SenderID, ch.ID)
	o.sessions.ClearChallengeIDForUser(ch.TargetID, ch.ID)
}

// lockFor returns the per-challenge lock, or false for an unknown challenge.
func (o *Orchestrator) lockFor(challengeID string) (*sync.Mutex, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	lock, ok := o.locks[challengeID]
	return lock, ok
}

// get returns the challenge without touching the lock table.
func (o *Orchestrator) get(challengeID string) (*Challenge, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ch, ok := o.challenges[challengeID]
	return ch, ok
}

// stopTimer stops the challenge's expiry timer if it is still tracked.
func (o *Orchestrator) stopTimer(challengeID string) {
	o.mu.RLock()
	timer := o.timers[challengeID]
	o.mu.RUnlock()
	if timer != nil {
		timer.Stop()
	}
}

// pushCancelled delivers a challenge_cancelled event, logging non-delivery.
func (o *Orchestrator) pushCancelled(userID, challengeID, reason string) {
	ev := notify.Event{
		Type: notify.EventChallengeCancelled,
		Payload: notify.ChallengeCancelled{
			ChallengeID: challengeID,
			Reason:      reason,
		},
	}
	if err := o.notifier.Push(userID, ev); err != nil {
		o.logger.Debug("challenge cancellation not delivered",
			zap.String("user_id", userID),
			zap.String("challenge_id", challengeID),
			zap.Error(err),
		)
	}
}
