// Package challenge provides the direct-challenge orchestrator: time-bounded
// match invitations between two specific online users. Accepting a challenge
// creates a match through the same path the matchmaking queue uses.
package challenge

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a challenge. Transitions are one-way:
// PENDING moves to exactly one terminal state and never re-opens.
type Status string

// Challenge statuses.
const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusDeclined  Status = "DECLINED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Cancellation reason codes carried in challenge_cancelled notifications.
const (
	ReasonDeclined            = "DECLINED"
	ReasonTimeout             = "TIMEOUT"
	ReasonMatchCreationFailed = "MATCH_CREATION_FAILED"
	ReasonSenderDisconnected  = "SENDER_DISCONNECTED"
	ReasonTargetDisconnected  = "TARGET_DISCONNECTED"
)

// Challenge is one direct match invitation.
//
// Invariant: at most one PENDING challenge references a given user as sender
// or target at a time, enforced by Orchestrator.Create's validation chain.
type Challenge struct {
	ID        string
	SenderID  string
	TargetID  string
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Lookup failures: stale references to challenges that no longer exist or
// have already left PENDING.
var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeNotPending = errors.New("challenge already resolved")
)

// Business-rule rejections from Create's validation chain. These are expected
// outcomes reported to the caller, never logged as errors.
var (
	ErrSelfChallenge     = errors.New("cannot challenge yourself")
	ErrTargetOffline     = errors.New("target user is not online")
	ErrSenderInMatch     = errors.New("sender is already in a match")
	ErrSenderInChallenge = errors.New("sender already has an active challenge")
	ErrSenderQueued      = errors.New("sender is in the matchmaking queue")
	ErrTargetInMatch     = errors.New("target is already in a match")
	ErrTargetInChallenge = errors.New("target already has an active challenge")
	ErrTargetQueued      = errors.New("target is in the matchmaking queue")
)
