// Package gameserver provides the request-level surface of the Triad server:
// the websocket transport, the message dispatch with its error-code mapping,
// and the match manager that drives each duel from creation to completion.
package gameserver

import "encoding/json"

// Request is the client-to-server message envelope.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the server-to-client reply to one request. Push events share the
// same envelope shape but carry a notify event type and no ok/code fields.
type Response struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`

	// Close tells the transport to drop the connection after writing the
	// response. Never serialized.
	Close bool `json:"-"`
}

// Request types accepted by the dispatch.
const (
	TypeRegister         = "register"
	TypeLogin            = "login"
	TypeLogout           = "logout"
	TypeRequestMatch     = "request_match"
	TypeCancelMatch      = "cancel_match"
	TypeCreateChallenge  = "create_challenge"
	TypeRespondChallenge = "respond_challenge"
	TypePlayCard         = "play_card"
	TypeMatchState       = "match_state"
)

// Protocol error codes. Business-rule rejections get specific codes so clients
// can react; everything unexpected collapses to INTERNAL_ERROR with no detail.
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeInternalError        = "INTERNAL_ERROR"

	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeUserAlreadyOnline  = "USER_ALREADY_ONLINE"

	CodeAlreadyQueued = "ALREADY_QUEUED"
	CodeInMatch       = "IN_MATCH"
	CodeInChallenge   = "IN_CHALLENGE"

	CodeChallengeNotFound   = "CHALLENGE_NOT_FOUND"
	CodeChallengeNotPending = "CHALLENGE_NOT_PENDING"
	CodeSelfChallenge       = "SELF_CHALLENGE"
	CodeTargetOffline       = "TARGET_OFFLINE"
	CodeSenderInMatch       = "SENDER_IN_MATCH"
	CodeSenderInChallenge   = "SENDER_IN_CHALLENGE"
	CodeSenderQueued        = "SENDER_QUEUED"
	CodeTargetInMatch       = "TARGET_IN_MATCH"
	CodeTargetInChallenge   = "TARGET_IN_CHALLENGE"
	CodeTargetQueued        = "TARGET_QUEUED"

	CodeMatchNotFound = "MATCH_NOT_FOUND"
	CodeNotInMatch    = "NOT_IN_MATCH"
	CodeInvalidPlay   = "INVALID_PLAY"
	CodeAlreadyPlayed = "ALREADY_PLAYED"
)

// LoginPayload carries credentials for login and register requests.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult is the payload of a successful login or register response.
type AuthResult struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
}

// CreateChallengePayload names the user being challenged.
type CreateChallengePayload struct {
	TargetID string `json:"targetId"`
}

// ChallengeCreated is the payload of a successful create_challenge response.
type ChallengeCreated struct {
	ChallengeID string `json:"challengeId"`
	ExpiresAt   string `json:"expiresAt"`
}

// RespondChallengePayload accepts or declines a pending challenge.
type RespondChallengePayload struct {
	ChallengeID string `json:"challengeId"`
	Accept      bool   `json:"accept"`
}

// PlayCardPayload submits one card for the current round.
type PlayCardPayload struct {
	MatchID string `json:"matchId"`
	CardID  int    `json:"cardId"`
}
