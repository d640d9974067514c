package gameserver

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/game/challenge"
	"github.com/cory-johannsen/triad/internal/game/deck"
	"github.com/cory-johannsen/triad/internal/game/engine"
	"github.com/cory-johannsen/triad/internal/game/matchmaking"
	"github.com/cory-johannsen/triad/internal/game/notify"
	"github.com/cory-johannsen/triad/internal/game/session"
)

// eventBuffer is the per-connection push-event buffer size.
const eventBuffer = 64

// Account is the handler's view of a stored account.
type Account struct {
	ID       string
	Username string
}

// AccountStore authenticates and registers accounts. Implemented by the
// postgres account repository through accountAdapter.
type AccountStore interface {
	// Register creates an account, or ErrUsernameTaken.
	Register(ctx context.Context, username, password string) (Account, error)
	// Authenticate verifies credentials, or ErrBadCredentials.
	Authenticate(ctx context.Context, username, password string) (Account, error)
}

// Account-store failures the dispatch maps to protocol codes.
var (
	ErrUsernameTaken  = errors.New("username already taken")
	ErrBadCredentials = errors.New("invalid username or password")
)

// Client is the per-connection identity owned by the transport and filled in
// by a successful login or register.
type Client struct {
	SessionID string
	UserID    string
	Username  string
}

// Authenticated reports whether the connection has completed login.
func (c *Client) Authenticated() bool {
	return c.SessionID != ""
}

// Handler dispatches decoded requests against the orchestration core and maps
// every outcome to a protocol response. One Handler serves all connections.
type Handler struct {
	accounts   AccountStore
	sessions   *session.Registry
	queue      *matchmaking.Queue
	challenges *challenge.Orchestrator
	matches    *MatchManager
	notifier   *notify.Registry
	logger     *zap.Logger
}

// NewHandler creates a Handler.
//
// Precondition: all dependencies must be non-nil.
func NewHandler(
	accounts AccountStore,
	sessions *session.Registry,
	queue *matchmaking.Queue,
	challenges *challenge.Orchestrator,
	matches *MatchManager,
	notifier *notify.Registry,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		accounts:   accounts,
		sessions:   sessions,
		queue:      queue,
		challenges: challenges,
		matches:    matches,
		notifier:   notifier,
		logger:     logger,
	}
}

// Dispatch handles one raw client message. It returns the response to write
// and, when the message authenticated the connection, the push entity the
// transport must start draining.
//
// Postcondition: Always returns a well-formed Response; a panic in any
// operation is recovered and answered as INTERNAL_ERROR.
func (h *Handler) Dispatch(ctx context.Context, client *Client, raw []byte) (resp Response, entity *notify.Entity) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return failResp("", CodeInvalidPayload, "malformed message"), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in dispatch",
				zap.String("type", req.Type),
				zap.Any("panic", rec),
			)
			resp = failResp(req.Type, CodeInternalError, "internal error")
			entity = nil
		}
	}()

	switch req.Type {
	case TypeLogin:
		return h.handleAuth(ctx, client, req, false)
	case TypeRegister:
		return h.handleAuth(ctx, client, req, true)
	}

	sess, ok := h.sessions.Get(client.SessionID)
	if !ok {
		return failResp(req.Type, CodeAuthRequired, "login required"), nil
	}

	switch req.Type {
	case TypeLogout:
		r := okResp(req.Type, nil)
		r.Close = true
		return r, nil
	case TypeRequestMatch:
		return h.handleRequestMatch(req, sess), nil
	case TypeCancelMatch:
		h.queue.Cancel(sess.UserID)
		return okResp(req.Type, nil), nil
	case TypeCreateChallenge:
		return h.handleCreateChallenge(req, sess), nil
	case TypeRespondChallenge:
		return h.handleRespondChallenge(req), nil
	case TypePlayCard:
		return h.handlePlayCard(req, sess), nil
	case TypeMatchState:
		return h.handleMatchState(req, sess), nil
	default:
		return failResp(req.Type, CodeUnknownType, "unknown request type"), nil
	}
}

// Teardown runs the disconnect hooks for a connection: matchmaking cancel,
// challenge cancellation, match forfeit, push deregistration, and session
// removal. Safe to call for never-authenticated connections.
func (h *Handler) Teardown(client *Client, entity *notify.Entity) {
	if !client.Authenticated() {
		return
	}
	h.queue.Cancel(client.UserID)
	h.challenges.HandleUserDisconnect(client.UserID)
	h.matches.HandleUserDisconnect(client.UserID)
	h.notifier.Deregister(client.UserID, entity)
	h.sessions.Remove(client.SessionID)

	h.logger.Info("session ended",
		zap.String("session_id", client.SessionID),
		zap.String("user_id", client.UserID),
	)
	*client = Client{}
}

func (h *Handler) handleAuth(ctx context.Context, client *Client, req Request, register bool) (Response, *notify.Entity) {
	if client.Authenticated() {
		return failResp(req.Type, CodeAlreadyAuthenticated, "already logged in"), nil
	}
	var p LoginPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Username == "" || p.Password == "" {
		return failResp(req.Type, CodeInvalidPayload, "username and password required"), nil
	}

	var acct Account
	var err error
	if register {
		acct, err = h.accounts.Register(ctx, p.Username, p.Password)
	} else {
		acct, err = h.accounts.Authenticate(ctx, p.Username, p.Password)
	}
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return failResp(req.Type, CodeUsernameTaken, "username already taken"), nil
	case errors.Is(err, ErrBadCredentials):
		return failResp(req.Type, CodeInvalidCredentials, "invalid username or password"), nil
	case err != nil:
		h.logger.Error("account operation failed",
			zap.String("type", req.Type),
			zap.String("username", p.Username),
			zap.Error(err),
		)
		return failResp(req.Type, CodeInternalError, "internal error"), nil
	}

	// One live session per user. A second connection must log the first
	// out explicitly; silently stealing the session would strand a match.
	if _, online := h.sessions.GetByUserID(acct.ID); online {
		return failResp(req.Type, CodeUserAlreadyOnline, "user already logged in"), nil
	}

	sess := h.sessions.Create(acct.ID, acct.Username)
	client.SessionID = sess.ID
	client.UserID = acct.ID
	client.Username = acct.Username
	entity := h.notifier.Register(acct.ID, eventBuffer)

	h.logger.Info("user authenticated",
		zap.String("session_id", sess.ID),
		zap.String("user_id", acct.ID),
		zap.Bool("registered", register),
	)
	return okResp(req.Type, AuthResult{
		SessionID: sess.ID,
		UserID:    acct.ID,
		Username:  acct.Username,
	}), entity
}

func (h *Handler) handleRequestMatch(req Request, sess *session.Session) Response {
	switch {
	case sess.MatchID != "":
		return failResp(req.Type, CodeInMatch, "already in a match")
	case sess.ChallengeID != "":
		return failResp(req.Type, CodeInChallenge, "already in a challenge")
	}
	if !h.queue.Request(sess.UserID) {
		return failResp(req.Type, CodeAlreadyQueued, "already in the matchmaking queue")
	}
	return okResp(req.Type, nil)
}

func (h *Handler) handleCreateChallenge(req Request, sess *session.Session) Response {
	var p CreateChallengePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.TargetID == "" {
		return failResp(req.Type, CodeInvalidPayload, "targetId required")
	}
	ch, err := h.challenges.Create(sess.UserID, p.TargetID)
	if err != nil {
		return h.challengeError(req.Type, err)
	}
	return okResp(req.Type, ChallengeCreated{
		ChallengeID: ch.ID,
		ExpiresAt:   ch.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (h *Handler) handleRespondChallenge(req Request) Response {
	var p RespondChallengePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.ChallengeID == "" {
		return failResp(req.Type, CodeInvalidPayload, "challengeId required")
	}
	if err := h.challenges.Respond(p.ChallengeID, p.Accept); err != nil {
		return h.challengeError(req.Type, err)
	}
	return okResp(req.Type, nil)
}

func (h *Handler) handlePlayCard(req Request, sess *session.Session) Response {
	var p PlayCardPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.MatchID == "" {
		return failResp(req.Type, CodeInvalidPayload, "matchId and cardId required")
	}
	err := h.matches.SubmitPlay(sess.UserID, p.MatchID, p.CardID)
	switch {
	case err == nil:
		return okResp(req.Type, nil)
	case errors.Is(err, ErrAlreadyPlayed):
		return failResp(req.Type, CodeAlreadyPlayed, "card already played this round")
	case errors.Is(err, engine.ErrMatchNotFound):
		return failResp(req.Type, CodeMatchNotFound, "match not found")
	case errors.Is(err, engine.ErrNotInMatch):
		return failResp(req.Type, CodeNotInMatch, "not a player in this match")
	case errors.Is(err, engine.ErrInvalidPlay):
		return failResp(req.Type, CodeInvalidPlay, "card not in hand")
	default:
		h.logger.Error("play submission failed",
			zap.String("match_id", p.MatchID),
			zap.Error(err),
		)
		return failResp(req.Type, CodeInternalError, "internal error")
	}
}

// MatchView is a player's own view of a running match: their hand, never the
// opponent's.
type MatchView struct {
	MatchID       string               `json:"matchId"`
	OpponentID    string               `json:"opponentId"`
	Hand          []deck.Card          `json:"hand"`
	CurrentRound  int                  `json:"currentRound"`
	YourScore     int                  `json:"yourScore"`
	OpponentScore int                  `json:"opponentScore"`
	RoundHistory  []engine.RoundResult `json:"roundHistory"`
}

func (h *Handler) handleMatchState(req Request, sess *session.Session) Response {
	if sess.MatchID == "" {
		return failResp(req.Type, CodeMatchNotFound, "no active match")
	}
	state, ok := h.matches.engine.State(sess.MatchID)
	if !ok {
		return failResp(req.Type, CodeMatchNotFound, "match not found")
	}

	view := MatchView{
		MatchID:      state.MatchID,
		CurrentRound: state.CurrentRound,
		RoundHistory: append([]engine.RoundResult(nil), state.RoundHistory...),
	}
	if sess.UserID == state.Player1ID {
		view.OpponentID = state.Player2ID
		view.Hand = append([]deck.Card(nil), state.Player1Hand...)
		view.YourScore, view.OpponentScore = state.Player1Score, state.Player2Score
	} else {
		view.OpponentID = state.Player1ID
		view.Hand = append([]deck.Card(nil), state.Player2Hand...)
		view.YourScore, view.OpponentScore = state.Player2Score, state.Player1Score
	}
	return okResp(req.Type, view)
}

// challengeError maps challenge-package failures to protocol codes. Rule
// rejections are expected outcomes and logged at debug only.
func (h *Handler) challengeError(reqType string, err error) Response {
	code := CodeInternalError
	switch {
	case errors.Is(err, challenge.ErrChallengeNotFound):
		code = CodeChallengeNotFound
	case errors.Is(err, challenge.ErrChallengeNotPending):
		code = CodeChallengeNotPending
	case errors.Is(err, challenge.ErrSelfChallenge):
		code = CodeSelfChallenge
	case errors.Is(err, challenge.ErrTargetOffline):
		code = CodeTargetOffline
	case errors.Is(err, challenge.ErrSenderInMatch):
		code = CodeSenderInMatch
	case errors.Is(err, challenge.ErrSenderInChallenge):
		code = CodeSenderInChallenge
	case errors.Is(err, challenge.ErrSenderQueued):
		code = CodeSenderQueued
	case errors.Is(err, challenge.ErrTargetInMatch):
		code = CodeTargetInMatch
	case errors.Is(err, challenge.ErrTargetInChallenge):
		code = CodeTargetInChallenge
	case errors.Is(err, challenge.ErrTargetQueued):
		code = CodeTargetQueued
	}
	if code == CodeInternalError {
		h.logger.Error("challenge operation failed", zap.Error(err))
		return failResp(reqType, code, "internal error")
	}
	h.logger.Debug("challenge rejected", zap.String("code", code), zap.Error(err))
	return failResp(reqType, code, err.Error())
}

func okResp(reqType string, payload any) Response {
	return Response{Type: reqType, OK: true, Payload: payload}
}

func failResp(reqType, code, message string) Response {
	return Response{Type: reqType, OK: false, Code: code, Message: message}
}
