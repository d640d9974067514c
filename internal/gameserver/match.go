package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/game/deck"
	"github.com/cory-johannsen/triad/internal/game/engine"
	"github.com/cory-johannsen/triad/internal/game/notify"
	"github.com/cory-johannsen/triad/internal/game/session"
)

// ReasonOpponentDisconnected is the game-end reason when a match is forfeited
// by a mid-match disconnect.
const ReasonOpponentDisconnected = "OPPONENT_DISCONNECTED"

// ErrAlreadyPlayed is returned when a player submits a second card in the
// same round. The first valid play stands.
var ErrAlreadyPlayed = errors.New("card already played this round")

// MatchResult is the persisted record of one finished match.
type MatchResult struct {
	MatchID      string
	Player1ID    string
	Player2ID    string
	WinnerID     string // empty for a draw
	Player1Score int
	Player2Score int
	Reason       string // empty for a normally completed match
	FinishedAt   time.Time
}

// ResultStore records finished matches. Recording is best-effort: a storage
// failure is logged and never delays or fails game-end delivery.
type ResultStore interface {
	SaveResult(ctx context.Context, res MatchResult) error
}

// MatchManager is the shared match-creation path used by both the matchmaking
// queue and accepted challenges, and the owner of the per-match runner
// goroutines that pace rounds. It implements matchmaking.MatchStarter and
// challenge.MatchStarter.
type MatchManager struct {
	mu      sync.RWMutex
	runners map[string]*matchRunner

	engine     *engine.Engine
	sessions   *session.Registry
	notifier   *notify.Registry
	results    ResultStore // nil disables result recording
	playWindow time.Duration
	logger     *zap.Logger
}

// NewMatchManager creates a MatchManager. results may be nil.
//
// Precondition: eng, sessions, notifier, and logger must be non-nil;
// playWindow > 0.
func NewMatchManager(
	eng *engine.Engine,
	sessions *session.Registry,
	notifier *notify.Registry,
	results ResultStore,
	playWindow time.Duration,
	logger *zap.Logger,
) *MatchManager {
	return &MatchManager{
		runners:    make(map[string]*matchRunner),
		engine:     eng,
		sessions:   sessions,
		notifier:   notifier,
		results:    results,
		playWindow: playWindow,
		logger:     logger,
	}
}

// matchRunner holds the per-round play collection state for one match. The
// runner goroutine waits for both plays or the window, then resolves the round.
type matchRunner struct {
	matchID string
	p1, p2  string

	mu    sync.Mutex
	plays map[string]deck.Card

	both    chan struct{} // signaled when the second play of a round lands
	forfeit chan string   // carries the disconnected player's ID
}

// StartMatch creates a match between two users: generates the match ID, deals
// the game, binds both sessions, notifies both players, and starts the round
// runner. On any failure everything already done is rolled back so both users
// return to a joinable state.
//
// Postcondition: Returns the match ID, or an error with no lasting state.
func (m *MatchManager) StartMatch(player1ID, player2ID string) (string, error) {
	s1, ok := m.sessions.GetByUserID(player1ID)
	if !ok {
		return "", fmt.Errorf("player %s has no session", player1ID)
	}
	s2, ok := m.sessions.GetByUserID(player2ID)
	if !ok {
		return "", fmt.Errorf("player %s has no session", player2ID)
	}

	matchID := uuid.NewString()
	m.engine.InitializeGame(matchID, player1ID, player2ID)

	if !m.sessions.SetMatchIDForUser(player1ID, matchID) {
		m.engine.Cleanup(matchID)
		return "", fmt.Errorf("binding match to player %s", player1ID)
	}
	if !m.sessions.SetMatchIDForUser(player2ID, matchID) {
		m.sessions.ClearMatchIDForUser(player1ID, matchID)
		m.engine.Cleanup(matchID)
		return "", fmt.Errorf("binding match to player %s", player2ID)
	}

	r := &matchRunner{
		matchID: matchID,
		p1:      player1ID,
		p2:      player2ID,
		plays:   make(map[string]deck.Card),
		both:    make(chan struct{}, 1),
		forfeit: make(chan string, 1),
	}
	m.mu.Lock()
	m.runners[matchID] = r
	m.mu.Unlock()
	go m.run(r)

	// Announced only after the runner is registered, so a player reacting to
	// match_found immediately can already submit a play.
	m.pushMatchFound(player1ID, matchID, player2ID, s2.Username)
	m.pushMatchFound(player2ID, matchID, player1ID, s1.Username)

	m.logger.Info("match started",
		zap.String("match_id", matchID),
		zap.String("player1", player1ID),
		zap.String("player2", player2ID),
	)
	return matchID, nil
}

// SubmitPlay records the player's card for the current round. The first valid
// play per player per round is accepted.
//
// Postcondition: Returns nil and the card is locked in, or ErrAlreadyPlayed,
// or one of the engine's play errors.
func (m *MatchManager) SubmitPlay(userID, matchID string, cardID int) error {
	r := m.runner(matchID)
	if r == nil {
		return engine.ErrMatchNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.plays[userID]; dup {
		return ErrAlreadyPlayed
	}
	card, err := m.engine.PlayCard(matchID, userID, cardID)
	if err != nil {
		return err
	}
	r.plays[userID] = card
	if len(r.plays) == 2 {
		select {
		case r.both <- struct{}{}:
		default:
		}
	}
	return nil
}

// HandleUserDisconnect forfeits the user's active match, if any. The opponent
// wins with reason OPPONENT_DISCONNECTED and teardown runs in the runner
// goroutine.
func (m *MatchManager) HandleUserDisconnect(userID string) {
	m.mu.RLock()
	var r *matchRunner
	for _, cand := range m.runners {
		if cand.p1 == userID || cand.p2 == userID {
			r = cand
			break
		}
	}
	m.mu.RUnlock()

	if r == nil {
		return
	}
	select {
	case r.forfeit <- userID:
	default:
		// The match is already ending; the runner will tear it down.
	}
}

// ActiveMatches returns the number of matches currently running.
func (m *MatchManager) ActiveMatches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runners)
}

// run paces one match: a selection window per round, resolution when both
// plays land or the window elapses, and teardown after the final round or a
// forfeit.
func (m *MatchManager) run(r *matchRunner) {
	for round := 1; round <= engine.TotalRounds; round++ {
		timer := time.NewTimer(m.playWindow)
		select {
		case <-r.both:
			timer.Stop()
		case <-timer.C:
		case quitter := <-r.forfeit:
			timer.Stop()
			m.finishForfeit(r, quitter)
			return
		}

		result, err := m.resolveRound(r)
		if err != nil {
			// Round sequencing is broken; abandon the match without a
			// winner rather than inventing one.
			m.logger.Error("round resolution failed, abandoning match",
				zap.String("match_id", r.matchID),
				zap.Int("round", round),
				zap.Error(err),
			)
			m.teardown(r)
			return
		}

		m.pushBoth(r, notify.Event{Type: notify.EventRoundReveal, Payload: result})
	}
	m.finishComplete(r)
}

// resolveRound collects both plays (auto-picking any that are missing) and
// executes the round. Runs under the runner lock so a play arriving at the
// same instant lands in the next round, never in a half-resolved one.
func (m *MatchManager) resolveRound(r *matchRunner) (engine.RoundResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Clear a pending both-plays signal; sends only happen under this lock.
	select {
	case <-r.both:
	default:
	}

	p1Card, p1Played := r.plays[r.p1]
	p2Card, p2Played := r.plays[r.p2]
	r.plays = make(map[string]deck.Card)

	var err error
	if !p1Played {
		if p1Card, err = m.engine.AutoPickCard(r.matchID, r.p1); err != nil {
			return engine.RoundResult{}, fmt.Errorf("auto-picking for %s: %w", r.p1, err)
		}
	}
	if !p2Played {
		if p2Card, err = m.engine.AutoPickCard(r.matchID, r.p2); err != nil {
			return engine.RoundResult{}, fmt.Errorf("auto-picking for %s: %w", r.p2, err)
		}
	}

	return m.engine.ExecuteRound(r.matchID, p1Card, p2Card, !p1Played, !p2Played)
}

// finishComplete delivers the final result of a fully played match.
func (m *MatchManager) finishComplete(r *matchRunner) {
	winnerID, err := m.engine.Winner(r.matchID)
	if err != nil {
		m.logger.Error("winner lookup failed", zap.String("match_id", r.matchID), zap.Error(err))
		m.teardown(r)
		return
	}
	m.finish(r, winnerID, "")
}

// finishForfeit ends the match early: the remaining player wins.
func (m *MatchManager) finishForfeit(r *matchRunner, quitterID string) {
	winnerID := r.p1
	if quitterID == r.p1 {
		winnerID = r.p2
	}
	m.logger.Info("match forfeited",
		zap.String("match_id", r.matchID),
		zap.String("quitter", quitterID),
		zap.String("winner", winnerID),
	)
	m.finish(r, winnerID, ReasonOpponentDisconnected)
}

// finish delivers game-end to both players, records the result, and tears the
// match down — in that order, so cleanup never precedes delivery.
func (m *MatchManager) finish(r *matchRunner, winnerID, reason string) {
	var p1Score, p2Score int
	if state, ok := m.engine.State(r.matchID); ok {
		p1Score, p2Score = state.Player1Score, state.Player2Score
	}

	end := notify.GameEnd{
		MatchID:      r.matchID,
		WinnerID:     winnerID,
		Player1ID:    r.p1,
		Player2ID:    r.p2,
		Player1Score: p1Score,
		Player2Score: p2Score,
		Reason:       reason,
	}
	m.pushBoth(r, notify.Event{Type: notify.EventGameEnd, Payload: end})

	if m.results != nil {
		res := MatchResult{
			MatchID:      r.matchID,
			Player1ID:    r.p1,
			Player2ID:    r.p2,
			WinnerID:     winnerID,
			Player1Score: p1Score,
			Player2Score: p2Score,
			Reason:       reason,
			FinishedAt:   time.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.results.SaveResult(ctx, res); err != nil {
			m.logger.Warn("match result not recorded",
				zap.String("match_id", r.matchID),
				zap.Error(err),
			)
		}
		cancel()
	}

	m.teardown(r)
}

// teardown returns both players to a joinable state and drops the game.
func (m *MatchManager) teardown(r *matchRunner) {
	m.sessions.ClearMatchIDForUser(r.p1, r.matchID)
	m.sessions.ClearMatchIDForUser(r.p2, r.matchID)
	m.engine.Cleanup(r.matchID)

	m.mu.Lock()
	delete(m.runners, r.matchID)
	m.mu.Unlock()
}

// runner returns the live runner for matchID, or nil.
func (m *MatchManager) runner(matchID string) *matchRunner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runners[matchID]
}

// pushBoth delivers an event to both players; non-delivery is expected for a
// disconnected player and only logged.
func (m *MatchManager) pushBoth(r *matchRunner, ev notify.Event) {
	for _, userID := range []string{r.p1, r.p2} {
		if err := m.notifier.Push(userID, ev); err != nil {
			m.logger.Debug("match event not delivered",
				zap.String("match_id", r.matchID),
				zap.String("user_id", userID),
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
}

// pushMatchFound announces the pairing to one player.
func (m *MatchManager) pushMatchFound(userID, matchID, opponentID, opponentName string) {
	ev := notify.Event{
		Type: notify.EventMatchFound,
		Payload: notify.MatchFound{
			MatchID:          matchID,
			OpponentID:       opponentID,
			OpponentUsername: opponentName,
		},
	}
	if err := m.notifier.Push(userID, ev); err != nil {
		m.logger.Warn("match_found not delivered",
			zap.String("match_id", matchID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
