// Package engine owns the per-match card-game state machine: it deals hands,
// validates plays, resolves rounds, and tracks scores. It knows nothing about
// connections or sessions beyond opaque player IDs.
package engine

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/game/deck"
)

// TotalRounds is the number of rounds in a duel.
const TotalRounds = 3

// HandSize is the number of cards dealt to each player.
const HandSize = 3

// ErrMatchNotFound is returned when a match ID references no active game.
var ErrMatchNotFound = errors.New("match not found")

// ErrNotInMatch is returned when a player ID does not belong to the match.
var ErrNotInMatch = errors.New("player not in match")

// ErrInvalidPlay is returned when the played card is not in the player's hand.
var ErrInvalidPlay = errors.New("card not in hand")

// ErrMatchComplete is returned when a round is executed against a finished game.
var ErrMatchComplete = errors.New("match already complete")

// ErrEmptyHand is returned by AutoPickCard when the hand has no cards left.
// Under correct round sequencing this never happens; callers treat it as an
// invariant violation and log it.
var ErrEmptyHand = errors.New("hand is empty")

// RoundResult records the outcome of a single resolved round.
type RoundResult struct {
	Round        int       `json:"round"`
	Player1Card  deck.Card `json:"player1Card"`
	Player2Card  deck.Card `json:"player2Card"`
	Player1Auto  bool      `json:"player1Auto"`
	Player2Auto  bool      `json:"player2Auto"`
	WinnerID     string    `json:"winnerId,omitempty"` // empty on a drawn round
	Player1Score int       `json:"player1Score"`       // cumulative after this round
	Player2Score int       `json:"player2Score"`
}

// GameState is the authoritative state of one active match.
//
// Invariant: CurrentRound never exceeds TotalRounds+1; a card removed from a
// hand never reappears in it; Complete is true exactly when CurrentRound has
// passed TotalRounds.
type GameState struct {
	MatchID      string
	Player1ID    string
	Player2ID    string
	Player1Hand  []deck.Card
	Player2Hand  []deck.Card
	Player1Score int
	Player2Score int
	CurrentRound int
	RoundHistory []RoundResult
	Complete     bool
}

// Engine tracks all active games. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	games  map[string]*GameState
	src    deck.Source
	logger *zap.Logger
}

// NewEngine creates an Engine drawing randomness from src.
//
// Precondition: src and logger must be non-nil.
func NewEngine(src deck.Source, logger *zap.Logger) *Engine {
	return &Engine{
		games:  make(map[string]*GameState),
		src:    src,
		logger: logger,
	}
}

// InitializeGame builds a fresh shuffled deck, deals HandSize cards to each
// player, and registers the game under matchID. A duplicate matchID overwrites
// the previous state; match IDs are generated fresh per pairing, so an
// overwrite only ever replaces a stale entry.
//
// Precondition: matchID, player1ID, player2ID must be non-empty.
// Postcondition: Returns the registered GameState with CurrentRound == 1.
func (e *Engine) InitializeGame(matchID, player1ID, player2ID string) *GameState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cards := deck.NewShuffled(e.src)
	state := &GameState{
		MatchID:      matchID,
		Player1ID:    player1ID,
		Player2ID:    player2ID,
		Player1Hand:  append([]deck.Card(nil), cards[:HandSize]...),
		Player2Hand:  append([]deck.Card(nil), cards[HandSize:2*HandSize]...),
		CurrentRound: 1,
	}
	// The rest of the deck is discarded: only the dealt hands are in play.
	e.games[matchID] = state

	e.logger.Debug("game initialized",
		zap.String("match_id", matchID),
		zap.String("player1", player1ID),
		zap.String("player2", player2ID),
	)
	return state
}

// PlayCard removes cardID from the player's hand and returns it.
//
// Postcondition: Returns the removed card, or ErrMatchNotFound, ErrNotInMatch,
// or ErrInvalidPlay. The three failures are distinguishable so the caller can
// pick a protocol-level error code.
func (e *Engine) PlayCard(matchID, playerID string, cardID int) (deck.Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.games[matchID]
	if !ok {
		return deck.Card{}, ErrMatchNotFound
	}

	hand, ok := state.handOf(playerID)
	if !ok {
		return deck.Card{}, ErrNotInMatch
	}

	card, remaining, found := takeCard(*hand, cardID)
	if !found {
		return deck.Card{}, ErrInvalidPlay
	}
	*hand = remaining
	return card, nil
}

// AutoPickCard removes a uniformly random card from the player's remaining
// hand. Used when a selection window elapses without an explicit play.
//
// Postcondition: Returns the removed card; ErrEmptyHand only if the hand is
// already empty, which indicates broken round sequencing and is logged.
func (e *Engine) AutoPickCard(matchID, playerID string) (deck.Card, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.games[matchID]
	if !ok {
		return deck.Card{}, ErrMatchNotFound
	}

	hand, ok := state.handOf(playerID)
	if !ok {
		return deck.Card{}, ErrNotInMatch
	}

	if len(*hand) == 0 {
		e.logger.Error("auto-pick on empty hand",
			zap.String("match_id", matchID),
			zap.String("player_id", playerID),
			zap.Int("round", state.CurrentRound),
		)
		return deck.Card{}, ErrEmptyHand
	}

	idx := e.src.Intn(len(*hand))
	card := (*hand)[idx]
	*hand = append((*hand)[:idx], (*hand)[idx+1:]...)
	return card, nil
}

// ExecuteRound resolves one round from the two already-removed cards: the
// higher value wins 1 point, equal values draw. It appends to the round
// history, advances CurrentRound, and marks the game complete after round
// TotalRounds. This is the sole point where round state advances and must be
// called exactly once per round regardless of how the cards were obtained.
//
// Postcondition: Returns the RoundResult, or ErrMatchNotFound / ErrMatchComplete.
func (e *Engine) ExecuteRound(matchID string, p1Card, p2Card deck.Card, p1Auto, p2Auto bool) (RoundResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.games[matchID]
	if !ok {
		return RoundResult{}, ErrMatchNotFound
	}
	if state.Complete {
		return RoundResult{}, ErrMatchComplete
	}

	var winnerID string
	switch {
	case p1Card.Value > p2Card.Value:
		winnerID = state.Player1ID
		state.Player1Score++
	case p2Card.Value > p1Card.Value:
		winnerID = state.Player2ID
		state.Player2Score++
	}

	result := RoundResult{
		Round:        state.CurrentRound,
		Player1Card:  p1Card,
		Player2Card:  p2Card,
		Player1Auto:  p1Auto,
		Player2Auto:  p2Auto,
		WinnerID:     winnerID,
		Player1Score: state.Player1Score,
		Player2Score: state.Player2Score,
	}
	state.RoundHistory = append(state.RoundHistory, result)
	state.CurrentRound++
	if state.CurrentRound > TotalRounds {
		state.Complete = true
	}
	return result, nil
}

// Winner returns the player ID with the strictly greater final score, or an
// empty string for a draw. A game drawn 1-1 (or 0-0) after all rounds is a
// legitimate outcome, never coerced to a winner.
//
// Postcondition: Returns the winner ID or "", or ErrMatchNotFound.
func (e *Engine) Winner(matchID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.games[matchID]
	if !ok {
		return "", ErrMatchNotFound
	}
	switch {
	case state.Player1Score > state.Player2Score:
		return state.Player1ID, nil
	case state.Player2Score > state.Player1Score:
		return state.Player2ID, nil
	}
	return "", nil
}

// IsGameOver reports whether the match exists and has completed all rounds.
func (e *Engine) IsGameOver(matchID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.games[matchID]
	return ok && state.Complete
}

// State returns the live game state for matchID.
// Mutation must go through Engine methods; the returned pointer is for reads.
//
// Postcondition: Returns (state, true) if found, or (nil, false) otherwise.
func (e *Engine) State(matchID string) (*GameState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.games[matchID]
	return state, ok
}

// Cleanup removes the game from the active map. Callers invoke this only
// after the final result has been delivered to both players.
//
// Postcondition: The matchID no longer resolves; safe to call repeatedly.
func (e *Engine) Cleanup(matchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.games, matchID)
}

// ActiveGames returns the number of games currently tracked.
func (e *Engine) ActiveGames() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.games)
}

// handOf returns a pointer to the player's hand slice, or false if the player
// is not part of this game.
func (s *GameState) handOf(playerID string) (*[]deck.Card, bool) {
	switch playerID {
	case s.Player1ID:
		return &s.Player1Hand, true
	case s.Player2ID:
		return &s.Player2Hand, true
	}
	return nil, false
}

// takeCard removes the card with cardID from hand, returning the card, the
// remaining hand, and whether it was found.
func takeCard(hand []deck.Card, cardID int) (deck.Card, []deck.Card, bool) {
	for i, c := range hand {
		if c.ID == cardID {
			return c, append(hand[:i], hand[i+1:]...), true
		}
	}
	return deck.Card{}, hand, false
}
