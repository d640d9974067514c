package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MatchResult is the stored record of one finished match.
type MatchResult struct {
	ID           int64
	MatchID      string
	Player1ID    string
	Player2ID    string
	WinnerID     string // empty for a draw
	Player1Score int
	Player2Score int
	Reason       string // empty for a normally completed match
	FinishedAt   time.Time
}

// LeaderboardEntry is one row of the win-count leaderboard.
type LeaderboardEntry struct {
	UserID   string
	Username string
	Wins     int
}

// MatchResultRepository persists finished matches and serves history queries.
type MatchResultRepository struct {
	db *pgxpool.Pool
}

// NewMatchResultRepository creates a MatchResultRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchResultRepository(db *pgxpool.Pool) *MatchResultRepository {
	return &MatchResultRepository{db: db}
}

// Insert records a finished match.
//
// Precondition: res.MatchID, Player1ID, and Player2ID must be non-empty.
// Postcondition: Returns the stored result with ID set.
func (r *MatchResultRepository) Insert(ctx context.Context, res MatchResult) (MatchResult, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO match_results
		   (match_id, player1_id, player2_id, winner_id, player1_score, player2_score, reason, finished_at)
		 VALUES ($1, $2::uuid, $3::uuid, NULLIF($4, '')::uuid, $5, $6, NULLIF($7, ''), $8)
		 RETURNING id`,
		res.MatchID, res.Player1ID, res.Player2ID, res.WinnerID,
		res.Player1Score, res.Player2Score, res.Reason, res.FinishedAt,
	).Scan(&res.ID)
	if err != nil {
		return MatchResult{}, fmt.Errorf("inserting match result: %w", err)
	}
	return res, nil
}

// RecentForUser returns the user's most recent finished matches, newest first.
//
// Precondition: userID must be non-empty; limit > 0.
func (r *MatchResultRepository) RecentForUser(ctx context.Context, userID string, limit int) ([]MatchResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, match_id, player1_id, player2_id,
		        COALESCE(winner_id::text, ''), player1_score, player2_score,
		        COALESCE(reason, ''), finished_at
		 FROM match_results
		 WHERE player1_id = $1::uuid OR player2_id = $1::uuid
		 ORDER BY finished_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying match history: %w", err)
	}
	defer rows.Close()

	var results []MatchResult
	for rows.Next() {
		var res MatchResult
		if err := rows.Scan(
			&res.ID, &res.MatchID, &res.Player1ID, &res.Player2ID,
			&res.WinnerID, &res.Player1Score, &res.Player2Score,
			&res.Reason, &res.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning match result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match results: %w", err)
	}
	return results, nil
}

// Leaderboard returns the top-N accounts by win count. Draws and forfeit
// losses count for nothing; only winner_id rows score.
//
// Precondition: limit > 0.
func (r *MatchResultRepository) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT a.id, a.username, COUNT(*) AS wins
		 FROM match_results m
		 JOIN accounts a ON a.id = m.winner_id
		 GROUP BY a.id, a.username
		 ORDER BY wins DESC, a.username ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Username, &e.Wins); err != nil {
			return nil, fmt.Errorf("scanning leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leaderboard: %w", err)
	}
	return entries, nil
}
