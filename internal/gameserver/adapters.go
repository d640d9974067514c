package gameserver

import (
	"context"
	"errors"

	"github.com/cory-johannsen/triad/internal/storage/postgres"
)

// AccountRepoAdapter wraps a postgres.AccountRepository to satisfy the
// AccountStore interface, folding the repository's sentinel errors into the
// handler's.
type AccountRepoAdapter struct {
	repo *postgres.AccountRepository
}

// NewAccountRepoAdapter creates an adapter around the given repository.
func NewAccountRepoAdapter(repo *postgres.AccountRepository) *AccountRepoAdapter {
	return &AccountRepoAdapter{repo: repo}
}

// Register creates a new account.
func (a *AccountRepoAdapter) Register(ctx context.Context, username, password string) (Account, error) {
	acct, err := a.repo.Create(ctx, username, password)
	if errors.Is(err, postgres.ErrAccountExists) {
		return Account{}, ErrUsernameTaken
	}
	if err != nil {
		return Account{}, err
	}
	return Account{ID: acct.ID, Username: acct.Username}, nil
}

// Authenticate verifies credentials. A missing account and a wrong password
// report the same failure; login errors never reveal which one it was.
func (a *AccountRepoAdapter) Authenticate(ctx context.Context, username, password string) (Account, error) {
	acct, err := a.repo.Authenticate(ctx, username, password)
	if errors.Is(err, postgres.ErrAccountNotFound) || errors.Is(err, postgres.ErrInvalidCredentials) {
		return Account{}, ErrBadCredentials
	}
	if err != nil {
		return Account{}, err
	}
	return Account{ID: acct.ID, Username: acct.Username}, nil
}

// ResultRepoAdapter wraps a postgres.MatchResultRepository to satisfy the
// ResultStore interface.
type ResultRepoAdapter struct {
	repo *postgres.MatchResultRepository
}

// NewResultRepoAdapter creates an adapter around the given repository.
func NewResultRepoAdapter(repo *postgres.MatchResultRepository) *ResultRepoAdapter {
	return &ResultRepoAdapter{repo: repo}
}

// SaveResult records a finished match.
func (a *ResultRepoAdapter) SaveResult(ctx context.Context, res MatchResult) error {
	_, err := a.repo.Insert(ctx, postgres.MatchResult{
		MatchID:      res.MatchID,
		Player1ID:    res.Player1ID,
		Player2ID:    res.Player2ID,
		WinnerID:     res.WinnerID,
		Player1Score: res.Player1Score,
		Player2Score: res.Player2Score,
		Reason:       res.Reason,
		FinishedAt:   res.FinishedAt,
	})
	return err
}
