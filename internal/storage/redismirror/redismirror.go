// Package redismirror provides the optional Redis-backed session mirror. The
// in-memory session registry stays authoritative; the mirror exists so
// operators can inspect live sessions and failures here never propagate to
// session operations.
package redismirror

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/triad/internal/config"
	"github.com/cory-johannsen/triad/internal/game/session"
)

// keyPrefix namespaces all mirrored session keys.
const keyPrefix = "triad:session:"

// Mirror implements session.Mirror on top of Redis hashes with a TTL.
type Mirror struct {
	client    *redis.Client
	opTimeout time.Duration
	ttl       time.Duration
}

// New connects to Redis and returns a Mirror.
//
// Precondition: cfg.Enabled must be true with a valid address.
// Postcondition: Returns a Mirror whose connection has been verified, or a
// non-nil error.
func New(ctx context.Context, cfg config.RedisConfig) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Mirror{
		client:    client,
		opTimeout: cfg.OpTimeout,
		ttl:       cfg.SessionTTL,
	}, nil
}

// Save writes the session snapshot as a hash and refreshes its TTL.
//
// Postcondition: The mirrored hash reflects s, or an error the caller logs
// and swallows.
func (m *Mirror) Save(ctx context.Context, s session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	key := keyPrefix + s.ID
	fields := map[string]any{
		"user_id":       s.UserID,
		"username":      s.Username,
		"match_id":      s.MatchID,
		"challenge_id":  s.ChallengeID,
		"last_activity": s.LastActivity.UTC().Format(time.RFC3339Nano),
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirroring session %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes the mirrored session.
//
// Postcondition: The key is gone; deleting an unknown session is not an error.
func (m *Mirror) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	if err := m.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("deleting mirrored session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// compile-time interface check
var _ session.Mirror = (*Mirror)(nil)
