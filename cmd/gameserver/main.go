// Package main provides the Triad server binary: matchmaking, challenges, and
// match orchestration behind a websocket transport.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/config"
	"github.com/cory-johannsen/triad/internal/game/challenge"
	"github.com/cory-johannsen/triad/internal/game/deck"
	"github.com/cory-johannsen/triad/internal/game/engine"
	"github.com/cory-johannsen/triad/internal/game/matchmaking"
	"github.com/cory-johannsen/triad/internal/game/notify"
	"github.com/cory-johannsen/triad/internal/game/session"
	"github.com/cory-johannsen/triad/internal/gameserver"
	"github.com/cory-johannsen/triad/internal/observability"
	"github.com/cory-johannsen/triad/internal/server"
	"github.com/cory-johannsen/triad/internal/storage/postgres"
	"github.com/cory-johannsen/triad/internal/storage/redismirror"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting triad server", zap.String("addr", cfg.Server.Addr()))

	// Connect to PostgreSQL for accounts and match results.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	accountRepo := postgres.NewAccountRepository(pool.DB())
	resultRepo := postgres.NewMatchResultRepository(pool.DB())

	// Optional Redis session mirror.
	var mirror session.Mirror
	var redisMirror *redismirror.Mirror
	if cfg.Redis.Enabled {
		redisMirror, err = redismirror.New(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		mirror = redisMirror
		logger.Info("session mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Orchestration core.
	sessions := session.NewRegistry(mirror, logger)
	notifier := notify.NewRegistry()
	eng := engine.NewEngine(deck.NewCryptoSource(), logger)
	matches := gameserver.NewMatchManager(
		eng, sessions, notifier,
		gameserver.NewResultRepoAdapter(resultRepo),
		cfg.Game.PlayWindow, logger,
	)
	queue := matchmaking.NewQueue(matches, sessions, notifier, cfg.Game.PairingInterval, logger)
	challenges := challenge.NewOrchestrator(
		sessions, queue, matches, notifier,
		cfg.Game.ChallengeTimeout, logger,
	)

	handler := gameserver.NewHandler(
		gameserver.NewAccountRepoAdapter(accountRepo),
		sessions, queue, challenges, matches, notifier, logger,
	)
	wsServer := gameserver.NewWSServer(cfg.Server, handler, logger)

	// Wire lifecycle: storage first, then the pairing loop, then the
	// listener, so shutdown stops accepting before the core goes away.
	lifecycle := server.NewLifecycle(logger)

	healthStop := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-healthStop:
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		},
		StopFn: func() {
			close(healthStop)
			pool.Close()
			if redisMirror != nil {
				if err := redisMirror.Close(); err != nil {
					logger.Warn("closing redis", zap.Error(err))
				}
			}
		},
	})
	lifecycle.Add("matchmaking", queue)
	lifecycle.Add("websocket", wsServer)

	logger.Info("triad server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
