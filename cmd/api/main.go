package main

import (
	"context"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pjmoura/bancoledger/internal/api"
	"github.com/pjmoura/bancoledger/internal/auth"
	"github.com/pjmoura/bancoledger/internal/config"
	"github.com/pjmoura/bancoledger/internal/events"
	"github.com/pjmoura/bancoledger/internal/ledger"
	"github.com/pjmoura/bancoledger/internal/query"
	"github.com/pjmoura/bancoledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Record store: Postgres when configured, in-process otherwise.
	var recordStore store.Store
	if cfg.DBSource != "" {
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			logger.Fatal("unable to connect to database", zap.Error(err))
		}
		defer pg.Close()
		recordStore = pg
		logger.Info("using postgres record store")
	} else {
		recordStore = store.NewMemoryWithWait(cfg.LockWait)
		logger.Info("using in-memory record store")
	}

	// Idempotency window: Redis shares it across instances.
	var idem ledger.IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("unable to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		idem = ledger.NewRedisIdempotency(rdb, cfg.IdempotencyTTL)
		logger.Info("using redis idempotency store", zap.String("addr", cfg.RedisAddr))
	} else {
		idem = ledger.NewMemoryIdempotency(cfg.IdempotencyTTL)
	}

	// Transaction event publisher, optional.
	var publisher events.Publisher = events.Nop{}
	if cfg.NatsURL != "" {
		nc, err := events.ConnectNATS(cfg.NatsURL)
		if err != nil {
			logger.Fatal("unable to connect to nats", zap.Error(err))
		}
		defer nc.Close()
		publisher = nc
		logger.Info("publishing transaction events", zap.String("url", cfg.NatsURL))
	}

	engine := ledger.NewEngine(recordStore, idem, publisher, logger)
	queries := query.NewService(recordStore)
	authSvc := auth.NewService(recordStore, cfg.JWTSecret, cfg.TokenTTL)
	handler := api.NewHandler(engine, queries, authSvc, logger)

	logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := http.ListenAndServe(":"+cfg.Port, handler.Router()); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
