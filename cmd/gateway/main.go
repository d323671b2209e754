package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perimeterhq/gateway/internal/cache"
	"github.com/perimeterhq/gateway/internal/config"
	"github.com/perimeterhq/gateway/internal/gateway"
	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/store"
	"github.com/perimeterhq/gateway/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Fatal("Invalid configuration", zap.Error(err))
	}

	if cfg.LogFile != "" {
		logging.SetGlobal(logging.NewWithRotation(cfg.LogLevel, cfg.LogFile))
	} else if logger, err := logging.New(cfg.LogLevel); err == nil {
		logging.SetGlobal(logger)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := connectStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("Database connection failed", zap.Error(err))
	}

	client, err := connectCache(ctx, cfg.RedisURL)
	if err != nil {
		logging.Fatal("Cache connection failed", zap.Error(err))
	}

	tracer, err := tracing.New(cfg.TracingEnabled, cfg.TracingEndpoint)
	if err != nil {
		logging.Fatal("Tracer setup failed", zap.Error(err))
	}

	server := gateway.New(cfg, st, client, tracer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logging.Info("Shutting down")
		err := server.Shutdown(shutdownCtx)
		if terr := tracer.Close(); terr != nil && err == nil {
			err = terr
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("Gateway exited with error", zap.Error(err))
	}
	logging.Info("Gateway stopped")
}

// connectStore dials postgres, retrying while the database comes up.
func connectStore(ctx context.Context, databaseURL string) (*store.Postgres, error) {
	var st *store.Postgres
	dial := func() error {
		var err error
		st, err = store.Connect(ctx, databaseURL)
		if err != nil {
			return err
		}
		return st.Ping(ctx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(dial, policy, func(err error, next time.Duration) {
		logging.Warn("Database not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// connectCache dials redis, retrying while the cache comes up.
func connectCache(ctx context.Context, redisURL string) (*redis.Client, error) {
	client, err := cache.NewClient(redisURL)
	if err != nil {
		return nil, err
	}
	dial := func() error {
		return cache.Ping(ctx, client)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(dial, policy, func(err error, next time.Duration) {
		logging.Warn("Cache not ready, retrying", zap.Error(err), zap.Duration("next", next))
	}); err != nil {
		return nil, err
	}
	return client, nil
}
