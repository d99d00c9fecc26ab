package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/RadovicDanilo/MyPlace/internal/auth"
	"github.com/RadovicDanilo/MyPlace/internal/canvas"
	"github.com/RadovicDanilo/MyPlace/internal/config"
	"github.com/RadovicDanilo/MyPlace/internal/cooldown"
	"github.com/RadovicDanilo/MyPlace/internal/hub"
	"github.com/RadovicDanilo/MyPlace/internal/server"
)

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runServe(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting myplace",
		"version", version,
		"environment", cfg.Environment,
		"canvas", fmt.Sprintf("%dx%dx%d", cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.ColorBits),
		"cooldown", cfg.Cooldown.Window,
		"redis", cfg.Redis.Addr != "",
	)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	var (
		persister  *canvas.Persister
		canvasOpts []canvas.Option
	)
	if rdb != nil && cfg.Canvas.Persist {
		persister = canvas.NewPersister(rdb, cfg.Canvas.RedisKey, cfg.Canvas.CheckpointInterval, 0, logger)
		canvasOpts = append(canvasOpts, canvas.WithObserver(persister.Observe))
	}

	board, err := canvas.New(cfg.Canvas.Width, cfg.Canvas.Height, cfg.Canvas.ColorBits, canvasOpts...)
	if err != nil {
		return err
	}
	if persister != nil {
		buf, err := persister.Load(ctx, board.Size())
		if err != nil {
			return fmt.Errorf("restoring canvas: %w", err)
		}
		if err := board.Restore(buf); err != nil {
			return fmt.Errorf("restoring canvas: %w", err)
		}
		logger.Info("canvas restored", "key", cfg.Canvas.RedisKey, "bytes", len(buf))
	}

	g, ctx := errgroup.WithContext(ctx)

	var store cooldown.Store
	if rdb != nil {
		store = cooldown.NewRedisStore(rdb, cfg.Cooldown.KeyPrefix)
	} else {
		mem := cooldown.NewMemoryStore()
		g.Go(func() error {
			mem.Run(ctx, time.Minute)
			return nil
		})
		store = mem
	}
	limiter := cooldown.New(store, cfg.Cooldown.Window,
		cooldown.WithRetry(cfg.Cooldown.MaxRetries, cfg.Cooldown.RetryInterval),
		cooldown.WithLogger(logger),
	)

	h := hub.New(hub.Config{
		MaxConnections:   cfg.Hub.MaxConnections,
		MaxConnsPerAddr:  cfg.Hub.MaxConnsPerAddr,
		WriteLockTimeout: cfg.Hub.WriteLockTimeout,
		WriteTimeout:     cfg.Hub.WriteTimeout,
		PingInterval:     cfg.Hub.PingInterval,
		PongWait:         cfg.Hub.PongWait,
		SendQueueSize:    cfg.Hub.SendQueueSize,
		MaxMessageSize:   cfg.Hub.MaxMessageSize,
		MessageRate:      rate.Limit(cfg.Hub.MessageRate),
		MessageBurst:     cfg.Hub.MessageBurst,
	}, board, limiter, auth.NewJWTResolver(cfg.JWTSecret),
		hub.WithLogger(logger),
		hub.WithMetrics(hub.NewMetrics(prometheus.DefaultRegisterer)),
	)

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		AdminToken:     cfg.AdminToken,
	}, h, board, limiter, server.WithLogger(logger))

	g.Go(func() error {
		h.Run(ctx)
		return nil
	})
	if persister != nil {
		g.Go(func() error {
			persister.Run(ctx, board.Snapshot)
			return nil
		})
	}
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shut down")
	return nil
}
