// Command lingopad runs the collaborative editing server: a WebSocket
// endpoint per document backed by per-document actors, with Redis fanning
// broadcasts out across nodes and Postgres or bolt persisting checkpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ronospace/lingosphere-collab/internal/auth"
	"github.com/ronospace/lingosphere-collab/internal/comment"
	"github.com/ronospace/lingosphere-collab/internal/config"
	"github.com/ronospace/lingosphere-collab/internal/engine"
	"github.com/ronospace/lingosphere-collab/internal/session"
	"github.com/ronospace/lingosphere-collab/internal/store"
	"github.com/ronospace/lingosphere-collab/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	checkpointer := store.NewCheckpointer(st, store.CheckpointerConfig{
		QueueSize: cfg.Storage.QueueDepth,
	}, logger)
	go checkpointer.Run(ctx)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info("connected to redis", "addr", cfg.Redis.Address)

	bus := transport.NewRedisBus(rdb, logger)
	comments := comment.NewManager()

	registry := session.NewRegistry(session.Config{
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		RemovalGrace:     cfg.Session.RemovalGrace,
		SweepInterval:    cfg.Session.SweepInterval,
		Actor: engine.ActorConfig{
			CausalWait:          cfg.Session.CausalWait,
			AutoResolveHigh:     cfg.Conflict.AutoResolveHigh,
			HighOverlapFraction: cfg.Conflict.HighOverlapFraction,
		},
	}, st, engine.Broadcasters{bus, comments}, checkpointer, nil, logger)
	go registry.Run(ctx)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	hub := transport.NewHub(registry, comments, bus, verifier, logger)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: hub.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", "err", err)
	}

	// Registry.Close runs via its own ctx cancellation; wait for the
	// checkpointer to drain pending jobs before the store closes.
	registry.Close()
	checkpointer.Wait()
	return nil
}

// openStore selects Postgres when a DSN is configured, the embedded bolt
// file otherwise, and wraps either in the snapshot LRU.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var (
		inner store.Store
		err   error
	)
	if cfg.Storage.PostgresDSN != "" {
		inner, err = store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		logger.Info("using postgres store")
	} else {
		inner, err = store.NewBoltStore(cfg.Storage.BoltPath)
		logger.Info("using bolt store", "path", cfg.Storage.BoltPath)
	}
	if err != nil {
		return nil, err
	}
	return store.NewCachedStore(inner, cfg.Storage.CacheSize)
}
