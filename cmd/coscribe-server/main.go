// The coscribe-server command runs one document synchronization server:
// websocket sync sessions, awareness relay, permission enforcement, and
// snapshot persistence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/config"
	"github.com/coscribe/coscribe/internal/logging"
	"github.com/coscribe/coscribe/internal/room"
	"github.com/coscribe/coscribe/internal/server"
	"github.com/coscribe/coscribe/internal/storage"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting coscribe server",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Port))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := openStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("storage initialization failed", zap.Error(err))
	}

	var bridge *storage.RedisBridge
	if cfg.RedisURL != "" {
		bridge, err = storage.NewRedisBridge(&storage.RedisBridgeConfig{
			URL:           cfg.RedisURL,
			ServerID:      uuid.New().String(),
			ChannelPrefix: cfg.RedisChannelPrefix,
		})
		if err != nil {
			logger.Fatal("redis bridge initialization failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = bridge.Connect(ctx)
		cancel()
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		logger.Info("redis bridge connected")
	}

	hub := room.NewHub(room.HubConfig{
		Store:            store,
		Bridge:           bridge,
		SnapshotEvery:    cfg.SnapshotEvery,
		AwarenessTimeout: cfg.AwarenessTimeout,
		AwarenessSweep:   cfg.AwarenessSweep,
	}, logger)

	srv := server.New(cfg, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	if bridge != nil {
		bridge.Close(shutdownCtx)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("storage close failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// openStore picks PostgreSQL when configured and falls back to the
// in-memory store, which loses documents on restart.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		return storage.NewMemoryStore(), nil
	}

	storeCfg := storage.DefaultConfig()
	storeCfg.ConnectionString = cfg.DatabaseURL
	store, err := storage.NewPostgresStore(ctx, storeCfg)
	if err != nil {
		return nil, err
	}
	logger.Info("postgres storage connected")
	return store, nil
}
