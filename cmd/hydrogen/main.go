// cmd/hydrogen/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hydrogen/internal/config"
	"hydrogen/internal/discord"
	"hydrogen/internal/logger"
	"hydrogen/internal/manager"
	"hydrogen/internal/storage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	})
	logger.Info("starting hydrogen")

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		logger.Fatal("failed to open storage", logger.ErrorField(err))
	}
	defer store.Close()

	mgr := manager.New(cfg, store)
	defer mgr.Close()

	go func() {
		for n := range mgr.Notifications() {
			logger.Info("player notification",
				logger.String("guild", n.GuildID),
				logger.String("kind", string(n.Kind)),
				logger.String("message", n.Message))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := discord.StartBot(ctx, cfg, mgr); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("received signal, shutting down", logger.String("signal", s.String()))
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("bot exited with error", logger.ErrorField(err))
		}
		cancel()
	case <-ctx.Done():
	}

	logger.Info("hydrogen exited cleanly")
}
