// Package app composes the chat client with fx: providers for every
// component and the lifecycle hooks that start and stop them.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/access"
	"github.com/tandemapp/chatkit/internal/archive"
	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/chat"
	"github.com/tandemapp/chatkit/internal/config"
	"github.com/tandemapp/chatkit/internal/logging"
	"github.com/tandemapp/chatkit/internal/rest"
	"github.com/tandemapp/chatkit/internal/retry"
	"github.com/tandemapp/chatkit/internal/status"
	"github.com/tandemapp/chatkit/internal/store"
	"github.com/tandemapp/chatkit/internal/transport"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks. Everything is constructed eagerly at startup.
func Module(p Params) fx.Option {
	return fx.Module("chatkit",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideGate,
			provideStore,
			provideRESTClient,
			provideTransport,
			provideRepository,
			provideArchive,
			provideJournal,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Path, cfg.User.ID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideGate(b *bus.Bus, logger *zap.Logger) *access.Gate {
	return access.New(func() {
		logger.Warn("server denied access, session flagged")
		b.Publish(bus.Event{Kind: "session.forbidden", Timestamp: time.Now()})
	})
}

func provideStore(b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(b, logger)
}

func provideRESTClient(cfg *config.Config, gate *access.Gate, logger *zap.Logger) (*rest.Client, error) {
	return rest.NewClient(cfg.Server.BaseURL, cfg.Server.Token, gate, logger)
}

func provideTransport(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	return transport.New(transport.Config{
		URL:       cfg.Server.WSURL,
		Token:     cfg.Server.Token,
		Reconnect: cfg.Reconnect.Policy(retry.Default),
	}, machine, b, logger)
}

func provideRepository(cfg *config.Config, st *store.Store, conn *transport.Conn, client *rest.Client, b *bus.Bus, logger *zap.Logger) *chat.Repository {
	return chat.New(cfg.User.ID, st, conn, client, b, cfg.Retry.Policy(retry.Default), logger)
}

func provideArchive(cfg *config.Config, logger *zap.Logger) (*archive.DB, error) {
	db, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("archive initialized", zap.String("path", cfg.Archive.Path))
	return db, nil
}

func provideJournal(db *archive.DB, b *bus.Bus, logger *zap.Logger) *archive.Journal {
	return archive.NewJournal(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, conn *transport.Conn, repo *chat.Repository, journal *archive.Journal, db *archive.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The journal must be listening before the repository starts
			// mutating the store.
			journal.Start(context.Background())
			repo.Start(context.Background())

			// Connect in the background; a down server must not block
			// startup, the REST fallback covers sends meanwhile.
			go func() {
				if err := conn.Connect(context.Background()); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			repo.Stop()
			journal.Stop()
			if err := conn.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
