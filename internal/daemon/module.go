// Package daemon composes the sync core: connection manager, directory,
// message log, relays, and outbox, wired together with fx.
package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/config"
	"github.com/pmelo/clipchat/internal/directory"
	"github.com/pmelo/clipchat/internal/lock"
	"github.com/pmelo/clipchat/internal/logging"
	"github.com/pmelo/clipchat/internal/messagelog"
	"github.com/pmelo/clipchat/internal/outbox"
	"github.com/pmelo/clipchat/internal/relay"
	"github.com/pmelo/clipchat/internal/rest"
	"github.com/pmelo/clipchat/internal/session"
	"github.com/pmelo/clipchat/internal/socket"
	"github.com/pmelo/clipchat/internal/status"
	"github.com/pmelo/clipchat/internal/store"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override; empty = use default
	Token       string // bearer token from the auth collaborator
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideCredentials,
			provideLock,
			provideStore,
			provideRestClient,
			provideSocketManager,
			provideDirectory,
			provideMessageLog,
			provideBroadcaster,
			provideSynchronizer,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		// First run: persist the defaults so the user has a file to edit.
		if err := config.Save(path, cfg); err != nil {
			logger.Warn("could not write default config", zap.Error(err))
		} else {
			logger.Info("default config written", zap.String("path", path))
		}
	}
	logger.Info("config loaded",
		zap.String("api_url", cfg.API.BaseURL),
		zap.String("ws_url", cfg.Socket.URL))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideCredentials(p Params) *auth.Credentials {
	creds := auth.New()
	if p.Token != "" {
		creds.SetToken(p.Token)
	}
	return creds
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRestClient(cfg *config.Config, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.API, creds, b, logger)
}

func provideSocketManager(cfg *config.Config, creds *auth.Credentials, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *socket.Manager {
	return socket.NewManager(cfg.Socket, creds, b, machine, logger, nil)
}

func provideDirectory(api *rest.Client, db *store.DB, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(api, db, creds, b, logger)
}

func provideMessageLog(api *rest.Client, manager *socket.Manager, dir *directory.Directory, db *store.DB, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *messagelog.Log {
	return messagelog.New(api, manager, dir, db, creds, b, logger)
}

func provideBroadcaster(manager *socket.Manager, dir *directory.Directory, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *relay.Broadcaster {
	return relay.NewBroadcaster(manager, dir, creds, b, logger)
}

func provideSynchronizer(b *bus.Bus, log *messagelog.Log, dir *directory.Directory, logger *zap.Logger) *relay.Synchronizer {
	return relay.NewSynchronizer(b, log, dir, logger)
}

func provideSender(db *store.DB, api *rest.Client, log *messagelog.Log, dir *directory.Directory, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, api, log, dir, creds, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, api *rest.Client, manager *socket.Manager, dir *directory.Directory, log *messagelog.Log, broadcaster *relay.Broadcaster, synchronizer *relay.Synchronizer, sender *outbox.Sender, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) {
	watchCtx, stopSessionWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The cached list is usable before the network is up.
			dir.Prime()

			// A dropped session (failed token refresh) tears down
			// everything that depends on the credentials.
			events, unsub := b.Subscribe(bus.KindSessionCleared, 4)
			go func() {
				defer unsub()
				for {
					select {
					case <-watchCtx.Done():
						return
					case _, ok := <-events:
						if !ok {
							return
						}
						logger.Warn("session cleared, dropping local state")
						manager.Disconnect()
						log.Logout()
						dir.Clear()
					}
				}
			}()

			broadcaster.Start(context.Background())
			synchronizer.Start(context.Background())
			log.Start(context.Background())
			sender.Start(context.Background())

			if !creds.HasToken() {
				logger.Info("no token supplied, staying offline until authenticated")
				return nil
			}

			go func() {
				ctx := context.Background()

				// The push queues are named by the user-detail id, so
				// resolve identity before connecting.
				me, err := api.GetMyDetails(ctx)
				if err != nil {
					logger.Error("identity resolution failed", zap.Error(err))
					return
				}
				creds.SetUserID(me.ID)
				logger.Info("identity resolved", zap.String("user_detail_id", me.ID))

				if err := dir.LoadInitial(ctx); err != nil {
					logger.Error("initial directory load failed", zap.Error(err))
				}

				if err := manager.Connect(ctx); err != nil {
					logger.Error("socket connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			stopSessionWatch()
			sender.Stop()
			synchronizer.Stop()
			broadcaster.Stop()
			log.Stop()
			manager.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
