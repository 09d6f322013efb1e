package backline

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lmartins/backline/internal/bus"
	"github.com/lmartins/backline/internal/cache"
	"github.com/lmartins/backline/internal/config"
	"github.com/lmartins/backline/internal/convstore"
	"github.com/lmartins/backline/internal/directory"
	"github.com/lmartins/backline/internal/keyring"
	"github.com/lmartins/backline/internal/lock"
	"github.com/lmartins/backline/internal/logging"
	"github.com/lmartins/backline/internal/outbox"
	"github.com/lmartins/backline/internal/presence"
	"github.com/lmartins/backline/internal/router"
	"github.com/lmartins/backline/internal/session"
	"github.com/lmartins/backline/internal/status"
	"github.com/lmartins/backline/internal/transport"
)

// Params holds the resolved session identity passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	// RelayURL and DirectoryURL override the config file when non-empty.
	RelayURL     string
	DirectoryURL string
}

// Module composes all providers and lifecycle hooks for one session.
func Module(p Params) fx.Option {
	return fx.Module("backline",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideDirectory,
			provideKeyring,
			provideStore,
			provideConn,
			providePresence,
			provideRouter,
			provideSender,
			newClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = &config.Config{}
	}
	c := cfg.WithDefaults()
	if p.RelayURL != "" {
		c.RelayURL = p.RelayURL
	}
	if p.DirectoryURL != "" {
		c.DirectoryURL = p.DirectoryURL
	}
	return &c, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory(cfg *config.Config) *directory.Client {
	return directory.New(cfg.DirectoryURL, cfg.DirectoryTimeout.Duration)
}

func provideKeyring(p Params, dir *directory.Client, cfg *config.Config, logger *zap.Logger) *keyring.Keyring {
	return keyring.New(dir, session.KeyPath(p.SessionName), cfg.DirectoryTimeout.Duration, logger)
}

func provideStore() *convstore.Store {
	return convstore.New()
}

func provideConn(p Params, cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Conn {
	return transport.New(cfg.RelayURL, p.UserID, transport.Options{
		DialTimeout:       cfg.DialTimeout.Duration,
		AuthTimeout:       cfg.AuthTimeout.Duration,
		HeartbeatInterval: cfg.HeartbeatInterval.Duration,
		ReadTimeout:       cfg.ReadTimeout.Duration,
		ReconnectBase:     cfg.ReconnectBase.Duration,
		ReconnectMax:      cfg.ReconnectMax.Duration,
		StableAfter:       cfg.StableAfter.Duration,
	}, m, b, logger)
}

func providePresence(p Params, cfg *config.Config, conn *transport.Conn, b *bus.Bus, logger *zap.Logger) *presence.Coordinator {
	return presence.New(conn, b, p.UserID, cfg.TypingQuietWindow.Duration, cfg.TypingTTL.Duration, logger)
}

func provideRouter(p Params, cfg *config.Config, keys *keyring.Keyring, store *convstore.Store,
	db *cache.DB, pres *presence.Coordinator, conn *transport.Conn, b *bus.Bus, logger *zap.Logger) *router.Router {
	return router.New(p.UserID, keys, store, db, pres, conn, b, cfg.CryptoTimeout.Duration, logger)
}

func provideSender(p Params, cfg *config.Config, db *cache.DB, store *convstore.Store,
	keys *keyring.Keyring, conn *transport.Conn, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(p.UserID, db, store, keys, conn, b, cfg.CryptoTimeout.Duration, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, lk *lock.Lock, db *cache.DB,
	keys *keyring.Keyring, store *convstore.Store, dir *directory.Client, conn *transport.Conn,
	rt *router.Router, sender *outbox.Sender, pres *presence.Coordinator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// No key pair, no session. Everything downstream assumes an
			// active identity key exists.
			pair, err := keys.Ensure(ctx, p.UserID)
			if err != nil {
				return err
			}
			logger.Info("identity key ready", zap.String("key_id", pair.KeyID))

			if err := hydrateFromCache(db, store, pair, cfg.CryptoTimeout.Duration, logger); err != nil {
				logger.Error("cache hydration failed", zap.Error(err))
			}

			conn.OnFrame(rt.Handle)
			if err := conn.Connect(); err != nil {
				return err
			}
			sender.Start(context.Background())

			// Server history fills in behind the cached view. Network, so
			// it never blocks startup.
			go func() {
				if err := hydrateFromDirectory(context.Background(), dir, db, store, pair,
					p.UserID, cfg.CryptoTimeout.Duration, logger); err != nil {
					logger.Warn("directory hydration failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			pres.Close()
			if err := conn.Close(); err != nil {
				logger.Warn("error closing connection", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session stopped")
			return nil
		},
	})
}
