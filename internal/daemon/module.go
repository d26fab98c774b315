package daemon

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/bus"
	"github.com/bookable/bookchat/internal/chat"
	"github.com/bookable/bookchat/internal/config"
	"github.com/bookable/bookchat/internal/hub"
	"github.com/bookable/bookchat/internal/lock"
	"github.com/bookable/bookchat/internal/logging"
	"github.com/bookable/bookchat/internal/profile"
	"github.com/bookable/bookchat/internal/rest"
	"github.com/bookable/bookchat/internal/token"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideTokenStore,
			provideTokenSource,
			provideLoader,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("config %s: api_base_url is required", path)
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideTokenStore(p Params, logger *zap.Logger) (*token.Store, error) {
	dbPath := profile.CredentialsDBPath(p.ProfileName)
	store, err := token.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := store.Migrate()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("credential store opened", zap.String("path", dbPath))
	return store, nil
}

func provideTokenSource(store *token.Store) token.Source {
	return token.StoreSource{Store: store}
}

func provideLoader(cfg *config.Config, tokens token.Source, logger *zap.Logger) *rest.Loader {
	return rest.NewLoader(rest.NewClient(cfg.APIBaseURL, tokens), logger)
}

func provideManager(cfg *config.Config, tokens token.Source, b *bus.Bus, loader *rest.Loader, logger *zap.Logger) *chat.Manager {
	build := func(userID int64) (*chat.Session, error) {
		h := hub.NewClient(hub.Options{
			URL:    cfg.HubURL(),
			Tokens: tokens,
			Bus:    b,
			Logger: logger,
		})
		return chat.NewSession(userID, h, loader, b, logger), nil
	}
	return chat.NewManager(build, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *token.Store, mgr *chat.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			raw, err := store.Get(token.KeyUserID)
			if err != nil {
				return err
			}
			if raw == "" {
				logger.Info("no credentials found, login required")
				return nil
			}
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("stored user id %q: %w", raw, err)
			}

			// Connect in the background so startup never blocks on the network.
			go func() {
				if _, err := mgr.Activate(context.Background(), userID); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := mgr.Close(); err != nil {
				logger.Warn("error closing session", zap.Error(err))
			}
			_ = store.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
