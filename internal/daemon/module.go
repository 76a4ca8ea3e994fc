package daemon

import (
	"context"
	"os"

	"github.com/warelay/warelay/internal/bus"
	"github.com/warelay/warelay/internal/cloudapi"
	"github.com/warelay/warelay/internal/config"
	"github.com/warelay/warelay/internal/httpapi"
	"github.com/warelay/warelay/internal/identity"
	"github.com/warelay/warelay/internal/ingest"
	"github.com/warelay/warelay/internal/lock"
	"github.com/warelay/warelay/internal/logging"
	"github.com/warelay/warelay/internal/outbox"
	"github.com/warelay/warelay/internal/profile"
	"github.com/warelay/warelay/internal/push"
	"github.com/warelay/warelay/internal/runstate"
	"github.com/warelay/warelay/internal/store"
	"github.com/warelay/warelay/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Listen      string // optional override for testing; empty = use config
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
			provideLock,
			provideStore,
			provideNormalizer,
			provideAggregator,
			provideHub,
			provideGateway,
			provideCloudClient,
			provideSender,
			provideWebhook,
			provideAPIServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

// provideConfig loads ~/.warelay/config.toml. A missing file is not fatal:
// the daemon serves the local API without provider credentials.
func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		} else {
			logger.Info("no config file, using defaults", zap.String("path", profile.ConfigPath()))
		}
		return &config.Config{}
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *runstate.Machine {
	return runstate.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideNormalizer(cfg *config.Config) *identity.Normalizer {
	return identity.New(identity.Rules{
		CallingCode:    cfg.Identity.CallingCode,
		MobilePrefixes: cfg.Identity.MobilePrefixes,
		NationalLength: cfg.Identity.NationalLength,
	})
}

func provideAggregator(db *store.DB, logger *zap.Logger) *ingest.Aggregator {
	return ingest.NewAggregator(db, logger)
}

func provideHub(b *bus.Bus, logger *zap.Logger) *push.Hub {
	return push.NewHub(b, logger)
}

func provideGateway(cfg *config.Config, db *store.DB, agg *ingest.Aggregator, norm *identity.Normalizer, b *bus.Bus, hub *push.Hub, logger *zap.Logger) *ingest.Gateway {
	return ingest.NewGateway(db, agg, norm, b, hub, cfg.OperatorAddresses(), logger)
}

func provideCloudClient(cfg *config.Config, logger *zap.Logger) *cloudapi.Client {
	return cloudapi.New(cloudapi.Config{
		APIBase:       cfg.Provider.APIBase,
		AccessToken:   cfg.Provider.AccessToken,
		PhoneNumberID: cfg.Provider.PhoneNumberID,
	}, logger)
}

func provideSender(db *store.DB, client *cloudapi.Client, gateway *ingest.Gateway, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, gateway, b, logger)
}

func provideWebhook(cfg *config.Config, gateway *ingest.Gateway, db *store.DB, b *bus.Bus, logger *zap.Logger) *webhook.Handler {
	return webhook.New(webhook.Config{
		VerifyToken: cfg.Provider.VerifyToken,
		AppSecret:   cfg.Provider.AppSecret,
	}, gateway, db, b, logger)
}

func provideAPIServer(db *store.DB, gateway *ingest.Gateway, machine *runstate.Machine, sender *outbox.Sender, client *cloudapi.Client, wh *webhook.Handler, hub *push.Hub, logger *zap.Logger) *httpapi.Server {
	return httpapi.New(db, gateway, machine, sender, client, wh, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, hub *push.Hub, sender *outbox.Sender, machine *runstate.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			hub.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
					_ = machine.Transition(runstate.Error)
				}
			}()

			if err := machine.Transition(runstate.Ready); err != nil {
				return err
			}
			logger.Info("daemon ready", zap.String("addr", srv.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			hub.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
