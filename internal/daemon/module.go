package daemon

import (
	"context"

	"github.com/matheus3301/msync/internal/backend"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/clock"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/identity"
	"github.com/matheus3301/msync/internal/lock"
	"github.com/matheus3301/msync/internal/logging"
	"github.com/matheus3301/msync/internal/messaging"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/netwatch"
	"github.com/matheus3301/msync/internal/notify"
	"github.com/matheus3301/msync/internal/profile"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/rpc"
	"github.com/matheus3301/msync/internal/status"
	"github.com/matheus3301/msync/internal/store"
	intsync "github.com/matheus3301/msync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional override; nil = load from profile.ConfigPath
	LogLevel   zapcore.Level
	Dial       netwatch.DialFunc // optional override for the reachability probe
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideClock,
			provideIdentity,
			provideBackend,
			provideRealtime,
			provideMachine,
			provideEngine,
			provideFacade,
			provideWatcher,
			providePublisher,
			provideForwarder,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore never fails: a store that cannot be opened degrades the
// daemon to network-only operation. The lock is taken first.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) *store.DB {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		logger.Error("store unavailable, running network-only", zap.String("path", dbPath), zap.Error(err))
		return nil
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		logger.Error("migrations failed, running network-only", zap.Error(err))
		return nil
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideIdentity(cfg *config.Config) (identity.Provider, error) {
	return identity.Resolve(cfg.Server.UserID, cfg.Server.Token)
}

func provideBackend(cfg *config.Config) (*backend.Client, error) {
	return backend.New(cfg.Server.BaseURL, backend.WithToken(cfg.Server.Token))
}

func provideRealtime(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	return realtime.NewClient(realtime.ConfigFrom(cfg.Server, cfg.Realtime), b, logger.Named("realtime"))
}

func provideMachine(cfg *config.Config, rt *realtime.Client, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *status.Machine {
	m := status.NewMachine(status.ConfigFrom(cfg.Connection), rt, b, clk, logger.Named("connection"))
	rt.OnDrop(m.ConnectionLost)
	return m
}

func provideEngine(
	cfg *config.Config,
	db *store.DB,
	api *backend.Client,
	rt *realtime.Client,
	m *status.Machine,
	b *bus.Bus,
	ident identity.Provider,
	clk clock.Clock,
	logger *zap.Logger,
) (*intsync.Engine, error) {
	return intsync.NewEngine(intsync.Deps{
		Store:      db,
		API:        api,
		Transport:  rt,
		Connection: m,
		Bus:        b,
		Identity:   ident,
		Clock:      clk,
		Logger:     logger.Named("sync"),
		Config:     intsync.ConfigFrom(cfg.Sync),
	})
}

func provideFacade(engine *intsync.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *messaging.Facade {
	return messaging.New(engine, m, b, logger.Named("messaging"))
}

func provideWatcher(p Params, cfg *config.Config, m *status.Machine, clk clock.Clock, logger *zap.Logger) (*netwatch.Watcher, error) {
	wc, err := netwatch.ConfigFrom(cfg.Server.BaseURL, cfg.Netwatch)
	if err != nil {
		return nil, err
	}
	return netwatch.New(wc, m, p.Dial, clk, logger.Named("netwatch")), nil
}

func providePublisher(cfg *config.Config, logger *zap.Logger) notify.Publisher {
	return notify.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger.Named("notify"))
}

func provideForwarder(p Params, pub notify.Publisher, b *bus.Bus, logger *zap.Logger) *notify.Forwarder {
	return notify.NewForwarder(pub, b, p.Profile, logger.Named("notify"))
}

func provideService(
	p Params,
	f *messaging.Facade,
	engine *intsync.Engine,
	w *netwatch.Watcher,
	m *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *rpc.Service {
	return rpc.NewService(rpc.Deps{
		Profile:   p.Profile,
		Messaging: f,
		Syncer:    engine,
		Network:   w,
		Prober:    m,
		Bus:       b,
		Logger:    logger.Named("rpc"),
	})
}

type components struct {
	fx.In

	Config    *config.Config
	Server    *Server
	Lock      *lock.Lock
	Store     *store.DB
	Engine    *intsync.Engine
	Facade    *messaging.Facade
	Realtime  *realtime.Client
	Machine   *status.Machine
	Watcher   *netwatch.Watcher
	Publisher notify.Publisher
	Forwarder *notify.Forwarder
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var metricsSrv *metrics.Server
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			c.Engine.Start(context.Background())

			// The machine stays Disconnected until the watcher reports the
			// network, then probes the realtime transport on its own.
			c.Watcher.Start(context.Background())

			srv, err := metrics.Serve(c.Config.Metrics.ListenAddr)
			if err != nil {
				c.Logger.Warn("metrics endpoint disabled", zap.Error(err))
			} else if srv != nil {
				metricsSrv = srv
				c.Logger.Info("metrics endpoint listening", zap.String("addr", srv.Addr()))
			}

			c.Logger.Info("event notifications", zap.String("mode", notify.Mode(c.Publisher)))
			c.Forwarder.Start(context.Background())

			go func() {
				if err := c.Server.Start(); err != nil {
					c.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			c.Forwarder.Stop()
			if err := c.Publisher.Close(); err != nil {
				c.Logger.Warn("error closing publisher", zap.Error(err))
			}
			if err := metricsSrv.Shutdown(ctx); err != nil {
				c.Logger.Warn("error stopping metrics endpoint", zap.Error(err))
			}
			c.Watcher.Stop()
			c.Machine.Shutdown()
			if err := c.Realtime.Close(); err != nil {
				c.Logger.Warn("error closing realtime connection", zap.Error(err))
			}
			c.Engine.Stop()
			c.Facade.Shutdown(ctx)
			if err := c.Store.Close(); err != nil {
				c.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}
