package bootstrap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"civicsync/internal/bootstrap/config"
	"civicsync/internal/bootstrap/database"
	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/infrastructure/connectivity"
	"civicsync/internal/infrastructure/dispatch"
	"civicsync/internal/infrastructure/kvstore"
	"civicsync/internal/infrastructure/metrics"
	"civicsync/internal/infrastructure/persistence/sqlite/model"
	sqliteuow "civicsync/internal/infrastructure/persistence/sqlite/uow"
	"civicsync/internal/infrastructure/telemetry"
	"civicsync/internal/ports"
	"civicsync/internal/usecase/offline"
)

var Module = fx.Options(
	fx.Provide(provideConfig),
	fx.Provide(provideDatabase),
	fx.Provide(provideRedis),
	fx.Provide(provideKVStore),
	fx.Provide(provideUnitOfWork),
	fx.Provide(provideConnectivity),
	fx.Provide(provideDispatcher),
	fx.Provide(provideMetrics),
	fx.Provide(provideTelemetry),
	fx.Provide(provideRuntime),
	fx.Provide(provideApp),
)

type configParams struct {
	fx.In

	Ctx        context.Context
	ConfigFile string `name:"configFile"`
}

func provideConfig(p configParams) (config.Config, error) {
	ctx := logging.WithComponent(p.Ctx, "bootstrap.fx")
	return config.Load(ctx, p.ConfigFile)
}

// provideDatabase opens sqlite when it backs the KVStore and returns nil otherwise.
func provideDatabase(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*gorm.DB, error) {
	if !isSQLite(cfg.Database.Driver) {
		return nil, nil
	}
	logCtx := logging.WithComponent(ctx, "bootstrap.fx")

	db, err := database.Open(logCtx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	return db, nil
}

func provideRedis(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !strings.EqualFold(cfg.Database.Driver, "redis") {
		return nil, nil
	}

	client, err := database.OpenRedis(logging.WithComponent(ctx, "bootstrap.fx"), cfg.Redis)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func provideKVStore(ctx context.Context, cfg config.Config, db *gorm.DB, rdb *redis.Client) (ports.KVStore, error) {
	logCtx := logging.WithComponent(ctx, "bootstrap.fx")

	switch {
	case db != nil:
		// The store is unusable without its table; migrating here keeps every
		// command working before an explicit init-db.
		if err := db.WithContext(ctx).AutoMigrate(&model.KVEntry{}); err != nil {
			return nil, errs.Wrap(err, "auto migrate kv schema")
		}
		return kvstore.NewSQLiteStore(db), nil
	case rdb != nil:
		return kvstore.NewRedisStore(kvstore.RedisStoreOpts{
			Client:  rdb,
			Prefix:  cfg.Redis.Prefix,
			Timeout: cfg.Redis.Timeout,
		})
	default:
		logging.Warn(logCtx, "using in-memory kv store, offline state is lost on exit")
		return kvstore.NewMemoryStore(), nil
	}
}

func provideUnitOfWork(db *gorm.DB) ports.UnitOfWork {
	if db == nil {
		return nil
	}
	return sqliteuow.NewUnitOfWork(db)
}

type connectivityResult struct {
	fx.Out

	Provider ports.ConnectivityProvider
	Manual   *connectivity.ManualProvider
}

func provideConnectivity(lc fx.Lifecycle, cfg config.Config) (connectivityResult, error) {
	c := cfg.Connectivity
	switch strings.ToLower(c.Mode) {
	case "probe":
		p, err := connectivity.NewProbeProvider(connectivity.ProbeOpts{
			URL:      c.ProbeURL,
			Interval: c.ProbeInterval,
			Timeout:  c.ProbeTimeout,
		})
		if err != nil {
			return connectivityResult{}, err
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				p.Start(ctx)
				return nil
			},
			OnStop: func(_ context.Context) error {
				p.Close()
				return nil
			},
		})
		return connectivityResult{Provider: p}, nil
	case "file":
		p, err := connectivity.NewFileProvider(c.File)
		if err != nil {
			return connectivityResult{}, err
		}
		lc.Append(fx.Hook{
			OnStart: p.Start,
			OnStop: func(_ context.Context) error {
				return p.Close()
			},
		})
		return connectivityResult{Provider: p}, nil
	default:
		p := connectivity.NewManualProvider(c.Initial)
		return connectivityResult{Provider: p, Manual: p}, nil
	}
}

// provideDispatcher returns nil when no API is configured; replays then need
// handlers registered on the gateway.
func provideDispatcher(ctx context.Context, cfg config.Config) (*dispatch.HTTPDispatcher, error) {
	opts := dispatch.Options{
		BaseURL: cfg.Dispatch.BaseURL,
		Headers: cfg.Dispatch.Headers,
	}

	if cfg.Dispatch.RoutesFile != "" {
		file, err := dispatch.LoadRoutes(cfg.Dispatch.RoutesFile)
		if err != nil {
			return nil, err
		}
		return dispatch.FromRoutesFile(opts, file)
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		logging.Warn(logging.WithComponent(ctx, "bootstrap.fx"), "no dispatch base url configured, queued actions cannot be replayed over http")
		return nil, nil
	}
	return dispatch.NewHTTPDispatcher(opts)
}

type metricsResult struct {
	fx.Out

	Registry *prometheus.Registry
	Metrics  ports.OfflineMetrics
}

func provideMetrics() (metricsResult, error) {
	reg, wrapped := metrics.NewRegistry()
	m, err := metrics.NewOffline(wrapped)
	if err != nil {
		return metricsResult{}, err
	}
	return metricsResult{Registry: reg, Metrics: m}, nil
}

func provideTelemetry(lc fx.Lifecycle, ctx context.Context, cfg config.Config) (ports.TelemetrySink, error) {
	if strings.TrimSpace(cfg.Telemetry.NATSURL) == "" {
		return nil, nil
	}

	sink, err := telemetry.Dial(cfg.Telemetry.NATSURL, cfg.Telemetry.Subject)
	if err != nil {
		// Telemetry is optional; the app keeps working without it.
		logging.Warn(logging.WithComponent(ctx, "bootstrap.fx"), "telemetry disabled",
			slog.String("nats_url", cfg.Telemetry.NATSURL), slog.Any("err", errs.Loggable(err)))
		return nil, nil
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			sink.Close()
			return nil
		},
	})
	return sink, nil
}

type runtimeParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	Config       config.Config
	Store        ports.KVStore
	UnitOfWork   ports.UnitOfWork `optional:"true"`
	Connectivity ports.ConnectivityProvider
	Dispatcher   *dispatch.HTTPDispatcher `optional:"true"`
	Metrics      ports.OfflineMetrics
	Sink         ports.TelemetrySink `optional:"true"`
}

func provideRuntime(p runtimeParams) (*offline.Runtime, error) {
	deps := offline.Deps{
		Store:        p.Store,
		UnitOfWork:   p.UnitOfWork,
		Connectivity: p.Connectivity,
		Metrics:      p.Metrics,
		Sink:         p.Sink,
	}
	if p.Dispatcher != nil {
		deps.Dispatcher = p.Dispatcher
	}

	rt, err := offline.NewRuntime(deps, RuntimeOptions(p.Config.Offline, p.Config.Connectivity.Initial))
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: rt.Start,
		OnStop: func(_ context.Context) error {
			rt.Stop()
			return nil
		},
	})
	return rt, nil
}

// RuntimeOptions maps the offline config section onto runtime options.
func RuntimeOptions(cfg config.OfflineConfig, initialOnline bool) offline.Options {
	opts := offline.DefaultOptions()
	opts.InitialOnline = initialOnline
	if cfg.CacheTTL > 0 {
		opts.CacheTTL = cfg.CacheTTL
	}
	opts.CleanupInterval = cfg.CleanupInterval
	opts.CallTimeout = cfg.CallTimeout
	opts.Debounce = cfg.Debounce
	opts.RetryInterval = cfg.RetryInterval
	opts.CompactThreshold = cfg.CompactThreshold
	opts.Policy = offline.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     offline.ExponentialBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier),
	}
	return opts
}

type appParams struct {
	fx.In

	Config     config.Config
	DB         *gorm.DB `optional:"true"`
	Store      ports.KVStore
	Runtime    *offline.Runtime
	Dispatcher *dispatch.HTTPDispatcher `optional:"true"`
	Registry   *prometheus.Registry
	Manual     *connectivity.ManualProvider `optional:"true"`
}

func provideApp(p appParams) *App {
	return &App{
		Config:     p.Config,
		DB:         p.DB,
		Store:      p.Store,
		Runtime:    p.Runtime,
		Dispatcher: p.Dispatcher,
		Registry:   p.Registry,
		Manual:     p.Manual,
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	default:
		return false
	}
}
