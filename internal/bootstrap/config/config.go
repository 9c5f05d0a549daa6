package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Offline      OfflineConfig      `mapstructure:"offline"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Status       StatusConfig       `mapstructure:"status"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig selects the KVStore backend: sqlite, redis or memory.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type OfflineConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	Debounce          time.Duration `mapstructure:"debounce"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	CompactThreshold  int           `mapstructure:"compact_threshold"`
}

// ConnectivityConfig selects the connectivity signal: probe, file or manual.
type ConnectivityConfig struct {
	Mode          string        `mapstructure:"mode"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	File          string        `mapstructure:"file"`
	Initial       bool          `mapstructure:"initial"`
}

type DispatchConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	RoutesFile string            `mapstructure:"routes_file"`
	Headers    map[string]string `mapstructure:"headers"`
}

type TelemetryConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

func Load(ctx context.Context, configFile string) (Config, error) {
	if ctx == nil {
		return Config{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return Config{}, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.config")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			logging.Warn(logCtx, "config file not found, fallback to defaults and env")
		} else {
			return Config{}, errs.Wrap(err, "read config")
		}
	} else {
		logging.Info(logCtx, "using config file", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errs.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info(
		logCtx,
		"config loaded",
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("connectivity_mode", cfg.Connectivity.Mode),
	)

	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn is required")
		}
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr is required when database.driver is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Connectivity.Mode) {
	case "probe":
		if strings.TrimSpace(c.Connectivity.ProbeURL) == "" {
			return errors.New("connectivity.probe_url is required in probe mode")
		}
	case "file":
		if strings.TrimSpace(c.Connectivity.File) == "" {
			return errors.New("connectivity.file is required in file mode")
		}
	case "manual":
	default:
		return fmt.Errorf("unsupported connectivity.mode %q", c.Connectivity.Mode)
	}

	if c.Offline.MaxAttempts < 0 {
		return errors.New("offline.max_attempts must not be negative")
	}
	if c.Offline.BackoffMultiplier != 0 && c.Offline.BackoffMultiplier < 1 {
		return errors.New("offline.backoff_multiplier must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "civicsync")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", ".civicsync/offline.sqlite")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "civicsync:")
	v.SetDefault("redis.timeout", time.Second)

	v.SetDefault("offline.cache_ttl", 5*time.Minute)
	v.SetDefault("offline.cleanup_interval", 10*time.Minute)
	v.SetDefault("offline.max_attempts", 3)
	v.SetDefault("offline.backoff_initial", 2*time.Second)
	v.SetDefault("offline.backoff_max", 5*time.Minute)
	v.SetDefault("offline.backoff_multiplier", 2.0)
	v.SetDefault("offline.call_timeout", 15*time.Second)
	v.SetDefault("offline.debounce", 2*time.Second)
	v.SetDefault("offline.retry_interval", time.Minute)
	v.SetDefault("offline.compact_threshold", 256)

	v.SetDefault("connectivity.mode", "manual")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.file", ".civicsync/online")
	v.SetDefault("connectivity.initial", true)

	v.SetDefault("dispatch.base_url", "")
	v.SetDefault("dispatch.routes_file", "")

	v.SetDefault("telemetry.nats_url", "")
	v.SetDefault("telemetry.subject", "civicsync.telemetry")

	v.SetDefault("status.listen", "127.0.0.1:8787")
}
