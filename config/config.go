/*
Package config loads service configuration.

PRIORITY (highest to lowest):
  1. Environment variables with LEDGER_ prefix (e.g. LEDGER_STORE_DRIVER)
  2. .env in the working directory (loaded into the environment first)
  3. config.toml
  4. Built-in defaults

EXAMPLE config.toml:

  [store]
  driver = "sqlite"
  sqlite_path = "ledger.db"

  [engine]
  tolerance = "0.01"
  spillover_policy = "oldest_first"

  [audit]
  interval = "1h"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/revenue-ledger/logger"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	Store  StoreConfig
	Engine EngineConfig
	Audit  AuditConfig
	Log    logger.Config
}

type AppConfig struct {
	Name string
	Env  string
}

type HTTPConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
}

type StoreConfig struct {
	Driver      string // memory, sqlite, postgres
	SQLitePath  string
	PostgresDSN string
}

type EngineConfig struct {
	Tolerance        decimal.Decimal
	CurrencyScale    int32
	AutoApplyAdvance bool
	SpilloverPolicy  string
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

type AuditConfig struct {
	// Interval between background audits. Zero disables the scheduler.
	Interval time.Duration
}

// Load reads configuration. configPath may name a config file explicitly;
// when empty, config.toml is searched in the working directory.
func Load(configPath string) (*Config, error) {
	// .env is optional; a present but unreadable or malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	tolerance, err := decimal.NewFromString(v.GetString("engine.tolerance"))
	if err != nil {
		return nil, fmt.Errorf("engine.tolerance: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Port:             v.GetString("http.port"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			SQLitePath:  v.GetString("store.sqlite_path"),
			PostgresDSN: v.GetString("store.postgres_dsn"),
		},
		Engine: EngineConfig{
			Tolerance:        tolerance,
			CurrencyScale:    v.GetInt32("engine.currency_scale"),
			AutoApplyAdvance: v.GetBool("engine.auto_apply_advance"),
			SpilloverPolicy:  v.GetString("engine.spillover_policy"),
			MaxAttempts:      v.GetInt("engine.max_attempts"),
			InitialBackoff:   v.GetDuration("engine.initial_backoff"),
			MaxBackoff:       v.GetDuration("engine.max_backoff"),
		},
		Audit: AuditConfig{
			Interval: v.GetDuration("audit.interval"),
		},
		Log: logger.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			TimeFormat: v.GetString("log.time_format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "revenue-ledger")
	v.SetDefault("app.env", "development")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.cors_allow_origins", []string{})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "ledger.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("engine.tolerance", "0.01")
	v.SetDefault("engine.currency_scale", 2)
	v.SetDefault("engine.auto_apply_advance", true)
	v.SetDefault("engine.spillover_policy", "oldest_first")
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.initial_backoff", 10*time.Millisecond)
	v.SetDefault("engine.max_backoff", 500*time.Millisecond)

	v.SetDefault("audit.interval", time.Hour)

	defaults := logger.DefaultConfig()
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
	v.SetDefault("log.output", defaults.Output)
	v.SetDefault("log.time_format", defaults.TimeFormat)
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Engine.Tolerance.IsNegative() {
		return fmt.Errorf("engine.tolerance must not be negative")
	}
	if c.Engine.CurrencyScale < 1 || c.Engine.CurrencyScale > 4 {
		return fmt.Errorf("engine.currency_scale must be between 1 and 4")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be at least 1")
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("audit.interval must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
