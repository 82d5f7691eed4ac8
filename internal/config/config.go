// Package config loads daemon configuration from YAML and FEESYNC_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FEESYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "FEESYNC"

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Server       ServerConfig       `mapstructure:"server"`
	Schema       SchemaConfig       `mapstructure:"schema"`
}

type AppConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// MachineID keys sealed credentials; empty means the host's machine id.
	MachineID string `mapstructure:"machine_id"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type SyncConfig struct {
	BatchSize  int           `mapstructure:"batch_size"`
	Debounce   time.Duration `mapstructure:"debounce"`
	MaxRetries int           `mapstructure:"max_retries"`
	Periodic   string        `mapstructure:"periodic"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeSchedule string        `mapstructure:"probe_schedule"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RemoteConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type SchemaConfig struct {
	Dir string `mapstructure:"dir"`
}

const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreMemory = "memory"

	RemotePostgres = "postgres"
	RemoteHTTP     = "http"
	RemoteMemory   = "memory" // in-process fake, for demos and tests
	RemoteNone     = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.data_dir", "./data")
	v.SetDefault("app.machine_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.debounce", "100ms")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.periodic", "@every 1m")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_address", "")
	v.SetDefault("connectivity.probe_schedule", "@every 15s")
	v.SetDefault("connectivity.timeout", "3s")
	v.SetDefault("remote.driver", RemoteNone)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", "15s")
	v.SetDefault("server.http_addr", "127.0.0.1:8090")
	v.SetDefault("schema.dir", "")
}

// Load reads path (if non-empty) and applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted sensibly.
func (c Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative")
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreFile, StoreMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Remote.Driver {
	case RemotePostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for the postgres driver")
		}
	case RemoteHTTP:
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the http driver")
		}
	case RemoteMemory, RemoteNone:
	default:
		return fmt.Errorf("unknown remote.driver %q", c.Remote.Driver)
	}
	return nil
}

// StorePath returns the configured store location, defaulting under the data dir.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	switch c.Store.Driver {
	case StoreFile:
		return filepath.Join(c.App.DataDir, "store")
	default:
		return c.App.DataDir
	}
}
