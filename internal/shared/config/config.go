package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StorageTOML     = "toml"
	StoragePostgres = "postgres"

	EventsNone   = "none"
	EventsMemory = "memory"
	EventsRedis  = "redis"
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	Storage StorageConfig `toml:"storage"`
	Events  EventsConfig  `toml:"events"`
	Service ServiceConfig `toml:"service"`
	Admin   AdminConfig   `toml:"admin"`
}

type LogConfig struct {
	Level string `toml:"level" env:"INVITECORE_LOG_LEVEL"`
	JSON  bool   `toml:"json" env:"INVITECORE_LOG_JSON"`
}

type StorageConfig struct {
	Driver      string `toml:"driver" env:"INVITECORE_STORAGE_DRIVER"`
	SQLitePath  string `toml:"sqlite_path" env:"INVITECORE_SQLITE_PATH"`
	TOMLPath    string `toml:"toml_path" env:"INVITECORE_TOML_PATH"`
	PostgresDSN string `toml:"postgres_dsn" env:"INVITECORE_POSTGRES_DSN"`
}

type EventsConfig struct {
	Driver       string `toml:"driver" env:"INVITECORE_EVENTS_DRIVER"`
	RedisAddr    string `toml:"redis_addr" env:"INVITECORE_REDIS_ADDR"`
	RedisChannel string `toml:"redis_channel" env:"INVITECORE_REDIS_CHANNEL"`
}

type ServiceConfig struct {
	// ConflictRetries of zero lets the service bound retries by each
	// invitation's usage limit.
	ConflictRetries int `toml:"conflict_retries" env:"INVITECORE_CONFLICT_RETRIES"`
}

type AdminConfig struct {
	Addr string `toml:"addr" env:"INVITECORE_ADMIN_ADDR"`
	// SweepInterval is how often the admin server persists lazy expiry.
	// Zero disables the sweep.
	SweepInterval time.Duration `toml:"sweep_interval" env:"INVITECORE_SWEEP_INTERVAL"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver:     StorageMemory,
			SQLitePath: "invitations.db",
			TOMLPath:   "invitations.toml",
		},
		Events: EventsConfig{
			Driver:       EventsMemory,
			RedisAddr:    "localhost:6379",
			RedisChannel: "invitations",
		},
		Admin: AdminConfig{
			Addr:          "localhost:7090",
			SweepInterval: time.Minute,
		},
	}
}

// Load applies, in order, the defaults, the TOML file at path (skipped when
// path is empty or the file does not exist) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StorageTOML:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("invalid config: postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("invalid config: unknown storage driver '%s'", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case EventsNone, EventsMemory, EventsRedis:
	default:
		return fmt.Errorf("invalid config: unknown events driver '%s'", c.Events.Driver)
	}
	if c.Service.ConflictRetries < 0 {
		return fmt.Errorf("invalid config: conflict retries must not be negative")
	}
	if c.Admin.SweepInterval < 0 {
		return fmt.Errorf("invalid config: sweep interval must not be negative")
	}
	return nil
}
