package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESCROW_"

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the service configuration. Values come from the TOML file first and
// are then overridden by ESCROW_* environment variables.
type Config struct {
	ListenAddr      string        `toml:"ListenAddr" env:"LISTEN_ADDR"`
	Admin           string        `toml:"Admin" env:"ADMIN"`
	ShutdownTimeout time.Duration `toml:"ShutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	EventBuffer     int           `toml:"EventBuffer" env:"EVENT_BUFFER"`

	Store     StoreConfig     `toml:"Store" envPrefix:"STORE_"`
	Auth      AuthConfig      `toml:"Auth" envPrefix:"AUTH_"`
	Dispute   DisputeConfig   `toml:"Dispute" envPrefix:"DISPUTE_"`
	Log       LogConfig       `toml:"Log" envPrefix:"LOG_"`
	RateLimit RateLimitConfig `toml:"RateLimit" envPrefix:"RATE_LIMIT_"`
}

type StoreConfig struct {
	Backend     string `toml:"Backend" env:"BACKEND"`
	DatabaseURL string `toml:"DatabaseURL" env:"DATABASE_URL"`
	LevelDBPath string `toml:"LevelDBPath" env:"LEVELDB_PATH"`
	Migrate     bool   `toml:"Migrate" env:"MIGRATE"`
}

type AuthConfig struct {
	JWTSecret string        `toml:"JWTSecret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `toml:"TokenTTL" env:"TOKEN_TTL"`
	Skew      time.Duration `toml:"Skew" env:"SKEW"`
}

type DisputeConfig struct {
	Quorum int `toml:"Quorum" env:"QUORUM"`
}

type LogConfig struct {
	Level      string `toml:"Level" env:"LEVEL"`
	Format     string `toml:"Format" env:"FORMAT"`
	File       string `toml:"File" env:"FILE"`
	MaxSizeMB  int    `toml:"MaxSizeMB" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"MaxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"MaxAgeDays" env:"MAX_AGE_DAYS"`
}

type RateLimitConfig struct {
	PerSecond float64 `toml:"PerSecond" env:"PER_SECOND"`
	Burst     int     `toml:"Burst" env:"BURST"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		EventBuffer:     64,
		Store:           StoreConfig{Backend: BackendMemory},
		Auth:            AuthConfig{TokenTTL: 24 * time.Hour, Skew: 5 * time.Minute},
		Dispute:         DisputeConfig{Quorum: 1},
		Log:             LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		RateLimit:       RateLimitConfig{PerSecond: 10, Burst: 20},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays ESCROW_* variables onto target. Unset variables keep the
// current value.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Admin) || c.AdminAddress() == (common.Address{}) {
		return fmt.Errorf("%w: Admin must be a non-zero hex address", ErrInvalid)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: Store.DatabaseURL required for postgres backend", ErrInvalid)
		}
	case BackendLevelDB:
		if c.Store.LevelDBPath == "" {
			return fmt.Errorf("%w: Store.LevelDBPath required for leveldb backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("%w: Auth.JWTSecret must be at least 16 bytes", ErrInvalid)
	}
	if c.Dispute.Quorum < 0 {
		return fmt.Errorf("%w: Dispute.Quorum must not be negative", ErrInvalid)
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: RateLimit values must not be negative", ErrInvalid)
	}
	return nil
}

// AdminAddress returns the parsed admin identity.
func (c *Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Admin)
}
