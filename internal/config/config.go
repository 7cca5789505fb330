// Package config loads server configuration from flowsync.json with
// environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "flowsync.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":4040"

	// DefaultBackend is the default storage backend.
	DefaultBackend = "memory"
)

// Config represents the complete flowsync.json configuration.
type Config struct {
	// Address is the listen address.
	Address string `json:"address,omitempty"`

	// Storage selects and configures the durability backend.
	Storage StorageConfig `json:"storage,omitempty"`

	// Sync tunes the state sync pacing.
	Sync SyncConfig `json:"sync,omitempty"`
}

// StorageConfig selects the durability backend for room state.
type StorageConfig struct {
	// Backend is one of "memory", "redis", "s3", "sqlite".
	Backend string `json:"backend,omitempty"`

	// Redis configures the redis backend.
	Redis RedisConfig `json:"redis,omitempty"`

	// S3 configures the s3 backend.
	S3 S3Config `json:"s3,omitempty"`

	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `json:"sqlite,omitempty"`
}

// RedisConfig contains redis backend settings.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// S3Config contains s3 backend settings.
type S3Config struct {
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
}

// SQLiteConfig contains sqlite backend settings.
type SQLiteConfig struct {
	Path string `json:"path,omitempty"`
}

// SyncConfig tunes the settling delays of the state sync sequence, in
// milliseconds. Zero values keep the built-in pacing.
type SyncConfig struct {
	ClearSettleMs   int `json:"clearSettleMs,omitempty"`
	SendGapMs       int `json:"sendGapMs,omitempty"`
	SectionSettleMs int `json:"sectionSettleMs,omitempty"`
}

// Default returns a Config with defaults filled in.
func Default() *Config {
	return &Config{
		Address: DefaultAddress,
		Storage: StorageConfig{
			Backend: DefaultBackend,
			SQLite:  SQLiteConfig{Path: "flowsync.sqlite3"},
		},
	}
}

// Load reads the configuration file at path and applies environment
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultBackend
	}

	return cfg, nil
}

// applyEnv overrides file values with FLOWSYNC_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWSYNC_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FLOWSYNC_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("FLOWSYNC_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("FLOWSYNC_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("FLOWSYNC_S3_BUCKET"); v != "" {
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FLOWSYNC_S3_PREFIX"); v != "" {
		c.Storage.S3.Prefix = v
	}
	if v := os.Getenv("FLOWSYNC_S3_REGION"); v != "" {
		c.Storage.S3.Region = v
	}
	if v := os.Getenv("FLOWSYNC_SQLITE_PATH"); v != "" {
		c.Storage.SQLite.Path = v
	}
}

// ClearSettle returns the configured clear settling delay, or zero to keep
// the built-in default.
func (s SyncConfig) ClearSettle() time.Duration {
	return time.Duration(s.ClearSettleMs) * time.Millisecond
}

// SendGap returns the configured per-record gap, or zero to keep the
// built-in default.
func (s SyncConfig) SendGap() time.Duration {
	return time.Duration(s.SendGapMs) * time.Millisecond
}

// SectionSettle returns the configured section settling delay, or zero to
// keep the built-in default.
func (s SyncConfig) SectionSettle() time.Duration {
	return time.Duration(s.SectionSettleMs) * time.Millisecond
}
