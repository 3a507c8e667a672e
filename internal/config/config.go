package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultServerAddress = ":8090"
	DefaultGameBaseURL   = "http://localhost:8080"
	DefaultRedisPrefix   = "aichat:"
)

// Config represents runtime configuration for the client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Storage     StorageConfig             `json:"storage"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Bolt        BoltConfig                `json:"bolt"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// GameBaseURL points at the riddle game service.
	GameBaseURL string `json:"game_base_url"`
	// RequestTimeout is in seconds; 0 leaves the transport default.
	RequestTimeout int `json:"request_timeout"`
	MaxRetries     int `json:"max_retries"`
}

// StorageConfig selects the key-value backend: memory, sqlite3, mysql, redis or bolt.
type StorageConfig struct {
	Driver string `json:"driver"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type BoltConfig struct {
	Path string `json:"path"`
}

// Default returns a configuration that talks to a local game service and
// keeps history in a sqlite file next to the working directory.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: DefaultServerAddress,
			GameBaseURL:   DefaultGameBaseURL,
		},
		Storage: StorageConfig{Driver: "sqlite3"},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/aichat.db"},
		},
		Redis: RedisConfig{Prefix: DefaultRedisPrefix},
		Bolt:  BoltConfig{Path: "./data/aichat.bolt"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: the defaults are returned instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}
	if c.BasicConfig.GameBaseURL == "" {
		c.BasicConfig.GameBaseURL = DefaultGameBaseURL
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
}

// resolvePaths makes file-backed stores relative to the config file.
func (c *Config) resolvePaths(base string) {
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = filepath.Join(base, db.DSN)
		c.Databases["sqlite3"] = db
	}
	if c.Bolt.Path != "" && !filepath.IsAbs(c.Bolt.Path) {
		c.Bolt.Path = filepath.Join(base, c.Bolt.Path)
	}
}

// Validate checks that the selected storage driver has what it needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BasicConfig.GameBaseURL) == "" {
		return errors.New("game_base_url must be configured")
	}
	if c.BasicConfig.RequestTimeout < 0 {
		return errors.New("request_timeout cannot be negative")
	}
	if c.BasicConfig.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "redis":
	case "sqlite", "sqlite3":
		if c.Databases["sqlite3"].DSN == "" {
			return errors.New("sqlite dsn must be provided")
		}
	case "mysql":
		if _, ok := c.Databases["mysql"]; !ok {
			return errors.New("database config for mysql not found")
		}
	case "bolt":
		if c.Bolt.Path == "" {
			return errors.New("bolt path must be provided")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}
