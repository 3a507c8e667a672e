package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Swindy123/aichat/internal/config"
	"github.com/Swindy123/aichat/internal/redis"
)

// KV is the string key-value persistence used for chat history.
// Get reports ok=false for absent keys; Remove of an absent key succeeds.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Error is returned by every backend when a read, write or remove fails.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err}
}

// Open builds the backend selected by cfg.Storage.Driver.
func Open(cfg *config.Config) (KV, error) {
	driver := strings.ToLower(cfg.Storage.Driver)
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3", "mysql":
		db, err := OpenDB(driver, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQL(db, driver), nil
	case "redis":
		client, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		return NewRedis(client), nil
	case "bolt":
		return OpenBolt(cfg.Bolt.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}
