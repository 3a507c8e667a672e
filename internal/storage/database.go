package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Swindy123/aichat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// OpenDB connects to the SQL database configured for dbType.
func OpenDB(dbType string, cfg *config.Config) (*sql.DB, error) {
	key := strings.ToLower(dbType)
	if key == "sqlite" {
		key = "sqlite3"
	}
	dbCfg, ok := cfg.Databases[key]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch key {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if dir, ok := sqliteDir(dbCfg.DSN); ok {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// a single connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// sqliteDir returns the directory holding a file DSN, ignoring any query
// parameters. ok is false for in-memory and URI DSNs.
func sqliteDir(dsn string) (string, bool) {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return "", false
	}
	path, _, _ := strings.Cut(dsn, "?")
	if path == "" {
		return "", false
	}
	return filepath.Dir(path), true
}

// Migrate ensures the key-value table is present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv_entries (
				entry_key TEXT PRIMARY KEY,
				entry_value TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv_entries (
				entry_key VARCHAR(255) NOT NULL,
				entry_value MEDIUMTEXT NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (entry_key)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// SQL stores entries in the kv_entries table of a sqlite or mysql database.
type SQL struct {
	db     *sql.DB
	upsert string
}

// NewSQL wraps an already migrated database.
func NewSQL(db *sql.DB, driver string) *SQL {
	upsert := `INSERT INTO kv_entries (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entry_key) DO UPDATE SET entry_value = excluded.entry_value, updated_at = excluded.updated_at`
	if strings.EqualFold(driver, "mysql") {
		upsert = `INSERT INTO kv_entries (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE entry_value = VALUES(entry_value), updated_at = VALUES(updated_at)`
	}
	return &SQL{db: db, upsert: upsert}
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT entry_value FROM kv_entries WHERE entry_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", key, err)
	}
	return value, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.upsert, key, value, time.Now().UTC())
	return wrap("set", key, err)
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE entry_key = ?`, key)
	return wrap("remove", key, err)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
