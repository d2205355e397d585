package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/nexus-cloaker/datacenter/internal/config"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	config config.DatabaseConfig
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	// Ensure directory exists for SQLite
	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(max(maxConns/2, 1))
	conn.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, config: cfg}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back when it fails.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	migrations := []string{
		// Users and sessions
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			last_login DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS login_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_token TEXT UNIQUE NOT NULL,
			jwt_token TEXT,
			ip_address TEXT,
			user_agent TEXT,
			expires_at DATETIME NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Worker rules
		`CREATE TABLE IF NOT EXISTS ua_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			user_agent TEXT NOT NULL,
			hourly_limit INTEGER NOT NULL DEFAULT 100,
			enabled INTEGER NOT NULL DEFAULT 1,
			path_limits TEXT,
			description TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ip_blacklist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip_address TEXT UNIQUE NOT NULL,
			reason TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Hour buckets
		`CREATE TABLE IF NOT EXISTS request_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			date_hour DATETIME NOT NULL,
			total_requests INTEGER NOT NULL DEFAULT 0,
			successful_requests INTEGER NOT NULL DEFAULT 0,
			blocked_requests INTEGER NOT NULL DEFAULT 0,
			error_requests INTEGER NOT NULL DEFAULT 0,
			avg_response_time REAL NOT NULL DEFAULT 0,
			max_response_time REAL NOT NULL DEFAULT 0,
			min_response_time REAL NOT NULL DEFAULT 0,
			total_bytes_sent INTEGER NOT NULL DEFAULT 0,
			total_bytes_received INTEGER NOT NULL DEFAULT 0,
			secret1_count INTEGER NOT NULL DEFAULT 0,
			secret2_count INTEGER NOT NULL DEFAULT 0,
			current_secret TEXT,
			pending_requests INTEGER NOT NULL DEFAULT 0,
			memory_cache_size INTEGER NOT NULL DEFAULT 0,
			logs_count INTEGER NOT NULL DEFAULT 0,
			uptime INTEGER NOT NULL DEFAULT 0,
			ua_configs_count INTEGER NOT NULL DEFAULT 0,
			ip_blacklist_count INTEGER NOT NULL DEFAULT 0,
			rate_limit_counters INTEGER NOT NULL DEFAULT 0,
			active_ips_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (worker_id, date_hour)
		)`,

		`CREATE TABLE IF NOT EXISTS ip_request_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			date_hour DATETIME NOT NULL,
			total_count INTEGER NOT NULL DEFAULT 0,
			violations INTEGER NOT NULL DEFAULT 0,
			paths TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (worker_id, ip_address, date_hour)
		)`,

		`CREATE TABLE IF NOT EXISTS ip_violation_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			date_hour DATETIME NOT NULL,
			violation_count INTEGER NOT NULL DEFAULT 0,
			violation_types TEXT,
			is_banned TEXT NOT NULL DEFAULT 'no',
			ban_start_time DATETIME,
			ban_end_time DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (worker_id, ip_address, date_hour)
		)`,

		`CREATE TABLE IF NOT EXISTS ua_usage_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			ua_config_name TEXT NOT NULL,
			date_hour DATETIME NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			blocked_count INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 0,
			path_stats TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (worker_id, ua_config_name, date_hour)
		)`,

		// Append-only logs
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			category TEXT,
			source TEXT,
			request_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS telegram_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			username TEXT,
			command TEXT NOT NULL,
			response TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			execution_time INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			sync_type TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			data_size INTEGER NOT NULL DEFAULT 0,
			records_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		// Worker snapshots
		`CREATE TABLE IF NOT EXISTS worker_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT UNIQUE NOT NULL,
			endpoint TEXT,
			name TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_sync_at DATETIME,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			ua_configs TEXT,
			ip_blacklist TEXT,
			secret_usage TEXT,
			last_update INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Key/value settings
		`CREATE TABLE IF NOT EXISTS system_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT UNIQUE NOT NULL,
			value TEXT,
			description TEXT,
			config_type TEXT NOT NULL DEFAULT 'string',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS web_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			value_type TEXT NOT NULL DEFAULT 'string',
			description TEXT,
			is_sensitive INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (category, key)
		)`,

		`CREATE TABLE IF NOT EXISTS system_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON login_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON login_sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_stats_hour ON request_stats(date_hour)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_request_stats_hour ON ip_request_stats(date_hour)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_violation_ip ON ip_violation_stats(ip_address)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_violation_hour ON ip_violation_stats(date_hour)`,
		`CREATE INDEX IF NOT EXISTS idx_ua_usage_hour ON ua_usage_stats(date_hour)`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_created ON system_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_level ON system_logs(level)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_system_logs_request ON system_logs(worker_id, request_id)
			WHERE request_id IS NOT NULL AND request_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_telegram_logs_created ON telegram_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created ON sync_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_worker ON sync_logs(worker_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// =====================
// Helpers
// =====================

// Now returns the current time the way every timestamp column stores it.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, dst interface{}) {
	if raw == "" {
		return
	}
	json.Unmarshal([]byte(raw), dst)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
