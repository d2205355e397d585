package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =====================
// Worker Config Operations
// =====================

const workerColumns = `id, worker_id, COALESCE(endpoint, ''), COALESCE(name, ''), enabled, last_sync_at,
	sync_status, COALESCE(ua_configs, ''), COALESCE(ip_blacklist, ''), COALESCE(secret_usage, ''),
	last_update, created_at, updated_at`

func scanWorker(row rowScanner) (*WorkerConfig, error) {
	var w WorkerConfig
	var lastSync sql.NullTime
	var ua, ip, secret string
	if err := row.Scan(&w.ID, &w.WorkerID, &w.Endpoint, &w.Name, &w.Enabled, &lastSync, &w.SyncStatus,
		&ua, &ip, &secret, &w.LastUpdate, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.LastSyncAt = nullTime(lastSync)
	w.UAConfigs = rawJSON(ua)
	w.IPBlacklist = rawJSON(ip)
	w.SecretUsage = rawJSON(secret)
	return &w, nil
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func rawString(r json.RawMessage) interface{} {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

// SaveWorkerSnapshot overwrites the reported config of a worker wholesale,
// creating its row when absent.
func (db *DB) SaveWorkerSnapshot(ctx context.Context, w *WorkerConfig) error {
	now := Now()
	if w.LastSyncAt == nil {
		w.LastSyncAt = &now
	}
	if w.SyncStatus == "" {
		w.SyncStatus = SyncSuccess
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO worker_configs (worker_id, endpoint, name, enabled, last_sync_at, sync_status,
			ua_configs, ip_blacklist, secret_usage, last_update, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			sync_status = excluded.sync_status,
			ua_configs = excluded.ua_configs,
			ip_blacklist = excluded.ip_blacklist,
			secret_usage = excluded.secret_usage,
			last_update = excluded.last_update,
			updated_at = excluded.updated_at`,
		w.WorkerID, w.Endpoint, w.Name, w.LastSyncAt.UTC(), w.SyncStatus,
		rawString(w.UAConfigs), rawString(w.IPBlacklist), rawString(w.SecretUsage), w.LastUpdate, now, now)
	if err != nil {
		return fmt.Errorf("save worker snapshot: %w", err)
	}
	return nil
}

// TouchWorker records contact with a worker. An empty endpoint keeps the
// stored one.
func (db *DB) TouchWorker(ctx context.Context, workerID, endpoint, status string, at time.Time) error {
	now := Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO worker_configs (worker_id, endpoint, enabled, last_sync_at, sync_status, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			endpoint = CASE WHEN excluded.endpoint != '' THEN excluded.endpoint ELSE worker_configs.endpoint END,
			last_sync_at = excluded.last_sync_at,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		workerID, endpoint, at.UTC(), status, now, now)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

// SetWorkerStatus records the outcome of a data-center initiated sync
// without counting it as contact from the worker.
func (db *DB) SetWorkerStatus(ctx context.Context, workerID, endpoint, status string) error {
	now := Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO worker_configs (worker_id, endpoint, enabled, sync_status, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		workerID, endpoint, status, now, now)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return nil
}

func (db *DB) GetWorkerConfig(ctx context.Context, workerID string) (*WorkerConfig, error) {
	return scanWorker(db.conn.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM worker_configs WHERE worker_id = ?`, workerID))
}

func (db *DB) ListWorkerConfigs(ctx context.Context) ([]WorkerConfig, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM worker_configs ORDER BY worker_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workers := []WorkerConfig{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// CountWorkers returns how many workers are known and how many were last
// heard from at or after onlineSince.
func (db *DB) CountWorkers(ctx context.Context, onlineSince time.Time) (total, online int64, err error) {
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN last_sync_at >= ? THEN 1 ELSE 0 END), 0)
		FROM worker_configs WHERE enabled = 1`, onlineSince.UTC()).Scan(&total, &online)
	return
}
