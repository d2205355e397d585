package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =====================
// System Log Operations
// =====================

const systemLogColumns = `id, COALESCE(worker_id, ''), level, message, COALESCE(details, ''),
	COALESCE(category, ''), COALESCE(source, ''), COALESCE(request_id, ''), COALESCE(ip_address, ''),
	COALESCE(user_agent, ''), created_at`

func insertSystemLog(ctx context.Context, ex Execer, verb string, l *SystemLog) (bool, error) {
	details, err := encodeJSON(l.Details)
	if err != nil {
		return false, err
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = Now()
	}
	var requestID interface{}
	if l.RequestID != "" {
		requestID = l.RequestID
	}
	res, err := ex.ExecContext(ctx, verb+` INTO system_logs (worker_id, level, message, details, category,
			source, request_id, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.WorkerID, l.Level, l.Message, details, l.Category, l.Source, requestID, l.IPAddress,
		l.UserAgent, l.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.ID, _ = res.LastInsertId()
	}
	return n > 0, nil
}

func (db *DB) InsertSystemLog(ctx context.Context, l *SystemLog) error {
	if _, err := insertSystemLog(ctx, db.conn, "INSERT", l); err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

// InsertWorkerLogs stores a batch in one transaction, skipping entries whose
// (worker_id, request_id) is already stored. It returns how many were new.
func (db *DB) InsertWorkerLogs(ctx context.Context, logs []SystemLog) (int, error) {
	inserted := 0
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range logs {
			ok, err := insertSystemLog(ctx, tx, "INSERT OR IGNORE", &logs[i])
			if err != nil {
				return fmt.Errorf("insert worker log: %w", err)
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LogFilter narrows ListSystemLogs. Zero values match everything.
type LogFilter struct {
	Level    string
	WorkerID string
	Category string
	Source   string
	Since    time.Time
	Limit    int
	Offset   int
}

func (db *DB) ListSystemLogs(ctx context.Context, f LogFilter) ([]SystemLog, error) {
	query := `SELECT ` + systemLogColumns + ` FROM system_logs WHERE 1 = 1`
	args := []interface{}{}

	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []SystemLog{}
	for rows.Next() {
		var l SystemLog
		var details string
		if err := rows.Scan(&l.ID, &l.WorkerID, &l.Level, &l.Message, &details, &l.Category, &l.Source,
			&l.RequestID, &l.IPAddress, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, err
		}
		decodeJSON(details, &l.Details)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (db *DB) CountSystemLogs(ctx context.Context, workerID string) (int64, error) {
	query := `SELECT COUNT(*) FROM system_logs`
	args := []interface{}{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	var n int64
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// CountLogLevels counts the logs written at or after since, and how many of
// them are ERROR or CRITICAL.
func (db *DB) CountLogLevels(ctx context.Context, since time.Time) (total, failed int64, err error) {
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN level IN ('ERROR', 'CRITICAL') THEN 1 ELSE 0 END), 0)
		FROM system_logs WHERE created_at >= ?`, since.UTC()).Scan(&total, &failed)
	return
}

// =====================
// Telegram Log Operations
// =====================

func (db *DB) InsertTelegramLog(ctx context.Context, l *TelegramLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = Now()
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO telegram_logs (user_id, username, command, response, status, error_message,
			execution_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.UserID, l.Username, l.Command, l.Response, l.Status, l.ErrorMessage, l.ExecutionTime,
		l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert telegram log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) ListTelegramLogs(ctx context.Context, limit, offset int) ([]TelegramLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(username, ''), command, COALESCE(response, ''), status,
			COALESCE(error_message, ''), execution_time, created_at
		FROM telegram_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []TelegramLog{}
	for rows.Next() {
		var l TelegramLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &l.Command, &l.Response, &l.Status,
			&l.ErrorMessage, &l.ExecutionTime, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =====================
// Sync Log Operations
// =====================

// CreateSyncLog records a pending sync attempt.
func (db *DB) CreateSyncLog(ctx context.Context, l *SyncLog) error {
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	l.Status = SyncPending
	l.CreatedAt = Now()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_logs (worker_id, sync_type, direction, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.WorkerID, l.SyncType, l.Direction, l.Status, l.StartedAt.UTC(), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create sync log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// CompleteSyncLog moves a pending sync log to its terminal status. Logs that
// already left pending are not touched.
func (db *DB) CompleteSyncLog(ctx context.Context, l *SyncLog) error {
	if l.CompletedAt == nil {
		now := time.Now().UTC()
		l.CompletedAt = &now
	}
	l.Duration = l.CompletedAt.Sub(l.StartedAt).Milliseconds()
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_logs SET status = ?, error_message = ?, data_size = ?, records_count = ?,
			completed_at = ?, duration = ?
		WHERE id = ? AND status = ?`,
		l.Status, l.ErrorMessage, l.DataSize, l.RecordsCount, l.CompletedAt.UTC(), l.Duration,
		l.ID, SyncPending)
	if err != nil {
		return fmt.Errorf("complete sync log: %w", err)
	}
	return nil
}

func (db *DB) ListSyncLogs(ctx context.Context, workerID string, limit, offset int) ([]SyncLog, error) {
	query := `SELECT id, worker_id, sync_type, direction, status, COALESCE(error_message, ''), data_size,
		records_count, started_at, completed_at, duration, created_at FROM sync_logs`
	args := []interface{}{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []SyncLog{}
	for rows.Next() {
		var l SyncLog
		var completed sql.NullTime
		if err := rows.Scan(&l.ID, &l.WorkerID, &l.SyncType, &l.Direction, &l.Status, &l.ErrorMessage,
			&l.DataSize, &l.RecordsCount, &l.StartedAt, &completed, &l.Duration, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CompletedAt = nullTime(completed)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
