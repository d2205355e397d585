package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =====================
// Request Stats Operations
// =====================

const requestStatsColumns = `id, worker_id, date_hour, total_requests, successful_requests, blocked_requests,
	error_requests, avg_response_time, max_response_time, min_response_time, total_bytes_sent,
	total_bytes_received, secret1_count, secret2_count, COALESCE(current_secret, ''), pending_requests,
	memory_cache_size, logs_count, uptime, ua_configs_count, ip_blacklist_count, rate_limit_counters,
	active_ips_count, created_at, updated_at`

func scanRequestStats(row rowScanner) (*RequestStats, error) {
	var r RequestStats
	if err := row.Scan(&r.ID, &r.WorkerID, &r.DateHour, &r.TotalRequests, &r.SuccessfulRequests,
		&r.BlockedRequests, &r.ErrorRequests, &r.AvgResponseTime, &r.MaxResponseTime, &r.MinResponseTime,
		&r.TotalBytesSent, &r.TotalBytesReceived, &r.Secret1Count, &r.Secret2Count, &r.CurrentSecret,
		&r.PendingRequests, &r.MemoryCacheSize, &r.LogsCount, &r.Uptime, &r.UAConfigsCount,
		&r.IPBlacklistCount, &r.RateLimitCounters, &r.ActiveIPsCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// requestStatsFields lists the columns MergeRequestStats may write.
var requestStatsFields = []string{
	"total_requests", "successful_requests", "blocked_requests", "error_requests",
	"avg_response_time", "max_response_time", "min_response_time",
	"total_bytes_sent", "total_bytes_received",
	"secret1_count", "secret2_count", "current_secret",
	"pending_requests", "memory_cache_size", "logs_count", "uptime",
	"ua_configs_count", "ip_blacklist_count", "rate_limit_counters", "active_ips_count",
}

// MergeRequestStats writes the given columns of the (worker_id, date_hour)
// bucket, creating it when absent. Columns not in fields keep their stored
// values. Unknown column names are rejected.
func (db *DB) MergeRequestStats(ctx context.Context, ex Execer, workerID string, hour time.Time, fields map[string]interface{}) error {
	if ex == nil {
		ex = db.conn
	}
	known := make(map[string]bool, len(requestStatsFields))
	for _, col := range requestStatsFields {
		known[col] = true
	}
	for col := range fields {
		if !known[col] {
			return fmt.Errorf("merge request stats: unknown column %q", col)
		}
	}

	now := Now()
	cols := []string{"worker_id", "date_hour"}
	args := []interface{}{workerID, HourBucket(hour)}
	set := make([]string, 0, len(fields)+1)
	for _, col := range requestStatsFields {
		v, ok := fields[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		args = append(args, v)
		set = append(set, col+" = excluded."+col)
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)
	set = append(set, "updated_at = excluded.updated_at")

	query := `INSERT INTO request_stats (` + strings.Join(cols, ", ") + `)
		VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `)
		ON CONFLICT(worker_id, date_hour) DO UPDATE SET ` + strings.Join(set, ", ")
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("merge request stats: %w", err)
	}
	return nil
}

// UpsertRequestStats writes every counter of r's hour bucket.
func (db *DB) UpsertRequestStats(ctx context.Context, r *RequestStats) error {
	r.DateHour = HourBucket(r.DateHour)
	return db.MergeRequestStats(ctx, nil, r.WorkerID, r.DateHour, map[string]interface{}{
		"total_requests":       r.TotalRequests,
		"successful_requests":  r.SuccessfulRequests,
		"blocked_requests":     r.BlockedRequests,
		"error_requests":       r.ErrorRequests,
		"avg_response_time":    r.AvgResponseTime,
		"max_response_time":    r.MaxResponseTime,
		"min_response_time":    r.MinResponseTime,
		"total_bytes_sent":     r.TotalBytesSent,
		"total_bytes_received": r.TotalBytesReceived,
		"secret1_count":        r.Secret1Count,
		"secret2_count":        r.Secret2Count,
		"current_secret":       r.CurrentSecret,
		"pending_requests":     r.PendingRequests,
		"memory_cache_size":    r.MemoryCacheSize,
		"logs_count":           r.LogsCount,
		"uptime":               r.Uptime,
		"ua_configs_count":     r.UAConfigsCount,
		"ip_blacklist_count":   r.IPBlacklistCount,
		"rate_limit_counters":  r.RateLimitCounters,
		"active_ips_count":     r.ActiveIPsCount,
	})
}

// UpsertRequestTotals overwrites only the request counters and active IP
// count of an hour bucket, creating it when absent.
func (db *DB) UpsertRequestTotals(ctx context.Context, ex Execer, workerID string, hour time.Time,
	total, successful, blocked, activeIPs int64) error {
	return db.MergeRequestStats(ctx, ex, workerID, hour, map[string]interface{}{
		"total_requests":      total,
		"successful_requests": successful,
		"blocked_requests":    blocked,
		"active_ips_count":    activeIPs,
	})
}

func (db *DB) GetRequestStats(ctx context.Context, workerID string, hour time.Time) (*RequestStats, error) {
	return scanRequestStats(db.conn.QueryRowContext(ctx,
		`SELECT `+requestStatsColumns+` FROM request_stats WHERE worker_id = ? AND date_hour = ?`,
		workerID, HourBucket(hour)))
}

// LatestRequestStats returns the most recent hour bucket of a worker.
func (db *DB) LatestRequestStats(ctx context.Context, workerID string) (*RequestStats, error) {
	return scanRequestStats(db.conn.QueryRowContext(ctx,
		`SELECT `+requestStatsColumns+` FROM request_stats WHERE worker_id = ?
		ORDER BY date_hour DESC LIMIT 1`, workerID))
}

// ListRequestStats pages hour buckets newest first, optionally for one worker.
func (db *DB) ListRequestStats(ctx context.Context, workerID string, limit, offset int) ([]RequestStats, error) {
	query := `SELECT ` + requestStatsColumns + ` FROM request_stats`
	args := []interface{}{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY date_hour DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []RequestStats{}
	for rows.Next() {
		r, err := scanRequestStats(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, *r)
	}
	return stats, rows.Err()
}

// RequestTotals is a sum over request_stats rows.
type RequestTotals struct {
	Total           int64   `json:"total_requests"`
	Successful      int64   `json:"successful_requests"`
	Blocked         int64   `json:"blocked_requests"`
	Errors          int64   `json:"error_requests"`
	AvgResponseTime float64 `json:"avg_response_time"`
	ActiveIPs       int64   `json:"active_ips"`
}

// SumRequestStats sums the buckets at or after since. A zero since covers all rows.
func (db *DB) SumRequestStats(ctx context.Context, since time.Time) (RequestTotals, error) {
	query := `SELECT COALESCE(SUM(total_requests), 0), COALESCE(SUM(successful_requests), 0),
		COALESCE(SUM(blocked_requests), 0), COALESCE(SUM(error_requests), 0),
		COALESCE(AVG(NULLIF(avg_response_time, 0)), 0), COALESCE(SUM(active_ips_count), 0)
		FROM request_stats`
	args := []interface{}{}
	if !since.IsZero() {
		query += ` WHERE date_hour >= ?`
		args = append(args, since.UTC())
	}

	var t RequestTotals
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(
		&t.Total, &t.Successful, &t.Blocked, &t.Errors, &t.AvgResponseTime, &t.ActiveIPs)
	return t, err
}

// HourTotals is RequestTotals for one hour across all workers.
type HourTotals struct {
	Hour time.Time `json:"hour"`
	RequestTotals
	Workers int64 `json:"workers"`
}

func (db *DB) HourlyRequestTotals(ctx context.Context, since time.Time) ([]HourTotals, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date_hour, SUM(total_requests), SUM(successful_requests), SUM(blocked_requests),
			SUM(error_requests), COALESCE(AVG(NULLIF(avg_response_time, 0)), 0), SUM(active_ips_count),
			COUNT(DISTINCT worker_id)
		FROM request_stats WHERE date_hour >= ?
		GROUP BY date_hour ORDER BY date_hour ASC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hours []HourTotals
	for rows.Next() {
		var h HourTotals
		var hour interface{}
		if err := rows.Scan(&hour, &h.Total, &h.Successful, &h.Blocked, &h.Errors,
			&h.AvgResponseTime, &h.ActiveIPs, &h.Workers); err != nil {
			return nil, err
		}
		h.Hour = parseTime(hour)
		hours = append(hours, h)
	}
	return hours, rows.Err()
}

// =====================
// IP Request Stats Operations
// =====================

// UpsertIPRequestStats overwrites per-IP hour buckets.
func (db *DB) UpsertIPRequestStats(ctx context.Context, ex Execer, rows []IPRequestStats) error {
	if ex == nil {
		ex = db.conn
	}
	now := Now()
	for i := range rows {
		r := &rows[i]
		paths, err := encodeJSON(r.Paths)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO ip_request_stats (worker_id, ip_address, date_hour, total_count, violations, paths,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(worker_id, ip_address, date_hour) DO UPDATE SET
				total_count = excluded.total_count,
				violations = excluded.violations,
				paths = excluded.paths,
				updated_at = excluded.updated_at`,
			r.WorkerID, r.IPAddress, HourBucket(r.DateHour), r.TotalCount, r.Violations, paths, now, now); err != nil {
			return fmt.Errorf("upsert ip request stats: %w", err)
		}
	}
	return nil
}

// ListIPRequestStats pages per-IP buckets newest first. A zero hour lists all hours.
func (db *DB) ListIPRequestStats(ctx context.Context, workerID string, hour time.Time, limit int) ([]IPRequestStats, error) {
	query := `SELECT id, worker_id, ip_address, date_hour, total_count, violations, COALESCE(paths, ''),
		created_at, updated_at FROM ip_request_stats WHERE 1 = 1`
	args := []interface{}{}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	if !hour.IsZero() {
		query += ` AND date_hour = ?`
		args = append(args, HourBucket(hour))
	}
	query += ` ORDER BY date_hour DESC, total_count DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []IPRequestStats{}
	for rows.Next() {
		var r IPRequestStats
		var paths string
		if err := rows.Scan(&r.ID, &r.WorkerID, &r.IPAddress, &r.DateHour, &r.TotalCount, &r.Violations,
			&paths, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Paths = map[string]interface{}{}
		decodeJSON(paths, &r.Paths)
		stats = append(stats, r)
	}
	return stats, rows.Err()
}

// CountActiveIPs counts distinct IPs seen at or after since.
func (db *DB) CountActiveIPs(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ip_address) FROM ip_request_stats WHERE date_hour >= ?`,
		since.UTC()).Scan(&n)
	return n, err
}

// =====================
// Violation Operations
// =====================

func (db *DB) UpsertIPViolation(ctx context.Context, ex Execer, v *IPViolationStats) error {
	if ex == nil {
		ex = db.conn
	}
	types, err := encodeJSON(v.ViolationTypes)
	if err != nil {
		return err
	}
	if v.IsBanned == "" {
		v.IsBanned = BanNone
	}
	now := Now()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO ip_violation_stats (worker_id, ip_address, date_hour, violation_count, violation_types,
			is_banned, ban_start_time, ban_end_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, ip_address, date_hour) DO UPDATE SET
			violation_count = excluded.violation_count,
			violation_types = excluded.violation_types,
			is_banned = excluded.is_banned,
			ban_start_time = excluded.ban_start_time,
			ban_end_time = excluded.ban_end_time,
			updated_at = excluded.updated_at`,
		v.WorkerID, v.IPAddress, HourBucket(v.DateHour), v.ViolationCount, types, v.IsBanned,
		timeArg(v.BanStartTime), timeArg(v.BanEndTime), now, now)
	if err != nil {
		return fmt.Errorf("upsert ip violation: %w", err)
	}
	return nil
}

// ViolationIP aggregates violations of one IP across workers and hours.
type ViolationIP struct {
	IPAddress       string    `json:"ip_address"`
	TotalViolations int64     `json:"total_violations"`
	BanStatus       string    `json:"ban_status"`
	LastSeen        time.Time `json:"last_seen"`
}

// TopViolationIPs orders IPs by summed violation count. The ban status is
// the most severe one recorded.
func (db *DB) TopViolationIPs(ctx context.Context, limit int) ([]ViolationIP, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ip_address, SUM(violation_count),
			MAX(CASE is_banned WHEN 'permanent' THEN 2 WHEN 'temp' THEN 1 ELSE 0 END),
			MAX(date_hour)
		FROM ip_violation_stats
		GROUP BY ip_address
		ORDER BY SUM(violation_count) DESC, ip_address ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []ViolationIP{}
	for rows.Next() {
		var v ViolationIP
		var rank int
		var last interface{}
		if err := rows.Scan(&v.IPAddress, &v.TotalViolations, &rank, &last); err != nil {
			return nil, err
		}
		switch rank {
		case 2:
			v.BanStatus = BanPermanent
		case 1:
			v.BanStatus = BanTemp
		default:
			v.BanStatus = BanNone
		}
		v.LastSeen = parseTime(last)
		result = append(result, v)
	}
	return result, rows.Err()
}

// ViolationCounts summarises violation rows at or after since.
type ViolationCounts struct {
	DistinctIPs     int64 `json:"violation_ips"`
	TempBanned      int64 `json:"temp_banned"`
	TotalViolations int64 `json:"total_violations"`
}

func (db *DB) CountViolations(ctx context.Context, since time.Time) (ViolationCounts, error) {
	query := `SELECT COUNT(DISTINCT ip_address),
		COUNT(DISTINCT CASE WHEN is_banned = 'temp' THEN ip_address END),
		COALESCE(SUM(violation_count), 0)
		FROM ip_violation_stats`
	args := []interface{}{}
	if !since.IsZero() {
		query += ` WHERE date_hour >= ?`
		args = append(args, since.UTC())
	}
	var c ViolationCounts
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&c.DistinctIPs, &c.TempBanned, &c.TotalViolations)
	return c, err
}

// =====================
// UA Usage Operations
// =====================

func (db *DB) UpsertUAUsage(ctx context.Context, ex Execer, u *UAUsageStats) error {
	if ex == nil {
		ex = db.conn
	}
	pathStats, err := encodeJSON(u.PathStats)
	if err != nil {
		return err
	}
	now := Now()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO ua_usage_stats (worker_id, ua_config_name, date_hour, request_count, blocked_count,
			success_rate, path_stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, ua_config_name, date_hour) DO UPDATE SET
			request_count = excluded.request_count,
			blocked_count = excluded.blocked_count,
			success_rate = excluded.success_rate,
			path_stats = excluded.path_stats,
			updated_at = excluded.updated_at`,
		u.WorkerID, u.UAConfigName, HourBucket(u.DateHour), u.RequestCount, u.BlockedCount,
		u.SuccessRate, pathStats, now, now)
	if err != nil {
		return fmt.Errorf("upsert ua usage: %w", err)
	}
	return nil
}

// UAUsage aggregates usage of one UA config over a window.
type UAUsage struct {
	UAConfigName string  `json:"ua_config_name"`
	RequestCount int64   `json:"request_count"`
	BlockedCount int64   `json:"blocked_count"`
	SuccessRate  float64 `json:"success_rate"`
}

func (db *DB) UAUsageSince(ctx context.Context, since time.Time) ([]UAUsage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ua_config_name, SUM(request_count), SUM(blocked_count), AVG(success_rate)
		FROM ua_usage_stats WHERE date_hour >= ?
		GROUP BY ua_config_name
		ORDER BY SUM(request_count) DESC, ua_config_name ASC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := []UAUsage{}
	for rows.Next() {
		var u UAUsage
		if err := rows.Scan(&u.UAConfigName, &u.RequestCount, &u.BlockedCount, &u.SuccessRate); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// =====================
// Retention
// =====================

var retentionTables = []struct {
	table  string
	column string
}{
	{"request_stats", "date_hour"},
	{"ip_request_stats", "date_hour"},
	{"ip_violation_stats", "date_hour"},
	{"ua_usage_stats", "date_hour"},
	{"system_logs", "created_at"},
	{"telegram_logs", "created_at"},
	{"sync_logs", "created_at"},
}

// DeleteOlderThan removes stats and log rows older than cutoff, per table.
// A failing table does not stop the others; the first error is returned.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	deleted := make(map[string]int64, len(retentionTables))
	var firstErr error
	for _, t := range retentionTables {
		res, err := db.conn.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, t.table, t.column), cutoff.UTC())
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup %s: %w", t.table, err)
			}
			continue
		}
		deleted[t.table], _ = res.RowsAffected()
	}
	return deleted, firstErr
}

// parseTime reads aggregate time columns, which the driver may hand back as
// text because the declared column type is lost.
func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
