// Package stats aggregates Worker counters into dashboard views and owns the
// system, Telegram and sync journals.
package stats

import (
	"context"
	"strings"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

const (
	// a worker is online when it synced within this window
	onlineWindow = 5 * time.Minute

	maxWindowHours = 24 * 30
	maxLimit       = 1000
)

// Service is the read and write side of the statistics tables.
type Service struct {
	db        *database.DB
	host      HostProbe
	loc       *time.Location
	startedAt time.Time
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithHostProbe replaces the gopsutil probe; nil disables host metrics.
func WithHostProbe(p HostProbe) Option {
	return func(s *Service) { s.host = p }
}

// WithLocation sets the zone "today" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *database.DB, opts ...Option) *Service {
	s := &Service{
		db:   db,
		host: NewHostProbe(),
		loc:  time.Local,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

// =====================
// Ingestion
// =====================

// RecordWorkerStats merges a push into the current-hour bucket of workerID.
// Keys the Worker sent replace the stored values; keys it left out keep
// theirs. Nothing is summed.
func (s *Service) RecordWorkerStats(ctx context.Context, workerID string, payload *WorkerStats) (*database.RequestStats, error) {
	const op = "stats.RecordWorkerStats"
	if strings.TrimSpace(workerID) == "" {
		return nil, apperr.Invalid(op, "worker_id is required")
	}
	if payload == nil {
		payload = &WorkerStats{}
	}

	hour := database.HourBucket(s.now())
	fields := payload.fields()
	if err := s.db.MergeRequestStats(ctx, nil, workerID, hour, fields); err != nil {
		return nil, apperr.Store(op, err)
	}
	r, err := s.db.GetRequestStats(ctx, workerID, hour)
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	logrus.WithFields(logrus.Fields{
		"worker_id": workerID,
		"hour":      hour.Format(time.RFC3339),
		"fields":    len(fields),
		"total":     r.TotalRequests,
	}).Debug("worker stats recorded")
	return r, nil
}

// RecordSystemLog appends a log row. The level is upper-cased and defaults
// to INFO.
func (s *Service) RecordSystemLog(ctx context.Context, level, message string, details map[string]interface{}, category, source string) error {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = "INFO"
	}
	l := &database.SystemLog{
		Level:     level,
		Message:   message,
		Details:   details,
		Category:  category,
		Source:    source,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.InsertSystemLog(ctx, l); err != nil {
		return apperr.Store("stats.RecordSystemLog", err)
	}
	return nil
}

// RecordTelegramLog journals one bot interaction.
func (s *Service) RecordTelegramLog(ctx context.Context, l *database.TelegramLog) error {
	if l.Status == "" {
		l.Status = "success"
	}
	if err := s.db.InsertTelegramLog(ctx, l); err != nil {
		return apperr.Store("stats.RecordTelegramLog", err)
	}
	return nil
}

// =====================
// Views
// =====================

// Overview is the all-time dashboard headline.
type Overview struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	BlockedRequests    int64   `json:"blocked_requests"`
	ErrorRequests      int64   `json:"error_requests"`
	SuccessRate        float64 `json:"success_rate"`
	UAConfigs          int64   `json:"ua_configs"`
	EnabledUAConfigs   int64   `json:"enabled_ua_configs"`
	BlacklistCount     int64   `json:"blacklist_count"`
	ViolationIPs       int64   `json:"violation_ips"`
	TempBanned         int64   `json:"temp_banned"`
}

// SuccessRate is successful/total*100 rounded to two places, or 0 when
// total is 0.
func SuccessRate(successful, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return round(float64(successful)/float64(total)*100, 2)
}

func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	const op = "stats.Overview"

	totals, err := s.db.SumRequestStats(ctx, time.Time{})
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	uaTotal, uaEnabled, err := s.db.CountUAConfigs(ctx)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	blacklisted, err := s.db.CountBlacklist(ctx)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	violations, err := s.db.CountViolations(ctx, time.Time{})
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	return &Overview{
		TotalRequests:      totals.Total,
		SuccessfulRequests: totals.Successful,
		BlockedRequests:    totals.Blocked,
		ErrorRequests:      totals.Errors,
		SuccessRate:        SuccessRate(totals.Successful, totals.Total),
		UAConfigs:          uaTotal,
		EnabledUAConfigs:   uaEnabled,
		BlacklistCount:     blacklisted,
		ViolationIPs:       violations.DistinctIPs,
		TempBanned:         violations.TempBanned,
	}, nil
}

// Summary is the dashboard card set. Host metrics are nil when they could
// not be sampled.
type Summary struct {
	TodayRequests     int64    `json:"today_requests"`
	TotalRequests     int64    `json:"total_requests"`
	SuccessRate       float64  `json:"success_rate"`
	OnlineWorkers     int64    `json:"online_workers"`
	TotalWorkers      int64    `json:"total_workers"`
	AvgResponseTime   float64  `json:"avg_response_time"`
	BlockedIPs        int64    `json:"blocked_ips"`
	TodayBlocked      int64    `json:"today_blocked"`
	ViolationRequests int64    `json:"violation_requests"`
	ActiveIPs         int64    `json:"active_ips"`
	MemoryUsage       *float64 `json:"memory_usage"`
	CPUUsage          *float64 `json:"cpu_usage"`
	Uptime            string   `json:"uptime"`
}

// todayStart is local midnight in the configured zone.
func (s *Service) todayStart() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
}

// Summary never contacts Workers: online status comes from the last time
// each one synced.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	const op = "stats.Summary"
	today := s.todayStart()

	all, err := s.db.SumRequestStats(ctx, time.Time{})
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	todays, err := s.db.SumRequestStats(ctx, today)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	total, online, err := s.db.CountWorkers(ctx, s.now().Add(-onlineWindow))
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	blocked, err := s.db.CountBlacklist(ctx)
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	sum := &Summary{
		TodayRequests:     todays.Total,
		TotalRequests:     all.Total,
		OnlineWorkers:     online,
		TotalWorkers:      total,
		AvgResponseTime:   round(all.AvgResponseTime, 2),
		BlockedIPs:        blocked,
		TodayBlocked:      todays.Blocked,
		ViolationRequests: all.Blocked,
		ActiveIPs:         todays.ActiveIPs,
		Uptime:            FormatUptime(s.now().Sub(s.startedAt)),
	}

	switch {
	case all.Successful > 0 && all.Total > 0:
		sum.SuccessRate = round(float64(all.Successful)/float64(all.Total)*100, 1)
	case all.Total > 0:
		sum.SuccessRate = round(float64(all.Total-all.Blocked)/float64(all.Total)*100, 1)
	}

	// fall back to violation rows when Workers report no blocked counters
	if sum.TodayBlocked == 0 || sum.ViolationRequests == 0 {
		if v, err := s.db.CountViolations(ctx, today); err == nil && sum.TodayBlocked == 0 {
			sum.TodayBlocked = v.TotalViolations
		}
		if v, err := s.db.CountViolations(ctx, time.Time{}); err == nil && sum.ViolationRequests == 0 {
			sum.ViolationRequests = v.TotalViolations
		}
	}
	if sum.ActiveIPs == 0 {
		if n, err := s.db.CountActiveIPs(ctx, today); err == nil {
			sum.ActiveIPs = n
		}
	}

	if s.host != nil {
		if v, err := s.host.MemoryPercent(ctx); err == nil {
			v = round(v, 1)
			sum.MemoryUsage = &v
		} else {
			logrus.WithError(err).Debug("memory sample failed")
		}
		if v, err := s.host.CPUPercent(ctx); err == nil {
			v = round(v, 1)
			sum.CPUUsage = &v
		} else {
			logrus.WithError(err).Debug("cpu sample failed")
		}
	}
	return sum, nil
}

// Performance covers the recent window.
type Performance struct {
	AvgResponseTime       float64   `json:"avg_response_time"`
	RecentRequestsPerHour int64     `json:"recent_requests_per_hour"`
	ErrorRate24h          float64   `json:"error_rate_24h"`
	Timestamp             time.Time `json:"timestamp"`
}

func (s *Service) PerformanceMetrics(ctx context.Context) (*Performance, error) {
	const op = "stats.PerformanceMetrics"
	now := s.now()

	day, err := s.db.SumRequestStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	hour, err := s.db.SumRequestStats(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return &Performance{
		AvgResponseTime:       round(day.AvgResponseTime, 2),
		RecentRequestsPerHour: hour.Total,
		ErrorRate24h:          SuccessRate(day.Errors, day.Total),
		Timestamp:             now.UTC(),
	}, nil
}

// ErrorRate24h is the share of ERROR system logs over the last day.
func (s *Service) ErrorRate24h(ctx context.Context) (float64, error) {
	total, errs, err := s.db.CountLogLevels(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return 0, apperr.Store("stats.ErrorRate24h", err)
	}
	return SuccessRate(errs, total), nil
}

func clampHours(hours int) int {
	if hours <= 0 {
		return 24
	}
	if hours > maxWindowHours {
		return maxWindowHours
	}
	return hours
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// RequestStatsByHour returns per-hour totals across Workers for the last hours.
func (s *Service) RequestStatsByHour(ctx context.Context, hours int) ([]database.HourTotals, error) {
	since := database.HourBucket(s.now().Add(-time.Duration(clampHours(hours)) * time.Hour))
	rows, err := s.db.HourlyRequestTotals(ctx, since)
	if err != nil {
		return nil, apperr.Store("stats.RequestStatsByHour", err)
	}
	if rows == nil {
		rows = []database.HourTotals{}
	}
	return rows, nil
}

func (s *Service) TopViolationIPs(ctx context.Context, limit int) ([]database.ViolationIP, error) {
	ips, err := s.db.TopViolationIPs(ctx, clampLimit(limit, 10))
	if err != nil {
		return nil, apperr.Store("stats.TopViolationIPs", err)
	}
	return ips, nil
}

// UAUsage groups UA usage rows of the last hours by config name.
func (s *Service) UAUsage(ctx context.Context, hours int) ([]database.UAUsage, error) {
	since := s.now().Add(-time.Duration(clampHours(hours)) * time.Hour)
	usage, err := s.db.UAUsageSince(ctx, since)
	if err != nil {
		return nil, apperr.Store("stats.UAUsage", err)
	}
	for i := range usage {
		usage[i].SuccessRate = round(usage[i].SuccessRate, 2)
	}
	return usage, nil
}

// RecentLogs lists system logs, newest first, optionally of one level.
func (s *Service) RecentLogs(ctx context.Context, limit int, level string) ([]database.SystemLog, error) {
	logs, err := s.db.ListSystemLogs(ctx, database.LogFilter{
		Level: strings.ToUpper(strings.TrimSpace(level)),
		Limit: clampLimit(limit, 50),
	})
	if err != nil {
		return nil, apperr.Store("stats.RecentLogs", err)
	}
	return logs, nil
}

func (s *Service) TelegramLogs(ctx context.Context, limit, offset int) ([]database.TelegramLog, error) {
	logs, err := s.db.ListTelegramLogs(ctx, clampLimit(limit, 50), offset)
	if err != nil {
		return nil, apperr.Store("stats.TelegramLogs", err)
	}
	return logs, nil
}

func (s *Service) SyncLogs(ctx context.Context, workerID string, limit, offset int) ([]database.SyncLog, error) {
	logs, err := s.db.ListSyncLogs(ctx, workerID, clampLimit(limit, 50), offset)
	if err != nil {
		return nil, apperr.Store("stats.SyncLogs", err)
	}
	return logs, nil
}

// Export bundles every view for an offline report.
type Export struct {
	ExportedAt    time.Time              `json:"exported_at"`
	Hours         int                    `json:"hours"`
	Overview      *Overview              `json:"overview"`
	Performance   *Performance           `json:"performance"`
	Hourly        []database.HourTotals  `json:"hourly"`
	TopViolations []database.ViolationIP `json:"top_violations"`
	UAUsage       []database.UAUsage     `json:"ua_usage"`
}

func (s *Service) Export(ctx context.Context, hours int) (*Export, error) {
	hours = clampHours(hours)
	out := &Export{ExportedAt: s.now().UTC(), Hours: hours}

	var err error
	if out.Overview, err = s.Overview(ctx); err != nil {
		return nil, err
	}
	if out.Performance, err = s.PerformanceMetrics(ctx); err != nil {
		return nil, err
	}
	if out.Hourly, err = s.RequestStatsByHour(ctx, hours); err != nil {
		return nil, err
	}
	if out.TopViolations, err = s.TopViolationIPs(ctx, 50); err != nil {
		return nil, err
	}
	if out.UAUsage, err = s.UAUsage(ctx, hours); err != nil {
		return nil, err
	}
	return out, nil
}

// =====================
// Retention
// =====================

// CleanupOldData deletes stats and log rows older than days. Tables that
// fail are logged and skipped.
func (s *Service) CleanupOldData(ctx context.Context, days int) (map[string]int64, error) {
	const op = "stats.CleanupOldData"
	if days <= 0 {
		return nil, apperr.Invalid(op, "days must be positive")
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := s.db.DeleteOlderThan(ctx, cutoff)

	var total int64
	for _, n := range deleted {
		total += n
	}
	entry := logrus.WithFields(logrus.Fields{"days": days, "deleted": total})
	if err != nil {
		entry.WithError(err).Warn("cleanup finished with errors")
		return deleted, apperr.Store(op, err)
	}
	entry.Info("old data cleaned up")
	return deleted, nil
}
