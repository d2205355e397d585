package workersync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/sirupsen/logrus"
)

// Categories and kinds used for Worker pushes.
const (
	CategoryWorkerSync = "worker_sync"

	KindStats        = "stats"
	KindLogs         = "logs"
	KindConfig       = "config"
	KindRequestStats = "request_stats"
)

func requireWorker(op, workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return apperr.Invalid(op, "worker_id is required")
	}
	return nil
}

// touch marks contact from a Worker so the summary counts it as online.
func (s *Service) touch(ctx context.Context, workerID string) {
	if err := s.db.TouchWorker(ctx, workerID, "", database.SyncSuccess, s.now()); err != nil {
		logrus.WithError(err).WithField("worker_id", workerID).Warn("could not touch worker")
	}
}

// ProcessWorkerStats records a pushed stats blob as the Worker's current hour.
func (s *Service) ProcessWorkerStats(ctx context.Context, workerID string, raw json.RawMessage) (*database.RequestStats, error) {
	const op = "workersync.ProcessWorkerStats"
	if err := requireWorker(op, workerID); err != nil {
		return nil, err
	}
	payload := &stats.WorkerStats{}
	if len(raw) > 0 && string(raw) != "null" {
		var err error
		if payload, err = stats.DecodeWorkerStats(raw); err != nil {
			return nil, apperr.Invalid(op, "stats must be an object")
		}
	}

	row, err := s.stats.RecordWorkerStats(ctx, workerID, payload)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, workerID)
	s.reported(ctx, KindStats, workerID, 1)
	return row, nil
}

// WorkerLog is one log entry as a Worker sends it. id and timestamp may be
// strings or numbers; timestamp is in milliseconds.
type WorkerLog struct {
	ID        stats.Text             `json:"id"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp json.RawMessage        `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
	Path      string                 `json:"path"`
	Method    string                 `json:"method"`
	Status    stats.Count            `json:"status"`
}

// key identifies an entry sent without an id. It depends only on the entry
// itself, so a retransmitted batch maps onto the rows already stored.
func (l WorkerLog) key(workerID string, at time.Time, timed bool) string {
	h := sha256.New()
	details, _ := json.Marshal(l.Details)
	for _, part := range []string{l.Level, l.Message, l.IP, l.UserAgent, l.Path, l.Method,
		strconv.FormatInt(int64(l.Status), 10), string(details)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:16]
	if !timed {
		return workerID + "-" + sum
	}
	return fmt.Sprintf("%s-%d-%s", workerID, at.UnixMilli(), sum)
}

// logTime reads a Worker timestamp: epoch milliseconds (seconds when the
// value is too small to be milliseconds) or an RFC 3339 string.
func logTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, false
	}

	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return time.Time{}, false
		}
		n = f
	default:
		return time.Time{}, false
	}
	if n <= 0 {
		return time.Time{}, false
	}
	if n < 1e11 {
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.UnixMilli(int64(n)).UTC(), true
}

// LogResult counts a log batch.
type LogResult struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// ProcessWorkerLogs stores a log batch once: entries already stored for the
// same worker and id are skipped, so retransmitting a batch is harmless.
// Entries without an id are keyed by worker, timestamp when sent and a
// digest of their content.
func (s *Service) ProcessWorkerLogs(ctx context.Context, workerID string, logs []WorkerLog) (*LogResult, error) {
	const op = "workersync.ProcessWorkerLogs"
	if err := requireWorker(op, workerID); err != nil {
		return nil, err
	}

	rows := make([]database.SystemLog, 0, len(logs))
	now := s.now().UTC()
	for _, in := range logs {
		at, timed := logTime(in.Timestamp)
		if !timed {
			at = now
		}
		id := strings.TrimSpace(string(in.ID))
		if id == "" {
			id = in.key(workerID, at, timed)
		}
		level := strings.ToUpper(strings.TrimSpace(in.Level))
		if level == "" {
			level = "INFO"
		}

		details := in.Details
		if in.Path != "" || in.Method != "" || in.Status != 0 {
			details = make(map[string]interface{}, len(in.Details)+3)
			for k, v := range in.Details {
				details[k] = v
			}
			if in.Path != "" {
				details["path"] = in.Path
			}
			if in.Method != "" {
				details["method"] = in.Method
			}
			if in.Status != 0 {
				details["status"] = int64(in.Status)
			}
		}

		rows = append(rows, database.SystemLog{
			WorkerID:  workerID,
			Level:     level,
			Message:   in.Message,
			Details:   details,
			Category:  CategoryWorkerSync,
			Source:    "worker-" + workerID,
			RequestID: id,
			IPAddress: in.IP,
			UserAgent: in.UserAgent,
			CreatedAt: at,
		})
	}

	inserted, err := s.db.InsertWorkerLogs(ctx, rows)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	res := &LogResult{Received: len(logs), Inserted: inserted, Skipped: len(logs) - inserted}

	s.touch(ctx, workerID)
	s.reported(ctx, KindLogs, workerID, inserted)
	logrus.WithFields(logrus.Fields{
		"worker_id": workerID,
		"inserted":  res.Inserted,
		"skipped":   res.Skipped,
	}).Debug("worker logs processed")
	return res, nil
}

// WorkerReport is the config a Worker reports about itself.
type WorkerReport struct {
	UAConfigs   json.RawMessage `json:"ua_configs"`
	IPBlacklist json.RawMessage `json:"ip_blacklist"`
	SecretUsage json.RawMessage `json:"secret_usage"`
	LastUpdate  stats.Count     `json:"last_update"`
}

// ProcessWorkerConfig replaces the stored snapshot of a Worker wholesale.
func (s *Service) ProcessWorkerConfig(ctx context.Context, workerID string, report WorkerReport) (*database.WorkerConfig, error) {
	const op = "workersync.ProcessWorkerConfig"
	if err := requireWorker(op, workerID); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	w := &database.WorkerConfig{
		WorkerID:    workerID,
		Enabled:     true,
		LastSyncAt:  &at,
		SyncStatus:  database.SyncSuccess,
		UAConfigs:   jsonOrNil(report.UAConfigs),
		IPBlacklist: jsonOrNil(report.IPBlacklist),
		SecretUsage: jsonOrNil(report.SecretUsage),
		LastUpdate:  int64(report.LastUpdate),
	}
	if w.LastUpdate == 0 {
		w.LastUpdate = at.UnixMilli()
	}
	if err := s.db.SaveWorkerSnapshot(ctx, w); err != nil {
		return nil, apperr.Store(op, err)
	}

	s.reported(ctx, KindConfig, workerID, 1)
	return w, nil
}

func jsonOrNil(r json.RawMessage) json.RawMessage {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	return r
}

// IPCounters are the counters of one IP in a request-stats push.
type IPCounters struct {
	TotalCount stats.Count            `json:"total_count"`
	Violations stats.Count            `json:"violations"`
	Paths      map[string]interface{} `json:"paths"`
	Banned     stats.Text             `json:"banned"`
}

// UACounters are the counters of one UA config in a request-stats push.
type UACounters struct {
	RequestCount stats.Count            `json:"request_count"`
	BlockedCount stats.Count            `json:"blocked_count"`
	Paths        map[string]interface{} `json:"paths"`
}

// RequestStatsPush is a per-IP snapshot of the current hour.
type RequestStatsPush struct {
	ByIP          map[string]IPCounters `json:"by_ip"`
	ByUA          map[string]UACounters `json:"by_ua"`
	TotalRequests stats.Count           `json:"total_requests"`
}

// RequestStatsResult reports what a request-stats push stored.
type RequestStatsResult struct {
	IPs           int   `json:"ips"`
	Violations    int   `json:"violations"`
	UAConfigs     int   `json:"ua_configs"`
	TotalRequests int64 `json:"total_requests"`
	Blocked       int64 `json:"blocked_requests"`
}

func banState(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "temp", "temporary", "true", "1":
		return database.BanTemp
	case "permanent", "perm":
		return database.BanPermanent
	}
	return database.BanNone
}

// ProcessWorkerRequestStats treats each push as the authoritative snapshot
// of the current hour: per-IP rows and the hour's totals are overwritten,
// never summed. Workers are expected to send counts since the start of the
// hour.
func (s *Service) ProcessWorkerRequestStats(ctx context.Context, workerID string, push RequestStatsPush) (*RequestStatsResult, error) {
	const op = "workersync.ProcessWorkerRequestStats"
	if err := requireWorker(op, workerID); err != nil {
		return nil, err
	}

	hour := database.HourBucket(s.now())
	res := &RequestStatsResult{IPs: len(push.ByIP), UAConfigs: len(push.ByUA)}

	ipRows := make([]database.IPRequestStats, 0, len(push.ByIP))
	violations := make([]database.IPViolationStats, 0)
	var ipTotal int64
	for ip, c := range push.ByIP {
		paths := c.Paths
		if paths == nil {
			paths = map[string]interface{}{}
		}
		ipRows = append(ipRows, database.IPRequestStats{
			WorkerID:   workerID,
			IPAddress:  ip,
			DateHour:   hour,
			TotalCount: int64(c.TotalCount),
			Violations: int64(c.Violations),
			Paths:      paths,
		})
		ipTotal += int64(c.TotalCount)
		res.Blocked += int64(c.Violations)

		if c.Violations > 0 {
			v := database.IPViolationStats{
				WorkerID:       workerID,
				IPAddress:      ip,
				DateHour:       hour,
				ViolationCount: int64(c.Violations),
				ViolationTypes: map[string]int64{"rate_limit": int64(c.Violations)},
				IsBanned:       banState(string(c.Banned)),
			}
			if v.IsBanned != database.BanNone {
				start := hour
				v.BanStartTime = &start
				if v.IsBanned == database.BanTemp {
					end := hour.Add(time.Hour)
					v.BanEndTime = &end
				}
			}
			violations = append(violations, v)
		}
	}
	res.Violations = len(violations)

	res.TotalRequests = int64(push.TotalRequests)
	if res.TotalRequests == 0 {
		res.TotalRequests = ipTotal
	}
	successful := res.TotalRequests - res.Blocked
	if successful < 0 {
		successful = 0
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.db.UpsertRequestTotals(ctx, tx, workerID, hour, res.TotalRequests, successful,
			res.Blocked, int64(len(push.ByIP))); err != nil {
			return err
		}
		if err := s.db.UpsertIPRequestStats(ctx, tx, ipRows); err != nil {
			return err
		}
		for i := range violations {
			if err := s.db.UpsertIPViolation(ctx, tx, &violations[i]); err != nil {
				return err
			}
		}
		for name, c := range push.ByUA {
			requests, blocked := int64(c.RequestCount), int64(c.BlockedCount)
			if err := s.db.UpsertUAUsage(ctx, tx, &database.UAUsageStats{
				WorkerID:     workerID,
				UAConfigName: name,
				DateHour:     hour,
				RequestCount: requests,
				BlockedCount: blocked,
				SuccessRate:  stats.SuccessRate(requests-blocked, requests),
				PathStats:    c.Paths,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	s.touch(ctx, workerID)
	s.reported(ctx, KindRequestStats, workerID, res.IPs)
	return res, nil
}

// Restore is what a restarting Worker needs to resume its counters.
type Restore struct {
	WorkerID    string                    `json:"worker_id"`
	Hour        time.Time                 `json:"hour"`
	Stats       *database.RequestStats    `json:"stats"`
	ByIP        []database.IPRequestStats `json:"by_ip"`
	SecretUsage json.RawMessage           `json:"secret_usage,omitempty"`
}

// RestoreStats returns the latest hour bucket, this hour's per-IP counters
// and the last reported secret usage of a Worker.
func (s *Service) RestoreStats(ctx context.Context, workerID string) (*Restore, error) {
	const op = "workersync.RestoreStats"
	if err := requireWorker(op, workerID); err != nil {
		return nil, err
	}

	out := &Restore{WorkerID: workerID, Hour: database.HourBucket(s.now())}

	latest, err := s.db.LatestRequestStats(ctx, workerID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, apperr.Store(op, err)
	default:
		out.Stats = latest
	}

	out.ByIP, err = s.db.ListIPRequestStats(ctx, workerID, out.Hour, 10000)
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	w, err := s.db.GetWorkerConfig(ctx, workerID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, apperr.Store(op, err)
	default:
		out.SecretUsage = w.SecretUsage
	}
	return out, nil
}

// QueryWorkerLogs lists Worker-pushed logs newest first.
func (s *Service) QueryWorkerLogs(ctx context.Context, workerID string, limit int) ([]database.SystemLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	logs, err := s.db.ListSystemLogs(ctx, database.LogFilter{
		WorkerID: workerID,
		Category: CategoryWorkerSync,
		Limit:    limit,
	})
	if err != nil {
		return nil, apperr.Store("workersync.QueryWorkerLogs", err)
	}
	return logs, nil
}

// QueryWorkerRequestStats lists per-IP hour buckets newest first.
func (s *Service) QueryWorkerRequestStats(ctx context.Context, workerID string, limit int) ([]database.IPRequestStats, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.ListIPRequestStats(ctx, workerID, time.Time{}, limit)
	if err != nil {
		return nil, apperr.Store("workersync.QueryWorkerRequestStats", err)
	}
	return rows, nil
}

// Workers lists the known Workers with their last reported snapshot.
func (s *Service) Workers(ctx context.Context) ([]database.WorkerConfig, error) {
	workers, err := s.db.ListWorkerConfigs(ctx)
	if err != nil {
		return nil, apperr.Store("workersync.Workers", err)
	}
	return workers, nil
}
