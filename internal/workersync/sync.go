// Package workersync exchanges configuration and statistics with Worker
// endpoints and ingests what Workers push on their own.
package workersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/sirupsen/logrus"
)

const (
	userAgent       = "DataCenter-Sync/1.0"
	healthUserAgent = "DataCenter-Health/1.0"

	pushPath       = "/worker-api/config/update"
	legacyPushPath = "/api/config/update"
	pullPath       = "/worker-api/stats"
	legacyPullPath = "/api/stats/export"

	maxBody = 4 << 20

	// pushDebounce coalesces bursts of rule edits into one push
	pushDebounce = 2 * time.Second
)

// Settings supplies the effective Worker endpoints and API key.
type Settings interface {
	WorkerEndpoints(ctx context.Context) []string
	WorkerAPIKey(ctx context.Context) string
}

// Exporter builds the config blob Workers consume.
type Exporter interface {
	ExportForWorker(ctx context.Context) (*rules.WorkerConfig, error)
}

// Observer is told about sync attempts and Worker pushes.
type Observer interface {
	SyncFinished(ctx context.Context, l database.SyncLog)
	WorkerReported(ctx context.Context, kind, workerID string, records int)
}

// Service is the Worker-sync pipeline.
type Service struct {
	db       *database.DB
	stats    *stats.Service
	settings Settings
	exporter Exporter
	client   *http.Client
	cfg      config.SyncConfig
	now      func() time.Time

	mu        sync.Mutex
	observers []Observer
	pushTimer *time.Timer
	closed    bool
}

func New(db *database.DB, statsSvc *stats.Service, settings Settings, exporter Exporter, cfg config.SyncConfig) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Service{
		db:       db,
		stats:    statsSvc,
		settings: settings,
		exporter: exporter,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		now:      time.Now,
	}
}

// AddObserver registers o for sync and ingestion notifications.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Service) observersSnapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Service) syncFinished(ctx context.Context, l *database.SyncLog) {
	for _, o := range s.observersSnapshot() {
		o.SyncFinished(ctx, *l)
	}
}

func (s *Service) reported(ctx context.Context, kind, workerID string, records int) {
	for _, o := range s.observersSnapshot() {
		o.WorkerReported(ctx, kind, workerID, records)
	}
}

// WorkerID derives the id of a Worker from its endpoint URL: the host, plus
// the base path when there is one, so Workers sharing a host stay apart.
func WorkerID(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	host, path := "", ""
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host, path = u.Host, u.Path
	} else {
		rest := endpoint
		if i := strings.Index(rest, "//"); i >= 0 {
			rest = rest[i+2:]
		}
		host = rest
		if i := strings.Index(rest, "/"); i >= 0 {
			host, path = rest[:i], rest[i:]
		}
	}
	if path = strings.Trim(path, "/"); path != "" {
		return host + "/" + path
	}
	return host
}

// Result is the outcome of one push or pull.
type Result struct {
	Endpoint string `json:"endpoint"`
	WorkerID string `json:"worker_id"`
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration int64  `json:"duration_ms"`
	Records  int64  `json:"records"`
}

type configPush struct {
	UAConfigs   map[string]rules.WorkerUAConfig `json:"ua_configs"`
	IPBlacklist map[string]rules.WorkerIPEntry  `json:"ip_blacklist"`
	Timestamp   string                          `json:"timestamp"`
}

func (s *Service) startLog(ctx context.Context, workerID, syncType, direction string) *database.SyncLog {
	l := &database.SyncLog{WorkerID: workerID, SyncType: syncType, Direction: direction, StartedAt: s.now().UTC()}
	if err := s.db.CreateSyncLog(ctx, l); err != nil {
		logrus.WithError(err).WithField("worker_id", workerID).Warn("could not create sync log")
	}
	return l
}

// finish stamps the terminal status on l and reports the matching error.
func (s *Service) finish(ctx context.Context, l *database.SyncLog, endpoint string, status, msg string) (*Result, error) {
	completed := s.now().UTC()
	l.Status = status
	l.ErrorMessage = msg
	l.CompletedAt = &completed
	if l.ID != 0 {
		if err := s.db.CompleteSyncLog(ctx, l); err != nil {
			logrus.WithError(err).WithField("worker_id", l.WorkerID).Warn("could not complete sync log")
		}
	} else {
		l.Duration = completed.Sub(l.StartedAt).Milliseconds()
	}
	if err := s.db.SetWorkerStatus(ctx, l.WorkerID, endpoint, status); err != nil {
		logrus.WithError(err).WithField("worker_id", l.WorkerID).Warn("could not record worker status")
	}
	s.syncFinished(ctx, l)

	res := &Result{
		Endpoint: endpoint,
		WorkerID: l.WorkerID,
		Success:  status == database.SyncSuccess,
		Status:   status,
		Message:  msg,
		Duration: l.Duration,
		Records:  l.RecordsCount,
	}
	entry := logrus.WithFields(logrus.Fields{
		"worker_id": l.WorkerID,
		"direction": l.Direction,
		"status":    status,
		"duration":  l.Duration,
	})

	const op = "workersync.Sync"
	switch status {
	case database.SyncSuccess:
		entry.Info("worker sync completed")
		return res, nil
	case database.SyncTimeout:
		entry.Warn("worker sync timed out")
		return res, apperr.E(apperr.UpstreamTimeout, op, msg)
	default:
		entry.WithField("error", msg).Warn("worker sync failed")
		return res, apperr.E(apperr.UpstreamError, op, msg)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// do sends one request, retrying once against the legacy path when the
// Worker answers 404 on the current one.
func (s *Service) do(ctx context.Context, method, endpoint, path, legacy string, body []byte, agent string) (int, []byte, error) {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	key := s.settings.WorkerAPIKey(ctx)

	send := func(p string) (int, []byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+p, reader)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("User-Agent", agent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return 0, nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return resp.StatusCode, data, err
	}

	code, data, err := send(path)
	if err == nil && code == http.StatusNotFound && legacy != "" {
		logrus.WithField("endpoint", base).Debug("worker-api path not found, trying legacy path")
		return send(legacy)
	}
	return code, data, err
}

func excerpt(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// workerFailure extracts the error of a 200 response whose JSON body says
// success=false. A body without a success field counts as success.
func workerFailure(body []byte) (string, bool) {
	var reply map[string]interface{}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", false
	}
	ok, present := reply["success"]
	if !present {
		return "", false
	}
	if b, isBool := ok.(bool); isBool && b {
		return "", false
	}
	for _, k := range []string{"error", "message"} {
		if msg, isStr := reply[k].(string); isStr && msg != "" {
			return msg, true
		}
	}
	return "Unknown error", true
}

// PushConfig posts blob to one Worker. The returned Result is never nil;
// the error carries UpstreamTimeout or UpstreamError when the push failed.
func (s *Service) PushConfig(ctx context.Context, endpoint string, blob *rules.WorkerConfig) (*Result, error) {
	workerID := WorkerID(endpoint)
	l := s.startLog(ctx, workerID, "config", "push")

	body, err := json.Marshal(configPush{
		UAConfigs:   blob.UAConfigs,
		IPBlacklist: blob.IPBlacklist,
		Timestamp:   s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return s.finish(ctx, l, endpoint, database.SyncError, "encode config: "+err.Error())
	}
	l.DataSize = int64(len(body))
	l.RecordsCount = int64(blob.Records())

	code, reply, err := s.do(ctx, http.MethodPost, endpoint, pushPath, legacyPushPath, body, userAgent)
	switch {
	case err != nil && isTimeout(err):
		return s.finish(ctx, l, endpoint, database.SyncTimeout, "push config timed out: "+endpoint)
	case err != nil:
		return s.finish(ctx, l, endpoint, database.SyncError, "push config: "+err.Error())
	case code != http.StatusOK:
		return s.finish(ctx, l, endpoint, database.SyncFailed, fmt.Sprintf("HTTP %d: %s", code, excerpt(reply)))
	}
	if msg, failed := workerFailure(reply); failed {
		return s.finish(ctx, l, endpoint, database.SyncFailed, msg)
	}
	return s.finish(ctx, l, endpoint, database.SyncSuccess, "")
}

func countRecords(v interface{}) int64 {
	switch t := v.(type) {
	case []interface{}:
		return int64(len(t))
	case map[string]interface{}:
		return int64(len(t))
	}
	return 0
}

// PullStats fetches the stats export of one Worker. Stats found in the body
// are recorded as the Worker's current hour. The map is nil on failure.
func (s *Service) PullStats(ctx context.Context, endpoint string) (map[string]interface{}, error) {
	workerID := WorkerID(endpoint)
	l := s.startLog(ctx, workerID, "stats", "pull")

	code, body, err := s.do(ctx, http.MethodGet, endpoint, pullPath, legacyPullPath, nil, userAgent)
	switch {
	case err != nil && isTimeout(err):
		_, err = s.finish(ctx, l, endpoint, database.SyncTimeout, "pull stats timed out: "+endpoint)
		return nil, err
	case err != nil:
		_, err = s.finish(ctx, l, endpoint, database.SyncError, "pull stats: "+err.Error())
		return nil, err
	case code != http.StatusOK:
		_, err = s.finish(ctx, l, endpoint, database.SyncFailed, fmt.Sprintf("HTTP %d: %s", code, excerpt(body)))
		return nil, err
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		_, err = s.finish(ctx, l, endpoint, database.SyncError, "malformed stats body: "+err.Error())
		return nil, err
	}
	l.DataSize = int64(len(body))
	l.RecordsCount = countRecords(data["request_stats"])

	if blob := statsBlob(data); blob != nil {
		if payload, err := stats.DecodeWorkerStats(blob); err == nil {
			if _, err := s.stats.RecordWorkerStats(ctx, workerID, payload); err != nil {
				logrus.WithError(err).WithField("worker_id", workerID).Warn("could not record pulled stats")
			}
		}
	}

	if _, err := s.finish(ctx, l, endpoint, database.SyncSuccess, ""); err != nil {
		return nil, err
	}
	return data, nil
}

// statsBlob finds the stats object of a pull response: request_stats or
// stats when either is an object, else the body itself when it carries
// request counters.
func statsBlob(data map[string]interface{}) []byte {
	for _, k := range []string{"request_stats", "stats"} {
		if obj, ok := data[k].(map[string]interface{}); ok && len(obj) > 0 {
			b, _ := json.Marshal(obj)
			return b
		}
	}
	if _, ok := data["total_requests"]; ok {
		b, _ := json.Marshal(data)
		return b
	}
	return nil
}

// BatchResult tallies a fan-out push.
type BatchResult struct {
	Total        int      `json:"total_workers"`
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	Results      []Result `json:"results"`
}

// SyncAll pushes blob to every configured endpoint concurrently and waits
// for all of them. One endpoint failing never affects the others.
func (s *Service) SyncAll(ctx context.Context, blob *rules.WorkerConfig) *BatchResult {
	endpoints := s.settings.WorkerEndpoints(ctx)
	out := &BatchResult{Total: len(endpoints), Results: make([]Result, len(endpoints))}
	if len(endpoints) == 0 {
		logrus.Warn("no worker endpoints configured")
		return out
	}

	var wg sync.WaitGroup
	for i, endpoint := range endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out.Results[i] = Result{Endpoint: endpoint, WorkerID: WorkerID(endpoint),
						Status: database.SyncError, Message: fmt.Sprint(r)}
				}
			}()

			res, _ := s.PushConfig(ctx, endpoint, blob)
			out.Results[i] = *res
			if s.cfg.PullAfterPush {
				s.PullStats(ctx, endpoint)
			}
		}(i, endpoint)
	}
	wg.Wait()

	for _, r := range out.Results {
		if r.Success {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
	}
	logrus.WithFields(logrus.Fields{
		"success": out.SuccessCount,
		"total":   out.Total,
	}).Info("worker sync finished")
	return out
}

// PushCurrent exports the current rules and pushes them to every Worker.
func (s *Service) PushCurrent(ctx context.Context) (*BatchResult, error) {
	blob, err := s.exporter.ExportForWorker(ctx)
	if err != nil {
		return nil, err
	}
	return s.SyncAll(ctx, blob), nil
}

// RulesChanged schedules a debounced push when push-on-change is enabled.
func (s *Service) RulesChanged(_ context.Context, kind, key string) {
	if !s.cfg.PushOnChange {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pushTimer != nil {
		s.pushTimer.Stop()
	}
	s.pushTimer = time.AfterFunc(pushDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.Timeout)
		defer cancel()
		if _, err := s.PushCurrent(ctx); err != nil {
			logrus.WithError(err).Warn("push after rule change failed")
		}
	})
	logrus.WithFields(logrus.Fields{"kind": kind, "key": key}).Debug("config push scheduled")
}

// Close cancels a pending debounced push.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pushTimer != nil {
		s.pushTimer.Stop()
	}
}

// Health is the structured health of one Worker.
type Health struct {
	Status       string      `json:"status"`
	Endpoint     string      `json:"endpoint"`
	ResponseTime float64     `json:"response_time,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// HealthStatus probes {endpoint}/health. It never fails: problems are
// reported in the result.
func (s *Service) HealthStatus(ctx context.Context, endpoint string) *Health {
	h := &Health{Endpoint: endpoint}
	start := time.Now()

	code, body, err := s.do(ctx, http.MethodGet, endpoint, "/health", "", nil, healthUserAgent)
	if err != nil {
		h.Status = "error"
		h.Error = err.Error()
		return h
	}
	if code != http.StatusOK {
		h.Status = "unhealthy"
		h.Error = fmt.Sprintf("HTTP %d", code)
		return h
	}

	h.Status = "healthy"
	h.ResponseTime = time.Since(start).Seconds()
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		h.Data = data
	} else {
		h.Data = excerpt(body)
	}
	return h
}
