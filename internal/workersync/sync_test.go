package workersync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/rules"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSettings struct {
	endpoints []string
	key       string
}

func (s *staticSettings) WorkerEndpoints(context.Context) []string { return s.endpoints }
func (s *staticSettings) WorkerAPIKey(context.Context) string      { return s.key }

type staticExporter struct{ blob *rules.WorkerConfig }

func (e staticExporter) ExportForWorker(context.Context) (*rules.WorkerConfig, error) {
	return e.blob, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	syncs    []database.SyncLog
	reported []string
}

func (o *recordingObserver) SyncFinished(_ context.Context, l database.SyncLog) {
	o.mu.Lock()
	o.syncs = append(o.syncs, l)
	o.mu.Unlock()
}

func (o *recordingObserver) WorkerReported(_ context.Context, kind, workerID string, _ int) {
	o.mu.Lock()
	o.reported = append(o.reported, kind+":"+workerID)
	o.mu.Unlock()
}

func testBlob() *rules.WorkerConfig {
	return &rules.WorkerConfig{
		UAConfigs: map[string]rules.WorkerUAConfig{
			"default": {UserAgent: "*", HourlyLimit: 100, Enabled: true, PathSpecificLimits: map[string]int{}},
		},
		IPBlacklist: map[string]rules.WorkerIPEntry{
			"1.2.3.4": {Reason: "abuse", Enabled: true},
		},
	}
}

func newTestSync(t *testing.T, cfg config.SyncConfig, endpoints ...string) (*Service, *database.DB, *staticSettings) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "sync.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	settings := &staticSettings{endpoints: endpoints, key: "worker-secret"}
	svc := New(db, stats.NewService(db), settings, staticExporter{blob: testBlob()}, cfg)
	t.Cleanup(svc.Close)
	return svc, db, settings
}

func okWorker(t *testing.T, seen chan<- http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r.Header.Clone()
		}
		switch r.URL.Path {
		case pushPath:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["ua_configs"]; !ok {
				http.Error(w, "missing ua_configs", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"success":true}`))
		case pullPath:
			w.Write([]byte(`{"success":true,"request_stats":{"total_requests":10,"successful_requests":9,"blocked_requests":1}}`))
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWorkerID(t *testing.T) {
	assert.Equal(t, "w1.example.com", WorkerID("https://w1.example.com/"))
	assert.Equal(t, "10.0.0.1:8787", WorkerID(" http://10.0.0.1:8787 "))
	assert.Equal(t, "10.0.0.1:8787/api", WorkerID("http://10.0.0.1:8787/api/"))
	assert.Equal(t, "w2.example.com/path", WorkerID("w2.example.com/path"))

	// two Workers behind one host
	assert.NotEqual(t, WorkerID("https://edge.example.com/eu"), WorkerID("https://edge.example.com/us"))
}

func TestPushConfigSendsHeadersAndLogs(t *testing.T) {
	ctx := context.Background()
	seen := make(chan http.Header, 1)
	srv := okWorker(t, seen)
	svc, db, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)
	obs := &recordingObserver{}
	svc.AddObserver(obs)

	res, err := svc.PushConfig(ctx, srv.URL, testBlob())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, database.SyncSuccess, res.Status)
	assert.Equal(t, int64(2), res.Records)

	h := <-seen
	assert.Equal(t, "worker-secret", h.Get("X-API-Key"))
	assert.Equal(t, userAgent, h.Get("User-Agent"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	logs, err := db.ListSyncLogs(ctx, WorkerID(srv.URL), 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "push", logs[0].Direction)
	assert.Equal(t, database.SyncSuccess, logs[0].Status)
	assert.NotNil(t, logs[0].CompletedAt)
	assert.Positive(t, logs[0].DataSize)

	require.Len(t, obs.syncs, 1)
	assert.Equal(t, database.SyncSuccess, obs.syncs[0].Status)
}

func TestPushConfigFallsBackToLegacyPath(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == legacyPushPath {
			w.Write([]byte(`{"success":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)

	res, err := svc.PushConfig(context.Background(), srv.URL, testBlob())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{pushPath, legacyPushPath}, paths)
}

func TestPushConfigWorkerReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"invalid config"}`))
	}))
	defer srv.Close()
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)

	res, err := svc.PushConfig(context.Background(), srv.URL, testBlob())
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamError, apperr.KindOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, database.SyncFailed, res.Status)
	assert.Equal(t, "invalid config", res.Message)
}

func TestPushConfigHTTPError(t *testing.T) {
	srv := failingWorker(t)
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)

	res, err := svc.PushConfig(context.Background(), srv.URL, testBlob())
	require.Error(t, err)
	assert.Equal(t, database.SyncFailed, res.Status)
	assert.Contains(t, res.Message, "HTTP 500")
}

func TestPushConfigTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	svc, db, _ := newTestSync(t, config.SyncConfig{Timeout: 50 * time.Millisecond}, srv.URL)

	res, err := svc.PushConfig(context.Background(), srv.URL, testBlob())
	require.Error(t, err)
	assert.Equal(t, apperr.UpstreamTimeout, apperr.KindOf(err))
	assert.Equal(t, database.SyncTimeout, res.Status)

	w, err := db.GetWorkerConfig(context.Background(), WorkerID(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, database.SyncTimeout, w.SyncStatus)
	assert.Nil(t, w.LastSyncAt)
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	good1, good2 := okWorker(t, nil), okWorker(t, nil)
	bad := failingWorker(t)
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, good1.URL, bad.URL, good2.URL)

	out := svc.SyncAll(context.Background(), testBlob())
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Equal(t, 1, out.FailedCount)
	require.Len(t, out.Results, 3)
	assert.False(t, out.Results[1].Success)
	assert.Equal(t, bad.URL, out.Results[1].Endpoint)
}

func TestSyncAllWithoutEndpoints(t *testing.T) {
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second})
	out := svc.SyncAll(context.Background(), testBlob())
	assert.Zero(t, out.Total)
	assert.Empty(t, out.Results)
}

func TestSyncAllPullsAfterPush(t *testing.T) {
	ctx := context.Background()
	srv := okWorker(t, nil)
	svc, db, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second, PullAfterPush: true}, srv.URL)

	out := svc.SyncAll(ctx, testBlob())
	assert.Equal(t, 1, out.SuccessCount)

	row, err := db.LatestRequestStats(ctx, WorkerID(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.TotalRequests)
	assert.Equal(t, int64(1), row.BlockedRequests)
}

func TestPullStatsLegacyExport(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != legacyPullPath {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"total_requests":"42","blocked_requests":2}`))
	}))
	defer srv.Close()
	svc, db, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)

	data, err := svc.PullStats(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "42", data["total_requests"])

	row, err := db.LatestRequestStats(ctx, WorkerID(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.TotalRequests)
}

func TestPullStatsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>")
	}))
	defer srv.Close()
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second}, srv.URL)

	data, err := svc.PullStats(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Nil(t, data)
}

func TestHealthStatusNeverFails(t *testing.T) {
	ctx := context.Background()
	good := okWorker(t, nil)
	bad := failingWorker(t)
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second})

	h := svc.HealthStatus(ctx, good.URL)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, h.Data)

	h = svc.HealthStatus(ctx, bad.URL)
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "HTTP 500", h.Error)

	h = svc.HealthStatus(ctx, "http://127.0.0.1:1")
	assert.Equal(t, "error", h.Status)
	assert.NotEmpty(t, h.Error)
}

func TestRulesChangedDebouncesPush(t *testing.T) {
	var mu sync.Mutex
	pushes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pushes++
		mu.Unlock()
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second, PushOnChange: true}, srv.URL)

	ctx := context.Background()
	svc.RulesChanged(ctx, "ua_config", "a")
	svc.RulesChanged(ctx, "ua_config", "b")
	svc.RulesChanged(ctx, "ip_blacklist", "1.2.3.4")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pushes == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRulesChangedDisabled(t *testing.T) {
	svc, _, _ := newTestSync(t, config.SyncConfig{Timeout: time.Second})
	svc.RulesChanged(context.Background(), "ua_config", "a")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Nil(t, svc.pushTimer)
}
