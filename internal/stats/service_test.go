package stats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	mem, cpu float64
	err      error
}

func (f fakeProbe) MemoryPercent(context.Context) (float64, error) { return f.mem, f.err }
func (f fakeProbe) CPUPercent(context.Context) (float64, error)    { return f.cpu, f.err }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T, at time.Time, opts ...Option) (*Service, *database.DB, *clock) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "stats.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	c := &clock{t: at}
	opts = append([]Option{WithClock(c.now), WithLocation(time.UTC), WithHostProbe(fakeProbe{mem: 41.26, cpu: 12.04})}, opts...)
	return NewService(db, opts...), db, c
}

func decode(t *testing.T, raw string) *WorkerStats {
	t.Helper()
	s, err := DecodeWorkerStats([]byte(raw))
	require.NoError(t, err)
	return s
}

func TestRecordWorkerStatsOverwritesWithinHour(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	svc, db, clk := newTestService(t, at)

	_, err := svc.RecordWorkerStats(ctx, "w1", decode(t, `{"total_requests":50,"successful_requests":45}`))
	require.NoError(t, err)

	clk.t = at.Add(40 * time.Minute)
	_, err = svc.RecordWorkerStats(ctx, "w1", decode(t, `{"total_requests":80,"successful_requests":70}`))
	require.NoError(t, err)

	rows, err := db.ListRequestStats(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(80), rows[0].TotalRequests)
	assert.Equal(t, int64(70), rows[0].SuccessfulRequests)

	// the next hour is a new bucket
	clk.t = at.Add(time.Hour)
	_, err = svc.RecordWorkerStats(ctx, "w1", decode(t, `{"total_requests":3}`))
	require.NoError(t, err)
	rows, err = db.ListRequestStats(ctx, "w1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecordWorkerStatsKeepsFieldsNotSent(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	svc, db, clk := newTestService(t, at)

	_, err := svc.RecordWorkerStats(ctx, "w1", decode(t,
		`{"total_requests":80,"successful_requests":70,"blocked_requests":10,"secret1_count":5}`))
	require.NoError(t, err)

	clk.t = at.Add(10 * time.Minute)
	row, err := svc.RecordWorkerStats(ctx, "w1", decode(t, `{"secret_rotation":{"current_secret":"secret2"}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(80), row.TotalRequests)
	assert.Equal(t, "secret2", row.CurrentSecret)

	stored, err := db.GetRequestStats(ctx, "w1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(80), stored.TotalRequests)
	assert.Equal(t, int64(70), stored.SuccessfulRequests)
	assert.Equal(t, int64(10), stored.BlockedRequests)
	assert.Equal(t, int64(5), stored.Secret1Count)
	assert.Equal(t, "secret2", stored.CurrentSecret)

	// counters written by a request-stats push survive a stats push without them
	require.NoError(t, db.UpsertRequestTotals(ctx, nil, "w1", at, 90, 75, 15, 4))
	_, err = svc.RecordWorkerStats(ctx, "w1", decode(t, `{"uptime":600}`))
	require.NoError(t, err)
	stored, err = db.GetRequestStats(ctx, "w1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(90), stored.TotalRequests)
	assert.Equal(t, int64(4), stored.ActiveIPsCount)
	assert.Equal(t, int64(600), stored.Uptime)
	assert.Equal(t, int64(5), stored.Secret1Count)
}

func TestMergeRequestStatsRejectsUnknownColumn(t *testing.T) {
	_, db, _ := newTestService(t, time.Now())
	err := db.MergeRequestStats(context.Background(), nil, "w1", time.Now(),
		map[string]interface{}{"total_requests = 0; --": 1})
	assert.Error(t, err)
}

func TestRecordWorkerStatsRequiresWorker(t *testing.T) {
	svc, _, _ := newTestService(t, time.Now())
	_, err := svc.RecordWorkerStats(context.Background(), " ", &WorkerStats{})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestDecodeNestedPayload(t *testing.T) {
	s := decode(t, `{
		"total_requests": "120",
		"avg_response_time": 12.5,
		"uptime": 3600.7,
		"unknown_field": {"x": 1},
		"secret_rotation": {"secret1_count": 4, "secret2_count": 6, "current_secret": 2},
		"config_stats": {"ua_configs_count": 3, "ip_blacklist_count": 9},
		"rate_limit_stats": {"total_counters": 17, "active_ips": ["1.1.1.1", "2.2.2.2"]}
	}`)
	f := s.fields()

	assert.Equal(t, int64(120), f["total_requests"])
	assert.Equal(t, 12.5, f["avg_response_time"])
	assert.Equal(t, int64(3600), f["uptime"])
	assert.Equal(t, int64(4), f["secret1_count"])
	assert.Equal(t, int64(6), f["secret2_count"])
	assert.Equal(t, "2", f["current_secret"])
	assert.Equal(t, int64(3), f["ua_configs_count"])
	assert.Equal(t, int64(9), f["ip_blacklist_count"])
	assert.Equal(t, int64(17), f["rate_limit_counters"])
	assert.Equal(t, int64(2), f["active_ips_count"])
	assert.NotContains(t, f, "blocked_requests")
	assert.NotContains(t, f, "unknown_field")

	f = decode(t, `{"rate_limit_stats": {"active_ips": 42}, "current_secret": "secret2"}`).fields()
	assert.Equal(t, map[string]interface{}{"active_ips_count": int64(42), "current_secret": "secret2"}, f)

	f = decode(t, `{"total_requests": {"nested": true}, "blocked_requests": null}`).fields()
	assert.Equal(t, map[string]interface{}{"total_requests": int64(0)}, f)

	_, err := DecodeWorkerStats([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 0.0, SuccessRate(5, 0))
	assert.Equal(t, 100.0, SuccessRate(7, 7))
	assert.Equal(t, 33.33, SuccessRate(1, 3))
	for total := int64(1); total < 50; total += 7 {
		for ok := int64(0); ok <= total; ok += 3 {
			assert.InDelta(t, float64(ok)/float64(total)*100, SuccessRate(ok, total), 0.006)
		}
	}
}

func TestOverview(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc, db, _ := newTestService(t, at)

	empty, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.SuccessRate)
	assert.Zero(t, empty.TotalRequests)

	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: at,
		TotalRequests: 200, SuccessfulRequests: 150, BlockedRequests: 40, ErrorRequests: 10}))
	require.NoError(t, db.CreateUAConfig(ctx, &database.UAConfig{Name: "a", UserAgent: "a", Enabled: true}))
	require.NoError(t, db.CreateUAConfig(ctx, &database.UAConfig{Name: "b", UserAgent: "b"}))
	require.NoError(t, db.CreateIPEntry(ctx, &database.IPBlacklistEntry{IPAddress: "1.1.1.1", Enabled: true}))
	require.NoError(t, db.UpsertIPViolation(ctx, nil, &database.IPViolationStats{WorkerID: "w1",
		IPAddress: "2.2.2.2", DateHour: at, ViolationCount: 3, IsBanned: database.BanTemp}))

	o, err := svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), o.TotalRequests)
	assert.Equal(t, 75.0, o.SuccessRate)
	assert.Equal(t, int64(2), o.UAConfigs)
	assert.Equal(t, int64(1), o.EnabledUAConfigs)
	assert.Equal(t, int64(1), o.BlacklistCount)
	assert.Equal(t, int64(1), o.ViolationIPs)
	assert.Equal(t, int64(1), o.TempBanned)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)
	svc, db, _ := newTestService(t, at)

	yesterday := at.Add(-24 * time.Hour)
	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: yesterday,
		TotalRequests: 100, BlockedRequests: 10}))
	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: at,
		TotalRequests: 50, BlockedRequests: 5, ActiveIPsCount: 7, AvgResponseTime: 20}))

	require.NoError(t, db.TouchWorker(ctx, "w1", "https://w1", database.SyncSuccess, at.Add(-time.Minute)))
	require.NoError(t, db.TouchWorker(ctx, "w2", "https://w2", database.SyncSuccess, at.Add(-time.Hour)))

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(50), sum.TodayRequests)
	assert.Equal(t, int64(150), sum.TotalRequests)
	assert.Equal(t, 90.0, sum.SuccessRate, "falls back to (total-blocked)/total")
	assert.Equal(t, int64(2), sum.TotalWorkers)
	assert.Equal(t, int64(1), sum.OnlineWorkers)
	assert.Equal(t, int64(5), sum.TodayBlocked)
	assert.Equal(t, int64(15), sum.ViolationRequests)
	assert.Equal(t, int64(7), sum.ActiveIPs)
	assert.Equal(t, 20.0, sum.AvgResponseTime)
	require.NotNil(t, sum.MemoryUsage)
	assert.Equal(t, 41.3, *sum.MemoryUsage)
	require.NotNil(t, sum.CPUUsage)
	assert.Equal(t, 12.0, *sum.CPUUsage)
	assert.Equal(t, "0m", sum.Uptime)
}

func TestSummaryWithoutHostMetrics(t *testing.T) {
	svc, _, _ := newTestService(t, time.Now(), WithHostProbe(fakeProbe{err: errors.New("unsupported")}))
	sum, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum.MemoryUsage)
	assert.Nil(t, sum.CPUUsage)
	assert.Zero(t, sum.SuccessRate)
}

func TestRecordSystemLogUppercasesLevel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, time.Now().UTC())

	require.NoError(t, svc.RecordSystemLog(ctx, "warning", "disk", map[string]interface{}{"free": 1}, "system", "test"))
	require.NoError(t, svc.RecordSystemLog(ctx, "", "hello", nil, "", ""))

	logs, err := svc.RecentLogs(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	levels := []string{logs[0].Level, logs[1].Level}
	assert.ElementsMatch(t, []string{"WARNING", "INFO"}, levels)

	warn, err := svc.RecentLogs(ctx, 10, "warning")
	require.NoError(t, err)
	require.Len(t, warn, 1)
	assert.Equal(t, "disk", warn[0].Message)
}

func TestErrorRate24h(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, time.Now().UTC())

	rate, err := svc.ErrorRate24h(ctx)
	require.NoError(t, err)
	assert.Zero(t, rate)

	for _, level := range []string{"INFO", "INFO", "ERROR", "INFO"} {
		require.NoError(t, svc.RecordSystemLog(ctx, level, "m", nil, "", ""))
	}
	rate, err = svc.ErrorRate24h(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25.0, rate)
}

func TestCleanupOldData(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, db, _ := newTestService(t, now)

	_, err := svc.CleanupOldData(ctx, 0)
	assert.True(t, apperr.Is(err, apperr.Validation))

	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: now}))

	deleted, err := svc.CleanupOldData(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["request_stats"])
}

func TestExportBundle(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	svc, db, _ := newTestService(t, now)
	require.NoError(t, db.UpsertRequestStats(ctx, &database.RequestStats{WorkerID: "w1", DateHour: now, TotalRequests: 9}))

	out, err := svc.Export(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 24, out.Hours)
	assert.Equal(t, int64(9), out.Overview.TotalRequests)
	require.Len(t, out.Hourly, 1)
	assert.Equal(t, int64(9), out.Hourly[0].Total)
	assert.NotNil(t, out.TopViolations)
	assert.NotNil(t, out.UAUsage)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "0m", FormatUptime(30*time.Second))
	assert.Equal(t, "59m", FormatUptime(59*time.Minute))
	assert.Equal(t, "3h 4m", FormatUptime(3*time.Hour+4*time.Minute))
	assert.Equal(t, "2d 3h 4m", FormatUptime(51*time.Hour+4*time.Minute))
	assert.Equal(t, "0m", FormatUptime(-time.Hour))
}
