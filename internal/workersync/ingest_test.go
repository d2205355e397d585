package workersync

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLogs(t *testing.T, raw string) []WorkerLog {
	t.Helper()
	var logs []WorkerLog
	require.NoError(t, json.Unmarshal([]byte(raw), &logs))
	return logs
}

func TestProcessWorkerLogsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestSync(t, config.SyncConfig{})
	obs := &recordingObserver{}
	svc.AddObserver(obs)

	batch := decodeLogs(t, `[
		{"id":"a1","level":"warn","message":"rate limited","timestamp":1714557600000,"ip":"1.2.3.4","path":"/api/play"},
		{"id":2,"level":"info","message":"ok","timestamp":"2024-05-01T10:00:00Z"}
	]`)

	res, err := svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, &LogResult{Received: 2, Inserted: 2, Skipped: 0}, res)

	res, err = svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Skipped)

	logs, err := svc.QueryWorkerLogs(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	byID := map[string]database.SystemLog{}
	for _, l := range logs {
		byID[l.RequestID] = l
	}
	warn := byID["a1"]
	assert.Equal(t, "WARN", warn.Level)
	assert.Equal(t, CategoryWorkerSync, warn.Category)
	assert.Equal(t, "worker-w1", warn.Source)
	assert.Equal(t, "/api/play", warn.Details["path"])
	assert.True(t, warn.CreatedAt.Equal(time.UnixMilli(1714557600000)))
	assert.Contains(t, byID, "2")

	w, err := db.GetWorkerConfig(ctx, "w1")
	require.NoError(t, err)
	assert.NotNil(t, w.LastSyncAt)
	assert.Contains(t, obs.reported, "logs:w1")
}

func TestProcessWorkerLogsSynthesizesIDs(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSync(t, config.SyncConfig{})

	batch := decodeLogs(t, `[{"message":"no id","timestamp":1714557600000}]`)
	res, err := svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	logs, err := svc.QueryWorkerLogs(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, strings.HasPrefix(logs[0].RequestID, "w1-1714557600000-"), logs[0].RequestID)
	assert.Equal(t, "INFO", logs[0].Level)

	res, err = svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestIngestRequiresWorkerID(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSync(t, config.SyncConfig{})

	_, err := svc.ProcessWorkerLogs(ctx, " ", nil)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = svc.ProcessWorkerStats(ctx, "", json.RawMessage(`{}`))
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = svc.ProcessWorkerConfig(ctx, "", WorkerReport{})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = svc.ProcessWorkerRequestStats(ctx, "", RequestStatsPush{})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestProcessWorkerLogsWithoutIDOrTimestamp(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSync(t, config.SyncConfig{})
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	batch := decodeLogs(t, `[
		{"level":"warn","message":"rate limited","path":"/api/play","details":{"count":3}},
		{"level":"warn","message":"rate limited","ip":"5.6.7.8"}
	]`)
	res, err := svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	at = at.Add(3 * time.Second)
	res, err = svc.ProcessWorkerLogs(ctx, "w1", batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Skipped)
	assert.NotContains(t, batch[0].Details, "path")

	logs, err := svc.QueryWorkerLogs(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	// the same entry from another worker is a different row
	res, err = svc.ProcessWorkerLogs(ctx, "w2", batch[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestProcessWorkerStats(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestSync(t, config.SyncConfig{})

	row, err := svc.ProcessWorkerStats(ctx, "w1", json.RawMessage(`{"total_requests":12.0,"blocked_requests":"3"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(12), row.TotalRequests)
	assert.Equal(t, int64(3), row.BlockedRequests)

	_, err = svc.ProcessWorkerStats(ctx, "w1", json.RawMessage(`[1,2]`))
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	total, online, err := db.CountWorkers(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), online)
}

func TestProcessWorkerConfigOverwrites(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestSync(t, config.SyncConfig{})

	_, err := svc.ProcessWorkerConfig(ctx, "w1", WorkerReport{
		UAConfigs:   json.RawMessage(`{"a":{"userAgent":"x"}}`),
		IPBlacklist: json.RawMessage(`{"1.2.3.4":{"enabled":true}}`),
		SecretUsage: json.RawMessage(`{"secret1":5}`),
		LastUpdate:  1714557600000,
	})
	require.NoError(t, err)

	_, err = svc.ProcessWorkerConfig(ctx, "w1", WorkerReport{
		UAConfigs: json.RawMessage(`{"b":{"userAgent":"y"}}`),
	})
	require.NoError(t, err)

	w, err := db.GetWorkerConfig(ctx, "w1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":{"userAgent":"y"}}`, string(w.UAConfigs))
	assert.Empty(t, w.IPBlacklist)
	assert.Empty(t, w.SecretUsage)
	assert.NotZero(t, w.LastUpdate)
}

func TestProcessWorkerRequestStatsIsSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestSync(t, config.SyncConfig{})
	at := time.Date(2024, 5, 1, 10, 20, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }

	first := RequestStatsPush{
		ByIP: map[string]IPCounters{
			"1.1.1.1": {TotalCount: 10, Violations: 2, Banned: "temp"},
			"2.2.2.2": {TotalCount: 5},
		},
		ByUA: map[string]UACounters{
			"default": {RequestCount: 15, BlockedCount: 2},
		},
	}
	res, err := svc.ProcessWorkerRequestStats(ctx, "w1", first)
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.TotalRequests)
	assert.Equal(t, int64(2), res.Blocked)
	assert.Equal(t, 1, res.Violations)

	at = at.Add(10 * time.Minute)
	second := RequestStatsPush{
		ByIP: map[string]IPCounters{
			"1.1.1.1": {TotalCount: 12, Violations: 2},
			"2.2.2.2": {TotalCount: 8},
		},
	}
	_, err = svc.ProcessWorkerRequestStats(ctx, "w1", second)
	require.NoError(t, err)

	row, err := db.GetRequestStats(ctx, "w1", at)
	require.NoError(t, err)
	assert.Equal(t, int64(20), row.TotalRequests)
	assert.Equal(t, int64(18), row.SuccessfulRequests)
	assert.Equal(t, int64(2), row.BlockedRequests)
	assert.Equal(t, int64(2), row.ActiveIPsCount)

	ips, err := svc.QueryWorkerRequestStats(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, ips, 2)
	assert.Equal(t, "1.1.1.1", ips[0].IPAddress)
	assert.Equal(t, int64(12), ips[0].TotalCount)

	restore, err := svc.RestoreStats(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, restore.Stats)
	assert.Equal(t, int64(20), restore.Stats.TotalRequests)
	assert.Len(t, restore.ByIP, 2)
}

func TestRestoreStatsUnknownWorker(t *testing.T) {
	svc, _, _ := newTestSync(t, config.SyncConfig{})

	restore, err := svc.RestoreStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, restore.Stats)
	assert.Empty(t, restore.ByIP)
	assert.Nil(t, restore.SecretUsage)
}

func TestLogTime(t *testing.T) {
	ts, ok := logTime(json.RawMessage(`1714557600`))
	require.True(t, ok)
	assert.Equal(t, int64(1714557600), ts.Unix())

	ts, ok = logTime(json.RawMessage(`"1714557600000"`))
	require.True(t, ok)
	assert.Equal(t, int64(1714557600), ts.Unix())

	_, ok = logTime(json.RawMessage(`"yesterday"`))
	assert.False(t, ok)
	_, ok = logTime(nil)
	assert.False(t, ok)
}
