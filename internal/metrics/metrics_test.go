package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/cache"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedOverview struct {
	o   stats.Overview
	err error
}

func (f fixedOverview) Overview(context.Context) (*stats.Overview, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.o, nil
}

type fixedWorkers struct{ total, online int64 }

func (f fixedWorkers) CountWorkers(context.Context, time.Time) (int64, int64, error) {
	return f.total, f.online, nil
}

func TestRefreshSetsGauges(t *testing.T) {
	m := New(fixedOverview{o: stats.Overview{
		TotalRequests: 120, BlockedRequests: 20, SuccessRate: 83.33,
		UAConfigs: 4, EnabledUAConfigs: 3, BlacklistCount: 7, ViolationIPs: 2,
	}}, fixedWorkers{total: 3, online: 2}, nil)

	m.Refresh(context.Background())

	assert.Equal(t, 120.0, testutil.ToFloat64(m.totalRequests))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.blockedReqs))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.uaEnabled))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.blacklist))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.workersTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.workersOnline))
	assert.Zero(t, testutil.ToFloat64(m.refreshErrors))
}

func TestRefreshCountsErrors(t *testing.T) {
	m := New(fixedOverview{err: errors.New("db down")}, nil, nil)
	m.Refresh(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshErrors))
}

func TestObserverCounters(t *testing.T) {
	m := New(nil, nil, nil)
	ctx := context.Background()

	m.WorkerReported(ctx, "logs", "w1", 10)
	m.WorkerReported(ctx, "logs", "w2", 1)
	m.SyncFinished(ctx, database.SyncLog{Direction: "push", Status: database.SyncSuccess, Duration: 120})
	m.SyncFinished(ctx, database.SyncLog{Direction: "push", Status: database.SyncTimeout, Duration: 30000})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.workerPushes.WithLabelValues("logs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues("push", database.SyncTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.syncDuration))
}

func TestHandlerExposesCacheCounters(t *testing.T) {
	ctx := context.Background()
	backend, err := cache.NewBackend(ctx, config.CacheConfig{SizeMB: 8})
	require.NoError(t, err)
	defer backend.Close()

	c, err := backend.Namespace(ctx, "system_config")
	require.NoError(t, err)
	var v string
	require.NoError(t, c.GetOrLoad(ctx, "k", &v, func(context.Context) (interface{}, error) { return "x", nil }))
	require.NoError(t, c.GetOrLoad(ctx, "k", &v, func(context.Context) (interface{}, error) { return "x", nil }))

	m := New(nil, nil, backend)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `datacenter_cache_hits_total{cache="system_config"} 1`)
	assert.Contains(t, string(body), `datacenter_cache_misses_total{cache="system_config"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
