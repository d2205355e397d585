package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/integrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	level, message, category, source string
}

type memRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *memRecorder) RecordSystemLog(_ context.Context, level, message string, _ map[string]interface{}, category, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level, message, category, source})
	return nil
}

func (r *memRecorder) all() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logEntry(nil), r.entries...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	s := New(config.SchedulerConfig{Enabled: true, MisfireGrace: time.Minute}, time.UTC, rec)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, rec
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s, rec := newTestScheduler(t)

	require.NoError(t, s.Add(Job{
		Name:     "tidy",
		Spec:     "0 2 * * *",
		Category: "maintenance",
		Run: func(context.Context) (string, map[string]interface{}, error) {
			return "tidied", map[string]interface{}{"rows": 3}, nil
		},
	}))
	require.NoError(t, s.RunNow(context.Background(), "tidy"))

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, logEntry{"INFO", "tidied", "maintenance", SourceScheduler}, entries[0])

	st := s.Status()
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, OutcomeSuccess, st.Jobs[0].LastStatus)
	assert.Equal(t, int64(1), st.Jobs[0].Runs)
	assert.NotNil(t, st.Jobs[0].PrevRun)
}

func TestRunNowFailure(t *testing.T) {
	s, rec := newTestScheduler(t)

	require.NoError(t, s.Add(Job{
		Name:  "broken",
		Spec:  "@every 1h",
		Quiet: true,
		Run: func(context.Context) (string, map[string]interface{}, error) {
			return "", nil, errors.New("disk full")
		},
	}))
	err := s.RunNow(context.Background(), "broken")
	require.EqualError(t, err, "disk full")

	entries := rec.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0].level)
	assert.Equal(t, "broken failed: disk full", entries[0].message)

	st := s.Status().Jobs[0]
	assert.Equal(t, OutcomeFailed, st.LastStatus)
	assert.Equal(t, "disk full", st.LastError)
	assert.Equal(t, int64(1), st.Failures)
}

func TestFailedRunRaisesAlert(t *testing.T) {
	s, _ := newTestScheduler(t)
	alerts := &fakeAlerter{}
	s.SetAlerter(alerts)

	fail := true
	require.NoError(t, s.Add(Job{
		Name: "flaky",
		Spec: "@every 1h",
		Run: func(context.Context) (string, map[string]interface{}, error) {
			if fail {
				return "", nil, errors.New("timeout")
			}
			return "ok", nil, nil
		},
	}))
	require.Error(t, s.RunNow(context.Background(), "flaky"))
	fail = false
	require.NoError(t, s.RunNow(context.Background(), "flaky"))

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, integrations.EventJobFailed, alerts.alerts[0].Event)
	assert.Equal(t, "flaky: timeout", alerts.alerts[0].Message)
	assert.Equal(t, "flaky", alerts.alerts[0].Fields["job"])
}

func TestQuietJobsSkipSuccessLog(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.Add(Job{
		Name:  "probe",
		Spec:  "@every 5m",
		Quiet: true,
		Run: func(context.Context) (string, map[string]interface{}, error) {
			return "fine", nil, nil
		},
	}))
	require.NoError(t, s.RunNow(context.Background(), "probe"))
	assert.Empty(t, rec.all())
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(context.Context) (string, map[string]interface{}, error) { return "", nil, nil }

	require.NoError(t, s.Add(Job{Name: "a", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "b", Spec: "not a spec", Run: noop}))
	assert.Error(t, s.Add(Job{Spec: "@every 1m", Run: noop}))
	assert.True(t, apperr.Is(s.RunNow(context.Background(), "missing"), apperr.NotFound))
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(context.Context) (string, map[string]interface{}, error) { return "", nil, nil }
	require.NoError(t, s.Add(Job{Name: "a", Spec: "@every 1h", Run: noop}))

	s.Start()
	assert.True(t, s.Running())
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.TotalJobs)
	require.NotNil(t, st.Jobs[0].NextRun)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []integrations.Alert
}

func (a *fakeAlerter) Notify(_ context.Context, al integrations.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

type fakeRefresher struct{ calls int }

func (r *fakeRefresher) Refresh(context.Context) { r.calls++ }

func TestStandardJobsNames(t *testing.T) {
	jobs := StandardJobs(Deps{
		Metrics:           &fakeRefresher{},
		SyncIntervalHours: 3,
	})
	names := map[string]string{}
	for _, j := range jobs {
		names[j.Name] = j.Spec
	}
	assert.Equal(t, "0 2 * * *", names["cleanup_old_data"])
	assert.Equal(t, "@every 5m", names["health_check"])
	assert.Equal(t, "5 * * * *", names["aggregate_stats"])
	assert.Equal(t, "@every 10m", names["record_system_status"])
	assert.Equal(t, "@every 1m", names["refresh_metrics"])
	assert.NotContains(t, names, "sync_config_to_workers")
	assert.NotContains(t, names, "backup_config")

	s, _ := newTestScheduler(t)
	require.NoError(t, Register(s, jobs))
	assert.Equal(t, len(jobs), s.Status().TotalJobs)
}

func TestHealthCheckWarnsOnDatabaseFailure(t *testing.T) {
	alerts := &fakeAlerter{}
	rec := &memRecorder{}
	d := Deps{DB: fakePinger{err: errors.New("database is locked")}, Alerts: alerts}

	// a failing ping returns before the error rate query
	status := map[string]interface{}{}
	require.NoError(t, healthCheckWith(context.Background(), d, rec, status))

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, integrations.EventHealthWarning, alerts.alerts[0].Event)
	assert.Equal(t, "unhealthy", status["database"])
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "WARN", rec.all()[0].level)
}

func TestMetricsJobRefreshes(t *testing.T) {
	r := &fakeRefresher{}
	for _, j := range StandardJobs(Deps{Metrics: r}) {
		if j.Name == "refresh_metrics" {
			_, _, err := j.Run(context.Background())
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, r.calls)
}
