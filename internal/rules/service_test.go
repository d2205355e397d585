package rules

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) RulesChanged(_ context.Context, kind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind+":"+key)
}

func newTestService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "rules.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	n := &recordingNotifier{}
	return NewService(db, n), n
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestCreateUAConfigDefaultsAndConflict(t *testing.T) {
	ctx := context.Background()
	svc, notifier := newTestService(t)

	c, err := svc.CreateUAConfig(ctx, UAConfigInput{Name: "mpv", UserAgent: "mpv/1.0"})
	require.NoError(t, err)
	assert.Equal(t, DefaultHourlyLimit, c.HourlyLimit)
	assert.True(t, c.Enabled)
	assert.NotNil(t, c.PathLimits)

	_, err = svc.CreateUAConfig(ctx, UAConfigInput{Name: "mpv", UserAgent: "different/2.0", HourlyLimit: intPtr(5)})
	assert.True(t, apperr.Is(err, apperr.Conflict))

	stored, err := svc.GetUAConfig(ctx, "mpv")
	require.NoError(t, err)
	assert.Equal(t, "mpv/1.0", stored.UserAgent, "a rejected duplicate leaves the original untouched")
	assert.Equal(t, []string{"ua_config:mpv"}, notifier.calls)
}

func TestCreateUAConfigValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []UAConfigInput{
		{Name: "", UserAgent: "x"},
		{Name: "a", UserAgent: " "},
		{Name: "a", UserAgent: "x", HourlyLimit: intPtr(-2)},
		{Name: "a", UserAgent: "x", PathLimits: map[string]int{"/p": -5}},
	}
	for _, in := range cases {
		_, err := svc.CreateUAConfig(ctx, in)
		assert.True(t, apperr.Is(err, apperr.Validation), "%+v", in)
	}

	c, err := svc.CreateUAConfig(ctx, UAConfigInput{Name: "vlc", UserAgent: "VLC", HourlyLimit: intPtr(Unlimited)})
	require.NoError(t, err)
	assert.Equal(t, Unlimited, c.HourlyLimit)
}

func TestUpdateAppliesOnlyGivenFields(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateUAConfig(ctx, UAConfigInput{Name: "mpv", UserAgent: "mpv/1.0",
		PathLimits: map[string]int{"/a": 1}})
	require.NoError(t, err)

	updated, err := svc.UpdateUAConfig(ctx, "mpv", UAConfigPatch{HourlyLimit: intPtr(500)})
	require.NoError(t, err)
	assert.Equal(t, 500, updated.HourlyLimit)
	assert.Equal(t, "mpv/1.0", updated.UserAgent)
	assert.Equal(t, map[string]int{"/a": 1}, updated.PathLimits)

	_, err = svc.UpdateUAConfig(ctx, "ghost", UAConfigPatch{Enabled: boolPtr(false)})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDefaultCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateUAConfig(ctx, UAConfigInput{Name: DefaultName, UserAgent: "*"})
	require.NoError(t, err)

	err = svc.DeleteUAConfig(ctx, DefaultName)
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = svc.GetUAConfig(ctx, DefaultName)
	assert.NoError(t, err)

	err = svc.DeleteUAConfig(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestAddIPIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, notifier := newTestService(t)

	first, created, err := svc.AddIPToBlacklist(ctx, "10.0.0.1", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Manual blacklist", first.Reason)

	again, created, err := svc.AddIPToBlacklist(ctx, " 10.0.0.1 ", "other reason")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Manual blacklist", again.Reason)

	entries, err := svc.ListIPBlacklist(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, notifier.calls, 1)

	_, _, err = svc.AddIPToBlacklist(ctx, "not-an-ip", "")
	assert.True(t, apperr.Is(err, apperr.Validation))

	cidr, _, err := svc.AddIPToBlacklist(ctx, "192.168.1.7/24", "range")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.0/24", cidr.IPAddress)

	require.NoError(t, svc.RemoveIPFromBlacklist(ctx, "10.0.0.1"))
	assert.True(t, apperr.Is(svc.RemoveIPFromBlacklist(ctx, "10.0.0.1"), apperr.NotFound))
}

func TestExportScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.CreateUAConfig(ctx, UAConfigInput{Name: "mpv", UserAgent: "mpv/1.0", HourlyLimit: intPtr(100)})
	require.NoError(t, err)
	_, err = svc.CreateUAConfig(ctx, UAConfigInput{Name: "off", UserAgent: "off/1", Enabled: boolPtr(false)})
	require.NoError(t, err)
	_, _, err = svc.AddIPToBlacklist(ctx, "1.2.3.4", "abuse")
	require.NoError(t, err)
	_, _, err = svc.AddIPToBlacklist(ctx, "5.6.7.8", "")
	require.NoError(t, err)
	_, err = svc.ToggleIP(ctx, "5.6.7.8")
	require.NoError(t, err)

	out, err := svc.ExportForWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]WorkerUAConfig{
		"mpv": {UserAgent: "mpv/1.0", HourlyLimit: 100, Enabled: true, PathSpecificLimits: map[string]int{}},
	}, out.UAConfigs)
	assert.Equal(t, map[string]WorkerIPEntry{"1.2.3.4": {Reason: "abuse", Enabled: true}}, out.IPBlacklist)
	assert.NotEmpty(t, out.UpdatedAt)

	_, err = svc.ToggleUAConfig(ctx, "mpv")
	require.NoError(t, err)

	out, err = svc.ExportForWorker(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.UAConfigs)
	for _, c := range out.UAConfigs {
		assert.True(t, c.Enabled)
	}
	for _, e := range out.IPBlacklist {
		assert.True(t, e.Enabled)
	}
}

func TestMatcherRebuiltAfterChange(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	m, err := svc.Matcher(ctx)
	require.NoError(t, err)
	assert.False(t, m.Evaluate(Request{IP: "1.1.1.1", UserAgent: "mpv/1.0"}).Allowed)

	_, err = svc.CreateUAConfig(ctx, UAConfigInput{Name: "mpv", UserAgent: "mpv"})
	require.NoError(t, err)

	m, err = svc.Matcher(ctx)
	require.NoError(t, err)
	d := m.Evaluate(Request{IP: "1.1.1.1", UserAgent: "mpv/1.0"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "mpv", d.UAConfig)
}
