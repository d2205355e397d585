package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("WORKER_ENDPOINTS", "")

	cfg := Default()
	assert.Equal(t, 7759, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 1, cfg.Sync.IntervalHours)
	assert.Equal(t, 30, cfg.Scheduler.RetentionDays)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MisfireGrace)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.Sync.PullAfterPush)
	assert.Equal(t, "admin", cfg.Auth.AdminUsername)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
sync:
  worker_endpoints: ["https://a.example.com"]
  interval_hours: 2
scheduler:
  enabled: false
`), 0600))

	t.Setenv("WORKER_ENDPOINTS", "https://w1.example.com, https://w2.example.com,")
	t.Setenv("TG_ADMIN_USER_ID", "12345,abc,678")
	t.Setenv("PORT", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Sync.IntervalHours)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, []string{"https://w1.example.com", "https://w2.example.com"}, cfg.Sync.WorkerEndpoints)
	assert.Equal(t, []int64{12345, 678}, cfg.Telegram.AdminUserIDs)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("WORKER_ENDPOINTS", "")
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Sync.WorkerEndpoints = []string{"https://w.example.com"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sync.WorkerEndpoints, loaded.Sync.WorkerEndpoints)
}

func TestLocation(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Local, cfg.Location())

	cfg.Server.Timezone = "UTC"
	assert.Equal(t, "UTC", cfg.Location().String())

	cfg.Server.Timezone = "Not/AZone"
	assert.Equal(t, time.Local, cfg.Location())
}
