package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/cache"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) (*Service, *database.DB, *config.Config) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "settings.db")
	cfg.Sync.WorkerEndpoints = []string{"https://file.example.com"}
	cfg.Sync.WorkerAPIKey = "file-worker-key"
	cfg.Auth.DataCenterAPIKey = ""
	cfg.Telegram.AdminUserIDs = []int64{7}

	db, err := database.New(cfg.Database)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	backend, err := cache.NewBackend(ctx, config.CacheConfig{SizeMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	svc, err := NewService(ctx, db, cfg, backend)
	require.NoError(t, err)
	return svc, db, cfg
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "***", MaskKey("short-key"))
	assert.Equal(t, "abcdefgh...6789", MaskKey("abcdefghijk0123456789"))
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue("42", TypeInt))
	assert.NoError(t, ValidateValue("yes", TypeBool))
	assert.NoError(t, ValidateValue(`{"a":1}`, TypeJSON))
	assert.NoError(t, ValidateValue("", TypeInt))
	assert.Equal(t, apperr.Validation, apperr.KindOf(ValidateValue("x", TypeInt)))
	assert.Equal(t, apperr.Validation, apperr.KindOf(ValidateValue("{", TypeJSON)))
	assert.Equal(t, apperr.Validation, apperr.KindOf(ValidateValue("1", "date")))
}

func TestSystemConfigTypedAccessAndInvalidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSettings(t)

	_, err := svc.SetSystemConfig(ctx, "max_items", "10", TypeInt, "limit")
	require.NoError(t, err)
	assert.Equal(t, int64(10), svc.Int(ctx, "max_items", 0))

	_, err = svc.SetSystemConfig(ctx, "max_items", "25", TypeInt, "")
	require.NoError(t, err)
	assert.Equal(t, int64(25), svc.Int(ctx, "max_items", 0))

	c, err := svc.SystemConfig(ctx, "max_items")
	require.NoError(t, err)
	assert.Equal(t, "limit", c.Description)

	_, err = svc.SetSystemConfig(ctx, "flag", "on", TypeBool, "")
	require.NoError(t, err)
	assert.True(t, svc.Bool(ctx, "flag", false))

	_, err = svc.SetSystemConfig(ctx, "bad", "nope", TypeFloat, "")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	require.NoError(t, svc.DeleteSystemConfig(ctx, "max_items"))
	assert.Equal(t, int64(5), svc.Int(ctx, "max_items", 5))
	assert.Equal(t, apperr.NotFound, apperr.KindOf(svc.DeleteSystemConfig(ctx, "max_items")))

	hits, misses := svc.system.Stats()
	assert.Positive(t, hits)
	assert.Positive(t, misses)
}

func TestSystemConfigsMasksCredentials(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSettings(t)

	require.NoError(t, svc.SetDataCenterAPIKey(ctx, "dc-key-0123456789abcdef"))
	_, err := svc.SetSystemConfig(ctx, "site_name", "edge", TypeString, "")
	require.NoError(t, err)

	configs, err := svc.SystemConfigs(ctx)
	require.NoError(t, err)
	values := map[string]string{}
	for _, c := range configs {
		values[c.Key] = c.Value
	}
	assert.Equal(t, "dc-key-0...cdef", values[KeyDataCenterAPIKey])
	assert.Equal(t, "edge", values["site_name"])

	assert.Equal(t, "dc-key-0123456789abcdef", svc.DataCenterAPIKey(ctx))
	assert.Equal(t, apperr.Validation, apperr.KindOf(svc.SetDataCenterAPIKey(ctx, "short")))
}

func TestSettingsFallBackToFileConfig(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSettings(t)

	assert.Equal(t, []string{"https://file.example.com"}, svc.WorkerEndpoints(ctx))
	assert.Equal(t, "file-worker-key", svc.WorkerAPIKey(ctx))
	assert.Equal(t, []int64{7}, svc.TelegramAdminIDs(ctx))
	assert.Empty(t, svc.DataCenterAPIKey(ctx))
}

func TestUpdateSettingsTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestSettings(t)

	endpoints := []string{" https://w1.example.com ", "", "https://w2.example.com"}
	key := "db-worker-key-0123456789"
	ids := []int64{100, 200}
	interval := 6
	st, err := svc.UpdateSettings(ctx, SettingsPatch{
		WorkerEndpoints:   &endpoints,
		WorkerAPIKey:      &key,
		TGAdminUserIDs:    &ids,
		SyncIntervalHours: &interval,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, st.SyncIntervalHours)

	assert.Equal(t, []string{"https://w1.example.com", "https://w2.example.com"}, svc.WorkerEndpoints(ctx))
	assert.Equal(t, key, svc.WorkerAPIKey(ctx))
	assert.Equal(t, ids, svc.TelegramAdminIDs(ctx))

	stored, err := db.GetSystemSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.SyncIntervalHours)

	masked, err := svc.MaskedSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db-worke...6789", masked.WorkerAPIKey)

	zero := 0
	_, err = svc.UpdateSettings(ctx, SettingsPatch{SyncTimeoutSeconds: &zero})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestWebConfigs(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestSettings(t)

	created, err := svc.InitDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(defaultWebConfigs), created)

	created, err = svc.InitDefaults(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	_, err = svc.SetWeb(ctx, database.WebConfig{Category: "worker", Key: "api_key",
		Value: "worker-secret-key-123456", IsSensitive: true})
	require.NoError(t, err)

	worker, err := svc.Category(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, worker, 2)
	assert.Equal(t, "api_key", worker[0].Key)
	assert.Equal(t, "worker-s...3456", worker[0].Value)

	raw, err := svc.WebValue(ctx, "worker", "api_key")
	require.NoError(t, err)
	assert.Equal(t, "worker-secret-key-123456", raw)

	grouped, err := svc.WebConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped["sync"], 3)

	_, err = svc.SetWeb(ctx, database.WebConfig{Category: "sync", Key: "interval_hours", Value: "x", ValueType: TypeInt})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	require.NoError(t, svc.DeleteWeb(ctx, "worker", "api_key"))
	worker, err = svc.Category(ctx, "worker")
	require.NoError(t, err)
	assert.Len(t, worker, 1)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(svc.DeleteWeb(ctx, "worker", "api_key")))
}
