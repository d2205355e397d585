package settings

import (
	"context"
	"errors"
	"strings"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

const settingsKey = "singleton"

// =====================
// Web configs
// =====================

var defaultWebConfigs = []database.WebConfig{
	{Category: "telegram", Key: "bot_token", ValueType: TypeString, Description: "Telegram bot token", IsSensitive: true},
	{Category: "telegram", Key: "admin_user_ids", ValueType: TypeString, Description: "Admin user ids, comma separated"},
	{Category: "worker", Key: "endpoints", ValueType: TypeString, Description: "Worker endpoints, comma separated"},
	{Category: "worker", Key: "api_key", ValueType: TypeString, Description: "Key sent to Workers", IsSensitive: true},
	{Category: "sync", Key: "interval_hours", Value: "1", ValueType: TypeInt, Description: "Config push interval in hours"},
	{Category: "sync", Key: "retry_attempts", Value: "3", ValueType: TypeInt, Description: "Sync retry attempts"},
	{Category: "sync", Key: "timeout_seconds", Value: "30", ValueType: TypeInt, Description: "Sync timeout in seconds"},
}

func maskWeb(configs []database.WebConfig) []database.WebConfig {
	for i := range configs {
		if configs[i].IsSensitive && configs[i].Value != "" {
			configs[i].Value = MaskKey(configs[i].Value)
		}
	}
	return configs
}

// Category lists the configs of one category with sensitive values masked.
func (s *Service) Category(ctx context.Context, category string) ([]database.WebConfig, error) {
	var configs []database.WebConfig
	err := s.web.GetOrLoad(ctx, "category:"+category, &configs, func(ctx context.Context) (interface{}, error) {
		return s.db.ListWebConfigs(ctx, category)
	})
	if err != nil {
		return nil, apperr.Store("settings.Category", err)
	}
	return maskWeb(configs), nil
}

// WebConfigs groups every config by category, sensitive values masked.
func (s *Service) WebConfigs(ctx context.Context) (map[string][]database.WebConfig, error) {
	configs, err := s.db.ListWebConfigs(ctx, "")
	if err != nil {
		return nil, apperr.Store("settings.WebConfigs", err)
	}
	grouped := map[string][]database.WebConfig{}
	for _, c := range maskWeb(configs) {
		grouped[c.Category] = append(grouped[c.Category], c)
	}
	return grouped, nil
}

// WebValue returns the unmasked value of one web config.
func (s *Service) WebValue(ctx context.Context, category, key string) (string, error) {
	const op = "settings.WebValue"
	var c database.WebConfig
	err := s.web.GetOrLoad(ctx, category+"."+key, &c, func(ctx context.Context) (interface{}, error) {
		return s.db.GetWebConfig(ctx, category, key)
	})
	if errors.Is(err, database.ErrNotFound) {
		return "", apperr.Missing(op, "config "+category+"."+key+" not found")
	}
	if err != nil {
		return "", apperr.Store(op, err)
	}
	return c.Value, nil
}

// SetWeb creates or replaces one web config.
func (s *Service) SetWeb(ctx context.Context, c database.WebConfig) (*database.WebConfig, error) {
	const op = "settings.SetWeb"
	c.Category = strings.TrimSpace(c.Category)
	c.Key = strings.TrimSpace(c.Key)
	if c.Category == "" || c.Key == "" {
		return nil, apperr.Invalid(op, "category and key are required")
	}
	if c.ValueType == "" {
		c.ValueType = TypeString
	}
	if err := ValidateValue(c.Value, c.ValueType); err != nil {
		return nil, err
	}
	if err := s.db.UpsertWebConfig(ctx, &c); err != nil {
		return nil, apperr.Store(op, err)
	}
	s.invalidateWeb(ctx, c.Category, c.Key)

	logrus.WithFields(logrus.Fields{"category": c.Category, "key": c.Key}).Info("web config updated")
	stored, err := s.db.GetWebConfig(ctx, c.Category, c.Key)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return &maskWeb([]database.WebConfig{*stored})[0], nil
}

func (s *Service) DeleteWeb(ctx context.Context, category, key string) error {
	const op = "settings.DeleteWeb"
	err := s.db.DeleteWebConfig(ctx, category, key)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Missing(op, "config "+category+"."+key+" not found")
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	s.invalidateWeb(ctx, category, key)
	return nil
}

func (s *Service) invalidateWeb(ctx context.Context, category, key string) {
	s.invalidate(ctx, s.web, category+"."+key)
	s.invalidate(ctx, s.web, "category:"+category)
}

// InitDefaults seeds the default web configs and settings row without
// overwriting existing values. It returns how many configs were created.
func (s *Service) InitDefaults(ctx context.Context) (int, error) {
	const op = "settings.InitDefaults"
	if _, err := s.Settings(ctx); err != nil {
		return 0, err
	}

	created := 0
	for _, c := range defaultWebConfigs {
		c := c
		ok, err := s.db.InsertWebConfigIfMissing(ctx, &c)
		if err != nil {
			return created, apperr.Store(op, err)
		}
		if ok {
			created++
			s.invalidateWeb(ctx, c.Category, c.Key)
		}
	}
	if created > 0 {
		logrus.WithField("created", created).Info("default web configs seeded")
	}
	return created, nil
}

// =====================
// System settings singleton
// =====================

func (s *Service) defaultSettings() *database.SystemSettings {
	return &database.SystemSettings{
		ProjectName:              "UA Data Center",
		ProjectDescription:       "Control plane for UA rate limiting Workers",
		DatabaseURL:              "sqlite://" + s.cfg.Database.Path,
		TGBotToken:               s.cfg.Telegram.BotToken,
		TGAdminUserIDs:           append([]int64(nil), s.cfg.Telegram.AdminUserIDs...),
		WorkerEndpoints:          append([]string(nil), s.cfg.Sync.WorkerEndpoints...),
		WorkerAPIKey:             s.cfg.Sync.WorkerAPIKey,
		SyncIntervalHours:        s.cfg.Sync.IntervalHours,
		SyncRetryAttempts:        3,
		SyncTimeoutSeconds:       int(s.cfg.Sync.Timeout.Seconds()),
		LogLevel:                 s.cfg.Log.Level,
		AccessTokenExpireMinutes: int(s.cfg.Auth.TokenExpiry.Minutes()),
	}
}

// Settings returns the singleton row, creating it from the file config on
// first use.
func (s *Service) Settings(ctx context.Context) (*database.SystemSettings, error) {
	const op = "settings.Settings"
	var st database.SystemSettings
	err := s.settings.GetOrLoad(ctx, settingsKey, &st, func(ctx context.Context) (interface{}, error) {
		stored, err := s.db.GetSystemSettings(ctx)
		if !errors.Is(err, database.ErrNotFound) {
			return stored, err
		}
		def := s.defaultSettings()
		if err := s.db.SaveSystemSettings(ctx, def); err != nil {
			return nil, err
		}
		logrus.Info("default system settings created")
		return def, nil
	})
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return &st, nil
}

// MaskedSettings is Settings with credentials masked.
func (s *Service) MaskedSettings(ctx context.Context) (*database.SystemSettings, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	st.TGBotToken = MaskKey(st.TGBotToken)
	st.WorkerAPIKey = MaskKey(st.WorkerAPIKey)
	return st, nil
}

// SettingsPatch changes the fields that are set.
type SettingsPatch struct {
	ProjectName              *string   `json:"project_name"`
	ProjectDescription       *string   `json:"project_description"`
	DatabaseURL              *string   `json:"database_url"`
	TGBotToken               *string   `json:"tg_bot_token"`
	TGAdminUserIDs           *[]int64  `json:"tg_admin_user_ids"`
	WorkerEndpoints          *[]string `json:"worker_endpoints"`
	WorkerAPIKey             *string   `json:"worker_api_key"`
	SyncIntervalHours        *int      `json:"sync_interval_hours"`
	SyncRetryAttempts        *int      `json:"sync_retry_attempts"`
	SyncTimeoutSeconds       *int      `json:"sync_timeout_seconds"`
	LogLevel                 *string   `json:"log_level"`
	AccessTokenExpireMinutes *int      `json:"access_token_expire_minutes"`
}

func positive(op, field string, v *int) error {
	if v != nil && *v <= 0 {
		return apperr.Invalid(op, field+" must be positive")
	}
	return nil
}

// UpdateSettings applies patch to the singleton and invalidates its cache.
func (s *Service) UpdateSettings(ctx context.Context, patch SettingsPatch) (*database.SystemSettings, error) {
	const op = "settings.UpdateSettings"
	for field, v := range map[string]*int{
		"sync_interval_hours":         patch.SyncIntervalHours,
		"sync_retry_attempts":         patch.SyncRetryAttempts,
		"sync_timeout_seconds":        patch.SyncTimeoutSeconds,
		"access_token_expire_minutes": patch.AccessTokenExpireMinutes,
	} {
		if err := positive(op, field, v); err != nil {
			return nil, err
		}
	}

	st, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}

	if patch.ProjectName != nil {
		st.ProjectName = *patch.ProjectName
	}
	if patch.ProjectDescription != nil {
		st.ProjectDescription = *patch.ProjectDescription
	}
	if patch.DatabaseURL != nil {
		st.DatabaseURL = *patch.DatabaseURL
	}
	if patch.TGBotToken != nil {
		st.TGBotToken = strings.TrimSpace(*patch.TGBotToken)
	}
	if patch.TGAdminUserIDs != nil {
		st.TGAdminUserIDs = *patch.TGAdminUserIDs
	}
	if patch.WorkerEndpoints != nil {
		endpoints := make([]string, 0, len(*patch.WorkerEndpoints))
		for _, e := range *patch.WorkerEndpoints {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		st.WorkerEndpoints = endpoints
	}
	if patch.WorkerAPIKey != nil {
		st.WorkerAPIKey = strings.TrimSpace(*patch.WorkerAPIKey)
	}
	if patch.SyncIntervalHours != nil {
		st.SyncIntervalHours = *patch.SyncIntervalHours
	}
	if patch.SyncRetryAttempts != nil {
		st.SyncRetryAttempts = *patch.SyncRetryAttempts
	}
	if patch.SyncTimeoutSeconds != nil {
		st.SyncTimeoutSeconds = *patch.SyncTimeoutSeconds
	}
	if patch.LogLevel != nil {
		st.LogLevel = *patch.LogLevel
	}
	if patch.AccessTokenExpireMinutes != nil {
		st.AccessTokenExpireMinutes = *patch.AccessTokenExpireMinutes
	}

	if err := s.db.SaveSystemSettings(ctx, st); err != nil {
		return nil, apperr.Store(op, err)
	}
	s.invalidate(ctx, s.settings, settingsKey)

	logrus.Info("system settings updated")
	return st, nil
}
