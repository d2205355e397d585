// Package settings manages the runtime-editable settings: typed system
// configs, grouped web configs and the singleton operational settings row.
// Every read goes through a cache that writes invalidate synchronously.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/cache"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

// Well-known system config keys.
const (
	KeyDataCenterAPIKey = "data_center_api_key"
	KeyWorkerAPIKey     = "worker_api_key"
)

// Config value types.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeFloat  = "float"
	TypeJSON   = "json"
)

// Service is the settings manager.
type Service struct {
	db  *database.DB
	cfg *config.Config

	system   *cache.Cache
	web      *cache.Cache
	settings *cache.Cache
}

// NewService creates the three settings caches from backend.
func NewService(ctx context.Context, db *database.DB, cfg *config.Config, backend *cache.Backend) (*Service, error) {
	s := &Service{db: db, cfg: cfg}
	var err error
	if s.system, err = backend.Namespace(ctx, "system_config"); err != nil {
		return nil, err
	}
	if s.web, err = backend.Namespace(ctx, "web_config"); err != nil {
		return nil, err
	}
	if s.settings, err = backend.Namespace(ctx, "system_settings"); err != nil {
		return nil, err
	}
	return s, nil
}

// MaskKey shows the first 8 and last 4 characters of a key longer than 12.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"api_key", "token", "secret", "password"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// =====================
// System configs
// =====================

// ValidateValue checks that value parses as typ.
func ValidateValue(value, typ string) error {
	const op = "settings.ValidateValue"
	if value == "" {
		return nil
	}
	var err error
	switch typ {
	case TypeString, "":
	case TypeInt:
		_, err = strconv.ParseInt(value, 10, 64)
	case TypeFloat:
		_, err = strconv.ParseFloat(value, 64)
	case TypeBool:
		_, err = parseBool(value)
	case TypeJSON:
		if !json.Valid([]byte(value)) {
			err = errors.New("invalid json")
		}
	default:
		return apperr.Invalid(op, "unknown config type "+typ)
	}
	if err != nil {
		return apperr.Invalid(op, "value does not match type "+typ)
	}
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	}
	return false, errors.New("invalid bool")
}

// SystemConfig returns one key, or a NotFound error.
func (s *Service) SystemConfig(ctx context.Context, key string) (*database.SystemConfig, error) {
	const op = "settings.SystemConfig"
	var c database.SystemConfig
	err := s.system.GetOrLoad(ctx, key, &c, func(ctx context.Context) (interface{}, error) {
		return s.db.GetSystemConfig(ctx, key)
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Missing(op, "config "+key+" not found")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return &c, nil
}

// String returns the raw value of key, or def when it is unset.
func (s *Service) String(ctx context.Context, key, def string) string {
	c, err := s.SystemConfig(ctx, key)
	if err != nil || c.Value == "" {
		return def
	}
	return c.Value
}

func (s *Service) Int(ctx context.Context, key string, def int64) int64 {
	v, err := strconv.ParseInt(s.String(ctx, key, ""), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func (s *Service) Bool(ctx context.Context, key string, def bool) bool {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := parseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (s *Service) Float(ctx context.Context, key string, def float64) float64 {
	v, err := strconv.ParseFloat(s.String(ctx, key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

// JSON decodes the value of key into dst and reports whether it was set.
func (s *Service) JSON(ctx context.Context, key string, dst interface{}) bool {
	raw := s.String(ctx, key, "")
	return raw != "" && json.Unmarshal([]byte(raw), dst) == nil
}

// SetSystemConfig creates or replaces key.
func (s *Service) SetSystemConfig(ctx context.Context, key, value, typ, description string) (*database.SystemConfig, error) {
	const op = "settings.SetSystemConfig"
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperr.Invalid(op, "key is required")
	}
	if typ == "" {
		typ = TypeString
	}
	if err := ValidateValue(value, typ); err != nil {
		return nil, err
	}

	c := &database.SystemConfig{Key: key, Value: value, ConfigType: typ, Description: description}
	if err := s.db.UpsertSystemConfig(ctx, c); err != nil {
		return nil, apperr.Store(op, err)
	}
	s.invalidate(ctx, s.system, key)

	logrus.WithFields(logrus.Fields{"key": key, "type": typ}).Info("system config updated")
	return s.SystemConfig(ctx, key)
}

func (s *Service) DeleteSystemConfig(ctx context.Context, key string) error {
	const op = "settings.DeleteSystemConfig"
	err := s.db.DeleteSystemConfig(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Missing(op, "config "+key+" not found")
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	s.invalidate(ctx, s.system, key)
	return nil
}

// SystemConfigs lists every key with credential-looking values masked.
func (s *Service) SystemConfigs(ctx context.Context) ([]database.SystemConfig, error) {
	configs, err := s.db.ListSystemConfigs(ctx)
	if err != nil {
		return nil, apperr.Store("settings.SystemConfigs", err)
	}
	for i := range configs {
		if sensitiveKey(configs[i].Key) {
			configs[i].Value = MaskKey(configs[i].Value)
		}
	}
	return configs, nil
}

// MaskedSystemConfig is SystemConfig with a credential-looking value masked.
func (s *Service) MaskedSystemConfig(ctx context.Context, key string) (*database.SystemConfig, error) {
	c, err := s.SystemConfig(ctx, key)
	if err != nil {
		return nil, err
	}
	if sensitiveKey(c.Key) {
		c.Value = MaskKey(c.Value)
	}
	return c, nil
}

func (s *Service) invalidate(ctx context.Context, c *cache.Cache, key string) {
	if err := c.Invalidate(ctx, key); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"cache": c.Name(), "key": key}).Warn("cache invalidation failed")
	}
}

// ClearCaches drops every cached settings value.
func (s *Service) ClearCaches(ctx context.Context) {
	for _, c := range []*cache.Cache{s.system, s.web, s.settings} {
		if err := c.Clear(ctx); err != nil {
			logrus.WithError(err).WithField("cache", c.Name()).Warn("cache clear failed")
		}
	}
}

// Caches exposes the settings caches for metrics.
func (s *Service) Caches() []*cache.Cache {
	return []*cache.Cache{s.system, s.web, s.settings}
}

// =====================
// Effective operational values
// =====================

// WorkerEndpoints returns the endpoints from the settings row, falling back
// to the file config.
func (s *Service) WorkerEndpoints(ctx context.Context) []string {
	if st, err := s.Settings(ctx); err == nil && len(st.WorkerEndpoints) > 0 {
		return st.WorkerEndpoints
	}
	return s.cfg.Sync.WorkerEndpoints
}

// WorkerAPIKey is the key the data center sends to Workers.
func (s *Service) WorkerAPIKey(ctx context.Context) string {
	if st, err := s.Settings(ctx); err == nil && st.WorkerAPIKey != "" {
		return st.WorkerAPIKey
	}
	if v := s.String(ctx, KeyWorkerAPIKey, ""); v != "" {
		return v
	}
	return s.cfg.Sync.WorkerAPIKey
}

// DataCenterAPIKey is the key Workers must present to the data center.
func (s *Service) DataCenterAPIKey(ctx context.Context) string {
	if v := s.String(ctx, KeyDataCenterAPIKey, ""); v != "" {
		return v
	}
	return s.cfg.Auth.DataCenterAPIKey
}

func (s *Service) SetDataCenterAPIKey(ctx context.Context, key string) error {
	if len(key) < 16 {
		return apperr.Invalid("settings.SetDataCenterAPIKey", "api key must be at least 16 characters")
	}
	_, err := s.SetSystemConfig(ctx, KeyDataCenterAPIKey, key, TypeString,
		"Key Workers send in X-API-Key when calling the data center")
	return err
}

// TelegramBotToken returns the bot token from settings, then file config.
func (s *Service) TelegramBotToken(ctx context.Context) string {
	if st, err := s.Settings(ctx); err == nil && st.TGBotToken != "" {
		return st.TGBotToken
	}
	return s.cfg.Telegram.BotToken
}

// TelegramAdminIDs returns the admin ids from settings, then file config.
func (s *Service) TelegramAdminIDs(ctx context.Context) []int64 {
	if st, err := s.Settings(ctx); err == nil && len(st.TGAdminUserIDs) > 0 {
		return st.TGAdminUserIDs
	}
	return s.cfg.Telegram.AdminUserIDs
}
