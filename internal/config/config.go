package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the data center
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Sync      SyncConfig      `yaml:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Backup    BackupConfig    `yaml:"backup"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Timezone used for "today" boundaries and cron schedules
	Timezone string `yaml:"timezone"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	MaxConns int    `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
	// Shared secret Workers send in X-API-Key when talking to us
	DataCenterAPIKey string `yaml:"data_center_api_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	File   string `yaml:"file"`
}

type SyncConfig struct {
	WorkerEndpoints []string      `yaml:"worker_endpoints"`
	WorkerAPIKey    string        `yaml:"worker_api_key"`
	IntervalHours   int           `yaml:"interval_hours"`
	Timeout         time.Duration `yaml:"timeout"`
	PullAfterPush   bool          `yaml:"pull_after_push"`
	PushOnChange    bool          `yaml:"push_on_change"`
}

type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MisfireGrace  time.Duration `yaml:"misfire_grace"`
	RetentionDays int           `yaml:"retention_days"`
}

type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BotToken     string  `yaml:"bot_token"`
	AdminUserIDs []int64 `yaml:"admin_user_ids"`
	APIEndpoint  string  `yaml:"api_endpoint"`
}

type CacheConfig struct {
	// Empty means the in-process bigcache backend
	RedisURL  string `yaml:"redis_url"`
	SizeMB    int    `yaml:"size_mb"`
	KeyPrefix string `yaml:"key_prefix"`
}

type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Keep    int    `yaml:"keep"`
}

type NotifyConfig struct {
	Telegram TelegramAlertConfig `yaml:"telegram"`
	Discord  DiscordConfig       `yaml:"discord"`
	Webhooks []WebhookConfig     `yaml:"webhooks"`
}

type TelegramAlertConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type WebhookConfig struct {
	Name   string            `yaml:"name"`
	URL    string            `yaml:"url"`
	Events []string          `yaml:"events"`
	Header map[string]string `yaml:"header"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Sync:      SyncConfig{PullAfterPush: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Sync:      SyncConfig{PullAfterPush: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("DATA_CENTER_API_KEY"); v != "" {
		cfg.Auth.DataCenterAPIKey = v
	}
	if v := os.Getenv("WORKER_API_KEY"); v != "" {
		cfg.Sync.WorkerAPIKey = v
	}
	if v := os.Getenv("WORKER_ENDPOINTS"); v != "" {
		cfg.Sync.WorkerEndpoints = SplitList(v)
	}
	if v := os.Getenv("TG_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("TG_ADMIN_USER_ID"); v != "" {
		cfg.Telegram.AdminUserIDs = ParseIDs(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Events.AMQPURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7759
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.Timezone == "" {
		cfg.Server.Timezone = "Local"
	}

	// Database defaults
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/datacenter.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	// Auth defaults
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "change-this-secret-in-production"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 72 * time.Hour
	}
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 24 * time.Hour
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Sync defaults
	if cfg.Sync.IntervalHours <= 0 {
		cfg.Sync.IntervalHours = 1
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = 30 * time.Second
	}

	// Scheduler defaults
	if cfg.Scheduler.MisfireGrace == 0 {
		cfg.Scheduler.MisfireGrace = 5 * time.Minute
	}
	if cfg.Scheduler.RetentionDays <= 0 {
		cfg.Scheduler.RetentionDays = 30
	}

	if cfg.Telegram.APIEndpoint == "" {
		cfg.Telegram.APIEndpoint = "https://api.telegram.org/bot%s/%s"
	}

	if cfg.Cache.SizeMB == 0 {
		cfg.Cache.SizeMB = 64
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "dc:"
	}

	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "datacenter.events"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "./data/backups"
	}
	if cfg.Backup.Keep <= 0 {
		cfg.Backup.Keep = 7
	}
}

// Location resolves the configured timezone, falling back to local time.
func (c *Config) Location() *time.Location {
	if c.Server.Timezone == "" || strings.EqualFold(c.Server.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseIDs parses a comma separated list of Telegram user ids, skipping invalid ones.
func ParseIDs(s string) []int64 {
	var ids []int64
	for _, part := range SplitList(s) {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
