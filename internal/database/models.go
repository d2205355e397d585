package database

import (
	"encoding/json"
	"time"
)

// User represents an admin user
type User struct {
	ID           string     `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	IsAdmin      bool       `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// LoginSession is a server-side record of an issued login
type LoginSession struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	SessionToken string    `json:"-" db:"session_token"`
	JWTToken     string    `json:"-" db:"jwt_token"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
}

// Valid reports whether the session is active and unexpired at now.
func (s *LoginSession) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// UAConfig is a named rate-limit policy keyed by a User-Agent string
type UAConfig struct {
	ID          int64          `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	UserAgent   string         `json:"user_agent" db:"user_agent"`
	HourlyLimit int            `json:"hourly_limit" db:"hourly_limit"` // -1 = unlimited
	Enabled     bool           `json:"enabled" db:"enabled"`
	PathLimits  map[string]int `json:"path_limits" db:"path_limits"`
	Description string         `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// IPBlacklistEntry blocks a single IP or CIDR range
type IPBlacklistEntry struct {
	ID        int64     `json:"id" db:"id"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	Reason    string    `json:"reason" db:"reason"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RequestStats is one hour bucket of a Worker's counters
type RequestStats struct {
	ID       int64     `json:"id" db:"id"`
	WorkerID string    `json:"worker_id" db:"worker_id"`
	DateHour time.Time `json:"date_hour" db:"date_hour"`

	// Request counters
	TotalRequests      int64 `json:"total_requests" db:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests" db:"successful_requests"`
	BlockedRequests    int64 `json:"blocked_requests" db:"blocked_requests"`
	ErrorRequests      int64 `json:"error_requests" db:"error_requests"`

	// Response time in milliseconds
	AvgResponseTime float64 `json:"avg_response_time" db:"avg_response_time"`
	MaxResponseTime float64 `json:"max_response_time" db:"max_response_time"`
	MinResponseTime float64 `json:"min_response_time" db:"min_response_time"`

	TotalBytesSent     int64 `json:"total_bytes_sent" db:"total_bytes_sent"`
	TotalBytesReceived int64 `json:"total_bytes_received" db:"total_bytes_received"`

	// Secret rotation
	Secret1Count  int64  `json:"secret1_count" db:"secret1_count"`
	Secret2Count  int64  `json:"secret2_count" db:"secret2_count"`
	CurrentSecret string `json:"current_secret" db:"current_secret"`

	// Worker runtime
	PendingRequests int64 `json:"pending_requests" db:"pending_requests"`
	MemoryCacheSize int64 `json:"memory_cache_size" db:"memory_cache_size"`
	LogsCount       int64 `json:"logs_count" db:"logs_count"`
	Uptime          int64 `json:"uptime" db:"uptime"`

	UAConfigsCount    int64 `json:"ua_configs_count" db:"ua_configs_count"`
	IPBlacklistCount  int64 `json:"ip_blacklist_count" db:"ip_blacklist_count"`
	RateLimitCounters int64 `json:"rate_limit_counters" db:"rate_limit_counters"`
	ActiveIPsCount    int64 `json:"active_ips_count" db:"active_ips_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IPRequestStats is one hour bucket of a single IP seen by a Worker
type IPRequestStats struct {
	ID         int64                  `json:"id" db:"id"`
	WorkerID   string                 `json:"worker_id" db:"worker_id"`
	IPAddress  string                 `json:"ip_address" db:"ip_address"`
	DateHour   time.Time              `json:"date_hour" db:"date_hour"`
	TotalCount int64                  `json:"total_count" db:"total_count"`
	Violations int64                  `json:"violations" db:"violations"`
	Paths      map[string]interface{} `json:"paths" db:"paths"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at" db:"updated_at"`
}

// Ban states
const (
	BanNone      = "no"
	BanTemp      = "temp"
	BanPermanent = "permanent"
)

// IPViolationStats tracks rate-limit violations for an IP within an hour
type IPViolationStats struct {
	ID             int64            `json:"id" db:"id"`
	WorkerID       string           `json:"worker_id" db:"worker_id"`
	IPAddress      string           `json:"ip_address" db:"ip_address"`
	DateHour       time.Time        `json:"date_hour" db:"date_hour"`
	ViolationCount int64            `json:"violation_count" db:"violation_count"`
	ViolationTypes map[string]int64 `json:"violation_types" db:"violation_types"`
	IsBanned       string           `json:"is_banned" db:"is_banned"`
	BanStartTime   *time.Time       `json:"ban_start_time,omitempty" db:"ban_start_time"`
	BanEndTime     *time.Time       `json:"ban_end_time,omitempty" db:"ban_end_time"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// UAUsageStats counts requests served under a UA config within an hour
type UAUsageStats struct {
	ID           int64                  `json:"id" db:"id"`
	WorkerID     string                 `json:"worker_id" db:"worker_id"`
	UAConfigName string                 `json:"ua_config_name" db:"ua_config_name"`
	DateHour     time.Time              `json:"date_hour" db:"date_hour"`
	RequestCount int64                  `json:"request_count" db:"request_count"`
	BlockedCount int64                  `json:"blocked_count" db:"blocked_count"`
	SuccessRate  float64                `json:"success_rate" db:"success_rate"`
	PathStats    map[string]interface{} `json:"path_stats" db:"path_stats"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// SystemLog is an append-only event record
type SystemLog struct {
	ID        int64                  `json:"id" db:"id"`
	WorkerID  string                 `json:"worker_id,omitempty" db:"worker_id"`
	Level     string                 `json:"level" db:"level"`
	Message   string                 `json:"message" db:"message"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	Category  string                 `json:"category,omitempty" db:"category"`
	Source    string                 `json:"source,omitempty" db:"source"`
	RequestID string                 `json:"request_id,omitempty" db:"request_id"`
	IPAddress string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string                 `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// TelegramLog journals one bot interaction
type TelegramLog struct {
	ID            int64     `json:"id" db:"id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	Username      string    `json:"username" db:"username"`
	Command       string    `json:"command" db:"command"`
	Response      string    `json:"response" db:"response"`
	Status        string    `json:"status" db:"status"`
	ErrorMessage  string    `json:"error_message,omitempty" db:"error_message"`
	ExecutionTime int64     `json:"execution_time" db:"execution_time"` // milliseconds
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Sync statuses; pending is the only non-terminal one
const (
	SyncPending = "pending"
	SyncSuccess = "success"
	SyncFailed  = "failed"
	SyncTimeout = "timeout"
	SyncError   = "error"
)

// SyncLog audits one push or pull between the data center and a Worker
type SyncLog struct {
	ID           int64      `json:"id" db:"id"`
	WorkerID     string     `json:"worker_id" db:"worker_id"`
	SyncType     string     `json:"sync_type" db:"sync_type"`
	Direction    string     `json:"direction" db:"direction"` // push or pull
	Status       string     `json:"status" db:"status"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	DataSize     int64      `json:"data_size" db:"data_size"`
	RecordsCount int64      `json:"records_count" db:"records_count"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Duration     int64      `json:"duration" db:"duration"` // milliseconds
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// WorkerConfig is the latest snapshot a Worker reported about itself
type WorkerConfig struct {
	ID          int64           `json:"id" db:"id"`
	WorkerID    string          `json:"worker_id" db:"worker_id"`
	Endpoint    string          `json:"endpoint,omitempty" db:"endpoint"`
	Name        string          `json:"name,omitempty" db:"name"`
	Enabled     bool            `json:"enabled" db:"enabled"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty" db:"last_sync_at"`
	SyncStatus  string          `json:"sync_status" db:"sync_status"`
	UAConfigs   json.RawMessage `json:"ua_configs,omitempty" db:"ua_configs"`
	IPBlacklist json.RawMessage `json:"ip_blacklist,omitempty" db:"ip_blacklist"`
	SecretUsage json.RawMessage `json:"secret_usage,omitempty" db:"secret_usage"`
	LastUpdate  int64           `json:"last_update" db:"last_update"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// SystemConfig is a typed key/value setting
type SystemConfig struct {
	ID          int64     `json:"id" db:"id"`
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"value" db:"value"`
	Description string    `json:"description,omitempty" db:"description"`
	ConfigType  string    `json:"config_type" db:"config_type"` // string, int, bool, float, json
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// WebConfig is a typed setting grouped by category for the admin UI
type WebConfig struct {
	ID          int64     `json:"id" db:"id"`
	Category    string    `json:"category" db:"category"`
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"value" db:"value"`
	ValueType   string    `json:"value_type" db:"value_type"`
	Description string    `json:"description,omitempty" db:"description"`
	IsSensitive bool      `json:"is_sensitive" db:"is_sensitive"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SystemSettings is the singleton operational settings record
type SystemSettings struct {
	ProjectName        string `json:"project_name"`
	ProjectDescription string `json:"project_description"`

	// Database connection, informational for the admin UI
	DatabaseURL string `json:"database_url"`

	// Telegram
	TGBotToken     string  `json:"tg_bot_token"`
	TGAdminUserIDs []int64 `json:"tg_admin_user_ids"`

	// Workers
	WorkerEndpoints    []string `json:"worker_endpoints"`
	WorkerAPIKey       string   `json:"worker_api_key"`
	SyncIntervalHours  int      `json:"sync_interval_hours"`
	SyncRetryAttempts  int      `json:"sync_retry_attempts"`
	SyncTimeoutSeconds int      `json:"sync_timeout_seconds"`

	LogLevel                 string `json:"log_level"`
	AccessTokenExpireMinutes int    `json:"access_token_expire_minutes"`

	UpdatedAt time.Time `json:"updated_at"`
}
