package stats

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Count decodes a counter sent by a Worker. Numbers (integral or not),
// numeric strings and arrays (their length) are accepted; anything else
// decodes to zero.
type Count int64

func (c *Count) UnmarshalJSON(data []byte) error {
	*c = 0
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err == nil {
			*c = Count(len(items))
		}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
				*c = Count(f)
			}
		}
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err == nil {
			*c = Count(f)
		}
	}
	return nil
}

// Float decodes a float that may arrive as a number or a numeric string.
type Float float64

func (f *Float) UnmarshalJSON(data []byte) error {
	*f = 0
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		*f = Float(t)
	case string:
		if parsed, err := strconv.ParseFloat(t, 64); err == nil && !math.IsNaN(parsed) {
			*f = Float(parsed)
		}
	}
	return nil
}

// Text decodes a value that may be a string or a number.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	*t = ""
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		*t = Text(x)
	case float64:
		*t = Text(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*t = Text(strconv.FormatBool(x))
	}
	return nil
}

// SecretRotation is the secret_rotation sub-object of a stats push.
type SecretRotation struct {
	Secret1Count  Count `json:"secret1_count"`
	Secret2Count  Count `json:"secret2_count"`
	CurrentSecret Text  `json:"current_secret"`
}

// ConfigStats is the config_stats sub-object of a stats push.
type ConfigStats struct {
	UAConfigsCount   Count `json:"ua_configs_count"`
	IPBlacklistCount Count `json:"ip_blacklist_count"`
}

// RateLimitStats is the rate_limit_stats sub-object. active_ips is either
// the list of IPs or their number.
type RateLimitStats struct {
	TotalCounters Count `json:"total_counters"`
	ActiveIPs     Count `json:"active_ips"`
}

// WorkerStats is the stats blob a Worker pushes. Unknown fields are ignored.
// Only the keys the Worker sent, with a non-null value, are written to the
// hour bucket.
type WorkerStats struct {
	TotalRequests      Count `json:"total_requests"`
	SuccessfulRequests Count `json:"successful_requests"`
	BlockedRequests    Count `json:"blocked_requests"`
	ErrorRequests      Count `json:"error_requests"`

	AvgResponseTime Float `json:"avg_response_time"`
	MaxResponseTime Float `json:"max_response_time"`
	MinResponseTime Float `json:"min_response_time"`

	TotalBytesSent     Count `json:"total_bytes_sent"`
	TotalBytesReceived Count `json:"total_bytes_received"`

	Secret1Count  Count `json:"secret1_count"`
	Secret2Count  Count `json:"secret2_count"`
	CurrentSecret Text  `json:"current_secret"`

	PendingRequests Count `json:"pending_requests"`
	MemoryCacheSize Count `json:"memory_cache_size"`
	LogsCount       Count `json:"logs_count"`
	Uptime          Count `json:"uptime"`

	UAConfigsCount    Count `json:"ua_configs_count"`
	IPBlacklistCount  Count `json:"ip_blacklist_count"`
	RateLimitCounters Count `json:"rate_limit_counters"`
	ActiveIPsCount    Count `json:"active_ips_count"`

	SecretRotation *SecretRotation `json:"secret_rotation,omitempty"`
	ConfigStats    *ConfigStats    `json:"config_stats,omitempty"`
	RateLimitStats *RateLimitStats `json:"rate_limit_stats,omitempty"`

	// sent holds the keys present in the decoded blob. Nested keys are
	// stored as "parent.key".
	sent map[string]bool
}

// DecodeWorkerStats parses a raw stats blob. A blob that is not a JSON
// object is rejected.
func DecodeWorkerStats(raw []byte) (*WorkerStats, error) {
	var s WorkerStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}

	s.sent = map[string]bool{}
	for key, v := range top {
		if isNull(v) {
			continue
		}
		s.sent[key] = true
		var sub map[string]json.RawMessage
		if bytes.HasPrefix(bytes.TrimSpace(v), []byte("{")) && json.Unmarshal(v, &sub) == nil {
			for k, sv := range sub {
				if !isNull(sv) {
					s.sent[key+"."+k] = true
				}
			}
		}
	}
	return &s, nil
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// Sent reports whether key was present in the decoded blob.
func (s *WorkerStats) Sent(key string) bool {
	return s.sent[key]
}

// fields maps the sent keys onto hour bucket columns. Nested sub-objects
// take precedence over the flat fields they duplicate.
func (s *WorkerStats) fields() map[string]interface{} {
	flat := map[string]interface{}{
		"total_requests":       int64(s.TotalRequests),
		"successful_requests":  int64(s.SuccessfulRequests),
		"blocked_requests":     int64(s.BlockedRequests),
		"error_requests":       int64(s.ErrorRequests),
		"avg_response_time":    float64(s.AvgResponseTime),
		"max_response_time":    float64(s.MaxResponseTime),
		"min_response_time":    float64(s.MinResponseTime),
		"total_bytes_sent":     int64(s.TotalBytesSent),
		"total_bytes_received": int64(s.TotalBytesReceived),
		"secret1_count":        int64(s.Secret1Count),
		"secret2_count":        int64(s.Secret2Count),
		"current_secret":       string(s.CurrentSecret),
		"pending_requests":     int64(s.PendingRequests),
		"memory_cache_size":    int64(s.MemoryCacheSize),
		"logs_count":           int64(s.LogsCount),
		"uptime":               int64(s.Uptime),
		"ua_configs_count":     int64(s.UAConfigsCount),
		"ip_blacklist_count":   int64(s.IPBlacklistCount),
		"rate_limit_counters":  int64(s.RateLimitCounters),
		"active_ips_count":     int64(s.ActiveIPsCount),
	}

	out := map[string]interface{}{}
	for col, v := range flat {
		if s.Sent(col) {
			out[col] = v
		}
	}

	if sr := s.SecretRotation; sr != nil {
		if s.Sent("secret_rotation.secret1_count") {
			out["secret1_count"] = int64(sr.Secret1Count)
		}
		if s.Sent("secret_rotation.secret2_count") {
			out["secret2_count"] = int64(sr.Secret2Count)
		}
		if s.Sent("secret_rotation.current_secret") && sr.CurrentSecret != "" {
			out["current_secret"] = string(sr.CurrentSecret)
		}
	}
	if cs := s.ConfigStats; cs != nil {
		if s.Sent("config_stats.ua_configs_count") {
			out["ua_configs_count"] = int64(cs.UAConfigsCount)
		}
		if s.Sent("config_stats.ip_blacklist_count") {
			out["ip_blacklist_count"] = int64(cs.IPBlacklistCount)
		}
	}
	if rl := s.RateLimitStats; rl != nil {
		if s.Sent("rate_limit_stats.total_counters") {
			out["rate_limit_counters"] = int64(rl.TotalCounters)
		}
		if s.Sent("rate_limit_stats.active_ips") {
			out["active_ips_count"] = int64(rl.ActiveIPs)
		}
	}
	return out
}
