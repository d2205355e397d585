package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *WorkerConfig {
	return &WorkerConfig{
		UAConfigs: map[string]WorkerUAConfig{
			"default": {UserAgent: "*", HourlyLimit: 10, Enabled: true},
			"mpv":     {UserAgent: "mpv", HourlyLimit: 100, Enabled: true, PathSpecificLimits: map[string]int{"/api/": 20, "/api/play": 5}},
			"mpv-pro": {UserAgent: "mpv/pro", HourlyLimit: -1, Enabled: true},
			"off":     {UserAgent: "curl", HourlyLimit: 100, Enabled: false},
		},
		IPBlacklist: map[string]WorkerIPEntry{
			"1.2.3.4":     {Reason: "abuse", Enabled: true},
			"10.0.0.0/8":  {Reason: "private", Enabled: true},
			"9.9.9.9":     {Reason: "disabled", Enabled: false},
			"2001:db8::1": {Reason: "v6", Enabled: true},
		},
	}
}

func TestMatcherIPChecks(t *testing.T) {
	m := NewMatcher(testConfig())

	cases := []struct {
		ip      string
		blocked bool
	}{
		{"1.2.3.4", true},
		{"10.20.30.40", true},
		{"9.9.9.9", false},
		{"8.8.8.8", false},
		{"2001:0db8:0000:0000:0000:0000:0000:0001", true},
		{"garbage", false},
	}
	for _, tc := range cases {
		check := m.checkIP(tc.ip)
		assert.Equal(t, tc.blocked, !check.Passed, tc.ip)
	}
}

func TestMatcherUASelection(t *testing.T) {
	m := NewMatcher(testConfig())

	d := m.Evaluate(Request{IP: "8.8.8.8", UserAgent: "mpv/pro build 7"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "mpv-pro", d.UAConfig, "the longest matching user agent wins")
	assert.Equal(t, -1, d.HourlyLimit)

	d = m.Evaluate(Request{IP: "8.8.8.8", UserAgent: "MPV/0.36", Path: "/api/play"})
	assert.Equal(t, "mpv", d.UAConfig)
	require.NotNil(t, d.PathLimit)
	assert.Equal(t, 5, *d.PathLimit)

	d = m.Evaluate(Request{IP: "8.8.8.8", UserAgent: "mpv", Path: "/api/list"})
	require.NotNil(t, d.PathLimit)
	assert.Equal(t, 20, *d.PathLimit)

	d = m.Evaluate(Request{IP: "8.8.8.8", UserAgent: "curl/8.0"})
	assert.Equal(t, "default", d.UAConfig, "disabled configs never match")

	d = m.Evaluate(Request{IP: "1.2.3.4", UserAgent: "mpv"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "IP blacklisted")
}

func TestMatcherWithoutDefault(t *testing.T) {
	cfg := testConfig()
	delete(cfg.UAConfigs, "default")
	m := NewMatcher(cfg)

	d := m.Evaluate(Request{IP: "8.8.8.8", UserAgent: "wget"})
	assert.False(t, d.Allowed)
	assert.Empty(t, d.UAConfig)

	d = m.Evaluate(Request{IP: "8.8.8.8"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, "Empty User-Agent")
}
