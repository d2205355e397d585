package rules

import (
	"net"
	"sort"
	"strings"
	"time"
)

// Request is what a Worker sees for one incoming call.
type Request struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Path      string `json:"path"`
}

// Decision explains which rules a Worker would apply to a Request.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reasons     []string  `json:"reasons"`
	UAConfig    string    `json:"ua_config,omitempty"`
	HourlyLimit int       `json:"hourly_limit"`
	PathLimit   *int      `json:"path_limit,omitempty"`
	IPCheck     Check     `json:"ip_check"`
	UACheck     Check     `json:"ua_check"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

type Check struct {
	Passed  bool   `json:"passed"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

type uaRule struct {
	name   string
	lower  string
	config WorkerUAConfig
}

// Matcher is an immutable, compiled view of the exported rules.
type Matcher struct {
	blockedIPs map[string]string
	blockedNet []*net.IPNet
	netReasons []string

	exactUA map[string]uaRule
	// substring rules, longest user agent first so the most specific wins
	uaRules []uaRule
	def     *uaRule
}

// NewMatcher compiles the enabled entries of cfg.
func NewMatcher(cfg *WorkerConfig) *Matcher {
	m := &Matcher{
		blockedIPs: make(map[string]string),
		exactUA:    make(map[string]uaRule),
	}

	for ip, entry := range cfg.IPBlacklist {
		if !entry.Enabled {
			continue
		}
		if _, cidr, err := net.ParseCIDR(ip); err == nil {
			m.blockedNet = append(m.blockedNet, cidr)
			m.netReasons = append(m.netReasons, entry.Reason)
			continue
		}
		m.blockedIPs[ip] = entry.Reason
	}

	for name, c := range cfg.UAConfigs {
		if !c.Enabled {
			continue
		}
		r := uaRule{name: name, lower: strings.ToLower(c.UserAgent), config: c}
		if name == DefaultName {
			rr := r
			m.def = &rr
			continue
		}
		m.exactUA[c.UserAgent] = r
		m.uaRules = append(m.uaRules, r)
	}
	sort.Slice(m.uaRules, func(i, j int) bool {
		if len(m.uaRules[i].lower) != len(m.uaRules[j].lower) {
			return len(m.uaRules[i].lower) > len(m.uaRules[j].lower)
		}
		return m.uaRules[i].name < m.uaRules[j].name
	})

	return m
}

// Evaluate applies the IP check, then the UA check.
func (m *Matcher) Evaluate(req Request) *Decision {
	d := &Decision{
		Reasons:     []string{},
		EvaluatedAt: time.Now().UTC(),
	}

	d.IPCheck = m.checkIP(req.IP)
	if !d.IPCheck.Passed {
		d.Reasons = append(d.Reasons, d.IPCheck.Reason)
	}

	rule, check := m.matchUA(req.UserAgent)
	d.UACheck = check
	if !check.Passed {
		d.Reasons = append(d.Reasons, check.Reason)
	}
	if rule != nil {
		d.UAConfig = rule.name
		d.HourlyLimit = rule.config.HourlyLimit
		if limit, ok := pathLimit(rule.config.PathSpecificLimits, req.Path); ok {
			d.PathLimit = &limit
		}
		if d.HourlyLimit == 0 {
			d.Reasons = append(d.Reasons, "hourly limit is zero")
		}
	}

	d.Allowed = len(d.Reasons) == 0
	return d
}

func (m *Matcher) checkIP(ip string) Check {
	result := Check{Passed: true}

	// Direct IP match
	if reason, ok := m.blockedIPs[ip]; ok {
		result.Passed = false
		result.Reason = "IP blacklisted"
		result.Details = reason
		return result
	}

	// CIDR match
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return result
	}
	if canonical := parsed.String(); canonical != ip {
		if reason, ok := m.blockedIPs[canonical]; ok {
			result.Passed = false
			result.Reason = "IP blacklisted"
			result.Details = reason
			return result
		}
	}
	for i, cidr := range m.blockedNet {
		if cidr.Contains(parsed) {
			result.Passed = false
			result.Reason = "IP in blacklisted range " + cidr.String()
			result.Details = m.netReasons[i]
			return result
		}
	}
	return result
}

func (m *Matcher) matchUA(ua string) (*uaRule, Check) {
	if ua == "" {
		if m.def != nil {
			return m.def, Check{Passed: true, Details: "empty User-Agent, default config"}
		}
		return nil, Check{Passed: false, Reason: "Empty User-Agent"}
	}

	if r, ok := m.exactUA[ua]; ok {
		return &r, Check{Passed: true, Details: "exact match"}
	}

	lower := strings.ToLower(ua)
	for i := range m.uaRules {
		if strings.Contains(lower, m.uaRules[i].lower) {
			return &m.uaRules[i], Check{Passed: true, Details: "substring match"}
		}
	}

	if m.def != nil {
		return m.def, Check{Passed: true, Details: "default config"}
	}
	return nil, Check{Passed: false, Reason: "No UA config matches"}
}

// pathLimit finds the limit for path: an exact key first, then the longest
// key that prefixes path.
func pathLimit(limits map[string]int, path string) (int, bool) {
	if path == "" || len(limits) == 0 {
		return 0, false
	}
	if v, ok := limits[path]; ok {
		return v, true
	}
	best, found, bestLen := 0, false, 0
	for prefix, v := range limits {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best, found, bestLen = v, true, len(prefix)
		}
	}
	return best, found
}
