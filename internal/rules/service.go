// Package rules manages the UA configs and IP blacklist that Workers enforce.
package rules

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultName is the fallback UA config; it cannot be deleted.
	DefaultName = "default"

	DefaultHourlyLimit = 100
	Unlimited          = -1

	defaultReason = "Manual blacklist"
)

// ChangeNotifier is told after every successful rule mutation.
type ChangeNotifier interface {
	RulesChanged(ctx context.Context, kind, key string)
}

// Notifiers fans a change out to each notifier in order.
type Notifiers []ChangeNotifier

func (ns Notifiers) RulesChanged(ctx context.Context, kind, key string) {
	for _, n := range ns {
		if n != nil {
			n.RulesChanged(ctx, kind, key)
		}
	}
}

// Service is the CRUD layer over UA configs and the IP blacklist
type Service struct {
	db       *database.DB
	notifier ChangeNotifier

	mu      sync.Mutex
	matcher *Matcher
	gen     uint64
}

func NewService(db *database.DB, notifier ChangeNotifier) *Service {
	return &Service{db: db, notifier: notifier}
}

// SetNotifier replaces the change notifier.
func (s *Service) SetNotifier(n ChangeNotifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *Service) changed(ctx context.Context, kind, key string) {
	s.mu.Lock()
	s.matcher = nil
	s.gen++
	n := s.notifier
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"kind": kind, "key": key}).Info("rules changed")
	if n != nil {
		n.RulesChanged(ctx, kind, key)
	}
}

// =====================
// UA Configs
// =====================

// UAConfigInput is the payload for creating a UA config.
type UAConfigInput struct {
	Name        string         `json:"name"`
	UserAgent   string         `json:"user_agent"`
	HourlyLimit *int           `json:"hourly_limit"`
	Enabled     *bool          `json:"enabled"`
	PathLimits  map[string]int `json:"path_limits"`
	Description string         `json:"description"`
}

// UAConfigPatch carries the fields to change; nil fields are left alone.
type UAConfigPatch struct {
	UserAgent   *string        `json:"user_agent"`
	HourlyLimit *int           `json:"hourly_limit"`
	Enabled     *bool          `json:"enabled"`
	PathLimits  map[string]int `json:"path_limits"`
	Description *string        `json:"description"`
}

func validLimit(n int) bool { return n >= Unlimited }

func validatePathLimits(op string, limits map[string]int) error {
	for path, limit := range limits {
		if strings.TrimSpace(path) == "" {
			return apperr.Invalid(op, "path limit needs a path")
		}
		if !validLimit(limit) {
			return apperr.Invalid(op, "path limit for "+path+" must be -1 or greater")
		}
	}
	return nil
}

func (s *Service) ListUAConfigs(ctx context.Context) ([]database.UAConfig, error) {
	configs, err := s.db.ListUAConfigs(ctx, false)
	if err != nil {
		return nil, apperr.Store("rules.ListUAConfigs", err)
	}
	return configs, nil
}

func (s *Service) GetUAConfig(ctx context.Context, name string) (*database.UAConfig, error) {
	const op = "rules.GetUAConfig"
	c, err := s.db.GetUAConfig(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Missing(op, "UA config "+name+" not found")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	return c, nil
}

// CreateUAConfig adds a config. A taken name is a Conflict and nothing is written.
func (s *Service) CreateUAConfig(ctx context.Context, in UAConfigInput) (*database.UAConfig, error) {
	const op = "rules.CreateUAConfig"

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalid(op, "name is required")
	}
	if strings.TrimSpace(in.UserAgent) == "" {
		return nil, apperr.Invalid(op, "user_agent is required")
	}
	c := &database.UAConfig{
		Name:        name,
		UserAgent:   in.UserAgent,
		HourlyLimit: DefaultHourlyLimit,
		Enabled:     true,
		PathLimits:  in.PathLimits,
		Description: in.Description,
	}
	if in.HourlyLimit != nil {
		c.HourlyLimit = *in.HourlyLimit
	}
	if in.Enabled != nil {
		c.Enabled = *in.Enabled
	}
	if c.PathLimits == nil {
		c.PathLimits = map[string]int{}
	}
	if !validLimit(c.HourlyLimit) {
		return nil, apperr.Invalid(op, "hourly_limit must be -1 or greater")
	}
	if err := validatePathLimits(op, c.PathLimits); err != nil {
		return nil, err
	}

	err := s.db.CreateUAConfig(ctx, c)
	if errors.Is(err, database.ErrDuplicate) {
		return nil, apperr.Exists(op, "UA config "+name+" already exists")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	s.changed(ctx, "ua_config", name)
	return c, nil
}

func (s *Service) UpdateUAConfig(ctx context.Context, name string, patch UAConfigPatch) (*database.UAConfig, error) {
	const op = "rules.UpdateUAConfig"

	c, err := s.GetUAConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	if patch.UserAgent != nil {
		if strings.TrimSpace(*patch.UserAgent) == "" {
			return nil, apperr.Invalid(op, "user_agent cannot be empty")
		}
		c.UserAgent = *patch.UserAgent
	}
	if patch.HourlyLimit != nil {
		if !validLimit(*patch.HourlyLimit) {
			return nil, apperr.Invalid(op, "hourly_limit must be -1 or greater")
		}
		c.HourlyLimit = *patch.HourlyLimit
	}
	if patch.Enabled != nil {
		c.Enabled = *patch.Enabled
	}
	if patch.PathLimits != nil {
		if err := validatePathLimits(op, patch.PathLimits); err != nil {
			return nil, err
		}
		c.PathLimits = patch.PathLimits
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}

	if err := s.db.UpdateUAConfig(ctx, c); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.Missing(op, "UA config "+name+" not found")
		}
		return nil, apperr.Store(op, err)
	}

	s.changed(ctx, "ua_config", name)
	return c, nil
}

// ToggleUAConfig flips the enabled flag and returns the new state.
func (s *Service) ToggleUAConfig(ctx context.Context, name string) (*database.UAConfig, error) {
	c, err := s.GetUAConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	enabled := !c.Enabled
	return s.UpdateUAConfig(ctx, name, UAConfigPatch{Enabled: &enabled})
}

func (s *Service) DeleteUAConfig(ctx context.Context, name string) error {
	const op = "rules.DeleteUAConfig"
	if name == DefaultName {
		return apperr.Invalid(op, "the default UA config cannot be deleted")
	}
	err := s.db.DeleteUAConfig(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Missing(op, "UA config "+name+" not found")
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	s.changed(ctx, "ua_config", name)
	return nil
}

// =====================
// IP Blacklist
// =====================

// NormalizeIP validates an IP address or CIDR block and returns its
// canonical text form.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if ip := net.ParseIP(raw); ip != nil {
		return ip.String(), true
	}
	if _, cidr, err := net.ParseCIDR(raw); err == nil {
		return cidr.String(), true
	}
	return "", false
}

func (s *Service) ListIPBlacklist(ctx context.Context) ([]database.IPBlacklistEntry, error) {
	entries, err := s.db.ListIPBlacklist(ctx, false)
	if err != nil {
		return nil, apperr.Store("rules.ListIPBlacklist", err)
	}
	return entries, nil
}

// AddIPToBlacklist is idempotent: an already listed IP is returned as is and
// created reports false.
func (s *Service) AddIPToBlacklist(ctx context.Context, rawIP, reason string) (entry *database.IPBlacklistEntry, created bool, err error) {
	const op = "rules.AddIPToBlacklist"

	ip, ok := NormalizeIP(rawIP)
	if !ok {
		return nil, false, apperr.Invalid(op, "invalid IP address or CIDR: "+rawIP)
	}

	existing, err := s.db.GetIPEntry(ctx, ip)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, apperr.Store(op, err)
	}

	if strings.TrimSpace(reason) == "" {
		reason = defaultReason
	}
	e := &database.IPBlacklistEntry{IPAddress: ip, Reason: reason, Enabled: true}
	err = s.db.CreateIPEntry(ctx, e)
	if errors.Is(err, database.ErrDuplicate) {
		// lost a race with a concurrent add
		existing, err := s.db.GetIPEntry(ctx, ip)
		if err != nil {
			return nil, false, apperr.Store(op, err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperr.Store(op, err)
	}

	s.changed(ctx, "ip_blacklist", ip)
	return e, true, nil
}

func (s *Service) RemoveIPFromBlacklist(ctx context.Context, rawIP string) error {
	const op = "rules.RemoveIPFromBlacklist"
	ip, ok := NormalizeIP(rawIP)
	if !ok {
		ip = strings.TrimSpace(rawIP)
	}
	err := s.db.DeleteIPEntry(ctx, ip)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.Missing(op, "IP "+ip+" is not blacklisted")
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	s.changed(ctx, "ip_blacklist", ip)
	return nil
}

// ToggleIP flips the enabled flag of a blacklist entry.
func (s *Service) ToggleIP(ctx context.Context, rawIP string) (*database.IPBlacklistEntry, error) {
	const op = "rules.ToggleIP"
	ip, ok := NormalizeIP(rawIP)
	if !ok {
		return nil, apperr.Invalid(op, "invalid IP address or CIDR: "+rawIP)
	}
	e, err := s.db.GetIPEntry(ctx, ip)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Missing(op, "IP "+ip+" is not blacklisted")
	}
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	e.Enabled = !e.Enabled
	if err := s.db.UpdateIPEntry(ctx, e); err != nil {
		return nil, apperr.Store(op, err)
	}
	s.changed(ctx, "ip_blacklist", ip)
	return e, nil
}

// =====================
// Worker export
// =====================

// WorkerUAConfig is the per-name entry Workers parse.
type WorkerUAConfig struct {
	UserAgent          string         `json:"userAgent"`
	HourlyLimit        int            `json:"hourlyLimit"`
	Enabled            bool           `json:"enabled"`
	PathSpecificLimits map[string]int `json:"pathSpecificLimits"`
}

// WorkerIPEntry is the per-IP entry Workers parse.
type WorkerIPEntry struct {
	Reason  string `json:"reason"`
	Enabled bool   `json:"enabled"`
}

// WorkerConfig is the merged config blob served to and pushed at Workers.
type WorkerConfig struct {
	UAConfigs   map[string]WorkerUAConfig `json:"ua_configs"`
	IPBlacklist map[string]WorkerIPEntry  `json:"ip_blacklist"`
	UpdatedAt   string                    `json:"updated_at"`
}

// Records is the number of rules in the blob.
func (w *WorkerConfig) Records() int {
	return len(w.UAConfigs) + len(w.IPBlacklist)
}

// ExportForWorker builds the blob from enabled rules only.
func (s *Service) ExportForWorker(ctx context.Context) (*WorkerConfig, error) {
	const op = "rules.ExportForWorker"

	configs, err := s.db.ListUAConfigs(ctx, true)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	entries, err := s.db.ListIPBlacklist(ctx, true)
	if err != nil {
		return nil, apperr.Store(op, err)
	}

	out := &WorkerConfig{
		UAConfigs:   make(map[string]WorkerUAConfig, len(configs)),
		IPBlacklist: make(map[string]WorkerIPEntry, len(entries)),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, c := range configs {
		limits := c.PathLimits
		if limits == nil {
			limits = map[string]int{}
		}
		out.UAConfigs[c.Name] = WorkerUAConfig{
			UserAgent:          c.UserAgent,
			HourlyLimit:        c.HourlyLimit,
			Enabled:            c.Enabled,
			PathSpecificLimits: limits,
		}
	}
	for _, e := range entries {
		reason := e.Reason
		if reason == "" {
			reason = defaultReason
		}
		out.IPBlacklist[e.IPAddress] = WorkerIPEntry{Reason: reason, Enabled: e.Enabled}
	}
	return out, nil
}

// Counts returns total and enabled UA configs plus enabled blacklist entries.
func (s *Service) Counts(ctx context.Context) (uaTotal, uaEnabled, blacklisted int64, err error) {
	uaTotal, uaEnabled, err = s.db.CountUAConfigs(ctx)
	if err != nil {
		return 0, 0, 0, apperr.Store("rules.Counts", err)
	}
	blacklisted, err = s.db.CountBlacklist(ctx)
	if err != nil {
		return 0, 0, 0, apperr.Store("rules.Counts", err)
	}
	return uaTotal, uaEnabled, blacklisted, nil
}

// Matcher returns a compiled snapshot of the enabled rules, rebuilt after
// any change.
func (s *Service) Matcher(ctx context.Context) (*Matcher, error) {
	s.mu.Lock()
	m, gen := s.matcher, s.gen
	s.mu.Unlock()
	if m != nil {
		return m, nil
	}

	cfg, err := s.ExportForWorker(ctx)
	if err != nil {
		return nil, err
	}
	m = NewMatcher(cfg)

	// a change during the export makes this snapshot stale
	s.mu.Lock()
	if s.gen == gen {
		s.matcher = m
	}
	s.mu.Unlock()
	return m, nil
}
