// Package metrics exposes Prometheus metrics for the data center.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/cache"
	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	namespace    = "datacenter"
	onlineWindow = 5 * time.Minute
)

type OverviewSource interface {
	Overview(ctx context.Context) (*stats.Overview, error)
}

type WorkerCounter interface {
	CountWorkers(ctx context.Context, onlineSince time.Time) (total, online int64, err error)
}

type CacheSource interface {
	Caches() []*cache.Cache
}

// Metrics owns a private registry. Gauges are refreshed from the store by
// Refresh; counters move as events arrive.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	overview OverviewSource
	workers  WorkerCounter
	started  time.Time

	workersTotal  prometheus.Gauge
	workersOnline prometheus.Gauge
	totalRequests prometheus.Gauge
	blockedReqs   prometheus.Gauge
	successRate   prometheus.Gauge
	uaConfigs     prometheus.Gauge
	uaEnabled     prometheus.Gauge
	blacklist     prometheus.Gauge
	violationIPs  prometheus.Gauge
	uptimeSeconds prometheus.Gauge
	workerPushes  *prometheus.CounterVec
	syncs         *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	refreshErrors prometheus.Counter
}

// New builds the registry. caches may be nil.
func New(overview OverviewSource, workers WorkerCounter, caches CacheSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	makeGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	m := &Metrics{
		registry:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		overview:      overview,
		workers:       workers,
		started:       time.Now(),
		workersTotal:  makeGauge("workers_total", "Workers known to the data center"),
		workersOnline: makeGauge("workers_online", "Workers that reported within the last five minutes"),
		totalRequests: makeGauge("requests_total", "Requests reported by all Workers"),
		blockedReqs:   makeGauge("requests_blocked", "Blocked requests reported by all Workers"),
		successRate:   makeGauge("success_rate_percent", "Share of successful requests"),
		uaConfigs:     makeGauge("ua_configs", "UA configs stored"),
		uaEnabled:     makeGauge("ua_configs_enabled", "Enabled UA configs"),
		blacklist:     makeGauge("ip_blacklist_entries", "IP blacklist entries"),
		violationIPs:  makeGauge("violation_ips", "IPs with recorded violations"),
		uptimeSeconds: makeGauge("uptime_seconds", "Process uptime in seconds"),
		workerPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_pushes_total", Help: "Payloads pushed by Workers",
		}, []string{"kind"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "syncs_total", Help: "Sync attempts by direction and outcome",
		}, []string{"direction", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_duration_seconds", Help: "Sync round-trip duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "refresh_errors_total", Help: "Failed gauge refreshes",
		}),
	}
	reg.MustRegister(m.workerPushes, m.syncs, m.syncDuration, m.refreshErrors)
	if caches != nil {
		reg.MustRegister(&cacheCollector{source: caches})
	}
	return m
}

func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Refresh reloads the store-backed gauges.
func (m *Metrics) Refresh(ctx context.Context) {
	m.uptimeSeconds.Set(time.Since(m.started).Seconds())

	if m.overview != nil {
		o, err := m.overview.Overview(ctx)
		if err != nil {
			m.refreshErrors.Inc()
			logrus.WithError(err).Warn("metrics refresh: overview")
		} else {
			m.totalRequests.Set(float64(o.TotalRequests))
			m.blockedReqs.Set(float64(o.BlockedRequests))
			m.successRate.Set(o.SuccessRate)
			m.uaConfigs.Set(float64(o.UAConfigs))
			m.uaEnabled.Set(float64(o.EnabledUAConfigs))
			m.blacklist.Set(float64(o.BlacklistCount))
			m.violationIPs.Set(float64(o.ViolationIPs))
		}
	}

	if m.workers != nil {
		total, online, err := m.workers.CountWorkers(ctx, time.Now().UTC().Add(-onlineWindow))
		if err != nil {
			m.refreshErrors.Inc()
			logrus.WithError(err).Warn("metrics refresh: workers")
			return
		}
		m.workersTotal.Set(float64(total))
		m.workersOnline.Set(float64(online))
	}
}

func (m *Metrics) SyncFinished(_ context.Context, l database.SyncLog) {
	m.syncs.WithLabelValues(l.Direction, l.Status).Inc()
	m.syncDuration.WithLabelValues(l.Direction).Observe(float64(l.Duration) / 1000)
}

func (m *Metrics) WorkerReported(_ context.Context, kind, _ string, _ int) {
	m.workerPushes.WithLabelValues(kind).Inc()
}

var (
	cacheHitsDesc = prometheus.NewDesc(namespace+"_cache_hits_total",
		"Cache lookups served from the cache", []string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc(namespace+"_cache_misses_total",
		"Cache lookups that went to the store", []string{"cache"}, nil)
)

// cacheCollector reads the hit/miss counters of every namespace at scrape
// time, so caches created after registration are included.
type cacheCollector struct {
	source CacheSource
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cc := range c.source.Caches() {
		hits, misses := cc.Stats()
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(hits), cc.Name())
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(misses), cc.Name())
	}
}
