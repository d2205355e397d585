package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/integrations"
	"github.com/nexus-cloaker/datacenter/internal/stats"
	"github.com/nexus-cloaker/datacenter/internal/workersync"
	"github.com/sirupsen/logrus"
)

// errorRateThreshold is the 24h error log share above which health warns.
const errorRateThreshold = 5.0

type Pinger interface {
	Ping(ctx context.Context) error
}

type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

type ConfigPusher interface {
	PushCurrent(ctx context.Context) (*workersync.BatchResult, error)
}

type Backupper interface {
	BackupToDir(ctx context.Context, dir string, keep int) (string, error)
}

type Alerter interface {
	Notify(ctx context.Context, a integrations.Alert)
}

type Refresher interface {
	Refresh(ctx context.Context)
}

// Deps are the services the standard jobs drive. Nil optional services
// drop their jobs.
type Deps struct {
	DB       Pinger
	Stats    *stats.Service
	Sessions SessionPurger
	Sync     ConfigPusher
	Backups  Backupper
	Alerts   Alerter
	Metrics  Refresher

	RetentionDays     int
	SyncIntervalHours int
	Backup            config.BackupConfig
}

// toDetails flattens a view struct into log details.
func toDetails(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return out
}

func merge(maps ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// StandardJobs builds the maintenance job set.
func StandardJobs(d Deps) []Job {
	interval := d.SyncIntervalHours
	if interval <= 0 {
		interval = 1
	}

	jobs := []Job{
		{
			Name:        "cleanup_old_data",
			Description: "Delete statistics and logs past retention",
			Spec:        "0 2 * * *",
			Category:    "maintenance",
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				deleted, err := d.Stats.CleanupOldData(ctx, d.RetentionDays)
				if err != nil {
					return "", nil, err
				}
				details := map[string]interface{}{"retention_days": d.RetentionDays}
				for table, n := range deleted {
					details[table] = n
				}
				if d.Sessions != nil {
					if n, err := d.Sessions.PurgeExpiredSessions(ctx); err == nil {
						details["login_sessions"] = n
					} else {
						logrus.WithError(err).Warn("session purge failed")
					}
				}
				return "scheduled cleanup finished", details, nil
			},
		},
		{
			Name:        "health_check",
			Description: "Check database health and the 24h error rate",
			Spec:        "@every 5m",
			Category:    "health",
			Quiet:       true,
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				return "", nil, healthCheck(ctx, d)
			},
		},
		{
			Name:        "aggregate_stats",
			Description: "Record the hourly statistics overview",
			Spec:        "5 * * * *",
			Category:    "stats",
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				overview, err := d.Stats.Overview(ctx)
				if err != nil {
					return "", nil, err
				}
				return "statistics aggregated", toDetails(overview), nil
			},
		},
		{
			Name:        "record_system_status",
			Description: "Record system status",
			Spec:        "@every 10m",
			Category:    "status",
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				overview, err := d.Stats.Overview(ctx)
				if err != nil {
					return "", nil, err
				}
				perf, err := d.Stats.PerformanceMetrics(ctx)
				if err != nil {
					return "", nil, err
				}
				return "system status recorded", merge(toDetails(overview), toDetails(perf)), nil
			},
		},
	}

	if d.Sync != nil {
		jobs = append(jobs, Job{
			Name:        "sync_config_to_workers",
			Description: "Push the current config to every Worker",
			Spec:        fmt.Sprintf("@every %dh", interval),
			Category:    "sync",
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				res, err := d.Sync.PushCurrent(ctx)
				if err != nil {
					return "", nil, err
				}
				if res.Total == 0 {
					return "", nil, nil
				}
				details := map[string]interface{}{"success_count": res.SuccessCount, "total_workers": res.Total}
				return fmt.Sprintf("config sync finished: %d/%d succeeded", res.SuccessCount, res.Total), details, nil
			},
		})
	}

	if d.Backups != nil && d.Backup.Enabled {
		jobs = append(jobs, Job{
			Name:        "backup_config",
			Description: "Write a compressed rules backup",
			Spec:        "30 2 * * *",
			Category:    "maintenance",
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				path, err := d.Backups.BackupToDir(ctx, d.Backup.Dir, d.Backup.Keep)
				if err != nil {
					return "", nil, err
				}
				return "config backup written", map[string]interface{}{"path": path}, nil
			},
		})
	}

	if d.Metrics != nil {
		jobs = append(jobs, Job{
			Name:        "refresh_metrics",
			Description: "Refresh exported gauges",
			Spec:        "@every 1m",
			Quiet:       true,
			Run: func(ctx context.Context) (string, map[string]interface{}, error) {
				d.Metrics.Refresh(ctx)
				return "", nil, nil
			},
		})
	}
	return jobs
}

// healthCheck warns when the database is unreachable or the error rate of
// the last day exceeds the threshold.
func healthCheck(ctx context.Context, d Deps) error {
	return healthCheckWith(ctx, d, d.Stats, map[string]interface{}{})
}

func healthCheckWith(ctx context.Context, d Deps, rec Recorder, status map[string]interface{}) error {
	status["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	if d.DB != nil {
		if err := d.DB.Ping(ctx); err != nil {
			status["database"] = "unhealthy"
			status["database_error"] = err.Error()
			warn(ctx, d.Alerts, rec, "database connection unhealthy", status)
			return nil
		}
	}
	status["database"] = "healthy"

	rate, err := d.Stats.ErrorRate24h(ctx)
	if err != nil {
		return err
	}
	status["error_rate_24h"] = rate
	if rate > errorRateThreshold {
		warn(ctx, d.Alerts, rec, fmt.Sprintf("error rate too high: %.2f%%", rate), status)
	}
	return nil
}

func warn(ctx context.Context, alerts Alerter, rec Recorder, msg string, details map[string]interface{}) {
	logrus.WithFields(logrus.Fields(details)).Warn(msg)
	if rec != nil {
		if err := rec.RecordSystemLog(ctx, "WARN", msg, details, "health", SourceScheduler); err != nil {
			logrus.WithError(err).Debug("could not record health warning")
		}
	}
	if alerts != nil {
		alerts.Notify(ctx, integrations.Alert{
			Event:   integrations.EventHealthWarning,
			Level:   "warning",
			Title:   "Data center health warning",
			Message: msg,
			Fields:  details,
		})
	}
}

// Register adds every job to s.
func Register(s *Scheduler, jobs []Job) error {
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
