// Package scheduler runs the periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/config"
	"github.com/nexus-cloaker/datacenter/internal/integrations"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	SourceScheduler = "scheduler"

	jobTimeout = 10 * time.Minute
)

// Job outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeMissed  = "missed"
)

// Job is one scheduled task. Run returns a short summary on success.
type Job struct {
	Name        string
	Description string
	Spec        string
	// Category of the SystemLog written after each run
	Category string
	// Quiet jobs only log failures
	Quiet bool
	Run   func(ctx context.Context) (string, map[string]interface{}, error)
}

// Recorder persists job outcomes as system logs.
type Recorder interface {
	RecordSystemLog(ctx context.Context, level, message string, details map[string]interface{}, category, source string) error
}

type jobState struct {
	job Job
	id  cron.EntryID

	lastStatus   string
	lastError    string
	lastRun      time.Time
	lastDuration time.Duration
	runs         int64
	failures     int64
	missed       int64
}

// Scheduler wraps a cron runner with misfire handling and per-job status.
type Scheduler struct {
	cron     *cron.Cron
	grace    time.Duration
	recorder Recorder
	alerts   Alerter
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    []*jobState
	running bool
}

func New(cfg config.SchedulerConfig, loc *time.Location, recorder Recorder) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cron.PrintfLogger(logrus.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		grace:    cfg.MisfireGrace,
		recorder: recorder,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetAlerter makes failed runs raise a job_failed alert.
func (s *Scheduler) SetAlerter(a Alerter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = a
}

// Add registers a job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	st := &jobState{job: job}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.job.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.fire(st) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	st.id = id
	s.jobs = append(s.jobs, st)
	return nil
}

// fire runs a scheduled invocation unless it started later than the
// misfire grace after its scheduled time.
func (s *Scheduler) fire(st *jobState) {
	s.mu.Lock()
	id := st.id
	s.mu.Unlock()

	if s.grace > 0 {
		if scheduled := s.cron.Entry(id).Prev; !scheduled.IsZero() {
			if late := s.now().Sub(scheduled); late > s.grace {
				s.mu.Lock()
				st.missed++
				st.lastStatus = OutcomeMissed
				s.mu.Unlock()
				logrus.WithFields(logrus.Fields{"job": st.job.Name, "late": late}).Warn("job misfired, skipping run")
				return
			}
		}
	}
	s.execute(s.ctx, st)
}

func (s *Scheduler) execute(parent context.Context, st *jobState) error {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	entry := logrus.WithField("job", st.job.Name)
	entry.Debug("job started")
	start := s.now()
	msg, details, err := st.job.Run(ctx)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	alerts := s.alerts
	st.runs++
	st.lastRun = start
	st.lastDuration = elapsed
	if err != nil {
		st.failures++
		st.lastStatus = OutcomeFailed
		st.lastError = err.Error()
	} else {
		st.lastStatus = OutcomeSuccess
		st.lastError = ""
	}
	s.mu.Unlock()

	category := st.job.Category
	if category == "" {
		category = "maintenance"
	}
	if err != nil {
		entry.WithError(err).Error("job failed")
		s.record(ctx, "ERROR", fmt.Sprintf("%s failed: %v", st.job.Name, err), details, category)
		if alerts != nil {
			alerts.Notify(ctx, integrations.Alert{
				Event:   integrations.EventJobFailed,
				Level:   "error",
				Title:   "Scheduled job failed",
				Message: fmt.Sprintf("%s: %v", st.job.Name, err),
				Fields:  map[string]interface{}{"job": st.job.Name, "duration_ms": elapsed.Milliseconds()},
			})
		}
		return err
	}

	entry.WithField("duration", elapsed).Debug("job finished")
	if !st.job.Quiet && msg != "" {
		s.record(ctx, "INFO", msg, details, category)
	}
	return nil
}

func (s *Scheduler) record(ctx context.Context, level, msg string, details map[string]interface{}, category string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordSystemLog(ctx, level, msg, details, category, SourceScheduler); err != nil {
		logrus.WithError(err).Warn("could not record job outcome")
	}
}

// RunNow runs a job immediately, outside its schedule. An unknown name is a
// NotFound error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var st *jobState
	for _, j := range s.jobs {
		if j.job.Name == name {
			st = j
		}
	}
	s.mu.Unlock()
	if st == nil {
		return apperr.Missing("scheduler.RunNow", "job "+name+" not found")
	}
	return s.execute(ctx, st)
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	logrus.WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop stops scheduling and waits for running jobs until ctx is done, at
// which point their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		logrus.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// JobStatus is the observable state of one job.
type JobStatus struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Schedule     string     `json:"schedule"`
	NextRun      *time.Time `json:"next_run"`
	PrevRun      *time.Time `json:"prev_run"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastDuration int64      `json:"last_duration_ms"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	Missed       int64      `json:"missed"`
}

// Status reports whether the scheduler runs and the state of each job.
type Status struct {
	Running   bool        `json:"scheduler_running"`
	Jobs      []JobStatus `json:"jobs"`
	TotalJobs int         `json:"total_jobs"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{Running: s.running, Jobs: make([]JobStatus, 0, len(s.jobs)), TotalJobs: len(s.jobs)}
	for _, st := range s.jobs {
		e := s.cron.Entry(st.id)
		prev := e.Prev
		if prev.IsZero() {
			prev = st.lastRun
		}
		out.Jobs = append(out.Jobs, JobStatus{
			Name:         st.job.Name,
			Description:  st.job.Description,
			Schedule:     st.job.Spec,
			NextRun:      timePtr(e.Next),
			PrevRun:      timePtr(prev),
			LastStatus:   st.lastStatus,
			LastError:    st.lastError,
			LastDuration: st.lastDuration.Milliseconds(),
			Runs:         st.runs,
			Failures:     st.failures,
			Missed:       st.missed,
		})
	}
	return out
}
