package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/settle/pkg/async"
	"github.com/platinummonkey/settle/pkg/observability"
)

// ErrUnknownJob is returned for a job name that was never added.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Job is a periodic task. Ticks of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single tick; zero means no deadline.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type entry struct {
	job Job
	id  cron.EntryID
	// run serializes scheduled and on-demand ticks.
	run sync.Mutex
}

// Scheduler runs jobs on fixed intervals with robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Add registers job. Intervals under one second are rounded up by cron.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and run func are required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	e := &entry{job: job}
	if err := s.schedule(e); err != nil {
		return err
	}
	s.entries[job.Name] = e
	return nil
}

// Reschedule changes the interval of a registered job. A tick in flight finishes.
func (s *Scheduler) Reschedule(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.job.Interval == interval {
		return nil
	}

	s.cron.Remove(e.id)
	e.job.Interval = interval
	if err := s.schedule(e); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"job":      name,
		"interval": interval.String(),
	}).Info("job_rescheduled")
	return nil
}

// RunNow runs one tick of name synchronously, waiting for a scheduled tick in
// flight to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.tick(ctx, e)
}

// Jobs returns the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job)
	}
	return out
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.Jobs())).Info("scheduler_started")
}

// Stop cancels running ticks and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule must be called with s.mu held.
func (s *Scheduler) schedule(e *entry) error {
	id, err := s.cron.AddFunc("@every "+e.job.Interval.String(), func() {
		if err := s.tick(s.ctx, e); err != nil && s.ctx.Err() == nil {
			s.logger.WithError(err).WithField("job", e.job.Name).Error("job_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", e.job.Name, err)
	}
	e.id = id
	return nil
}

func (s *Scheduler) tick(ctx context.Context, e *entry) error {
	e.run.Lock()
	defer e.run.Unlock()
	return async.Call(ctx, e.job.Timeout, "job "+e.job.Name, e.job.Run)
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron_" + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron_" + msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
