// Package scheduler runs FlowPipe's periodic maintenance jobs.
//
// Jobs are registered with cron expressions (five fields or descriptors such
// as "@every 1m") and receive the scheduler's context, which is cancelled on
// Stop. A job never overlaps with its own previous run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules for the built-in sweeps.
const (
	DefaultSyncSweepSpec    = "@every 1m"
	DefaultSessionSweepSpec = "@every 5m"
)

// Task is a scheduled unit of work.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewScheduler creates a scheduler. Call Start to begin running jobs.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.jobs[name] = id
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", spec)
	return nil
}

// Remove unschedules the named job.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Next returns the next run time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs' context and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// slogPrintf routes cron's internal logging through slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf("cron: "+format, args...))
}
