package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a queued effect. It receives the job's payload JSON and
// returns an error if the effect should be retried.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs and dispatches them to handlers
// registered per kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	retryBase      time.Duration
	retryMax       time.Duration
	now            func() time.Time
}

// JobRunnerOption customizes a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithClaimLimit sets how many jobs one poll may claim.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithRetryBackoff sets the base and cap of the exponential retry delay.
func WithRetryBackoff(base, max time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		r.retryBase = base
		r.retryMax = max
	}
}

// WithJobClock replaces time.Now, for tests.
func WithJobClock(now func() time.Time) JobRunnerOption {
	return func(r *JobRunner) { r.now = now }
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     25,
		retryBase:      15 * time.Second,
		retryMax:       30 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Call once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(r.now().Add(-r.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting effect runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims and executes one batch of due jobs, returning how many ran.
func (r *JobRunner) Poll(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.Poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.Poll: executing job", "id", job.ID, "kind", job.Kind, "key", job.Key, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.Poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error(), now.Add(r.backoff(job.Attempt))); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.Poll: complete job error", "id", job.ID, "error", err)
		}
	}
	return len(jobs)
}

func (r *JobRunner) backoff(attempt int) time.Duration {
	d := r.retryBase << attempt
	if d <= 0 || d > r.retryMax {
		return r.retryMax
	}
	return d
}
