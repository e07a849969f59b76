package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Outcome is the result of one AttemptSync evaluation.
type Outcome string

const (
	OutcomeSynced         Outcome = "synced"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedBackoff Outcome = "skipped_backoff"
	OutcomeRefusedFailed  Outcome = "refused_failed"
	OutcomeAlreadySynced  Outcome = "already_synced"
	OutcomeInFlight       Outcome = "in_flight"
	// OutcomeSuperseded means the payload was replaced while its push was in
	// flight; the record stays armed and is kicked again.
	OutcomeSuperseded Outcome = "superseded"
)

const (
	// DefaultSweepLimit bounds the records evaluated per sweep.
	DefaultSweepLimit = 200
	// DefaultKickBuffer is the capacity of the immediate-attempt queue.
	DefaultKickBuffer = 256

	maxSaveRetries = 3
)

// ErrNoPusher is returned when no pusher is registered for a record class.
var ErrNoPusher = errors.New("no pusher registered for class")

// Pusher transmits one record to its remote system and returns the remote id.
type Pusher interface {
	Push(ctx context.Context, rec models.SyncRecord) (string, error)
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, rec models.SyncRecord) (string, error)

// Push calls f.
func (f PusherFunc) Push(ctx context.Context, rec models.SyncRecord) (string, error) {
	return f(ctx, rec)
}

// Opts holds engine configuration.
type Opts struct {
	Policy     Policy
	Now        func() time.Time
	SweepLimit int
	KickBuffer int
}

// Option configures an Engine.
type Option func(*Opts)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithClock overrides time.Now (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithSweepLimit bounds the batch evaluated by Sweep.
func WithSweepLimit(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.SweepLimit = n
		}
	}
}

// WithKickBuffer sets the immediate-attempt queue capacity.
func WithKickBuffer(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.KickBuffer = n
		}
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Evaluated int
	Outcomes  map[Outcome]int
	Errors    int
}

// Engine evaluates sync records against the policy and calls class pushers.
type Engine struct {
	repo       store.SyncRepo
	policy     Policy
	now        func() time.Time
	sweepLimit int

	mu       sync.RWMutex
	pushers  map[models.SyncClass]Pusher
	inflight sync.Map
	kicks    chan string
}

// NewEngine creates an engine over repo.
func NewEngine(repo store.SyncRepo, opts ...Option) *Engine {
	cfg := Opts{
		Policy:     DefaultPolicy(),
		Now:        time.Now,
		SweepLimit: DefaultSweepLimit,
		KickBuffer: DefaultKickBuffer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		repo:       repo,
		policy:     cfg.Policy.normalized(),
		now:        cfg.Now,
		sweepLimit: cfg.SweepLimit,
		pushers:    make(map[models.SyncClass]Pusher),
		kicks:      make(chan string, cfg.KickBuffer),
	}
}

// Policy returns the effective retry policy.
func (e *Engine) Policy() Policy { return e.policy }

// RegisterPusher installs the pusher for a record class.
func (e *Engine) RegisterPusher(class models.SyncClass, p Pusher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushers[class] = p
	slog.Debug("Engine.RegisterPusher", "class", class)
}

func (e *Engine) pusher(class models.SyncClass) (Pusher, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pushers[class]
	return p, ok
}

// Kick queues an immediate attempt. When the queue is full the record is
// left for the next sweep.
func (e *Engine) Kick(recordID string) {
	select {
	case e.kicks <- recordID:
	default:
		slog.Warn("Engine.Kick: queue full, deferring to sweep", "recordID", recordID)
	}
}

// Run consumes kicks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine.Run: sync kick worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run: sync kick worker stopped")
			return
		case id := <-e.kicks:
			if _, err := e.AttemptSync(ctx, id); errors.Is(err, ErrNoPusher) {
				slog.Debug("Engine.Run: no pusher, leaving record pending", "recordID", id, "error", err)
			} else if err != nil {
				slog.Error("Engine.Run: attempt failed", "recordID", id, "error", err)
			}
		}
	}
}

// AttemptSync evaluates one record now.
func (e *Engine) AttemptSync(ctx context.Context, recordID string) (Outcome, error) {
	return e.attempt(ctx, recordID, e.now())
}

func (e *Engine) attempt(ctx context.Context, recordID string, now time.Time) (Outcome, error) {
	if _, busy := e.inflight.LoadOrStore(recordID, struct{}{}); busy {
		slog.Debug("Engine.AttemptSync: attempt already in flight", "recordID", recordID)
		return OutcomeInFlight, nil
	}
	outcome, err := e.evaluate(ctx, recordID, now)
	e.inflight.Delete(recordID)
	if outcome == OutcomeSuperseded {
		// The kick that re-armed the record was refused as in flight.
		e.Kick(recordID)
	}
	return outcome, err
}

func (e *Engine) evaluate(ctx context.Context, recordID string, now time.Time) (Outcome, error) {
	rec, err := e.repo.GetSyncRecord(recordID)
	if err != nil {
		return "", fmt.Errorf("load sync record: %w", err)
	}

	switch rec.Status {
	case models.SyncSynced:
		return OutcomeAlreadySynced, nil
	case models.SyncFailed:
		slog.Info("Engine.AttemptSync: refusing failed record", "recordID", recordID, "attempts", rec.AttemptCount)
		return OutcomeRefusedFailed, nil
	}

	if next := e.policy.NextEligibleAt(*rec); now.Before(next) {
		slog.Debug("Engine.AttemptSync: backoff not elapsed", "recordID", recordID, "nextEligibleAt", next)
		return OutcomeSkippedBackoff, nil
	}

	p, ok := e.pusher(rec.Class)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoPusher, rec.Class)
	}

	pushed := rec.PayloadJSON
	externalID, pushErr := p.Push(ctx, *rec)

	var outcome Outcome
	var attemptNo int
	for tries := 0; ; tries++ {
		attemptNo = rec.AttemptCount + 1
		outcome = e.applyResult(rec, externalID, pushErr, now)
		err := e.repo.SaveSyncRecord(*rec)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrRevisionConflict) || tries >= maxSaveRetries {
			return "", fmt.Errorf("save sync record: %w", err)
		}
		fresh, err := e.repo.GetSyncRecord(recordID)
		if err != nil {
			return "", fmt.Errorf("reload sync record: %w", err)
		}
		if fresh.PayloadJSON != pushed {
			slog.Info("Engine.AttemptSync: payload changed during push, re-arming", "recordID", recordID, "status", fresh.Status)
			e.appendAttempt(models.SyncAttempt{RecordID: recordID, Attempt: attemptNo, At: now, Success: pushErr == nil, Error: errText(pushErr)})
			return OutcomeSuperseded, nil
		}
		rec = fresh
	}
	e.appendAttempt(models.SyncAttempt{RecordID: rec.ID, Attempt: attemptNo, At: now, Success: pushErr == nil, Error: rec.LastError})

	switch outcome {
	case OutcomeSynced:
		slog.Info("Engine.AttemptSync: synced", "recordID", rec.ID, "class", rec.Class, "externalID", externalID)
	case OutcomeFailed:
		slog.Error("Engine.AttemptSync: record failed permanently", "recordID", rec.ID, "attempts", attemptNo, "error", pushErr)
	default:
		slog.Warn("Engine.AttemptSync: retry scheduled", "recordID", rec.ID, "attempts", attemptNo,
			"nextEligibleAt", now.Add(e.policy.Delay(rec.AttemptCount)), "error", pushErr)
	}
	return outcome, nil
}

// applyResult folds one push result into rec.
func (e *Engine) applyResult(rec *models.SyncRecord, externalID string, pushErr error, now time.Time) Outcome {
	rec.AttemptCount++
	at := now
	rec.LastAttemptAt = &at
	if pushErr == nil {
		rec.Status = models.SyncSynced
		rec.ExternalID = externalID
		rec.LastSuccessAt = &at
		rec.LastError = ""
		rec.AttemptCount = 0
		if rec.Class == models.SyncClassMessage {
			rec.DeliveryStatus = models.DeliverySent
		}
		return OutcomeSynced
	}
	rec.LastError = pushErr.Error()
	if e.policy.Exhausted(rec.AttemptCount) {
		rec.Status = models.SyncFailed
		return OutcomeFailed
	}
	rec.Status = models.SyncRetryPending
	return OutcomeRetryScheduled
}

func (e *Engine) appendAttempt(a models.SyncAttempt) {
	if err := e.repo.AddSyncAttempt(a); err != nil {
		slog.Error("Engine.AttemptSync: failed to append attempt history", "recordID", a.RecordID, "error", err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// update applies fn to a fresh copy of the record, retrying when a
// concurrent writer saved first.
func (e *Engine) update(recordID string, fn func(rec *models.SyncRecord) bool) (*models.SyncRecord, error) {
	for tries := 0; ; tries++ {
		rec, err := e.repo.GetSyncRecord(recordID)
		if err != nil {
			return nil, err
		}
		if !fn(rec) {
			return rec, nil
		}
		err = e.repo.SaveSyncRecord(*rec)
		if err == nil {
			rec.Revision++
			return rec, nil
		}
		if !errors.Is(err, store.ErrRevisionConflict) || tries >= maxSaveRetries {
			return nil, fmt.Errorf("save sync record: %w", err)
		}
	}
}

// Sweep evaluates pending records (not_synced and retry_pending) as of now.
// Only classes with a registered pusher are swept; pending records of other
// classes wait until one is registered.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Outcomes: make(map[Outcome]int)}
	budget := e.sweepLimit
	for _, class := range e.classes() {
		if budget <= 0 {
			break
		}
		recs, err := e.repo.ListSyncRecords(store.SyncFilter{
			Class:    class,
			Statuses: []models.SyncStatus{models.SyncNotSynced, models.SyncRetryPending},
			Limit:    budget,
		})
		if err != nil {
			return report, fmt.Errorf("list pending %s sync records: %w", class, err)
		}
		budget -= len(recs)
		for _, rec := range recs {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Evaluated++
			outcome, err := e.attempt(ctx, rec.ID, now)
			if err != nil {
				report.Errors++
				slog.Error("Engine.Sweep: attempt error", "recordID", rec.ID, "error", err)
				continue
			}
			report.Outcomes[outcome]++
		}
	}
	if report.Evaluated > 0 {
		slog.Info("Engine.Sweep: completed", "evaluated", report.Evaluated, "synced", report.Outcomes[OutcomeSynced],
			"skipped", report.Outcomes[OutcomeSkippedBackoff], "failed", report.Outcomes[OutcomeFailed], "errors", report.Errors)
	}
	return report, nil
}

// classes returns the classes with a registered pusher, sorted.
func (e *Engine) classes() []models.SyncClass {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SyncClass, 0, len(e.pushers))
	for c := range e.pushers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset clears the attempt count so the record is retried. Failed records
// return to retry_pending.
func (e *Engine) Reset(ctx context.Context, recordID string) (*models.SyncRecord, error) {
	rec, err := e.update(recordID, func(rec *models.SyncRecord) bool {
		rec.AttemptCount = 0
		if rec.Status == models.SyncFailed {
			rec.Status = models.SyncRetryPending
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Engine.Reset: record reset by operator", "recordID", recordID, "status", rec.Status)
	if rec.Status != models.SyncSynced {
		e.Kick(rec.ID)
	}
	return rec, nil
}

var deliveryRank = map[string]int{
	models.DeliverySent:      1,
	models.DeliveryDelivered: 2,
	models.DeliveryRead:      3,
}

// UpdateDelivery applies a provider status update to the record with the
// given external id. A "failed" status is recorded on the record, which stays
// synced: the provider accepted the push, so it is not sent again.
func (e *Engine) UpdateDelivery(ctx context.Context, class models.SyncClass, externalID, status, errText string) (*models.SyncRecord, error) {
	found, err := e.repo.GetSyncRecordByExternalID(class, externalID)
	if err != nil {
		return nil, err
	}

	switch status {
	case models.DeliverySent, models.DeliveryDelivered, models.DeliveryRead:
		return e.update(found.ID, func(rec *models.SyncRecord) bool {
			if deliveryRank[status] <= deliveryRank[rec.DeliveryStatus] {
				slog.Debug("Engine.UpdateDelivery: ignoring stale status", "recordID", rec.ID, "current", rec.DeliveryStatus, "status", status)
				return false
			}
			rec.DeliveryStatus = status
			return true
		})

	case models.DeliveryFailed:
		if errText == "" {
			errText = "provider reported delivery failure"
		}
		rec, err := e.update(found.ID, func(rec *models.SyncRecord) bool {
			rec.DeliveryStatus = models.DeliveryFailed
			rec.LastError = errText
			return true
		})
		if err != nil {
			return nil, err
		}
		slog.Warn("Engine.UpdateDelivery: delivery failed", "recordID", rec.ID, "externalID", externalID, "error", errText)
		return rec, nil

	default:
		return nil, fmt.Errorf("unknown delivery status %q", status)
	}
}
