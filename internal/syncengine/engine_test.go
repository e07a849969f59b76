package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type scriptedPusher struct {
	errs  []error
	calls int
}

func (p *scriptedPusher) Push(ctx context.Context, rec models.SyncRecord) (string, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ext-" + rec.ID, nil
}

func newTestEngine(t *testing.T, p Pusher) (*Engine, *store.InMemoryStore, *fakeClock) {
	t.Helper()
	s := store.NewInMemoryStore()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(s, WithClock(clock.Now))
	e.RegisterPusher(models.SyncClassCatalog, p)
	e.RegisterPusher(models.SyncClassMessage, p)
	return e, s, clock
}

func createRecord(t *testing.T, s store.SyncRepo, rec models.SyncRecord) {
	t.Helper()
	if rec.Class == "" {
		rec.Class = models.SyncClassCatalog
	}
	if rec.PayloadJSON == "" {
		rec.PayloadJSON = `{}`
	}
	require.NoError(t, s.CreateSyncRecord(rec))
}

func TestPolicyDelayIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 5*time.Minute, p.Delay(1))
	assert.Equal(t, 15*time.Minute, p.Delay(2))
	assert.Equal(t, 45*time.Minute, p.Delay(3))
	assert.Equal(t, 135*time.Minute, p.Delay(4))

	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := p.Delay(n)
		assert.Greater(t, d, prev, "delay must grow with attempt count")
		prev = d
	}
}

func TestScenarioBSkipsUntilBackoffElapses(t *testing.T) {
	p := &scriptedPusher{}
	e, s, clock := newTestEngine(t, p)

	last := clock.Now().Add(-10 * time.Minute)
	createRecord(t, s, models.SyncRecord{ID: "catalog_b", Status: models.SyncRetryPending, AttemptCount: 4, LastAttemptAt: &last})

	rec, err := s.GetSyncRecord("catalog_b")
	require.NoError(t, err)
	assert.Equal(t, last.Add(135*time.Minute), e.Policy().NextEligibleAt(*rec))

	outcome, err := e.AttemptSync(context.Background(), "catalog_b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedBackoff, outcome)
	assert.Equal(t, 0, p.calls, "no remote call while in backoff")

	clock.Advance(125 * time.Minute)
	outcome, err = e.AttemptSync(context.Background(), "catalog_b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	rec, err = s.GetSyncRecord("catalog_b")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Equal(t, "ext-catalog_b", rec.ExternalID)
	require.NotNil(t, rec.LastSuccessAt)
}

func TestBoundedRetriesThenFailedUntilReset(t *testing.T) {
	boom := &models.ProviderError{HTTPStatus: 500, Code: 1, Type: "OAuthException", Message: "upstream"}
	p := &scriptedPusher{errs: []error{boom, boom, boom, boom, boom, boom}}
	e, s, clock := newTestEngine(t, p)
	createRecord(t, s, models.SyncRecord{ID: "catalog_x"})

	var outcomes []Outcome
	for i := 0; i < 6; i++ {
		outcome, err := e.AttemptSync(context.Background(), "catalog_x")
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
		clock.Advance(24 * time.Hour)
	}
	assert.Equal(t, []Outcome{
		OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeRetryScheduled,
		OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeFailed,
	}, outcomes)

	rec, err := s.GetSyncRecord("catalog_x")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, rec.Status)
	assert.Equal(t, 6, rec.AttemptCount)
	assert.Contains(t, rec.LastError, "code=1 type=OAuthException")

	outcome, err := e.AttemptSync(context.Background(), "catalog_x")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefusedFailed, outcome)
	assert.Equal(t, 6, p.calls, "failed records are never auto-retried")

	attempts, err := s.ListSyncAttempts("catalog_x")
	require.NoError(t, err)
	assert.Len(t, attempts, 6)

	rec, err = e.Reset(context.Background(), "catalog_x")
	require.NoError(t, err)
	assert.Equal(t, models.SyncRetryPending, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)

	outcome, err = e.AttemptSync(context.Background(), "catalog_x")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
}

func TestAttemptSyncAlreadySyncedAndMissingPusher(t *testing.T) {
	e, s, _ := newTestEngine(t, &scriptedPusher{})
	createRecord(t, s, models.SyncRecord{ID: "catalog_done", Status: models.SyncSynced})
	outcome, err := e.AttemptSync(context.Background(), "catalog_done")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySynced, outcome)

	e2 := NewEngine(s)
	createRecord(t, s, models.SyncRecord{ID: "catalog_new"})
	_, err = e2.AttemptSync(context.Background(), "catalog_new")
	assert.ErrorIs(t, err, ErrNoPusher)

	_, err = e.AttemptSync(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepAttemptsPendingOnly(t *testing.T) {
	p := &scriptedPusher{errs: []error{nil, errors.New("timeout")}}
	e, s, clock := newTestEngine(t, p)
	recent := clock.Now().Add(-time.Minute)
	createRecord(t, s, models.SyncRecord{ID: "a"})
	createRecord(t, s, models.SyncRecord{ID: "b"})
	createRecord(t, s, models.SyncRecord{ID: "c", Status: models.SyncRetryPending, AttemptCount: 1, LastAttemptAt: &recent})
	createRecord(t, s, models.SyncRecord{ID: "d", Status: models.SyncFailed, AttemptCount: 6})

	report, err := e.Sweep(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, 1, report.Outcomes[OutcomeSynced])
	assert.Equal(t, 1, report.Outcomes[OutcomeRetryScheduled])
	assert.Equal(t, 1, report.Outcomes[OutcomeSkippedBackoff])
}

func TestUpdateDelivery(t *testing.T) {
	e, s, _ := newTestEngine(t, &scriptedPusher{})
	createRecord(t, s, models.SyncRecord{ID: "message_1", Class: models.SyncClassMessage})
	_, err := e.AttemptSync(context.Background(), "message_1")
	require.NoError(t, err)

	rec, err := e.UpdateDelivery(context.Background(), models.SyncClassMessage, "ext-message_1", models.DeliveryRead, "")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, rec.DeliveryStatus)

	rec, err = e.UpdateDelivery(context.Background(), models.SyncClassMessage, "ext-message_1", models.DeliveryDelivered, "")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, rec.DeliveryStatus, "late delivered does not regress read")

	rec, err = e.UpdateDelivery(context.Background(), models.SyncClassMessage, "ext-message_1", models.DeliveryFailed, "code=131026 message=undeliverable")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	assert.Equal(t, models.DeliveryFailed, rec.DeliveryStatus)
	assert.Equal(t, "code=131026 message=undeliverable", rec.LastError)
	assert.Equal(t, 0, rec.AttemptCount)

	_, err = e.UpdateDelivery(context.Background(), models.SyncClassMessage, "unknown", models.DeliverySent, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKickAndRun(t *testing.T) {
	p := &scriptedPusher{}
	e, s, _ := newTestEngine(t, p)
	createRecord(t, s, models.SyncRecord{ID: "message_k", Class: models.SyncClassMessage})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	e.Kick("message_k")

	require.Eventually(t, func() bool {
		rec, err := s.GetSyncRecord("message_k")
		return err == nil && rec.Status == models.SyncSynced
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliveryFailureIsNotResent(t *testing.T) {
	p := &scriptedPusher{}
	e, s, clock := newTestEngine(t, p)
	createRecord(t, s, models.SyncRecord{ID: "message_f", Class: models.SyncClassMessage})
	_, err := e.AttemptSync(context.Background(), "message_f")
	require.NoError(t, err)

	_, err = e.UpdateDelivery(context.Background(), models.SyncClassMessage, "ext-message_f", models.DeliveryFailed, "")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = e.Sweep(context.Background(), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	rec, err := s.GetSyncRecord("message_f")
	require.NoError(t, err)
	assert.Equal(t, "ext-message_f", rec.ExternalID)
	assert.Equal(t, "provider reported delivery failure", rec.LastError)
}

func TestPayloadReplacedDuringPushIsRearmed(t *testing.T) {
	s := store.NewInMemoryStore()
	e := NewEngine(s)
	var pushed []string
	e.RegisterPusher(models.SyncClassCatalog, PusherFunc(func(ctx context.Context, rec models.SyncRecord) (string, error) {
		pushed = append(pushed, rec.PayloadJSON)
		if len(pushed) == 1 {
			cur, err := s.GetSyncRecord(rec.ID)
			require.NoError(t, err)
			cur.PayloadJSON = `{"v":2}`
			cur.Status = models.SyncNotSynced
			require.NoError(t, s.SaveSyncRecord(*cur))
		}
		return "remote-1", nil
	}))
	createRecord(t, s, models.SyncRecord{ID: "catalog_r", PayloadJSON: `{"v":1}`})

	outcome, err := e.AttemptSync(context.Background(), "catalog_r")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, outcome)
	assert.Len(t, e.kicks, 1, "record is queued again")

	rec, err := s.GetSyncRecord("catalog_r")
	require.NoError(t, err)
	assert.Equal(t, models.SyncNotSynced, rec.Status)
	assert.Equal(t, `{"v":2}`, rec.PayloadJSON)

	outcome, err = e.AttemptSync(context.Background(), <-e.kicks)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)
	assert.Equal(t, []string{`{"v":1}`, `{"v":2}`}, pushed)

	attempts, err := s.ListSyncAttempts("catalog_r")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestConcurrentDeliveryUpdateDuringPushKeepsResult(t *testing.T) {
	s := store.NewInMemoryStore()
	e := NewEngine(s)
	e.RegisterPusher(models.SyncClassMessage, PusherFunc(func(ctx context.Context, rec models.SyncRecord) (string, error) {
		cur, err := s.GetSyncRecord(rec.ID)
		require.NoError(t, err)
		cur.Target = "15550002222"
		require.NoError(t, s.SaveSyncRecord(*cur))
		return "wamid.x", nil
	}))
	createRecord(t, s, models.SyncRecord{ID: "message_c", Class: models.SyncClassMessage})

	outcome, err := e.AttemptSync(context.Background(), "message_c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, outcome)

	rec, err := s.GetSyncRecord("message_c")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, rec.Status)
	assert.Equal(t, "wamid.x", rec.ExternalID)
	assert.Equal(t, "15550002222", rec.Target, "concurrent change is kept")
}

func TestSweepSkipsClassesWithoutPusher(t *testing.T) {
	s := store.NewInMemoryStore()
	p := &scriptedPusher{}
	e := NewEngine(s)
	e.RegisterPusher(models.SyncClassMessage, p)
	createRecord(t, s, models.SyncRecord{ID: "catalog_1"})
	createRecord(t, s, models.SyncRecord{ID: "message_1", Class: models.SyncClassMessage})

	report, err := e.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, 1, report.Outcomes[OutcomeSynced])

	rec, err := s.GetSyncRecord("catalog_1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncNotSynced, rec.Status)
}
