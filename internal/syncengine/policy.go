// Package syncengine pushes local records to remote providers with bounded,
// exponentially spaced attempts.
//
// A record moves not_synced -> synced on success, or to retry_pending on
// failure. Once its attempt count exceeds the policy maximum it becomes
// failed and stays there until an operator resets it.
package syncengine

import (
	"math"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Policy defaults.
const (
	DefaultBaseDelay   = 5 * time.Minute
	DefaultMultiplier  = 3.0
	DefaultMaxAttempts = 5

	maxDelay = 365 * 24 * time.Hour
)

// Policy controls retry spacing and the attempt bound.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultPolicy returns the 5m / x3 / 5 attempts policy.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, Multiplier: DefaultMultiplier, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay is the wait required after attemptCount consecutive failures:
// BaseDelay * Multiplier^(attemptCount-1). Zero failures need no wait.
func (p Policy) Delay(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attemptCount-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// NextEligibleAt returns when rec may be attempted again. The zero time
// means immediately.
func (p Policy) NextEligibleAt(rec models.SyncRecord) time.Time {
	if rec.AttemptCount <= 0 || rec.LastAttemptAt == nil {
		return time.Time{}
	}
	return rec.LastAttemptAt.Add(p.Delay(rec.AttemptCount))
}

// Exhausted reports whether attemptCount is past the bound.
func (p Policy) Exhausted(attemptCount int) bool {
	return attemptCount > p.MaxAttempts
}
