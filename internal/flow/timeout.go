package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultIdleSweepLimit bounds how many conversations one sweep expires.
const DefaultIdleSweepLimit = 500

// ExpireIdle feeds a timeout event to every active conversation idle for
// longer than the idle timeout. It returns how many turns ran.
func (o *Orchestrator) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	if o.idle <= 0 {
		return 0, nil
	}
	idle, err := o.repo.ListIdleConversations(now.Add(-o.idle), DefaultIdleSweepLimit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, conv := range idle {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		res, err := o.AdvanceConversation(ctx, conv.Identity, models.InboundEvent{
			Kind:      models.InboundTimeout,
			From:      conv.Identity,
			Timestamp: now,
		})
		if err != nil {
			slog.Error("Orchestrator.ExpireIdle: timeout turn failed", "conversationID", conv.ID, "error", err)
			continue
		}
		if !res.Skipped {
			expired++
		}
	}
	if expired > 0 {
		slog.Info("Orchestrator.ExpireIdle: idle conversations advanced", "count", expired)
	}
	return expired, nil
}
