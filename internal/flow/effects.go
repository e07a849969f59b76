package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// DefaultHandoverMessage is sent to the user when a conversation is handed over.
const DefaultHandoverMessage = "Thanks for your patience. A member of our team will continue this conversation shortly."

// HandoverRecordKind is the business record kind written on handover.
const HandoverRecordKind = "handover"

// EntityToucher re-queues the sync record of a local entity. *catalog.Service implements it.
type EntityToucher interface {
	Touch(ctx context.Context, ref string) (*models.SyncRecord, error)
}

// Assistant answers free text in assistant mode. *genai.Client implements it.
type Assistant interface {
	Reply(ctx context.Context, conversationID, text string) (string, error)
}

// EffectDeps are the collaborators effect jobs need. Nil members disable
// the matching effect with a logged warning.
type EffectDeps struct {
	Records         store.RecordRepo
	Entities        EntityToucher
	Sender          Sender
	Assistant       Assistant
	HandoverMessage string
	Now             func() time.Time
}

// RegisterEffectHandlers registers a job handler for every queued effect type.
func RegisterEffectHandlers(runner *store.JobRunner, deps EffectDeps) {
	if deps.HandoverMessage == "" {
		deps.HandoverMessage = DefaultHandoverMessage
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	runner.RegisterHandler(EffectJobKind(models.EffectRecord), makeRecordHandler(deps))
	runner.RegisterHandler(EffectJobKind(models.EffectSyncEntity), makeSyncEntityHandler(deps))
	runner.RegisterHandler(EffectJobKind(models.EffectHandover), makeHandoverHandler(deps))
	runner.RegisterHandler(EffectJobKind(models.EffectAssistantReply), makeAssistantReplyHandler(deps))
}

func decodeEffect(payload string) (models.Effect, error) {
	var e models.Effect
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return models.Effect{}, fmt.Errorf("invalid effect payload: %w", err)
	}
	return e, nil
}

func makeRecordHandler(deps EffectDeps) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		e, err := decodeEffect(payload)
		if err != nil {
			return err
		}
		if e.Record == nil {
			slog.Warn("JobHandler.record: effect without record, dropping", "conversationID", e.ConversationID)
			return nil
		}
		if deps.Records == nil {
			slog.Warn("JobHandler.record: no record sink configured", "kind", e.Record.Kind)
			return nil
		}
		rec := *e.Record
		if rec.ID == "" {
			rec.ID = util.GenerateRecordID()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = deps.Now()
		}
		slog.Debug("JobHandler.record: executing", "id", rec.ID, "kind", rec.Kind, "conversationID", rec.ConversationID)
		return deps.Records.SaveRecord(rec)
	}
}

func makeSyncEntityHandler(deps EffectDeps) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		e, err := decodeEffect(payload)
		if err != nil {
			return err
		}
		if deps.Entities == nil {
			slog.Warn("JobHandler.sync_entity: no entity service configured", "ref", e.Ref)
			return nil
		}
		slog.Debug("JobHandler.sync_entity: executing", "ref", e.Ref, "conversationID", e.ConversationID)
		if _, err := deps.Entities.Touch(ctx, e.Ref); err != nil {
			return fmt.Errorf("failed to queue sync of %s: %w", e.Ref, err)
		}
		return nil
	}
}

func makeHandoverHandler(deps EffectDeps) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		e, err := decodeEffect(payload)
		if err != nil {
			return err
		}
		slog.Info("JobHandler.handover: executing", "conversationID", e.ConversationID, "reason", e.Text)
		if deps.Sender != nil && e.Target != "" {
			msg := models.PayloadSpec{Kind: models.PayloadText, Body: deps.HandoverMessage}
			if _, err := deps.Sender.Send(ctx, e.Target, msg, "handover:"+e.ConversationID); err != nil {
				return fmt.Errorf("failed to send handover message: %w", err)
			}
		}
		if deps.Records == nil {
			return nil
		}
		return deps.Records.SaveRecord(models.BusinessRecord{
			ID:             util.GenerateRecordID(),
			Kind:           HandoverRecordKind,
			ConversationID: e.ConversationID,
			Identity:       e.Target,
			Fields:         map[string]string{"reason": e.Text},
			CreatedAt:      deps.Now(),
		})
	}
}

func makeAssistantReplyHandler(deps EffectDeps) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		e, err := decodeEffect(payload)
		if err != nil {
			return err
		}
		if deps.Assistant == nil || deps.Sender == nil {
			slog.Warn("JobHandler.assistant_reply: assistant not configured, dropping", "conversationID", e.ConversationID)
			return nil
		}
		slog.Debug("JobHandler.assistant_reply: executing", "conversationID", e.ConversationID)
		reply, err := deps.Assistant.Reply(ctx, e.ConversationID, e.Text)
		if err != nil {
			return fmt.Errorf("assistant reply failed: %w", err)
		}
		msg := models.PayloadSpec{Kind: models.PayloadText, Body: reply}
		_, err = deps.Sender.Send(ctx, e.Target, msg, "assistant:"+e.ConversationID)
		return err
	}
}
