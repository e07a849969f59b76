// Package webhook provides the ingestion gateway for provider webhooks.
//
// The gateway verifies signatures, parses provider payloads into events,
// deduplicates them through the store ledger and routes each new event to
// the orchestrator, the sync engine or a form processor. An event is marked
// processed only after routing succeeds, so provider redelivery retries
// failed routing.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Outcomes recorded in the dedup ledger.
const (
	OutcomeDuplicate      = "duplicate"
	OutcomeIgnored        = "ignored"
	OutcomeSkipped        = "skipped"
	OutcomeHandover       = "handover"
	OutcomeDeliveryUpdate = "delivery_updated"
)

// Advancer runs conversation turns. *flow.Orchestrator implements it.
type Advancer interface {
	AdvanceConversation(ctx context.Context, key string, evt models.InboundEvent) (flow.TurnResult, error)
}

// DeliveryTracker applies delivery statuses. *syncengine.Engine implements it.
type DeliveryTracker interface {
	UpdateDelivery(ctx context.Context, class models.SyncClass, externalID, status, errText string) (*models.SyncRecord, error)
}

// EventResult is the outcome of one event of a delivery.
type EventResult struct {
	DedupKey  string             `json:"dedup_key"`
	Kind      models.WebhookKind `json:"kind"`
	Outcome   string             `json:"outcome"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// Result summarizes one Ingest call.
type Result struct {
	Accepted  bool          `json:"accepted"`
	Duplicate bool          `json:"duplicate"`
	Events    []EventResult `json:"events"`
}

// Opts holds gateway configuration.
type Opts struct {
	AppSecret       string
	TwilioAuthToken string
	Forms           *FormRegistry
	Now             func() time.Time
}

// Option configures a Gateway.
type Option func(*Opts)

// WithAppSecret enables X-Hub-Signature-256 verification.
func WithAppSecret(secret string) Option {
	return func(o *Opts) { o.AppSecret = secret }
}

// WithTwilioAuthToken enables X-Twilio-Signature verification.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithForms sets the form processors.
func WithForms(r *FormRegistry) Option {
	return func(o *Opts) { o.Forms = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Gateway is the webhook ingestion pipeline.
type Gateway struct {
	repo       store.WebhookRepo
	records    store.RecordRepo
	flows      Advancer
	deliveries DeliveryTracker

	secret string
	twilio *TwilioVerifier
	forms  *FormRegistry
	locks  *flow.KeyedMutex
	now    func() time.Time
}

// NewGateway wires a gateway. Without an app secret, Ingest accepts unsigned
// payloads.
func NewGateway(repo store.WebhookRepo, records store.RecordRepo, flows Advancer, deliveries DeliveryTracker, opts ...Option) *Gateway {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Forms == nil {
		cfg.Forms = NewFormRegistry()
	}
	if cfg.AppSecret == "" {
		slog.Warn("Gateway: no app secret configured, webhook signatures are not verified")
	}
	g := &Gateway{
		repo:       repo,
		records:    records,
		flows:      flows,
		deliveries: deliveries,
		secret:     cfg.AppSecret,
		forms:      cfg.Forms,
		locks:      flow.NewKeyedMutex(),
		now:        cfg.Now,
	}
	if cfg.TwilioAuthToken != "" {
		g.twilio = NewTwilioVerifier(cfg.TwilioAuthToken)
	}
	return g
}

// Forms returns the form registry.
func (g *Gateway) Forms() *FormRegistry { return g.forms }

// Ingest verifies and processes a Cloud API webhook body.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, signature string) (Result, error) {
	if g.secret != "" {
		if err := VerifySignature(g.secret, raw, signature); err != nil {
			slog.Warn("Gateway.Ingest: signature rejected")
			return Result{}, err
		}
	}
	events, err := ParseCloudAPI(raw)
	if err != nil {
		slog.Warn("Gateway.Ingest: unparseable payload", "error", err)
		return Result{}, err
	}
	return g.Deliver(ctx, events)
}

// IngestTwilio verifies and processes a Twilio form webhook posted to fullURL.
func (g *Gateway) IngestTwilio(ctx context.Context, fullURL string, form url.Values, signature string) (Result, error) {
	if g.twilio != nil {
		params := make(map[string]string, len(form))
		for k := range form {
			params[k] = form.Get(k)
		}
		if err := g.twilio.Verify(fullURL, params, signature); err != nil {
			slog.Warn("Gateway.IngestTwilio: signature rejected", "url", fullURL)
			return Result{}, err
		}
	}
	events, err := ParseTwilio(form)
	if err != nil {
		return Result{}, err
	}
	return g.Deliver(ctx, events)
}

// Deliver processes already verified events in order. Every event is
// attempted; the returned error joins the routing failures.
func (g *Gateway) Deliver(ctx context.Context, events []models.WebhookEvent) (Result, error) {
	res := Result{Accepted: true, Events: make([]EventResult, 0, len(events))}
	var errs []error
	duplicates := 0
	for _, evt := range events {
		er, err := g.process(ctx, evt)
		if err != nil {
			slog.Error("Gateway.Deliver: routing failed, event left unprocessed", "dedupKey", evt.DedupKey, "kind", evt.Kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", evt.DedupKey, err))
			continue
		}
		if er.Duplicate {
			duplicates++
		}
		res.Events = append(res.Events, er)
	}
	res.Duplicate = len(events) > 0 && duplicates == len(events)
	return res, errors.Join(errs...)
}

func (g *Gateway) process(ctx context.Context, evt models.WebhookEvent) (EventResult, error) {
	er := EventResult{DedupKey: evt.DedupKey, Kind: evt.Kind}
	if evt.DedupKey == "" {
		return er, fmt.Errorf("%w: event without dedup key", ErrMalformedPayload)
	}

	unlock, err := g.locks.Lock(ctx, evt.DedupKey)
	if err != nil {
		return er, err
	}
	defer unlock()

	evt.ReceivedAt = g.now()
	inserted, err := g.repo.RecordWebhookEvent(evt)
	if err != nil {
		return er, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		prev, err := g.repo.GetWebhookEvent(evt.DedupKey)
		if err != nil {
			return er, fmt.Errorf("failed to load webhook event: %w", err)
		}
		if prev != nil && prev.Processed {
			slog.Debug("Gateway.process: duplicate event ignored", "dedupKey", evt.DedupKey)
			er.Outcome = OutcomeDuplicate
			er.Duplicate = true
			return er, nil
		}
		slog.Info("Gateway.process: retrying unprocessed event", "dedupKey", evt.DedupKey)
	}

	outcome, err := g.route(ctx, evt)
	if err != nil {
		return er, err
	}
	if err := g.repo.MarkWebhookProcessed(evt.DedupKey, outcome); err != nil {
		return er, fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	er.Outcome = outcome
	return er, nil
}

func (g *Gateway) route(ctx context.Context, evt models.WebhookEvent) (string, error) {
	switch evt.Kind {
	case models.WebhookStatus:
		if evt.Status == nil {
			return "", fmt.Errorf("%w: status event without status", ErrMalformedPayload)
		}
		return g.routeStatus(ctx, *evt.Status)
	case models.WebhookForm:
		if evt.Inbound == nil {
			return "", fmt.Errorf("%w: form event without submission", ErrMalformedPayload)
		}
		return g.routeForm(ctx, *evt.Inbound)
	default:
		if evt.Inbound == nil {
			return "", fmt.Errorf("%w: message event without message", ErrMalformedPayload)
		}
		return g.advance(ctx, *evt.Inbound)
	}
}

func (g *Gateway) advance(ctx context.Context, in models.InboundEvent) (string, error) {
	if g.flows == nil {
		return OutcomeIgnored, nil
	}
	res, err := g.flows.AdvanceConversation(ctx, in.From, in)
	if err != nil {
		return "", err
	}
	switch {
	case res.Fault != "":
		return OutcomeHandover, nil
	case res.Skipped:
		return OutcomeSkipped, nil
	}
	return "advanced:" + res.Pointer.Flow + "/" + res.Pointer.Step, nil
}

func (g *Gateway) routeStatus(ctx context.Context, su models.StatusUpdate) (string, error) {
	if g.deliveries == nil {
		return OutcomeIgnored, nil
	}
	_, err := g.deliveries.UpdateDelivery(ctx, models.SyncClassMessage, su.ExternalID, su.Status, su.Error)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("Gateway.routeStatus: status for unknown message", "externalID", su.ExternalID, "status", su.Status)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeDeliveryUpdate + ":" + su.Status, nil
}

func (g *Gateway) routeForm(ctx context.Context, in models.InboundEvent) (string, error) {
	p, ok := g.forms.Lookup(in.FormName)
	if !ok {
		slog.Debug("Gateway.routeForm: no processor for form, forwarding", "form", in.FormName)
		return g.advance(ctx, in)
	}
	fr, err := p.Process(ctx, in)
	if err != nil {
		return "", fmt.Errorf("form %s: %w", in.FormName, err)
	}
	_, conversationID, _ := flow.ParseFormToken(in.Form["flow_token"])
	for i, rec := range fr.Records {
		if rec.ID == "" {
			rec.ID = formRecordID(in.MessageID, i)
		}
		if rec.ConversationID == "" {
			rec.ConversationID = conversationID
		}
		if rec.Identity == "" {
			rec.Identity = in.From
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = g.now()
		}
		if err := g.records.SaveRecord(rec); err != nil {
			return "", fmt.Errorf("failed to save form record: %w", err)
		}
	}
	outcome := "form:" + in.FormName
	if !fr.Continue {
		return outcome, nil
	}
	if fr.Fields != nil {
		in.Form = fr.Fields
	}
	if _, err := g.advance(ctx, in); err != nil {
		return "", err
	}
	return outcome, nil
}

func formRecordID(messageID string, i int) string {
	if messageID == "" {
		return util.GenerateRecordID()
	}
	return "form_" + messageID + "_" + strconv.Itoa(i)
}
