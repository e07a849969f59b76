// Package flow provides the conversation flow orchestrator.
//
// A turn takes one inbound event for one end-user identity, classifies it
// against the conversation's current step, interprets steps until the flow
// waits for input again, queues the produced effects, and only then persists
// the new step pointer and context. Turns for the same identity never run
// concurrently; see Locker.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/action"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Defaults for orchestrator options.
const (
	DefaultMaxChainDepth = 32
	DefaultMenuKeyword   = "menu"
	DefaultFlowName      = "main"
)

// Context keys maintained by the orchestrator.
const (
	FlowStackKey  = "flow_stack"
	AnswersPrefix = "answers."
	stackSep      = "|"
)

var (
	// ErrChainDepthExceeded is a local logic error: the flow chained more
	// steps in one turn than allowed, usually a cycle without a question.
	ErrChainDepthExceeded = errors.New("step chain depth exceeded")
	// ErrNoTransition is returned when a branch step has no matching rule and no default.
	ErrNoTransition = errors.New("no transition")
	// ErrConversationNotFound is returned by Resume for unknown ids.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Sender queues outbound messages. *messaging.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, target string, p models.PayloadSpec, ref string) (string, error)
}

// EffectQueue is the durable queue for non-send effects. store.JobRepo implements it.
type EffectQueue interface {
	EnqueueJob(kind, key string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
}

// EffectJobKind returns the job kind an effect type is queued under.
func EffectJobKind(t models.EffectType) string {
	return "effect." + string(t)
}

// TurnResult summarizes one processed inbound event.
type TurnResult struct {
	ConversationID string                    `json:"conversation_id"`
	Pointer        models.StepPointer        `json:"pointer"`
	Status         models.ConversationStatus `json:"status"`
	Mode           models.ConversationMode   `json:"mode"`
	Effects        []models.Effect           `json:"effects,omitempty"`
	DispatchIDs    []string                  `json:"dispatch_ids,omitempty"`
	Fault          string                    `json:"fault,omitempty"`
	Skipped        bool                      `json:"skipped,omitempty"`
}

// Opts holds orchestrator configuration.
type Opts struct {
	DefaultFlow   string
	Locker        Locker
	MaxChainDepth int
	MenuKeyword   string
	IdleTimeout   time.Duration
	Now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithDefaultFlow sets the flow new conversations start in.
func WithDefaultFlow(name string) Option {
	return func(o *Opts) {
		if name != "" {
			o.DefaultFlow = name
		}
	}
}

// WithLocker replaces the in-process KeyedMutex, e.g. with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(o *Opts) {
		if l != nil {
			o.Locker = l
		}
	}
}

// WithMaxChainDepth bounds how many steps one turn may interpret.
func WithMaxChainDepth(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.MaxChainDepth = n
		}
	}
}

// WithMenuKeyword sets the text that leaves assistant mode.
func WithMenuKeyword(k string) Option {
	return func(o *Opts) {
		if k != "" {
			o.MenuKeyword = k
		}
	}
}

// WithIdleTimeout sets how long a conversation may be idle before a timeout
// event applies to it. Zero disables the idle check on timeout events.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		if now != nil {
			o.Now = now
		}
	}
}

// Orchestrator advances conversations one inbound event at a time.
type Orchestrator struct {
	repo     store.ConversationRepo
	defs     *Definitions
	registry *action.Registry
	sender   Sender
	queue    EffectQueue

	defaultFlow string
	locker      Locker
	maxDepth    int
	menuKeyword string
	idle        time.Duration
	now         func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(repo store.ConversationRepo, defs *Definitions, registry *action.Registry, sender Sender, queue EffectQueue, opts ...Option) *Orchestrator {
	cfg := Opts{
		DefaultFlow:   DefaultFlowName,
		MaxChainDepth: DefaultMaxChainDepth,
		MenuKeyword:   DefaultMenuKeyword,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	return &Orchestrator{
		repo:        repo,
		defs:        defs,
		registry:    registry,
		sender:      sender,
		queue:       queue,
		defaultFlow: cfg.DefaultFlow,
		locker:      cfg.Locker,
		maxDepth:    cfg.MaxChainDepth,
		menuKeyword: Normalize(cfg.MenuKeyword),
		idle:        cfg.IdleTimeout,
		now:         cfg.Now,
	}
}

// DefaultFlow returns the flow new conversations start in.
func (o *Orchestrator) DefaultFlow() string { return o.defaultFlow }

// IdleTimeout returns the configured idle timeout.
func (o *Orchestrator) IdleTimeout() time.Duration { return o.idle }

// AdvanceConversation processes evt for the conversation identified by key
// (the end-user identity). Local logic faults do not surface as errors: they
// route the conversation to handover and are reported in TurnResult.Fault.
// Returned errors are storage or locking failures; the turn did not commit.
func (o *Orchestrator) AdvanceConversation(ctx context.Context, key string, evt models.InboundEvent) (TurnResult, error) {
	if strings.TrimSpace(key) == "" {
		return TurnResult{}, models.ErrEmptyRecipient
	}

	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		slog.Error("Orchestrator.AdvanceConversation: lock failed", "key", key, "error", err)
		return TurnResult{}, fmt.Errorf("failed to lock conversation %s: %w", key, err)
	}
	defer unlock()

	now := o.now()
	conv, err := o.repo.GetConversationByIdentity(key)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to load conversation %s: %w", key, err)
	}

	isTimeout := evt.Kind == models.InboundTimeout
	if conv == nil {
		if isTimeout {
			return TurnResult{Skipped: true}, nil
		}
		def, err := o.defs.Active(o.defaultFlow)
		if err != nil {
			slog.Error("Orchestrator.AdvanceConversation: default flow unavailable", "flow", o.defaultFlow, "error", err)
			return TurnResult{}, err
		}
		conv = &models.Conversation{
			ID:            util.GenerateConversationID(),
			Identity:      key,
			Context:       models.Context{},
			Mode:          models.ModeStructuredFlow,
			Status:        models.ConversationActive,
			LastInboundAt: now,
			CreatedAt:     now,
		}
		conv.SetPointer(models.StepPointer{Flow: def.Name, Version: def.Version, Step: def.Entry})
		slog.Info("Orchestrator.AdvanceConversation: new conversation", "conversationID", conv.ID, "identity", key, "flow", def.Name, "version", def.Version)
		return o.runTurn(ctx, conv, now, func(t *turn) error {
			t.def = def
			return t.run(def.Entry)
		})
	}

	if isTimeout {
		if conv.Status != models.ConversationActive {
			return result(conv, nil, nil, true), nil
		}
		if o.idle > 0 && now.Sub(conv.LastInboundAt) < o.idle {
			slog.Debug("Orchestrator.AdvanceConversation: conversation not idle, timeout ignored", "conversationID", conv.ID)
			return result(conv, nil, nil, true), nil
		}
	}
	// A timeout turn restarts the idle window too, so a reminder step gets a
	// full window before the next timeout.
	conv.LastInboundAt = now

	switch conv.Status {
	case models.ConversationHandover:
		slog.Debug("Orchestrator.AdvanceConversation: conversation in handover, not interpreting", "conversationID", conv.ID)
		conv.UpdatedAt = now
		if err := o.repo.SaveConversation(*conv); err != nil {
			return TurnResult{}, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
		}
		return result(conv, nil, nil, true), nil

	case models.ConversationArchived:
		def, err := o.defs.Active(o.defaultFlow)
		if err != nil {
			return TurnResult{}, err
		}
		slog.Info("Orchestrator.AdvanceConversation: restarting archived conversation", "conversationID", conv.ID, "flow", def.Name)
		conv.Status = models.ConversationActive
		conv.Mode = models.ModeStructuredFlow
		conv.Context = conv.Context.Without(FlowStackKey)
		return o.runTurn(ctx, conv, now, func(t *turn) error {
			t.def = def
			t.conv.SetPointer(models.StepPointer{Flow: def.Name, Version: def.Version, Step: def.Entry})
			return t.run(def.Entry)
		})
	}

	return o.runTurn(ctx, conv, now, func(t *turn) error {
		return t.handle(evt)
	})
}

// Resume returns a conversation in handover to automatic interpretation at
// its current step.
func (o *Orchestrator) Resume(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := o.repo.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	unlock, err := o.locker.Lock(ctx, conv.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation %s: %w", conv.Identity, err)
	}
	defer unlock()

	conv, err = o.repo.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationHandover {
		conv.Status = models.ConversationActive
		conv.UpdatedAt = o.now()
		if err := o.repo.SaveConversation(*conv); err != nil {
			return nil, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
		}
		slog.Info("Orchestrator.Resume: conversation resumed", "conversationID", conv.ID, "step", conv.StepName)
	}
	return conv, nil
}

func result(conv *models.Conversation, effects []models.Effect, ids []string, skipped bool) TurnResult {
	return TurnResult{
		ConversationID: conv.ID,
		Pointer:        conv.Pointer(),
		Status:         conv.Status,
		Mode:           conv.Mode,
		Effects:        effects,
		DispatchIDs:    ids,
		Skipped:        skipped,
	}
}

// runTurn executes body against a working copy of conv, then queues the
// effects and commits. A fault in body or while queueing restores the
// pre-turn state and hands the conversation over.
func (o *Orchestrator) runTurn(ctx context.Context, conv *models.Conversation, now time.Time, body func(t *turn) error) (TurnResult, error) {
	before := *conv
	before.Context = conv.Context.Clone()

	work := *conv
	work.Context = conv.Context.Clone()
	t := &turn{o: o, ctx: ctx, conv: &work}

	var fault error
	if err := body(t); err != nil {
		fault = err
	}

	var ids []string
	if fault == nil {
		var err error
		ids, err = o.queueEffects(ctx, &work, t.effects, now)
		if err != nil {
			fault = err
		}
	}

	if fault != nil {
		slog.Error("Orchestrator.AdvanceConversation: turn faulted, handing over", "conversationID", conv.ID, "step", before.StepName, "error", fault)
		work = before
		work.Status = models.ConversationHandover
		t.effects = []models.Effect{{
			Type:           models.EffectHandover,
			ConversationID: work.ID,
			Target:         work.Identity,
			Text:           fault.Error(),
		}}
		var err error
		ids, err = o.queueEffects(ctx, &work, t.effects, now)
		if err != nil {
			return TurnResult{}, fmt.Errorf("failed to queue handover for %s: %w", work.ID, err)
		}
	}

	work.Turn++
	work.UpdatedAt = now
	if err := o.repo.SaveConversation(work); err != nil {
		slog.Error("Orchestrator.AdvanceConversation: failed to save conversation", "conversationID", work.ID, "error", err)
		return TurnResult{}, fmt.Errorf("failed to save conversation %s: %w", work.ID, err)
	}

	res := result(&work, t.effects, ids, false)
	if fault != nil {
		res.Fault = fault.Error()
	}
	slog.Debug("Orchestrator.AdvanceConversation: turn committed", "conversationID", work.ID, "pointer", res.Pointer, "effects", len(res.Effects), "turn", work.Turn)
	return res, nil
}

func (o *Orchestrator) queueEffects(ctx context.Context, conv *models.Conversation, effects []models.Effect, now time.Time) ([]string, error) {
	var ids []string
	for i, e := range effects {
		ref := conv.ID + ":" + strconv.Itoa(conv.Turn) + ":" + strconv.Itoa(i)
		if e.Type == models.EffectSend {
			if e.Message == nil {
				return ids, fmt.Errorf("%w: send effect without message", models.ErrInvalidPayload)
			}
			id, err := o.sender.Send(ctx, e.Target, *e.Message, ref)
			if err != nil {
				return ids, fmt.Errorf("failed to queue send: %w", err)
			}
			ids = append(ids, id)
			continue
		}

		raw, err := json.Marshal(e)
		if err != nil {
			return ids, fmt.Errorf("failed to encode %s effect: %w", e.Type, err)
		}
		id, err := o.queue.EnqueueJob(EffectJobKind(e.Type), conv.ID, now, string(raw), ref)
		if err != nil {
			return ids, fmt.Errorf("failed to queue %s effect: %w", e.Type, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// turn is the interpreter state for one event.
type turn struct {
	o       *Orchestrator
	ctx     context.Context
	conv    *models.Conversation
	def     *models.FlowDefinition
	effects []models.Effect
	depth   int
}

func (t *turn) handle(evt models.InboundEvent) error {
	def, step, err := t.o.defs.Step(t.conv.Pointer())
	if err != nil {
		return err
	}
	t.def = def
	// The pinned version may have been replaced by the active one.
	t.conv.FlowVersion = def.Version

	if t.conv.Mode == models.ModeAssistant && evt.Kind == models.InboundText {
		if Normalize(evt.Text) == t.o.menuKeyword {
			t.conv.Mode = models.ModeStructuredFlow
			return t.run(def.Entry)
		}
		t.emit(models.Effect{Type: models.EffectAssistantReply, Target: t.conv.Identity, Text: evt.Text})
		return nil
	}

	classified := step
	if t.conv.Awaiting != "" {
		classified.Await = t.conv.Awaiting
	}
	c := Classify(classified, evt)
	slog.Debug("Orchestrator.handle: event classified", "conversationID", t.conv.ID, "step", step.Name, "kind", evt.Kind, "key", c.Key, "target", c.Target)

	if len(c.Updates) > 0 {
		t.conv.Context = t.conv.Context.Merge(c.Updates)
	}
	if step.Type == models.StepTypeQuestion && c.Key != KeyUnexpected && c.Key != KeyTimeout {
		t.conv.Context = t.conv.Context.With(AnswersPrefix+step.Name, c.Answer)
		if step.SaveAs != "" {
			t.conv.Context = t.conv.Context.With(step.SaveAs, c.Answer)
		}
	}

	if c.Key == KeyTimeout {
		target := c.Target
		if target == "" {
			target = def.OnTimeout
		}
		if target == "" {
			slog.Info("Orchestrator.handle: idle conversation archived", "conversationID", t.conv.ID)
			t.conv.Status = models.ConversationArchived
			t.conv.Awaiting = ""
			return nil
		}
		return t.run(target)
	}

	target := c.Target
	if target == "" {
		target = step.Default
	}
	if target == "" {
		// Nothing matched: ask again.
		if step.Payload != nil {
			return t.send(*step.Payload)
		}
		return nil
	}
	return t.run(target)
}

// run interprets steps from start until the flow waits or ends.
func (t *turn) run(start string) error {
	next := start
	for next != "" {
		t.depth++
		if t.depth > t.o.maxDepth {
			return fmt.Errorf("%w: %d steps from %s", ErrChainDepthExceeded, t.o.maxDepth, start)
		}
		step, ok := t.def.Step(next)
		if !ok {
			return fmt.Errorf("%w: %s@%d/%s", ErrStepNotFound, t.def.Name, t.def.Version, next)
		}
		t.conv.SetPointer(models.StepPointer{Flow: t.def.Name, Version: t.def.Version, Step: step.Name})
		t.conv.Awaiting = ""

		var err error
		next, err = t.enter(step)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return nil
}

func (t *turn) enter(step models.Step) (string, error) {
	switch step.Type {
	case models.StepTypeMessage:
		if err := t.send(*step.Payload); err != nil {
			return "", err
		}
		return step.Default, nil

	case models.StepTypeQuestion:
		if err := t.send(*step.Payload); err != nil {
			return "", err
		}
		t.conv.Awaiting = step.Await
		if t.conv.Awaiting == "" {
			t.conv.Awaiting = models.AwaitReply
		}
		return "", nil

	case models.StepTypeAction:
		return t.invoke(step)

	case models.StepTypeBranch:
		target, ok := EvaluateBranches(step.Branches, t.conv.Context)
		if !ok {
			target = step.Default
		}
		if target == "" {
			return "", fmt.Errorf("%w: no branch rule matched", ErrNoTransition)
		}
		return target, nil

	case models.StepTypeSubFlowSwitch:
		return t.switchFlow(step)

	case models.StepTypeTerminal:
		if step.Payload != nil {
			if err := t.send(*step.Payload); err != nil {
				return "", err
			}
		}
		return t.finish()
	}
	return "", fmt.Errorf("%w: unknown step type %q", models.ErrInvalidFlow, step.Type)
}

func (t *turn) invoke(step models.Step) (string, error) {
	env := action.Env{
		ConversationID: t.conv.ID,
		Identity:       t.conv.Identity,
		Flow:           t.def.Name,
		Step:           step.Name,
	}
	next := ""
	handover := false
	for _, call := range step.Actions {
		res, err := t.o.registry.Invoke(t.ctx, call.Name, env, t.conv.Context, call.Params)
		if err != nil {
			return "", err
		}
		if res.Context != nil {
			t.conv.Context = res.Context
		}
		for _, e := range res.Effects {
			if e.Type == models.EffectHandover {
				handover = true
			}
			t.emit(e)
		}
		if res.Mode != "" {
			t.conv.Mode = res.Mode
		}
		if res.Awaiting != "" {
			t.conv.Awaiting = res.Awaiting
		}
		if res.Next != "" {
			next = res.Next
		}
	}

	if handover {
		t.conv.Status = models.ConversationHandover
		return "", nil
	}
	if t.conv.Awaiting != "" || t.conv.Mode == models.ModeAssistant {
		return "", nil
	}
	if next != "" {
		return next, nil
	}
	return step.Default, nil
}

func (t *turn) switchFlow(step models.Step) (string, error) {
	sub, err := t.o.defs.Active(step.SubFlow)
	if err != nil {
		return "", err
	}
	entry := step.SubFlowStep
	if entry == "" {
		entry = sub.Entry
	}
	if _, ok := sub.Steps[entry]; !ok {
		return "", fmt.Errorf("%w: %s@%d/%s", ErrStepNotFound, sub.Name, sub.Version, entry)
	}
	if step.ReturnTo != "" {
		t.push(frame{flow: t.def.Name, version: t.def.Version, step: step.ReturnTo})
	}
	slog.Debug("Orchestrator.switchFlow: entering sub-flow", "conversationID", t.conv.ID, "from", t.def.Name, "to", sub.Name, "step", entry)
	t.def = sub
	return entry, nil
}

// finish ends the current flow: it pops back to a caller or archives.
func (t *turn) finish() (string, error) {
	f, ok := t.pop()
	if !ok {
		t.conv.Status = models.ConversationArchived
		return "", nil
	}
	def, err := t.o.defs.Get(f.flow, f.version)
	if err != nil {
		return "", err
	}
	t.def = def
	return f.step, nil
}

func (t *turn) send(p models.PayloadSpec) error {
	rendered, err := RenderPayload(p, t.conv.Context, t.conv.ID)
	if err != nil {
		return err
	}
	if err := rendered.Validate(); err != nil {
		return err
	}
	t.emit(models.Effect{Type: models.EffectSend, Target: t.conv.Identity, Message: &rendered})
	return nil
}

func (t *turn) emit(e models.Effect) {
	if e.ConversationID == "" {
		e.ConversationID = t.conv.ID
	}
	if e.Target == "" {
		e.Target = t.conv.Identity
	}
	if e.Record != nil {
		rec := *e.Record
		if rec.ConversationID == "" {
			rec.ConversationID = t.conv.ID
		}
		if rec.Identity == "" {
			rec.Identity = t.conv.Identity
		}
		e.Record = &rec
	}
	t.effects = append(t.effects, e)
}

// frame is one flow_stack entry, encoded as "flow@version/step".
type frame struct {
	flow    string
	version int
	step    string
}

func (f frame) String() string {
	return f.flow + "@" + strconv.Itoa(f.version) + "/" + f.step
}

func parseFrame(s string) (frame, bool) {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return frame{}, false
	}
	ver, step, ok := strings.Cut(s[at+1:], "/")
	if !ok || step == "" {
		return frame{}, false
	}
	n, err := strconv.Atoi(ver)
	if err != nil {
		return frame{}, false
	}
	return frame{flow: s[:at], version: n, step: step}, true
}

// Stack returns the decoded flow_stack of c, innermost last.
func Stack(c models.Context) []string {
	raw := c.Get(FlowStackKey)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, stackSep)
}

func (t *turn) push(f frame) {
	stack := append(Stack(t.conv.Context), f.String())
	t.conv.Context = t.conv.Context.With(FlowStackKey, strings.Join(stack, stackSep))
}

func (t *turn) pop() (frame, bool) {
	stack := Stack(t.conv.Context)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			t.conv.Context = t.conv.Context.Without(FlowStackKey)
		} else {
			t.conv.Context = t.conv.Context.With(FlowStackKey, strings.Join(stack, stackSep))
		}
		if f, ok := parseFrame(top); ok {
			return f, true
		}
		slog.Warn("Orchestrator.pop: dropping malformed flow_stack frame", "conversationID", t.conv.ID, "frame", top)
	}
	return frame{}, false
}
