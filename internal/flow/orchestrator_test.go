package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/action"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const user = "15550001111"

type sent struct {
	Target string
	Msg    models.PayloadSpec
	Ref    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, target string, p models.PayloadSpec, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sent{Target: target, Msg: p, Ref: ref})
	return fmt.Sprintf("message_%d", len(f.sent)), nil
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.Msg.Body)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func text(body string) *models.PayloadSpec {
	return &models.PayloadSpec{Kind: models.PayloadText, Body: body}
}

func mainFlow() models.FlowDefinition {
	return models.FlowDefinition{
		Name:    "main",
		Version: 1,
		Entry:   "welcome",
		Steps: map[string]models.Step{
			"welcome": {Type: models.StepTypeMessage, Payload: text("Welcome!"), Default: "ask-installation-type"},
			"ask-installation-type": {
				Type: models.StepTypeQuestion,
				Payload: &models.PayloadSpec{
					Kind: models.PayloadButtons,
					Body: "Which installation do you have?",
					Options: []models.Option{
						{ID: "solar", Title: "Solar"},
						{ID: "hybrid", Title: "Hybrid"},
					},
				},
				SaveAs:      "installation_type",
				Transitions: map[string]string{"solar": "solar-done", "hybrid": "to-hybrid", "chat": "to-assistant"},
			},
			"to-hybrid": {
				Type:        models.StepTypeSubFlowSwitch,
				SubFlow:     "hybrid-details",
				SubFlowStep: "hybrid-intro",
				ReturnTo:    "thanks",
			},
			"to-assistant": {
				Type:    models.StepTypeAction,
				Actions: []models.ActionCall{{Name: action.SetMode, Params: map[string]string{"mode": "assistant"}}},
			},
			"solar-done": {Type: models.StepTypeTerminal, Payload: text("Solar it is, {{.installation_type}}.")},
			"thanks":     {Type: models.StepTypeTerminal, Payload: text("Thanks!")},
		},
	}
}

func hybridFlow() models.FlowDefinition {
	return models.FlowDefinition{
		Name:    "hybrid-details",
		Version: 1,
		Entry:   "hybrid-intro",
		Steps: map[string]models.Step{
			"hybrid-intro": {Type: models.StepTypeQuestion, Payload: text("How many batteries?"), Default: "hybrid-end"},
			"hybrid-end":   {Type: models.StepTypeTerminal, Payload: text(`{{ctx "answers.hybrid-intro"}} batteries noted.`)},
		},
	}
}

type harness struct {
	store  *store.InMemoryStore
	sender *fakeSender
	clock  *clock
	orch   *Orchestrator
	reg    *action.Registry
}

func newHarness(t *testing.T, flows []models.FlowDefinition, opts ...Option) *harness {
	t.Helper()
	s := store.NewInMemoryStore()
	for _, f := range flows {
		require.NoError(t, s.PublishFlow(f))
	}
	reg := action.NewRegistry(action.WithTimeout(200 * time.Millisecond))
	require.NoError(t, action.RegisterBuiltins(reg))
	require.NoError(t, reg.RegisterFunc("boom", func(context.Context, action.Request) (action.Result, error) {
		return action.Result{}, errors.New("backend unavailable")
	}))
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sender := &fakeSender{}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return &harness{
		store:  s,
		sender: sender,
		clock:  c,
		reg:    reg,
		orch:   NewOrchestrator(s, NewDefinitions(s, reg), reg, sender, s, opts...),
	}
}

func (h *harness) say(t *testing.T, evt models.InboundEvent) TurnResult {
	t.Helper()
	evt.From = user
	res, err := h.orch.AdvanceConversation(context.Background(), user, evt)
	require.NoError(t, err)
	return res
}

func (h *harness) conversation(t *testing.T) *models.Conversation {
	t.Helper()
	conv, err := h.store.GetConversationByIdentity(user)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv
}

func textEvent(s string) models.InboundEvent {
	return models.InboundEvent{Kind: models.InboundText, Text: s}
}

func TestNewConversationEntersDefaultFlow(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})

	res := h.say(t, textEvent("hi"))
	assert.Equal(t, models.StepPointer{Flow: "main", Version: 1, Step: "ask-installation-type"}, res.Pointer)
	assert.Len(t, res.Effects, 2)
	assert.Equal(t, []string{"Welcome!", "Which installation do you have?"}, h.sender.bodies())
	assert.Equal(t, user, h.sender.sent[0].Target)
	assert.Equal(t, res.ConversationID+":0:1", h.sender.sent[1].Ref)

	conv := h.conversation(t)
	assert.Equal(t, models.AwaitReply, conv.Awaiting)
	assert.Equal(t, 1, conv.Turn)
}

func TestQuickReplyEntersSubFlow(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})
	h.say(t, textEvent("hi"))

	res := h.say(t, models.InboundEvent{Kind: models.InboundQuickReply, ReplyID: "hybrid", ReplyTitle: "Hybrid"})
	assert.Equal(t, models.StepPointer{Flow: "hybrid-details", Version: 1, Step: "hybrid-intro"}, res.Pointer)

	conv := h.conversation(t)
	assert.Equal(t, "hybrid", conv.Context.Get("installation_type"))
	assert.Equal(t, "hybrid", conv.Context.Get("answers.ask-installation-type"))
	assert.Equal(t, []string{"main@1/thanks"}, Stack(conv.Context))

	res = h.say(t, textEvent(" 3 "))
	assert.Equal(t, models.ConversationArchived, res.Status)
	assert.Equal(t, "thanks", res.Pointer.Step)
	assert.Equal(t, "main", res.Pointer.Flow)
	bodies := h.sender.bodies()
	assert.Equal(t, []string{"3 batteries noted.", "Thanks!"}, bodies[len(bodies)-2:])
	assert.Empty(t, Stack(h.conversation(t).Context))
}

func TestFreeTextAndNumericChoice(t *testing.T) {
	tests := []struct {
		name  string
		input string
		step  string
	}{
		{"option title with accents and case", "  SÓLAR ", "solar-done"},
		{"numeric choice", "2", "hybrid-intro"},
		{"transition key", "hybrid", "hybrid-intro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})
			h.say(t, textEvent("hi"))
			res := h.say(t, textEvent(tt.input))
			assert.Equal(t, tt.step, res.Pointer.Step)
		})
	}
}

func TestNoMatchReasksQuestion(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})
	h.say(t, textEvent("hi"))

	res := h.say(t, textEvent("wind turbine"))
	assert.Equal(t, "ask-installation-type", res.Pointer.Step)
	require.Len(t, res.Effects, 1)
	assert.Equal(t, "Which installation do you have?", res.Effects[0].Message.Body)
	assert.Equal(t, models.ConversationActive, res.Status)
}

func TestActionFaultHandsOver(t *testing.T) {
	def := models.FlowDefinition{
		Name: "main", Version: 1, Entry: "q",
		Steps: map[string]models.Step{
			"q":    {Type: models.StepTypeQuestion, Payload: text("Ready?"), Transitions: map[string]string{"go": "act"}},
			"act":  {Type: models.StepTypeAction, Actions: []models.ActionCall{{Name: "set_context", Params: map[string]string{"stage": "acting"}}, {Name: "boom"}}, Default: "done"},
			"done": {Type: models.StepTypeTerminal},
		},
	}
	h := newHarness(t, []models.FlowDefinition{def})
	h.say(t, textEvent("hi"))
	before := h.conversation(t)

	res := h.say(t, textEvent("go"))
	assert.Contains(t, res.Fault, "backend unavailable")
	assert.Equal(t, models.ConversationHandover, res.Status)
	assert.Equal(t, "q", res.Pointer.Step)
	require.Len(t, res.Effects, 1)
	assert.Equal(t, models.EffectHandover, res.Effects[0].Type)

	conv := h.conversation(t)
	assert.Equal(t, before.Context, conv.Context, "context unchanged after fault")
	assert.False(t, conv.Context.Has("stage"))

	jobs, err := h.store.ListJobs(store.JobStatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, EffectJobKind(models.EffectHandover), jobs[0].Kind)
	assert.Equal(t, conv.ID, jobs[0].Key)

	res = h.say(t, textEvent("go"))
	assert.True(t, res.Skipped, "handover conversations are not interpreted")

	resumed, err := h.orch.Resume(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, resumed.Status)

	_, err = h.orch.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestUnregisteredActionHandsOver(t *testing.T) {
	def := models.FlowDefinition{
		Name: "main", Version: 1, Entry: "act",
		Steps: map[string]models.Step{
			"act": {Type: models.StepTypeAction, Actions: []models.ActionCall{{Name: "not_there"}}},
		},
	}
	h := newHarness(t, []models.FlowDefinition{def})
	res := h.say(t, textEvent("hi"))
	assert.Contains(t, res.Fault, action.ErrActionNotRegistered.Error())
	assert.Equal(t, models.ConversationHandover, res.Status)
}

func TestChainDepthIsBounded(t *testing.T) {
	def := models.FlowDefinition{
		Name: "main", Version: 1, Entry: "a",
		Steps: map[string]models.Step{
			"a": {Type: models.StepTypeMessage, Payload: text("a"), Default: "b"},
			"b": {Type: models.StepTypeMessage, Payload: text("b"), Default: "a"},
		},
	}
	h := newHarness(t, []models.FlowDefinition{def}, WithMaxChainDepth(5))
	res := h.say(t, textEvent("hi"))
	assert.Contains(t, res.Fault, ErrChainDepthExceeded.Error())
	assert.Equal(t, "a", res.Pointer.Step)
	assert.Empty(t, h.sender.sent, "sends from a faulted turn are discarded")
}

func TestBranchAndRecordEffects(t *testing.T) {
	def := models.FlowDefinition{
		Name: "main", Version: 1, Entry: "ask",
		Steps: map[string]models.Step{
			"ask": {Type: models.StepTypeQuestion, Payload: text("Size?"), SaveAs: "size", Default: "route"},
			"route": {Type: models.StepTypeBranch, Branches: []models.BranchRule{
				{Key: "size", Op: models.BranchIn, Values: []string{"l", "xl"}, Target: "big"},
			}, Default: "small"},
			"big": {Type: models.StepTypeAction, Actions: []models.ActionCall{
				{Name: action.Record, Params: map[string]string{"kind": "lead", "fields": "size"}},
			}, Default: "end"},
			"small": {Type: models.StepTypeTerminal, Payload: text("small")},
			"end":   {Type: models.StepTypeTerminal, Payload: text("big")},
		},
	}
	h := newHarness(t, []models.FlowDefinition{def})
	h.say(t, textEvent("hi"))
	res := h.say(t, textEvent("xl"))
	assert.Equal(t, "end", res.Pointer.Step)

	jobs, err := h.store.ListJobs(store.JobStatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, EffectJobKind(models.EffectRecord), jobs[0].Kind)
	assert.Contains(t, jobs[0].PayloadJSON, `"size":"xl"`)
}

func TestSingleActivePointerUnderConcurrency(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})

	const turns = 20
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.AdvanceConversation(context.Background(), user, textEvent("nothing matches this"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv := h.conversation(t)
	assert.Equal(t, turns, conv.Turn, "every turn committed exactly once")
	assert.Equal(t, "ask-installation-type", conv.StepName)
}

func TestIdleTimeoutArchivesAndRestarts(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()}, WithIdleTimeout(30*time.Minute))
	h.say(t, textEvent("hi"))

	n, err := h.orch.ExpireIdle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not idle yet")

	res := h.say(t, models.InboundEvent{Kind: models.InboundTimeout})
	assert.True(t, res.Skipped)

	h.clock.Advance(31 * time.Minute)
	n, err = h.orch.ExpireIdle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conv := h.conversation(t)
	assert.Equal(t, models.ConversationArchived, conv.Status)

	res = h.say(t, textEvent("hello again"))
	assert.Equal(t, models.ConversationActive, res.Status)
	assert.Equal(t, "ask-installation-type", res.Pointer.Step)
	assert.Equal(t, conv.ID, res.ConversationID)
}

func TestTimeoutReminderWaitsFullIdleWindow(t *testing.T) {
	def := mainFlow()
	ask := def.Steps["ask-installation-type"]
	ask.Transitions = map[string]string{"solar": "solar-done", "timeout": "remind"}
	def.Steps["ask-installation-type"] = ask
	def.Steps["remind"] = models.Step{
		Type:        models.StepTypeQuestion,
		Payload:     text("Still there? Solar or hybrid?"),
		Transitions: map[string]string{"solar": "solar-done", "timeout": "thanks"},
	}
	h := newHarness(t, []models.FlowDefinition{def, hybridFlow()}, WithIdleTimeout(24*time.Hour))
	h.say(t, textEvent("hi"))

	h.clock.Advance(25 * time.Hour)
	n, err := h.orch.ExpireIdle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conv := h.conversation(t)
	assert.Equal(t, "remind", conv.StepName)
	assert.Equal(t, models.ConversationActive, conv.Status)

	h.clock.Advance(5 * time.Minute)
	n, err = h.orch.ExpireIdle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "reminder gets a fresh idle window")
	assert.Equal(t, models.ConversationActive, h.conversation(t).Status)

	h.clock.Advance(24 * time.Hour)
	n, err = h.orch.ExpireIdle(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conv = h.conversation(t)
	assert.Equal(t, "thanks", conv.StepName)
	assert.Equal(t, models.ConversationArchived, conv.Status)
}

func TestTimeoutUsesFlowOnTimeout(t *testing.T) {
	def := mainFlow()
	def.OnTimeout = "expired"
	def.Steps["expired"] = models.Step{Type: models.StepTypeTerminal, Payload: text("Session expired.")}
	h := newHarness(t, []models.FlowDefinition{def, hybridFlow()}, WithIdleTimeout(time.Minute))
	h.say(t, textEvent("hi"))

	h.clock.Advance(2 * time.Minute)
	res := h.say(t, models.InboundEvent{Kind: models.InboundTimeout})
	assert.Equal(t, "expired", res.Pointer.Step)
	assert.Equal(t, models.ConversationArchived, res.Status)
	bodies := h.sender.bodies()
	assert.Equal(t, "Session expired.", bodies[len(bodies)-1])
}

func TestAssistantModeAndMenuKeyword(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})
	h.say(t, textEvent("hi"))

	res := h.say(t, textEvent("chat"))
	assert.Equal(t, models.ModeAssistant, res.Mode)
	assert.Equal(t, "to-assistant", res.Pointer.Step)

	res = h.say(t, textEvent("what is a hybrid inverter?"))
	require.Len(t, res.Effects, 1)
	assert.Equal(t, models.EffectAssistantReply, res.Effects[0].Type)
	assert.Equal(t, "what is a hybrid inverter?", res.Effects[0].Text)

	res = h.say(t, textEvent("MENU"))
	assert.Equal(t, models.ModeStructuredFlow, res.Mode)
	assert.Equal(t, "ask-installation-type", res.Pointer.Step)
}

func TestLocationAwaitMismatch(t *testing.T) {
	def := models.FlowDefinition{
		Name: "main", Version: 1, Entry: "where",
		Steps: map[string]models.Step{
			"where": {
				Type:        models.StepTypeQuestion,
				Await:       models.AwaitLocation,
				Payload:     &models.PayloadSpec{Kind: models.PayloadLocationRequest, Body: "Where is the site?"},
				Transitions: map[string]string{KeyLocation: "done", KeyUnexpected: "nudge"},
			},
			"nudge": {Type: models.StepTypeMessage, Payload: text("Please use the location button."), Default: "where"},
			"done":  {Type: models.StepTypeTerminal, Payload: text("Site at {{.location_lat}},{{.location_lng}}")},
		},
	}
	h := newHarness(t, []models.FlowDefinition{def})
	h.say(t, textEvent("hi"))

	res := h.say(t, textEvent("Main street 1"))
	assert.Equal(t, "where", res.Pointer.Step)
	assert.Len(t, res.Effects, 2)

	res = h.say(t, models.InboundEvent{Kind: models.InboundLocation, Location: &models.Location{Latitude: 52.5, Longitude: 13.4}})
	assert.Equal(t, "done", res.Pointer.Step)
	assert.Equal(t, "Site at 52.5,13.4", res.Effects[0].Message.Body)
}

func TestSendFailureRollsBackTurn(t *testing.T) {
	h := newHarness(t, []models.FlowDefinition{mainFlow(), hybridFlow()})
	h.say(t, textEvent("hi"))
	h.sender.err = errors.New("disk full")

	res := h.say(t, textEvent("solar"))
	assert.Equal(t, "ask-installation-type", res.Pointer.Step)
	assert.Equal(t, models.ConversationHandover, res.Status)
	assert.False(t, h.conversation(t).Context.Has("installation_type"))
}

func TestMissingDefaultFlow(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.AdvanceConversation(context.Background(), user, textEvent("hi"))
	assert.ErrorIs(t, err, ErrFlowNotFound)
	_, err = h.orch.AdvanceConversation(context.Background(), " ", textEvent("hi"))
	assert.ErrorIs(t, err, models.ErrEmptyRecipient)
}
