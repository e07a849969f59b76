package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// Built-in action names.
const (
	SetContext       = "set_context"
	ClearContext     = "clear_context"
	SetMode          = "set_mode"
	RequestLocation  = "request_location"
	Record           = "record"
	SyncCatalogItem  = "sync_catalog_item"
	Handover         = "handover"
	Goto             = "goto"
	Increment        = "increment"
	defaultLocateAsk = "Please share your location."
)

// RegisterBuiltins registers every built-in action on r.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]HandlerFunc{
		SetContext:      setContext,
		ClearContext:    clearContext,
		SetMode:         setMode,
		RequestLocation: requestLocation,
		Record:          recordFields,
		SyncCatalogItem: syncCatalogItem,
		Handover:        handover,
		Goto:            gotoStep,
		Increment:       increment,
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// setContext copies every param into the context.
func setContext(_ context.Context, req Request) (Result, error) {
	return Result{Context: req.Context.Merge(req.Params)}, nil
}

// clearContext removes the comma separated "keys" param.
func clearContext(_ context.Context, req Request) (Result, error) {
	return Result{Context: req.Context.Without(splitList(req.Params["keys"])...)}, nil
}

func setMode(_ context.Context, req Request) (Result, error) {
	mode := models.ConversationMode(strings.TrimSpace(req.Params["mode"]))
	if !models.IsValidMode(mode) {
		return Result{}, fmt.Errorf("set_mode: invalid mode %q", mode)
	}
	return Result{Mode: mode}, nil
}

func requestLocation(_ context.Context, req Request) (Result, error) {
	body := req.Params["body"]
	if strings.TrimSpace(body) == "" {
		body = defaultLocateAsk
	}
	return Result{
		Effects: []models.Effect{{
			Type:           models.EffectSend,
			ConversationID: req.Env.ConversationID,
			Target:         req.Env.Identity,
			Message:        &models.PayloadSpec{Kind: models.PayloadLocationRequest, Body: body},
			Ref:            req.Env.Step,
		}},
		Awaiting: models.AwaitLocation,
	}, nil
}

// recordFields emits a business record. Fields come from the comma separated
// "fields" param (context keys) and from any "field.<name>" param.
func recordFields(_ context.Context, req Request) (Result, error) {
	kind := strings.TrimSpace(req.Params["kind"])
	if kind == "" {
		return Result{}, fmt.Errorf("record: kind is required")
	}
	fields := make(map[string]string)
	for _, key := range splitList(req.Params["fields"]) {
		fields[key] = req.Context.Get(key)
	}
	for k, v := range req.Params {
		if name, ok := strings.CutPrefix(k, "field."); ok {
			fields[name] = v
		}
	}
	return Result{Effects: []models.Effect{{
		Type:           models.EffectRecord,
		ConversationID: req.Env.ConversationID,
		Record: &models.BusinessRecord{
			ID:             util.GenerateRecordID(),
			Kind:           kind,
			ConversationID: req.Env.ConversationID,
			Identity:       req.Env.Identity,
			Fields:         fields,
			CreatedAt:      time.Now(),
		},
	}}}, nil
}

func syncCatalogItem(_ context.Context, req Request) (Result, error) {
	id := strings.TrimSpace(req.Params["retailer_id"])
	if id == "" {
		return Result{}, fmt.Errorf("sync_catalog_item: retailer_id is required")
	}
	return Result{Effects: []models.Effect{{
		Type:           models.EffectSyncEntity,
		ConversationID: req.Env.ConversationID,
		Ref:            id,
	}}}, nil
}

func handover(_ context.Context, req Request) (Result, error) {
	return Result{Effects: []models.Effect{{
		Type:           models.EffectHandover,
		ConversationID: req.Env.ConversationID,
		Target:         req.Env.Identity,
		Text:           req.Params["reason"],
		Ref:            req.Env.Step,
	}}}, nil
}

// gotoStep picks the next step from the "step" param, or from the context
// value named by "key" with an optional "prefix".
func gotoStep(_ context.Context, req Request) (Result, error) {
	if step := strings.TrimSpace(req.Params["step"]); step != "" {
		return Result{Next: step}, nil
	}
	key := strings.TrimSpace(req.Params["key"])
	if key == "" {
		return Result{}, fmt.Errorf("goto: step or key is required")
	}
	val := req.Context.Get(key)
	if val == "" {
		return Result{}, nil
	}
	return Result{Next: req.Params["prefix"] + val}, nil
}

func increment(_ context.Context, req Request) (Result, error) {
	key := strings.TrimSpace(req.Params["key"])
	if key == "" {
		return Result{}, fmt.Errorf("increment: key is required")
	}
	by := 1
	if s := strings.TrimSpace(req.Params["by"]); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Result{}, fmt.Errorf("increment: invalid by %q: %w", s, err)
		}
		by = n
	}
	next := req.Context.Int(key, 0) + by
	return Result{Context: req.Context.With(key, strconv.Itoa(next))}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
