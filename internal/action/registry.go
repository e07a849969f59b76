// Package action provides the registry of named actions that flow steps invoke.
//
// Actions receive a copy of the conversation context and their parameters
// already rendered against it, and return the new context together with any
// effects they want queued. Registration happens at process start; once the
// registry is frozen, further registration is rejected.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// DefaultTimeout bounds a single action invocation.
const DefaultTimeout = 5 * time.Second

var (
	// ErrActionNotRegistered is returned when invoking an unknown action name.
	ErrActionNotRegistered = errors.New("action not registered")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("action registry is frozen")
	// ErrDuplicateAction is returned when a name is registered twice.
	ErrDuplicateAction = errors.New("action already registered")
	// ErrActionTimeout is returned when an action exceeds its time budget.
	ErrActionTimeout = errors.New("action timed out")
	// ErrActionPanic is returned when an action panics.
	ErrActionPanic = errors.New("action panicked")
)

// Env identifies the conversation an action runs for.
type Env struct {
	ConversationID string
	Identity       string
	Flow           string
	Step           string
}

// Request is the input to a handler. Context is the handler's own copy.
type Request struct {
	Env     Env
	Context models.Context
	Params  map[string]string
}

// Result is what a handler hands back to the orchestrator.
// A nil Context means "unchanged". Next, Mode and Awaiting are optional.
type Result struct {
	Context  models.Context
	Effects  []models.Effect
	Next     string
	Mode     models.ConversationMode
	Awaiting string
}

// Handler executes one named action.
type Handler interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Opts holds registry configuration.
type Opts struct {
	Timeout time.Duration
}

// Option configures a Registry.
type Option func(*Opts)

// WithTimeout sets the per-invocation time budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
	timeout  time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		handlers: make(map[string]Handler),
		timeout:  cfg.Timeout,
	}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("action name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		slog.Error("Registry.Register: registry frozen", "name", name)
		return fmt.Errorf("register %s: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateAction)
	}
	r.handlers[name] = h
	slog.Debug("Registry.Register: action registered", "name", name)
	return nil
}

// RegisterFunc is shorthand for Register(name, HandlerFunc(f)).
func (r *Registry) RegisterFunc(name string, f func(ctx context.Context, req Request) (Result, error)) error {
	return r.Register(name, HandlerFunc(f))
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
	slog.Info("Registry.Freeze: action registry frozen", "actions", len(r.handlers))
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the sorted registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke renders params against c and runs the named handler within the
// registry's time budget. The caller's context map is never modified.
func (r *Registry) Invoke(ctx context.Context, name string, env Env, c models.Context, params map[string]string) (Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", name, ErrActionNotRegistered)
	}

	rendered, err := util.RenderAll(params, c)
	if err != nil {
		return Result{}, fmt.Errorf("render params for %s: %w", name, err)
	}

	req := Request{Env: env, Context: c.Clone(), Params: rendered}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Registry.Invoke: action panicked", "name", name, "panic", p)
				done <- outcome{err: fmt.Errorf("%s: %w: %v", name, ErrActionPanic, p)}
			}
		}()
		res, err := h.Invoke(callCtx, req)
		done <- outcome{res: res, err: err}
	}()

	start := time.Now()
	select {
	case out := <-done:
		if out.err != nil {
			slog.Warn("Registry.Invoke: action failed", "name", name, "conversationID", env.ConversationID, "error", out.err)
			return Result{}, out.err
		}
		if out.res.Context == nil {
			out.res.Context = req.Context
		}
		slog.Debug("Registry.Invoke: action completed", "name", name, "conversationID", env.ConversationID,
			"effects", len(out.res.Effects), "next", out.res.Next, "elapsed", time.Since(start))
		return out.res, nil
	case <-callCtx.Done():
		slog.Warn("Registry.Invoke: action timed out", "name", name, "conversationID", env.ConversationID, "timeout", r.timeout)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%s: %w after %s", name, ErrActionTimeout, r.timeout)
		}
		return Result{}, fmt.Errorf("%s: %w", name, callCtx.Err())
	}
}
