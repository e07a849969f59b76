package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FormResult is what a form processor extracts from a submission.
type FormResult struct {
	// Records are written to the business record sink. Records without an ID
	// get one derived from the submission's message id, so a redelivered
	// submission does not store them twice.
	Records []models.BusinessRecord
	// Continue re-enters the orchestrator with a form event.
	Continue bool
	// Fields replaces the submitted fields on the re-entered event when non-nil.
	Fields map[string]string
}

// FormProcessor handles submissions of one named form.
type FormProcessor interface {
	Process(ctx context.Context, evt models.InboundEvent) (FormResult, error)
}

// FormProcessorFunc adapts a function to FormProcessor.
type FormProcessorFunc func(ctx context.Context, evt models.InboundEvent) (FormResult, error)

// Process calls f.
func (f FormProcessorFunc) Process(ctx context.Context, evt models.InboundEvent) (FormResult, error) {
	return f(ctx, evt)
}

// FormRegistry maps form names to processors.
type FormRegistry struct {
	mu         sync.RWMutex
	processors map[string]FormProcessor
}

// NewFormRegistry creates an empty registry.
func NewFormRegistry() *FormRegistry {
	return &FormRegistry{processors: make(map[string]FormProcessor)}
}

// Register sets the processor for name, replacing any previous one.
func (r *FormRegistry) Register(name string, p FormProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[name] = p
}

// Lookup returns the processor for name.
func (r *FormRegistry) Lookup(name string) (FormProcessor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// Names returns the registered form names, sorted.
func (r *FormRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for n := range r.processors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RecordFields is a processor that stores every submitted field (except the
// flow token) as one business record of kind and continues the flow.
func RecordFields(kind string) FormProcessor {
	return FormProcessorFunc(func(_ context.Context, evt models.InboundEvent) (FormResult, error) {
		fields := make(map[string]string, len(evt.Form))
		for k, v := range evt.Form {
			if k != "flow_token" {
				fields[k] = v
			}
		}
		return FormResult{
			Records: []models.BusinessRecord{{
				Kind:      kind,
				Identity:  evt.From,
				Fields:    fields,
				CreatedAt: time.Now(),
			}},
			Continue: true,
			Fields:   fields,
		}, nil
	})
}
