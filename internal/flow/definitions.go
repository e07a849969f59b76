package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

var (
	// ErrFlowNotFound is returned when no version of a flow is published.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrStepNotFound is returned when a pointer names a step its flow lacks.
	ErrStepNotFound = errors.New("step not found")
	// ErrUnknownAction is returned on publish when a step names an unregistered action.
	ErrUnknownAction = errors.New("flow references unregistered action")
)

// ActionChecker reports whether an action name can be invoked.
type ActionChecker interface {
	Has(name string) bool
}

// LoadDefinitions parses every *.yaml / *.yml file in dir. Files are read in
// name order.
func LoadDefinitions(dir string) ([]models.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]models.FlowDefinition, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		def, err := ParseDefinition(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ParseDefinition decodes one YAML flow document.
func ParseDefinition(raw []byte) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return models.FlowDefinition{}, fmt.Errorf("%w: %v", models.ErrInvalidFlow, err)
	}
	for name, s := range def.Steps {
		s.Name = name
		def.Steps[name] = s
	}
	return def, nil
}

type versionKey struct {
	name    string
	version int
}

// Definitions resolves flow versions from a FlowRepo and validates new
// ones before they are published. Published versions are immutable, so
// lookups by exact version are cached.
type Definitions struct {
	repo    store.FlowRepo
	actions ActionChecker

	mu    sync.RWMutex
	cache map[versionKey]*models.FlowDefinition
}

// NewDefinitions creates a Definitions over repo. actions may be nil to skip
// action name checks.
func NewDefinitions(repo store.FlowRepo, actions ActionChecker) *Definitions {
	return &Definitions{
		repo:    repo,
		actions: actions,
		cache:   make(map[versionKey]*models.FlowDefinition),
	}
}

// Validate checks def structurally, then checks action names and that every
// sub-flow is either published or present in batch.
func (d *Definitions) Validate(def models.FlowDefinition, batch ...models.FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if d.actions != nil {
		for _, name := range def.ActionNames() {
			if !d.actions.Has(name) {
				return fmt.Errorf("%w: %q in flow %s", ErrUnknownAction, name, def.Name)
			}
		}
	}
	for _, sub := range def.SubFlows() {
		if sub == def.Name || inBatch(sub, batch) {
			continue
		}
		active, err := d.repo.GetActiveFlow(sub)
		if err != nil {
			return fmt.Errorf("failed to resolve sub-flow %s: %w", sub, err)
		}
		if active == nil {
			return fmt.Errorf("%w: sub-flow %q of %s is not published", ErrFlowNotFound, sub, def.Name)
		}
	}
	return nil
}

func inBatch(name string, batch []models.FlowDefinition) bool {
	for _, b := range batch {
		if b.Name == name {
			return true
		}
	}
	return false
}

// Publish validates def and stores it as the active version of its name.
func (d *Definitions) Publish(def models.FlowDefinition) error {
	if err := d.Validate(def); err != nil {
		slog.Error("Definitions.Publish: validation failed", "flow", def.Name, "version", def.Version, "error", err)
		return err
	}
	if err := d.repo.PublishFlow(def); err != nil {
		return err
	}
	slog.Info("Definitions.Publish: flow published", "flow", def.Name, "version", def.Version)
	return nil
}

// PublishAll validates the whole batch first, then publishes each
// definition. Versions that already exist are skipped, so loading the same
// directory twice is harmless. It returns how many versions were new.
func (d *Definitions) PublishAll(defs []models.FlowDefinition) (int, error) {
	for _, def := range defs {
		if err := d.Validate(def, defs...); err != nil {
			return 0, fmt.Errorf("flow %s v%d: %w", def.Name, def.Version, err)
		}
	}
	published := 0
	for _, def := range defs {
		err := d.repo.PublishFlow(def)
		if errors.Is(err, store.ErrFlowVersionExists) {
			slog.Debug("Definitions.PublishAll: version already published", "flow", def.Name, "version", def.Version)
			continue
		}
		if err != nil {
			return published, fmt.Errorf("flow %s v%d: %w", def.Name, def.Version, err)
		}
		published++
	}
	return published, nil
}

// SyncDir loads dir and publishes every new version found there.
func (d *Definitions) SyncDir(dir string) (int, error) {
	defs, err := LoadDefinitions(dir)
	if err != nil {
		return 0, err
	}
	n, err := d.PublishAll(defs)
	if err != nil {
		return n, err
	}
	slog.Info("Definitions.SyncDir: flows loaded", "dir", dir, "files", len(defs), "published", n)
	return n, nil
}

// Active returns the active version of name.
func (d *Definitions) Active(name string) (*models.FlowDefinition, error) {
	def, err := d.repo.GetActiveFlow(name)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, name)
	}
	d.remember(def)
	return def, nil
}

// Get returns (name, version), falling back to the active version when the
// pinned one is gone.
func (d *Definitions) Get(name string, version int) (*models.FlowDefinition, error) {
	key := versionKey{name, version}
	d.mu.RLock()
	def, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := d.repo.GetFlowVersion(name, version)
	if err != nil {
		return nil, err
	}
	if def == nil {
		slog.Warn("Definitions.Get: pinned version missing, using active", "flow", name, "version", version)
		return d.Active(name)
	}
	d.remember(def)
	return def, nil
}

// List returns every published version.
func (d *Definitions) List() ([]models.FlowDefinition, error) {
	return d.repo.ListFlows()
}

func (d *Definitions) remember(def *models.FlowDefinition) {
	d.mu.Lock()
	d.cache[versionKey{def.Name, def.Version}] = def
	d.mu.Unlock()
}

// Step resolves p to its flow definition and step.
func (d *Definitions) Step(p models.StepPointer) (*models.FlowDefinition, models.Step, error) {
	def, err := d.Get(p.Flow, p.Version)
	if err != nil {
		return nil, models.Step{}, err
	}
	step, ok := def.Step(p.Step)
	if !ok {
		return def, models.Step{}, fmt.Errorf("%w: %s@%d/%s", ErrStepNotFound, p.Flow, def.Version, p.Step)
	}
	return def, step, nil
}
