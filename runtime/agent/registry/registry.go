// Package registry maintains the catalog of agent definitions. The catalog
// is authoritative in memory and eventually consistent with the optional
// persistent store: a failed write is logged, never surfaced, so operators
// keep a working registry through storage outages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/maestro/runtime/agent/guard"
	"goa.design/maestro/runtime/agent/telemetry"
	"goa.design/maestro/runtime/agent/variables"
)

type (
	// Status is an agent definition's lifecycle state.
	Status string

	// Definition is one reusable agent configuration.
	Definition struct {
		// Name is the unique catalog key.
		Name string `json:"name" bson:"name"`
		// Description explains what the agent does.
		Description string `json:"description,omitempty" bson:"description,omitempty"`
		// Policy declares the run limits the guard enforces.
		Policy guard.Policy `json:"policy" bson:"policy"`
		// Variables is the ordered agent-specific variable schema.
		Variables []variables.Meta `json:"variables,omitempty" bson:"variables,omitempty"`
		// PromptTemplate is the system prompt with {placeholders}.
		PromptTemplate string `json:"prompt_template" bson:"prompt_template"`
		// DefaultTask is used when the caller supplies no task.
		DefaultTask string `json:"default_task,omitempty" bson:"default_task,omitempty"`
		// Status is active or retired.
		Status Status `json:"status" bson:"status"`
		// CreatedAt is set once on first registration.
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		// UpdatedAt is refreshed on every registration.
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Store persists agent definitions. Implementations live under
	// features/registry.
	Store interface {
		SaveAgent(ctx context.Context, def Definition) error
		DeleteAgent(ctx context.Context, name string) error
		LoadAgents(ctx context.Context) ([]Definition, error)
	}

	// Options configures a Registry.
	Options struct {
		// Store is the optional persistent backend.
		Store Store
		// Protected names cannot be deleted.
		Protected []string
		// Logger receives persistence failures. Defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Registry is the in-memory agent catalog. Safe for concurrent use.
	Registry struct {
		mu        sync.RWMutex
		agents    map[string]Definition
		store     Store
		protected map[string]struct{}
		log       telemetry.Logger
		now       func() time.Time
	}
)

// Agent lifecycle states.
const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// ErrNotFound signals an unknown agent name.
var ErrNotFound = errors.New("registry: agent not found")

// New constructs a Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	protected := make(map[string]struct{}, len(opts.Protected))
	for _, name := range opts.Protected {
		protected[name] = struct{}{}
	}
	return &Registry{
		agents:    make(map[string]Definition),
		store:     opts.Store,
		protected: protected,
		log:       logger,
		now:       time.Now,
	}
}

// Load hydrates the in-memory catalog from the persistent store. Definitions
// already registered in memory are kept over stored ones.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	defs, err := r.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("registry: load agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if _, ok := r.agents[def.Name]; !ok {
			r.agents[def.Name] = def
		}
	}
	return nil
}

// Register upserts a definition by name. CreatedAt is set once; UpdatedAt is
// refreshed on every call. The write-through to the persistent store is
// best-effort: failures are logged and the in-memory catalog still updates.
func (r *Registry) Register(ctx context.Context, def Definition) (Definition, error) {
	if strings.TrimSpace(def.Name) == "" {
		return Definition{}, errors.New("registry: agent name is required")
	}
	if def.Status == "" {
		def.Status = StatusActive
	}
	now := r.now().UTC()
	r.mu.Lock()
	if existing, ok := r.agents[def.Name]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	r.agents[def.Name] = def
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SaveAgent(ctx, def); err != nil {
			r.log.Error(ctx, "agent persist failed", "agent", def.Name, "err", err)
		}
	}
	return def, nil
}

// Get returns the named definition or ErrNotFound.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return def, nil
}

// List returns definitions matching the status filter, sorted by name. An
// empty status matches everything.
func (r *Registry) List(status Status) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.agents))
	for _, def := range r.agents {
		if status != "" && def.Status != status {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Delete removes a definition from memory and storage. Protected names are a
// no-op returning false, as is an unknown name. The storage delete is
// best-effort like Register's write-through.
func (r *Registry) Delete(ctx context.Context, name string) bool {
	if _, ok := r.protected[name]; ok {
		r.log.Warn(ctx, "refusing to delete protected agent", "agent", name)
		return false
	}
	r.mu.Lock()
	_, ok := r.agents[name]
	if ok {
		delete(r.agents, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.store != nil {
		if err := r.store.DeleteAgent(ctx, name); err != nil {
			r.log.Error(ctx, "agent delete persist failed", "agent", name, "err", err)
		}
	}
	return true
}
