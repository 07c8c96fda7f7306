package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-mirror-router/services"
	"go.uber.org/zap"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrEmptyRegistry is returned when a reload would leave no providers
	ErrEmptyRegistry = errors.New("registry must contain at least one provider")
)

// Snapshot is an immutable view of the registry. Readers hold on to one snapshot
// for the whole of a routing decision.
type Snapshot struct {
	version   uint64
	source    string
	loadedAt  time.Time
	providers []Descriptor
	index     map[string]int
	clients   map[string]Provider
	commands  map[string]CommandSpec
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		index:    map[string]int{},
		clients:  map[string]Provider{},
		commands: map[string]CommandSpec{},
	}
}

// List returns descriptors ordered by priority then id
func (s *Snapshot) List() []Descriptor {
	return append([]Descriptor(nil), s.providers...)
}

// IDs returns provider ids in list order
func (s *Snapshot) IDs() []string {
	ids := make([]string, len(s.providers))
	for i, d := range s.providers {
		ids[i] = d.ID
	}
	return ids
}

// Get returns the descriptor for id
func (s *Snapshot) Get(id string) (Descriptor, bool) {
	i, ok := s.index[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.providers[i], true
}

// Client returns the adapter built for id
func (s *Snapshot) Client(id string) (Provider, bool) {
	p, ok := s.clients[id]
	return p, ok
}

// FindByModel returns the first provider (in list order) serving model
func (s *Snapshot) FindByModel(model string) (Descriptor, bool) {
	for _, d := range s.providers {
		if d.Model == model {
			return d, true
		}
	}
	return Descriptor{}, false
}

// MostExpensive returns the provider with the highest combined token price
func (s *Snapshot) MostExpensive() (Descriptor, bool) {
	var best Descriptor
	found := false
	for _, d := range s.providers {
		if !found || d.PricePerMillion() > best.PricePerMillion() {
			best = d
			found = true
		}
	}
	return best, found
}

// Command returns the CommandSpec registered under name
func (s *Snapshot) Command(name string) (CommandSpec, bool) {
	c, ok := s.commands[name]
	return c, ok
}

// Commands returns all command specs sorted by name
func (s *Snapshot) Commands() []CommandSpec {
	out := make([]CommandSpec, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of providers
func (s *Snapshot) Len() int { return len(s.providers) }

// Version increases by one on every committed reload
func (s *Snapshot) Version() uint64 { return s.version }

// Source names where the snapshot was loaded from
func (s *Snapshot) Source() string { return s.source }

// LoadedAt returns when the snapshot was committed
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Option configures a Registry
type Option func(*Registry)

// WithCommandHandlers restricts command specs to the given local handler names
func WithCommandHandlers(names ...string) Option {
	return func(r *Registry) {
		for _, n := range names {
			r.knownHandlers[n] = struct{}{}
		}
	}
}

// Registry publishes provider descriptors as atomically swapped snapshots
type Registry struct {
	current       atomic.Pointer[Snapshot]
	mu            sync.Mutex
	factory       *Factory
	knownHandlers map[string]struct{}
	observers     []func(*Snapshot)
	logger        *zap.Logger
}

// NewRegistry creates an empty registry. factory may be nil when adapters are not needed.
func NewRegistry(factory *Factory, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		factory:       factory,
		knownHandlers: make(map[string]struct{}),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot())
	return r
}

// OnReload registers fn to run after every committed reload
func (r *Registry) OnReload(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Snapshot returns the current snapshot; it is never nil
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Inspect runs fn on the current snapshot while holding the reload lock,
// so every OnReload observer has already seen that snapshot
func (r *Registry) Inspect(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.current.Load())
}

// List returns the current providers
func (r *Registry) List() []Descriptor {
	return r.Snapshot().List()
}

// Get returns the descriptor for id or ErrProviderNotFound
func (r *Registry) Get(id string) (Descriptor, error) {
	d, ok := r.Snapshot().Get(id)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return d, nil
}

// Reload loads a catalog from src and replaces the whole registry.
// On any error the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context, src Source) error {
	cat, err := src.Load(ctx)
	if err != nil {
		return services.NewConfigError(fmt.Sprintf("load registry from %s", src), err)
	}
	return r.Apply(cat, src.String())
}

// Apply validates cat, builds adapters and swaps the snapshot in
func (r *Registry) Apply(cat *Catalog, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.build(cat)
	if err != nil {
		r.logger.Error("registry reload rejected",
			zap.String("source", source),
			zap.Error(err))
		return services.NewConfigError("invalid registry", err).WithDetail("source", source)
	}

	prev := r.current.Load()
	next.version = prev.version + 1
	next.source = source
	next.loadedAt = time.Now()
	r.current.Store(next)

	r.logger.Info("registry loaded",
		zap.String("source", source),
		zap.Uint64("version", next.version),
		zap.Int("providers", next.Len()),
		zap.Int("commands", len(next.commands)))

	for _, fn := range r.observers {
		fn(next)
	}
	return nil
}

func (r *Registry) build(cat *Catalog) (*Snapshot, error) {
	if cat == nil || len(cat.Providers) == 0 {
		return nil, ErrEmptyRegistry
	}

	snap := emptySnapshot()
	snap.providers = make([]Descriptor, 0, len(cat.Providers))
	for _, d := range cat.Providers {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := snap.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", d.ID)
		}
		snap.index[d.ID] = -1
		snap.providers = append(snap.providers, d)
	}

	sort.SliceStable(snap.providers, func(i, j int) bool {
		if snap.providers[i].Priority != snap.providers[j].Priority {
			return snap.providers[i].Priority < snap.providers[j].Priority
		}
		return snap.providers[i].ID < snap.providers[j].ID
	})
	for i, d := range snap.providers {
		snap.index[d.ID] = i
	}

	if r.factory != nil {
		for _, d := range snap.providers {
			client, err := r.factory.Build(d)
			if err != nil {
				return nil, err
			}
			snap.clients[d.ID] = client
		}
	}

	for _, c := range cat.Commands {
		c = c.Normalize()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := snap.commands[c.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", c.Name)
		}
		if c.Handler != "" && len(r.knownHandlers) > 0 {
			if _, ok := r.knownHandlers[c.Handler]; !ok {
				return nil, fmt.Errorf("command %s: unknown handler %q", c.Name, c.Handler)
			}
		}
		snap.commands[c.Name] = c
	}

	return snap, nil
}
