package hierarchy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Lifecycle is the set of hook bodies a host calls around its writes.
// All calls for one write must share one transaction-bound Store.
type Lifecycle interface {
	BeforeInsert(ctx context.Context, st Store, rec Record, opts *WriteOptions) error
	AfterInsert(ctx context.Context, st Store, rec Record, opts *WriteOptions) error
	BeforeUpdate(ctx context.Context, st Store, rec Record, prev *Previous, opts *WriteOptions) error
	BeforeBulkInsert(ctx context.Context, st Store, recs []Record, opts *WriteOptions) error
	AfterBulkInsert(ctx context.Context, st Store, recs []Record, opts *WriteOptions) error
	BeforeBulkUpdate(ctx context.Context, st Store, ids []ID, newParent ID, opts *WriteOptions) (map[ID]int, error)
}

var _ Lifecycle = (*Hierarchy)(nil)

// Hierarchy is a registered hierarchical entity type.
type Hierarchy struct {
	cfg      Config
	registry *Registry
}

// Config returns the resolved configuration.
func (h *Hierarchy) Config() Config {
	return h.cfg
}

// Name returns the entity type name.
func (h *Hierarchy) Name() string {
	return h.cfg.Name
}

func (h *Hierarchy) logger() *slog.Logger {
	if h.registry == nil {
		return slog.Default()
	}
	return h.registry.Logger()
}

func (h *Hierarchy) metrics() *Metrics {
	if h.registry == nil {
		return nil
	}
	return h.registry.Metrics()
}

// Registry holds the hierarchical entity types known to a host.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Hierarchy
	byTable map[string]*Hierarchy
	logger  *slog.Logger
	metrics *Metrics
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Hierarchy),
		byTable: make(map[string]*Hierarchy),
	}
}

// SetLogger sets the logger used by hooks and rebuilds. Nil restores slog.Default().
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Logger returns the configured logger, or slog.Default().
func (r *Registry) Logger() *slog.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// SetMetrics sets the metrics sink. Nil disables metrics.
func (r *Registry) SetMetrics(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Metrics returns the metrics sink, or nil.
func (r *Registry) Metrics() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// Register validates cfg and adds the entity type to the registry.
func (r *Registry) Register(cfg Config) (*Hierarchy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[cfg.Name]; exists {
		return nil, invalidConfig("hierarchy %q is already registered", cfg.Name)
	}
	tableKey := qualified(cfg.Schema, cfg.Table)
	if other, exists := r.byTable[tableKey]; exists {
		return nil, invalidConfig("table %q is already used by hierarchy %q", tableKey, other.cfg.Name)
	}

	h := &Hierarchy{cfg: cfg, registry: r}
	r.byName[cfg.Name] = h
	r.byTable[tableKey] = h
	return h, nil
}

// MustRegister is like Register but panics on error.
// This should be called during init() for each hierarchical type.
func (r *Registry) MustRegister(cfg Config) *Hierarchy {
	h, err := r.Register(cfg)
	if err != nil {
		panic(err)
	}
	return h
}

// Lookup returns the hierarchy registered under name.
func (r *Registry) Lookup(name string) (*Hierarchy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// ByTable returns the hierarchy whose entity table is table.
func (r *Registry) ByTable(schema, table string) (*Hierarchy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byTable[qualified(schema, table)]
	return h, ok
}

// IsHierarchical reports whether name is a registered hierarchy.
func (r *Registry) IsHierarchical(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// All returns every registered hierarchy sorted by name.
func (r *Registry) All() []*Hierarchy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hierarchy, 0, len(r.byName))
	for _, h := range r.byName {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

func qualified(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}
