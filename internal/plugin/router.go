package plugin

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Router keeps the registry of named backends and dispatches queries to them.
// It performs no I/O itself.
type Router struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]Plugin
	logger  *zap.Logger
}

// NewRouter creates an empty Router. A nil logger is replaced with a no-op.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		plugins: make(map[string]Plugin),
		logger:  logger,
	}
}

// Register adds a backend under the given name, overwriting any existing
// registration. A re-registered name keeps its original scan position.
func (r *Router) Register(name string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; !exists {
		r.order = append(r.order, name)
	}
	r.plugins[name] = p
	r.logger.Info("registered plugin", zap.String("plugin", name))
}

// Get returns the backend registered under name, if any.
func (r *Router) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Execute dispatches a query. An explicit Params.Plugin name wins; otherwise
// the first registered backend whose Validate accepts the query is used. The
// chosen backend's result is propagated verbatim, including its own error
// shape.
func (r *Router) Execute(ctx context.Context, query string, p Params) Result {
	if p.Plugin != "" {
		backend, ok := r.Get(p.Plugin)
		if !ok {
			return Result{Status: "error", Message: "Plugin not found: " + p.Plugin, Query: query}
		}
		return backend.Process(ctx, query, p)
	}

	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range names {
		backend, ok := r.Get(name)
		if !ok {
			continue
		}
		if backend.Validate(query, p) {
			r.logger.Info("selected plugin by validation", zap.String("plugin", name))
			return backend.Process(ctx, query, p)
		}
	}

	return Result{Status: "error", Message: "No suitable plugin found", Query: query}
}

// Capabilities returns, for each registered backend, its name merged with its
// self-reported capability descriptor. Introspection only.
func (r *Router) Capabilities() []map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]string, 0, len(r.order))
	for _, name := range r.order {
		p, ok := r.plugins[name]
		if !ok {
			continue
		}
		entry := map[string]string{"id": name}
		for k, v := range p.Capabilities() {
			entry[k] = v
		}
		out = append(out, entry)
	}
	return out
}
