// Package workflow defines the unit-of-work contract the orchestrator drives
// and the registry workflow implementations are resolved from.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DirectQueryID is the id of the built-in LLM pass-through workflow.
const DirectQueryID = "direct_query"

// Request carries the inputs of one workflow execution. Params is an open
// pass-through for workflow-specific knobs.
type Request struct {
	UserPrompt   string
	SystemPrompt string
	History      []map[string]any
	Params       map[string]any
}

// Result is one document produced by a workflow run. A workflow that fails
// mid-stream reports it through Err on its final result.
type Result struct {
	Response map[string]any
	Status   string
	Data     any
	Err      error
}

// Workflow produces a finite stream of result documents. The returned channel
// is closed when the run ends; a consumed stream cannot be replayed.
type Workflow interface {
	Execute(ctx context.Context, req Request) (<-chan Result, error)
}

// Factory builds a workflow instance for one execution.
type Factory func() (Workflow, error)

// Registry maps workflow ids to factories. Adding a workflow is a
// registration, not a dispatch edit.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a factory to a workflow id, overwriting any previous
// registration for that id.
func (r *Registry) Register(id string, f Factory) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("workflow: id must not be empty")
	}
	if f == nil {
		return errors.New("workflow: factory must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	return nil
}

// Resolve builds a workflow instance for the given id.
func (r *Registry) Resolve(id string) (Workflow, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow: unknown workflow %q", id)
	}
	return f()
}

// IDs returns the registered workflow ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
