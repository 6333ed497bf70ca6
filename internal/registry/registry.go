// Package registry is the dispatch table for job execution: it maps a
// job kind to the handler that runs it. Adapted from the teacher's
// internal/jobs/runtime/registry.go, generalized from a single gorm-backed
// job_type column to the kind-agnostic job.Job record.
package registry

import (
	"fmt"
	"sync"

	"github.com/quantdesk/marketjobs/internal/execctx"
)

// Handler is the minimal contract a job kind implementation must satisfy.
// Execute must honor ec.Ctx.Done() promptly (spec section 5) and is free
// to call ec.Progress any number of times. DeclaredCapabilities, if
// non-empty, gates eligibility per spec section 4.2.
type Handler interface {
	Kind() string
	Execute(ec *execctx.Context) (map[string]any, error)
	DeclaredCapabilities() []string
}

// Registry is a concurrency-safe kind -> handler map. Registration is
// expected to happen once at process startup and is closed thereafter;
// lookups happen concurrently from every worker goroutine.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to its kind. Duplicate registration for the
// same kind is a fatal wiring error, not a runtime condition: failing
// fast at startup beats silently picking one of two handlers later.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("registry: nil handler")
	}
	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("registry: handler Kind() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("registry: handler already registered for kind=%s", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Get retrieves the handler responsible for kind, if any.
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns every registered kind, used to build a worker's
// WorkerRecord.Kinds as the union of its registered handlers.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// RequiredCapabilities returns the capability tags DeclaredCapabilities
// reports for kind, or nil if kind is unregistered or declares none.
func (r *Registry) RequiredCapabilities(kind string) []string {
	h, ok := r.Get(kind)
	if !ok {
		return nil
	}
	return h.DeclaredCapabilities()
}
