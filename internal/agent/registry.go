package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/no-man-is-an-island/toshtogo/internal/core"
)

// HandlerFunc executes one claimed contract and returns the result body.
// The context is cancelled when the server instructs the agent to stop;
// handlers are expected to notice and return promptly.
type HandlerFunc func(ctx context.Context, work *core.ContractView) (json.RawMessage, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(jobType string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler for job type %q already registered", jobType)
	}
	r.handlers[jobType] = fn
	return nil
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.handlers[jobType]
	return fn, ok
}

// JobTypes lists the registered job types.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	return types
}
