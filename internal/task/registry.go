// Package task provides the name → handler registry consumed by workers and
// the manager. The registry is populated once at process start and injected
// explicitly; there is no package-level default.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cmorrow/taskd/internal/job"
)

// Handler executes one job and returns its result value. Returning a
// *ExecutionError marks the attempt as a retryable task failure; any other
// non-nil error is treated as fatal by default.
type Handler func(ctx context.Context, j *job.Job) (any, error)

// ErrNotFound is returned by Lookup for an unregistered task name.
var ErrNotFound = errors.New("task not found")

// ExecutionError is the distinguished error a handler returns for an
// expected, retry-eligible task failure.
type ExecutionError struct {
	Message string
	Trace   string
}

func (e *ExecutionError) Error() string { return e.Message }

// Failf builds a retryable task failure.
func Failf(format string, args ...any) *ExecutionError {
	return &ExecutionError{Message: fmt.Sprintf(format, args...)}
}

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with name. Registering the same name twice is an
// error; handlers are never replaced at runtime.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("task: name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("task %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup resolves name to its handler.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// Names returns all registered task names, sorted.
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
