package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnknownFunction is reported upstream for calls with no registered
// executor.
var ErrUnknownFunction = errors.New("unknown function")

// Call is one function invocation requested by the remote model.
type Call struct {
	ID             string
	Name           string
	Arguments      map[string]any
	RawArguments   string
	ConversationID string
}

// Text returns the "text" argument when present.
func (c Call) Text() string {
	s, _ := c.Arguments["text"].(string)
	return s
}

// Executor runs a function call and returns its textual result.
type Executor interface {
	Execute(ctx context.Context, call Call) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (string, error) { return f(ctx, call) }

// Registry maps function names to executors. It is shared by all sessions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Executor)}
}

// RegisterHandler binds name to ex, replacing any previous binding.
func (r *Registry) RegisterHandler(name string, ex Executor) {
	r.mu.Lock()
	r.handlers[name] = ex
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.handlers[name]
	return ex, ok
}

// Names lists registered functions in sorted order.
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
