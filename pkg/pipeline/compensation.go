package pipeline

import (
	"context"
	"sync"

	"github.com/quorumlabs/aegis/pkg/contracts"
)

// CompensationFunc undoes the observable effect of a previously executed
// call, best effort. It runs at most once per failed execution.
type CompensationFunc func(ctx context.Context, call contracts.ProposedToolCall, result any) error

// CompensationRegistry maps tool names to their undo actions. Tools
// without an entry simply have nothing to compensate with; that is not an
// error.
type CompensationRegistry struct {
	mu    sync.RWMutex
	funcs map[string]CompensationFunc
}

// NewCompensationRegistry creates an empty registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{funcs: make(map[string]CompensationFunc)}
}

// Register sets the compensation action for a tool, replacing any
// previous one.
func (r *CompensationRegistry) Register(tool string, fn CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[tool] = fn
}

// Lookup returns the compensation action for a tool, if any.
func (r *CompensationRegistry) Lookup(tool string) (CompensationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[tool]
	return fn, ok
}
