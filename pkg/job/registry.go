package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is a job body. args and kwargs are the job's stored arguments.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps func references to bodies. Persisted jobs name their body
// through a reference so they can be resolved again after a restart.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register adds fn under ref. Registering the same ref twice is an error.
func (r *Registry) Register(ref string, fn Func) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("register: empty func ref")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil func", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[ref]; ok {
		return fmt.Errorf("register %q: already registered", ref)
	}
	r.funcs[ref] = fn
	return nil
}

// MustRegister is Register for package init paths.
func (r *Registry) MustRegister(ref string, fn Func) {
	if err := r.Register(ref, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(ref string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobLookup, ref)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
