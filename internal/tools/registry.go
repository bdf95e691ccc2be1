package tools

import (
	"slices"
	"strings"
	"sync"
)

// Registry is a concurrency-safe set of tools keyed by name. Tools added
// through ReplaceOwned are tracked per owner so one owner's set can be swapped
// or dropped without touching anyone else's.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	owners map[string]string   // tool name -> owner
	owned  map[string][]string // owner -> tool names

	lmu       sync.Mutex
	nextID    int
	listeners map[int]func()
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		owners:    make(map[string]string),
		owned:     make(map[string][]string),
		listeners: make(map[int]func()),
	}
}

// Register adds or replaces an unowned tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.disownLocked(t.Name())
	r.tools[t.Name()] = t
	r.mu.Unlock()
	r.notify()
}

// Unregister removes a tool by name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.disownLocked(name)
	r.mu.Unlock()
	if ok {
		r.notify()
	}
	return ok
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every tool sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// Names returns sorted tool names matching prefix (all names for "").
func (r *Registry) Names(prefix string) []string {
	r.mu.RLock()
	var out []string
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ReplaceOwned atomically swaps owner's tools for tools. Readers never
// observe a partially replaced set. Names already held by another owner, or
// registered unowned, are left alone and returned as conflicts.
func (r *Registry) ReplaceOwned(owner string, tools []Tool) (conflicts []string) {
	r.mu.Lock()
	r.removeOwnedLocked(owner)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		name := t.Name()
		if _, taken := r.tools[name]; taken {
			conflicts = append(conflicts, name)
			continue
		}
		r.tools[name] = t
		r.owners[name] = owner
		names = append(names, name)
	}
	if len(names) > 0 {
		r.owned[owner] = names
	}
	r.mu.Unlock()
	r.notify()
	return conflicts
}

// UnregisterOwned removes every tool registered under owner.
func (r *Registry) UnregisterOwned(owner string) int {
	r.mu.Lock()
	n := r.removeOwnedLocked(owner)
	r.mu.Unlock()
	if n > 0 {
		r.notify()
	}
	return n
}

// Owned returns the sorted names registered under owner.
func (r *Registry) Owned(owner string) []string {
	r.mu.RLock()
	out := slices.Clone(r.owned[owner])
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *Registry) removeOwnedLocked(owner string) int {
	names := r.owned[owner]
	for _, name := range names {
		delete(r.tools, name)
		delete(r.owners, name)
	}
	delete(r.owned, owner)
	return len(names)
}

func (r *Registry) disownLocked(name string) {
	owner, ok := r.owners[name]
	if !ok {
		return
	}
	delete(r.owners, name)
	r.owned[owner] = slices.DeleteFunc(r.owned[owner], func(n string) bool { return n == name })
	if len(r.owned[owner]) == 0 {
		delete(r.owned, owner)
	}
}

// OnChange registers fn to run after every mutation. fn runs on the mutating
// goroutine and must not block. The returned func unregisters it.
func (r *Registry) OnChange(fn func()) (cancel func()) {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.lmu.Unlock()
	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Registry) notify() {
	r.lmu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
