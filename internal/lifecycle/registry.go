package lifecycle

import (
	"errors"
	"sync"
)

var ErrStatusNotFound = errors.New("no status recorded for job key")

// Registry is an in-memory, key-addressed table of job statuses, safe for
// concurrent use. Entries stay until overwritten by the next run under the
// same key or removed explicitly; writes are last-writer-wins per key.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]ProcessStatus
	observer func(key string, status ProcessStatus)
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ProcessStatus)}
}

// Observe registers a callback invoked after every status write. Set it
// before the registry is shared across goroutines.
func (r *Registry) Observe(fn func(key string, status ProcessStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

func (r *Registry) Put(key string, status ProcessStatus) {
	r.mu.Lock()
	r.entries[key] = status
	observer := r.observer
	r.mu.Unlock()
	if observer != nil {
		observer(key, status)
	}
}

func (r *Registry) Get(key string) (ProcessStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.entries[key]
	return status, ok
}

func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return ErrStatusNotFound
	}
	delete(r.entries, key)
	return nil
}
