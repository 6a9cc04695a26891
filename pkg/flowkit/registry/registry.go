package registry

import (
	"cmp"
	"slices"
	"sync"
)

// Registry is a thread-safe registry for values indexed by key.
// It uses sync.RWMutex for read-heavy workloads.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Put adds or replaces a value and reports whether the key already existed.
func (r *Registry[K, V]) Put(key K, value V) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.entries[key]
	r.entries[key] = value
	return replaced
}

// Add inserts a value only if the key is absent. It reports whether the
// value was inserted.
func (r *Registry[K, V]) Add(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = value
	return true
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Has returns true if the key exists in the registry.
func (r *Registry[K, V]) Has(key K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Remove deletes a key and returns the value it held.
func (r *Registry[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return v, ok
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Values returns all values in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := make([]V, 0, len(r.entries))
	for _, v := range r.entries {
		values = append(values, v)
	}
	return values
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range iterates over a snapshot of the registry. If fn returns false,
// iteration stops. fn may call Put or Remove.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]V, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// SortedKeys returns the registry's keys in ascending order.
func SortedKeys[K cmp.Ordered, V any](r *Registry[K, V]) []K {
	keys := r.Keys()
	slices.Sort(keys)
	return keys
}
