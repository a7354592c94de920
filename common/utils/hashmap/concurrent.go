package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a sharded, thread-safe map.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[K, V]
}

// NewConcurrentMap creates a ConcurrentMap with string keys.
//
// The shard count is process-wide in the backing library; shards <= 0 keeps the current value.
func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	if shards > 0 {
		cmap.SHARD_COUNT = shards
	}

	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[K, V]) Load(key K) (V, bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (V, bool) {
	return m.backend.Pop(key)
}

func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	if m.backend.SetIfAbsent(key, value) {
		return value, false
	}

	return m.Load(key)
}

func (m *ConcurrentMap[K, V]) Range(cb func(K, V) bool) {
	next := true
	for item := range m.backend.IterBuffered() {
		if next {
			next = cb(item.Key, item.Val)
		}
		// iterate over all items to drain the channel
	}
}

func (m *ConcurrentMap[K, V]) Store(key K, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}

func (m *ConcurrentMap[K, V]) Keys() []K {
	return m.backend.Keys()
}

func (m *ConcurrentMap[K, V]) Clear() {
	m.backend.Clear()
}
