package mapsync

import "sync"

// MapSync wraps sync.Map with a Len helper for the registries that are
// touched from both the packet path and the control plane.
type MapSync struct {
	mapSync sync.Map
}

func NewMapSync() *MapSync {
	return &MapSync{}
}

func (m *MapSync) Store(key, value interface{}) {
	m.mapSync.Store(key, value)
}

func (m *MapSync) LoadOrStore(key, value interface{}) (interface{}, bool) {
	return m.mapSync.LoadOrStore(key, value)
}

func (m *MapSync) Load(key interface{}) (interface{}, bool) {
	return m.mapSync.Load(key)
}

func (m *MapSync) Delete(key interface{}) {
	m.mapSync.Delete(key)
}

func (m *MapSync) Clear() {
	box := make([]interface{}, 0, 100)
	m.mapSync.Range(func(k, v interface{}) bool {
		box = append(box, k)
		return true
	})
	for _, k := range box {
		m.mapSync.Delete(k)
	}
}

func (m *MapSync) Len() int {
	i := 0
	m.mapSync.Range(func(k, v interface{}) bool {
		i++
		return true
	})
	return i
}

func (m *MapSync) Range(f func(key, value interface{}) bool) {
	m.mapSync.Range(f)
}
