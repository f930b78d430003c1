// Package keylock provides a mutex keyed by string. Operations for the same
// key are serialized; operations for different keys proceed in parallel.
// Entries are reference-counted and removed once the last holder unlocks, so
// the map tracks only keys with active or waiting holders.
package keylock

import "sync"

type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	lock sync.Mutex
	refs int
}

func New() *Map {
	return &Map{locks: map[string]*entry{}}
}

func (m *Map) Lock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()
	e.lock.Lock()
}

func (m *Map) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		panic("keylock: unlock of unknown key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
	e.lock.Unlock()
}

// size reports the number of live entries; test hook.
func (m *Map) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
