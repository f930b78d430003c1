package statestore

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
)

// Backend persists the full store snapshot. Implementations must tolerate
// Load returning (nil, nil) for an empty store.
type Backend interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

// Snapshot is the wire form a backend reads and writes. Namespaces map
// namespace -> key -> value; values are opaque strings encoded by callers.
type Snapshot struct {
	Namespaces map[string]map[string]string `json:"namespaces"`
}

// Store is a namespaced key/value store. The in-memory table is authoritative
// while the process runs; every mutation is written through to the backend.
type Store struct {
	mu         sync.Mutex
	backend    Backend
	namespaces map[string]map[string]string
	closed     bool
	logger     *slog.Logger
}

func Open(backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:    backend,
		namespaces: map[string]map[string]string{},
		logger:     logger,
	}
	if backend == nil {
		return s, nil
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		for namespace, entries := range snapshot.Namespaces {
			clone := make(map[string]string, len(entries))
			for key, value := range entries {
				clone[key] = value
			}
			s.namespaces[namespace] = clone
		}
	}
	return s, nil
}

func (s *Store) Get(namespace, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		return "", false
	}
	value, ok := entries[key]
	return value, ok
}

func (s *Store) Put(namespace, key, value string) error {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries, ok := s.namespaces[namespace]
	if !ok {
		entries = map[string]string{}
		s.namespaces[namespace] = entries
	}
	entries[key] = value
	return s.persistLocked()
}

func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entries, ok := s.namespaces[namespace]
	if !ok {
		return nil
	}
	if _, exists := entries[key]; !exists {
		return nil
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(s.namespaces, namespace)
	}
	return s.persistLocked()
}

// Entries returns a copy of all entries in a namespace.
func (s *Store) Entries(namespace string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.namespaces[namespace]
	out := make(map[string]string, len(entries))
	for key, value := range entries {
		out[key] = value
	}
	return out
}

// Keys returns the sorted keys of a namespace.
func (s *Store) Keys(namespace string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.namespaces[namespace]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every entry in a namespace.
func (s *Store) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.namespaces[namespace]; !ok {
		return nil
	}
	delete(s.namespaces, namespace)
	return s.persistLocked()
}

// Replace swaps the full contents of a namespace in one write.
func (s *Store) Replace(namespace string, entries map[string]string) error {
	if strings.TrimSpace(namespace) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(entries) == 0 {
		delete(s.namespaces, namespace)
	} else {
		clone := make(map[string]string, len(entries))
		for key, value := range entries {
			clone[key] = value
		}
		s.namespaces[namespace] = clone
	}
	return s.persistLocked()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) persistLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot := &Snapshot{Namespaces: make(map[string]map[string]string, len(s.namespaces))}
	for namespace, entries := range s.namespaces {
		clone := make(map[string]string, len(entries))
		for key, value := range entries {
			clone[key] = value
		}
		snapshot.Namespaces[namespace] = clone
	}
	if err := s.backend.Save(snapshot); err != nil {
		s.logger.Error("state snapshot save failed", "error", err)
		return err
	}
	return nil
}
