package cache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/yamlio"
)

// document is the single persisted JSON document backing the step cache
// store, per spec.md §6 ("a single JSON document {entries: {...}}").
type document struct {
	Entries map[string]model.StepCacheEntry `json:"entries"`
}

// Store is the persisted, keyed step-cache store. One writer at a time;
// reads take the same lock since the document lives entirely in memory
// between writes.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Open loads path if it exists, or starts with an empty document.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Entries: map[string]model.StepCacheEntry{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Entries == nil {
		doc.Entries = map[string]model.StepCacheEntry{}
	}
	s.doc = doc
	return s, nil
}

// Get returns the entry for fingerprint if present and not expired
// against ttlMs (0 = no expiry).
func (s *Store) Get(fingerprint string, ttlMs int64) (model.StepCacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Entries[fingerprint]
	if !ok {
		return model.StepCacheEntry{}, false
	}
	if ttlMs > 0 {
		age := time.Now().UnixMilli() - entry.CreatedAt
		if age > ttlMs {
			return model.StepCacheEntry{}, false
		}
	}
	return entry, true
}

// Set writes an entry and persists the document atomically.
func (s *Store) Set(fingerprint string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Entries[fingerprint] = model.StepCacheEntry{
		CreatedAt: time.Now().UnixMilli(),
		Output:    output,
	}
	return s.persistLocked()
}

// Invalidate removes one entry, or every entry when fingerprint is empty.
func (s *Store) Invalidate(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fingerprint == "" {
		s.doc.Entries = map[string]model.StepCacheEntry{}
	} else {
		delete(s.doc.Entries, fingerprint)
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	return yamlio.AtomicWriteJSON(s.path, s.doc)
}
