package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists checkpoints by opaque id. Blob-backed persistence lives in
// pkg/repository; this package only ships the in-memory store.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context, runID string) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a Store for tests and single-process hosts.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string][]byte
	byRun  map[string][]string
	runFor map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string][]byte),
		byRun:  make(map[string][]string),
		runFor: make(map[string]string),
	}
}

// Save stores the checkpoint's encoded document.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("checkpoint has no id")
	}
	encoded := cp.Encoded()
	if len(encoded) == 0 {
		return fmt.Errorf("checkpoint %s has no encoded document", cp.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cp.ID]; !exists {
		s.byRun[cp.RunID] = append(s.byRun[cp.RunID], cp.ID)
		s.runFor[cp.ID] = cp.RunID
	}
	s.byID[cp.ID] = encoded
	return nil
}

// Load retrieves a checkpoint by id.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	encoded, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	return FromBytes(encoded)
}

// List returns the checkpoint ids stored for a run, sorted.
func (s *MemoryStore) List(ctx context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]string(nil), s.byRun[runID]...)
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a checkpoint by id. Deleting an unknown id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID, ok := s.runFor[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	delete(s.runFor, id)

	ids := s.byRun[runID]
	for i, c := range ids {
		if c == id {
			s.byRun[runID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}
