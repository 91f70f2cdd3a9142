package checkpoint

import (
	"context"
	"sync"

	"github.com/H-JUYEONG/Text2SQL/agent/pkg/workflow"
)

type memoryRecord struct {
	state   *workflow.State
	version int64
}

// MemoryStore is an in-process Store. State is lost on restart, which is
// acceptable for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*memoryRecord{}}
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, st *workflow.State, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		if expectedVersion != 0 {
			return 0, ErrConflict
		}
		s.records[sessionID] = &memoryRecord{state: st.Clone(), version: 1}
		return 1, nil
	}
	if rec.version != expectedVersion {
		return 0, ErrConflict
	}
	rec.state = st.Clone()
	rec.version++
	return rec.version, nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*workflow.State, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return rec.state.Clone(), rec.version, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}
