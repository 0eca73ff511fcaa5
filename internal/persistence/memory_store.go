package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/varenne/stagehand/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of SessionStore and
// CheckpointStore backed by maps. It is non-durable; use it for tests and
// single-process development.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*api.Session
	checkpoints map[string]map[int]Checkpoint
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]*api.Session),
		checkpoints: make(map[string]map[int]Checkpoint),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ SessionStore = (*InMemoryStore)(nil)

var _ CheckpointStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveSession(sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = snapshotSession(sess)
	return nil
}

func (s *InMemoryStore) UpdateSession(sess *api.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}

	s.sessions[sess.ID] = snapshotSession(sess)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return snapshotSession(sess), nil
}

func (s *InMemoryStore) ListSessions(filter SessionFilter) ([]*api.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Session

	for _, sess := range s.sessions {
		if filter.Pipeline != "" && sess.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		result = append(result, snapshotSession(sess))
	}

	return result, nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOrdinal := s.checkpoints[cp.SessionID]
	if byOrdinal == nil {
		byOrdinal = make(map[int]Checkpoint)
		s.checkpoints[cp.SessionID] = byOrdinal
	}
	byOrdinal[cp.Ordinal] = cp
	return nil
}

func (s *InMemoryStore) LoadCheckpoint(ctx context.Context, sessionID string, ordinal int) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[sessionID][ordinal]
	if !ok {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *InMemoryStore) ListCheckpoints(ctx context.Context, sessionID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byOrdinal := s.checkpoints[sessionID]
	ordinals := make([]int, 0, len(byOrdinal))
	for ord := range byOrdinal {
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)
	return ordinals, nil
}

func (s *InMemoryStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, sessionID)
	return nil
}

func (s *InMemoryStore) DeleteCheckpointsFrom(ctx context.Context, sessionID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ord := range s.checkpoints[sessionID] {
		if ord >= ordinal {
			delete(s.checkpoints[sessionID], ord)
		}
	}
	return nil
}

// snapshotSession copies a session so callers never share the executor's
// mutable record.
func snapshotSession(sess *api.Session) *api.Session {
	cp := *sess
	if sess.StageOutputs != nil {
		cp.StageOutputs = make(map[int]api.Payload, len(sess.StageOutputs))
		for k, v := range sess.StageOutputs {
			cp.StageOutputs[k] = v
		}
	}
	if sess.Attempts != nil {
		cp.Attempts = make([]api.StageAttempt, len(sess.Attempts))
		copy(cp.Attempts, sess.Attempts)
	}
	return &cp
}
