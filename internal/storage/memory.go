package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// MemorySessionStore provides an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return ErrAlreadyExists
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

func (s *MemorySessionStore) List(ctx context.Context, limit, offset int) ([]*models.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return paginateSessions(sessions, limit, offset), len(sessions), nil
}

func paginateSessions(sessions []*models.Session, limit, offset int) []*models.Session {
	if offset < 0 {
		offset = 0
	}
	if offset > len(sessions) {
		offset = len(sessions)
	}
	end := len(sessions)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return sessions[offset:end]
}

func (s *MemorySessionStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return ErrNotFound
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; !exists {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// MemoryTurnStore provides an in-memory TurnStore.
type MemoryTurnStore struct {
	mu    sync.RWMutex
	turns map[string]*models.Turn
}

// NewMemoryTurnStore creates an in-memory turn store.
func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{turns: make(map[string]*models.Turn)}
}

func (s *MemoryTurnStore) Create(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" {
		return fmt.Errorf("turn is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[turn.ID]; exists {
		return ErrAlreadyExists
	}
	s.turns[turn.ID] = turn
	return nil
}

func (s *MemoryTurnStore) Get(ctx context.Context, id string) (*models.Turn, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return turn, nil
}

func (s *MemoryTurnStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Turn, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]*models.Turn, 0)
	for _, turn := range s.turns {
		if sessionID != "" && turn.SessionID != sessionID {
			continue
		}
		turns = append(turns, turn)
	}
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].StartedAt.After(turns[j].StartedAt)
	})
	return paginateTurns(turns, limit, offset), len(turns), nil
}

func paginateTurns(turns []*models.Turn, limit, offset int) []*models.Turn {
	if offset < 0 {
		offset = 0
	}
	if offset > len(turns) {
		offset = len(turns)
	}
	end := len(turns)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return turns[offset:end]
}

func (s *MemoryTurnStore) Update(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" {
		return fmt.Errorf("turn is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[turn.ID]; !exists {
		return ErrNotFound
	}
	s.turns[turn.ID] = turn
	return nil
}

func (s *MemoryTurnStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[id]; !exists {
		return ErrNotFound
	}
	delete(s.turns, id)
	return nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Sessions: NewMemorySessionStore(),
		Turns:    NewMemoryTurnStore(),
		Dags:     NewMemoryDagStore(),
		History:  NewMemoryHistoryStore(),
	}
}
