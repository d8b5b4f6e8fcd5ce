package memory

import (
	"context"
	"fmt"
	"sync"

	"blindtest-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.Persistence. It keeps private
// copies, so nothing the engine does after a call can reach the stored state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	logs     map[string][]domain.LogEntry
	failErr  error
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*domain.Session),
		logs:     make(map[string][]domain.LogEntry),
	}
}

func (s *SessionStore) Load(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *SessionStore) Save(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *SessionStore) AppendLog(_ context.Context, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.logs[entry.SessionID] = append(s.logs[entry.SessionID], entry)
	return nil
}

// Commit stores the state and its log entry under one lock.
func (s *SessionStore) Commit(_ context.Context, session *domain.Session, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.sessions[session.ID] = session.Clone()
	s.logs[entry.SessionID] = append(s.logs[entry.SessionID], entry)
	return nil
}

// Log returns the entries recorded for a session, optionally after a seq.
func (s *SessionStore) Log(_ context.Context, sessionID string, afterSeq uint64) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LogEntry
	for _, e := range s.logs[sessionID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// SessionIDs lists the stored sessions.
func (s *SessionStore) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// FailWrites makes every following write return err; nil restores normal behaviour.
func (s *SessionStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}
