package db

import (
	"context"
	"sync"

	"power-watchdog/internal/models"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []models.PowerEvent
	sessions  []models.PowerSession
	nextEvent int64
	nextSess  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextEvent: 1, nextSess: 1}
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) (Applied, error) {
	if err := validateMutation(m); err != nil {
		return Applied{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	closeIdx := -1
	if m.Close != nil {
		for i := range s.sessions {
			if s.sessions[i].ID == m.Close.ID && s.sessions[i].IsOpen() {
				closeIdx = i
				break
			}
		}
		if closeIdx < 0 {
			return Applied{}, ErrSessionNotOpen
		}
	}
	if m.Open != nil {
		for i := range s.sessions {
			if i != closeIdx && s.sessions[i].IsOpen() {
				return Applied{}, ErrOpenSessionExists
			}
		}
	}

	// All checks passed; nothing below can fail.
	var out Applied
	for _, e := range m.Events {
		e.ID = s.nextEvent
		s.nextEvent++
		s.events = append(s.events, e)
		out.EventIDs = append(out.EventIDs, e.ID)
	}
	if closeIdx >= 0 {
		end, dur := m.Close.EndTimestamp, m.Close.DurationSeconds
		s.sessions[closeIdx].EndTimestamp = &end
		s.sessions[closeIdx].DurationSeconds = &dur
	}
	if m.Open != nil {
		sess := models.PowerSession{ID: s.nextSess, StartTimestamp: m.Open.StartTimestamp}
		s.nextSess++
		s.sessions = append(s.sessions, sess)
		out.OpenedID = sess.ID
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, limit int) ([]models.PowerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PowerEvent, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) LastTransition(_ context.Context) (*models.PowerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Kind.IsTransition() {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ClearEvents(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.events))
	s.events = nil
	return n, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]models.PowerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PowerSession, 0, len(s.sessions))
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneSession(s.sessions[i]))
	}
	return out, nil
}

func (s *MemoryStore) OpenSessions(_ context.Context) ([]models.PowerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PowerSession
	for _, sess := range s.sessions {
		if sess.IsOpen() {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneSession(s models.PowerSession) models.PowerSession {
	if s.EndTimestamp != nil {
		v := *s.EndTimestamp
		s.EndTimestamp = &v
	}
	if s.DurationSeconds != nil {
		v := *s.DurationSeconds
		s.DurationSeconds = &v
	}
	return s
}
