package actionlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store for single-instance deployments
// and tests. One mutex guards every operation, which gives the same
// atomicity the SQL store gets from its unique index.
type MemoryStore struct {
	mu      sync.Mutex
	slots   map[string]*Entry // action + "\x00" + key -> slot row
	entries []*Entry          // full audit trail, append-only
}

// NewMemoryStore creates an empty in-memory action log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]*Entry),
	}
}

func slotKey(action, key string) string {
	return action + "\x00" + key
}

func (s *MemoryStore) RecordProposal(_ context.Context, action, key, actor string, request, preview json.RawMessage) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	e := &Entry{
		ID:              uuid.New().String(),
		Action:          action,
		Actor:           actor,
		IdempotencyKey:  key,
		RequestPayload:  request,
		ResponsePayload: preview,
		Status:          StatusProposal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.entries = append(s.entries, e)
	return copyEntry(e), nil
}

func (s *MemoryStore) AcquireOrGet(_ context.Context, action, key, actor string, request json.RawMessage) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.slots[slotKey(action, key)]; ok {
		if existing.Status == StatusFailed {
			// Reclaim the failed slot for a fresh retry.
			existing.Status = StatusProcessing
			existing.Actor = actor
			existing.RequestPayload = request
			existing.Detail = ""
			existing.UpdatedAt = now
			return copyEntry(existing), true, nil
		}
		return copyEntry(existing), false, nil
	}

	e := &Entry{
		ID:             uuid.New().String(),
		Action:         action,
		Actor:          actor,
		IdempotencyKey: key,
		RequestPayload: request,
		Status:         StatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.slots[slotKey(action, key)] = e
	s.entries = append(s.entries, e)
	return copyEntry(e), true, nil
}

func (s *MemoryStore) Finalize(_ context.Context, id string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusProcessing, StatusConfirmed, response, "")
}

func (s *MemoryStore) Fail(_ context.Context, id, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusProcessing, StatusFailed, nil, detail)
}

func (s *MemoryStore) transition(id string, from, to Status, response json.RawMessage, detail string) error {
	for _, e := range s.entries {
		if e.ID != id {
			continue
		}
		if e.Status != from {
			return &stateError{id: id, status: e.Status}
		}
		e.Status = to
		if response != nil {
			e.ResponsePayload = response
		}
		e.Detail = detail
		e.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) Latest(_ context.Context, action, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Action == action && e.IdempotencyKey == key {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

type stateError struct {
	id     string
	status Status
}

func (e *stateError) Error() string {
	return "slot " + e.id + ": unexpected status " + string(e.status)
}

func copyEntry(e *Entry) *Entry {
	dup := *e
	return &dup
}
