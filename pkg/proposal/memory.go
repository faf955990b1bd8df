package proposal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps proposals in a mutex-guarded map. Suitable for
// single-instance deployments; use RedisStore when running more than one
// replica. Expired entries are deleted lazily on read, with a background
// sweep so abandoned proposals do not accumulate.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Proposal
	ttl     time.Duration
	logger  *slog.Logger

	now func() time.Time
}

// NewMemoryStore creates an in-memory store. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]*Proposal),
		ttl:     ttl,
		logger:  slog.Default().With("component", "proposal"),
		now:     time.Now,
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := s.now()
		for id, p := range s.entries {
			if now.Sub(p.CreatedAt) > s.ttl {
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
}

func (s *MemoryStore) Create(_ context.Context, tool string, params json.RawMessage) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Proposal{
		ID:        uuid.New().String(),
		Tool:      tool,
		Params:    params,
		CreatedAt: s.now().UTC(),
	}
	s.entries[p.ID] = p
	s.logger.Info("created proposal", "proposal_id", p.ID, "tool", tool)
	return copyProposal(p), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return copyProposal(p), nil
}

func (s *MemoryStore) Pop(_ context.Context, id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.live(id)
	if err != nil {
		return nil, err
	}
	delete(s.entries, id)
	s.logger.Info("popped proposal", "proposal_id", id, "tool", p.Tool)
	return copyProposal(p), nil
}

// live returns the entry if present and inside its TTL window, deleting
// it when expired. Callers hold the lock.
func (s *MemoryStore) live(id string) (*Proposal, error) {
	p, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().Sub(p.CreatedAt) > s.ttl {
		delete(s.entries, id)
		return nil, ErrNotFound
	}
	return p, nil
}

func copyProposal(p *Proposal) *Proposal {
	dup := *p
	return &dup
}
