// Package proposal holds pending tool invocations for a bounded review
// window. A proposal is created by a preview, read freely, and consumed
// by exactly one confirm.
package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a proposal is absent, expired, or was
// already popped. Callers cannot tell which; the distinction is not part
// of the contract.
var ErrNotFound = errors.New("proposal not found")

// DefaultTTL bounds how long a proposal stays confirmable.
const DefaultTTL = 3600 * time.Second

// Proposal is a stored (tool, params) pair awaiting confirmation.
type Proposal struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the contract both backends satisfy. Pop must be atomic:
// among N concurrent pops for one id, exactly one succeeds.
type Store interface {
	// Create stores a new proposal under a fresh random id.
	Create(ctx context.Context, tool string, params json.RawMessage) (*Proposal, error)

	// Get returns the proposal without consuming it.
	Get(ctx context.Context, id string) (*Proposal, error)

	// Pop atomically fetches and deletes the proposal. The pop is the
	// single source of at-most-once for the two-phase confirm flow.
	Pop(ctx context.Context, id string) (*Proposal, error)
}
