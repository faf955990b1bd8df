// Package actionlog records mutating tool actions and enforces
// at-most-once execution per (action, idempotency key) pair.
package actionlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a lookup.
	ErrNotFound = errors.New("action log entry not found")

	// ErrConflict is returned when a uniqueness race was lost and the
	// winning row could not be located on re-query. Safe to retry.
	ErrConflict = errors.New("idempotency conflict")
)

// Status is the lifecycle state of an action log entry.
type Status string

const (
	// StatusProposal marks a recorded preview. Multiple proposals may
	// exist for the same key; they never occupy the idempotency slot.
	StatusProposal Status = "proposal"
	// StatusProcessing marks an acquired slot with a commit in flight.
	StatusProcessing Status = "processing"
	// StatusConfirmed is terminal. The stored response is the single
	// source of truth for every later retry with the same key.
	StatusConfirmed Status = "confirmed"
	// StatusFailed marks a commit that errored after slot acquisition.
	// A retry with the same key may reclaim the slot.
	StatusFailed Status = "failed"
)

// Entry is one row of the action log. Slot rows (processing, confirmed,
// failed) carry the concurrency-control state; actor and the payload
// snapshots are denormalized audit metadata on the same row.
type Entry struct {
	ID              string          `json:"id"`
	Action          string          `json:"action"`
	Actor           string          `json:"actor,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store is the durable interface for the action log.
type Store interface {
	// RecordProposal appends a proposal entry. No uniqueness is enforced;
	// repeated previews for the same key refresh the audit trail.
	RecordProposal(ctx context.Context, action, key, actor string, request, preview json.RawMessage) (*Entry, error)

	// AcquireOrGet atomically inserts a processing slot for
	// (action, key), or returns the existing slot with created=false.
	// A failed slot is reclaimed atomically so the commit can be retried.
	// Implementations must not read-then-write: the decision has to ride
	// on the store's own atomic insert-under-unique-constraint primitive.
	AcquireOrGet(ctx context.Context, action, key, actor string, request json.RawMessage) (*Entry, bool, error)

	// Finalize transitions an owned processing slot to confirmed and
	// stores the response. Only the AcquireOrGet winner may call it.
	Finalize(ctx context.Context, id string, response json.RawMessage) error

	// Fail transitions an owned processing slot to failed, keeping the
	// slot reclaimable by a later retry with the same key.
	Fail(ctx context.Context, id, detail string) error

	// Latest returns the most recent entry for (action, key), proposals
	// included. Returns ErrNotFound when nothing was recorded.
	Latest(ctx context.Context, action, key string) (*Entry, error)
}
