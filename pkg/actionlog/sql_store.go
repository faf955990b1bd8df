package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite):
// both accept $N placeholders and the partial unique index below.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLStore wraps an open database handle. Call Init before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: slog.Default().With("component", "actionlog"),
	}
}

// The unique index covers slot rows only: proposals are audit entries and
// may repeat for the same key. Timestamps are stored as RFC3339Nano text
// so both drivers round-trip identically.
const schema = `
CREATE TABLE IF NOT EXISTS tool_actions (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	actor TEXT,
	idempotency_key TEXT,
	request_payload TEXT,
	response_payload TEXT,
	detail TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS tool_actions_slot
	ON tool_actions (action, idempotency_key)
	WHERE idempotency_key IS NOT NULL AND status <> 'proposal';
CREATE INDEX IF NOT EXISTS tool_actions_lookup
	ON tool_actions (action, idempotency_key, created_at);
`

// Init creates the table and indexes.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const entryColumns = `id, action, actor, idempotency_key, request_payload, response_payload, detail, status, created_at, updated_at`

func (s *SQLStore) RecordProposal(ctx context.Context, action, key, actor string, request, preview json.RawMessage) (*Entry, error) {
	e := &Entry{
		ID:              uuid.New().String(),
		Action:          action,
		Actor:           actor,
		IdempotencyKey:  key,
		RequestPayload:  request,
		ResponsePayload: preview,
		Status:          StatusProposal,
		CreatedAt:       time.Now().UTC(),
	}
	e.UpdatedAt = e.CreatedAt

	query := `
		INSERT INTO tool_actions (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Action, nullable(e.Actor), nullable(e.IdempotencyKey),
		nullableBytes(e.RequestPayload), nullableBytes(e.ResponsePayload),
		nullable(e.Detail), string(e.Status), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("record proposal: %w", err)
	}
	return e, nil
}

func (s *SQLStore) AcquireOrGet(ctx context.Context, action, key, actor string, request json.RawMessage) (*Entry, bool, error) {
	if key == "" {
		return nil, false, errors.New("acquire: idempotency key required")
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	// The conflict target mirrors the partial index predicate so the
	// insert and the uniqueness check are one atomic statement.
	insert := `
		INSERT INTO tool_actions (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, 'processing', $6, $6)
		ON CONFLICT (action, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND status <> 'proposal'
		DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, insert,
		id, action, nullable(actor), key, nullableBytes(request), formatTime(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("acquire slot: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("acquire slot: rows affected: %w", err)
	}
	if inserted == 1 {
		s.logger.InfoContext(ctx, "acquired idempotency slot", "action", action, "key", key)
		return &Entry{
			ID: id, Action: action, Actor: actor, IdempotencyKey: key,
			RequestPayload: request, Status: StatusProcessing,
			CreatedAt: now, UpdatedAt: now,
		}, true, nil
	}

	// Race lost: somebody owns the slot. Return the winner's row.
	slot, err := s.getSlot(ctx, action, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Winner vanished between insert and select. Transient.
			return nil, false, ErrConflict
		}
		return nil, false, err
	}

	if slot.Status == StatusFailed {
		// The previous commit errored after acquiring the slot. Reclaim
		// it atomically; whoever flips failed->processing owns the retry.
		reclaim := `
			UPDATE tool_actions
			SET status = 'processing', actor = $1, request_payload = $2, detail = NULL, updated_at = $3
			WHERE id = $4 AND status = 'failed'
		`
		res, err := s.db.ExecContext(ctx, reclaim, nullable(actor), nullableBytes(request), formatTime(now), slot.ID)
		if err != nil {
			return nil, false, fmt.Errorf("reclaim slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("reclaim slot: rows affected: %w", err)
		}
		if n == 1 {
			s.logger.InfoContext(ctx, "reclaimed failed idempotency slot", "action", action, "key", key)
			slot.Status = StatusProcessing
			slot.Actor = actor
			slot.RequestPayload = request
			slot.Detail = ""
			slot.UpdatedAt = now
			return slot, true, nil
		}
		// Another retry beat us to the reclaim; fall through with the
		// refreshed row.
		slot, err = s.getSlot(ctx, action, key)
		if err != nil {
			return nil, false, ErrConflict
		}
	}

	return slot, false, nil
}

func (s *SQLStore) Finalize(ctx context.Context, id string, response json.RawMessage) error {
	query := `
		UPDATE tool_actions
		SET status = 'confirmed', response_payload = $1, updated_at = $2
		WHERE id = $3 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, nullableBytes(response), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("finalize slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize slot: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize slot %s: not in processing state", id)
	}
	return nil
}

func (s *SQLStore) Fail(ctx context.Context, id, detail string) error {
	query := `
		UPDATE tool_actions
		SET status = 'failed', detail = $1, updated_at = $2
		WHERE id = $3 AND status = 'processing'
	`
	res, err := s.db.ExecContext(ctx, query, nullable(detail), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("fail slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail slot: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fail slot %s: not in processing state", id)
	}
	return nil
}

func (s *SQLStore) Latest(ctx context.Context, action, key string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM tool_actions
		WHERE action = $1 AND idempotency_key = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, action, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// getSlot fetches the single non-proposal row for (action, key).
func (s *SQLStore) getSlot(ctx context.Context, action, key string) (*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM tool_actions
		WHERE action = $1 AND idempotency_key = $2 AND status <> 'proposal'
	`
	return scanEntry(s.db.QueryRowContext(ctx, query, action, key))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var actor, key, request, response, detail sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.Action, &actor, &key, &request, &response, &detail, &e.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Actor = actor.String
	e.IdempotencyKey = key.String
	if request.Valid {
		e.RequestPayload = []byte(request.String)
	}
	if response.Valid {
		e.ResponsePayload = []byte(response.String)
	}
	e.Detail = detail.String
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
