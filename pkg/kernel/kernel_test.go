package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findyourwork/toolgate/pkg/actionlog"
	"github.com/findyourwork/toolgate/pkg/proposal"
	"github.com/findyourwork/toolgate/pkg/registry"
)

// fakePlatform stands in for the booking platform's tools API. It counts
// commits so tests can assert exactly-once side effects, and assigns a
// fresh id per commit so duplicated effects would also show up as
// diverging payloads.
type fakePlatform struct {
	commits  atomic.Int64
	previews atomic.Int64
	failNext atomic.Bool
	srv      *httptest.Server
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	f := &fakePlatform{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("confirm") {
		case "true":
			if f.failNext.CompareAndSwap(true, false) {
				http.Error(w, `{"error":"date no longer available"}`, http.StatusConflict)
				return
			}
			n := f.commits.Add(1)
			fmt.Fprintf(w, `{"id":%d,"status":"confirmed"}`, n)
		case "false":
			f.previews.Add(1)
			_, _ = w.Write([]byte(`{"customer":1,"date":"2026-01-20"}`))
		default:
			_, _ = w.Write([]byte(`[{"id":9,"name":"Beach tour"}]`))
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestService(t *testing.T, platform *fakePlatform) *Service {
	t.Helper()
	reg, err := registry.New(registry.Builtin()...)
	require.NoError(t, err)
	exec := registry.NewExecutor(reg, registry.NewClient(platform.srv.URL, "test-key"))
	return New(actionlog.NewMemoryStore(), proposal.NewMemoryStore(time.Hour), exec)
}

func boolPtr(b bool) *bool { return &b }

func TestInvoke_DirectPassThrough(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	res, err := svc.Invoke(context.Background(), InvokeRequest{
		Action: "search_services",
		Params: map[string]any{"q": "beach"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDirect, res.Outcome)
	assert.JSONEq(t, `[{"id":9,"name":"Beach tour"}]`, string(res.Payload))
	assert.Zero(t, platform.commits.Load())
}

func TestInvoke_PreviewRecordsProposal(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	res, err := svc.Invoke(context.Background(), InvokeRequest{
		Action:  "create_booking",
		Params:  map[string]any{"customer": 1, "date": "2026-01-20"},
		Confirm: boolPtr(false),
		Actor:   "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProposal, res.Outcome)
	assert.JSONEq(t, `{"proposal":{"customer":1,"date":"2026-01-20"}}`, string(res.Payload))
	assert.Zero(t, platform.commits.Load(), "previews must not mutate")
}

func TestInvoke_RepeatedPreviewsNeverOccupyASlot(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	for i := 0; i < 3; i++ {
		res, err := svc.Invoke(context.Background(), InvokeRequest{
			Action:  "create_booking",
			Params:  map[string]any{"customer": 1},
			Confirm: boolPtr(false),
			IdempotencyKey: "bk-1",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeProposal, res.Outcome)
	}

	// A later commit with the same key must still win a fresh slot.
	res, err := svc.Invoke(context.Background(), InvokeRequest{
		Action:         "create_booking",
		Params:         map[string]any{"customer": 1},
		Confirm:        boolPtr(true),
		IdempotencyKey: "bk-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.EqualValues(t, 1, platform.commits.Load())
}

func TestInvoke_CommitThenRetryReplays(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	req := InvokeRequest{
		Action:         "create_booking",
		Params:         map[string]any{"customer": 1, "date": "2026-01-20"},
		Confirm:        boolPtr(true),
		IdempotencyKey: "bk-retry",
	}

	first, err := svc.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := svc.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, second.Outcome)
	assert.JSONEq(t, string(first.Payload), string(second.Payload),
		"a retried commit must return the stored response byte for byte")
	assert.EqualValues(t, 1, platform.commits.Load(), "the side effect must run once")
}

func TestInvoke_ConcurrentCommitsExecuteOnce(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*InvokeResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Invoke(context.Background(), InvokeRequest{
				Action:         "process_payment",
				Params:         map[string]any{"booking_id": 7, "amount": 120.0},
				Confirm:        boolPtr(true),
				IdempotencyKey: "pay-7",
			})
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, platform.commits.Load(), "exactly one commit must reach the platform")

	var created, replayed, processing int
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		switch results[i].Outcome {
		case OutcomeCreated:
			created++
		case OutcomeReplayed:
			replayed++
			assert.JSONEq(t, `{"id":1,"status":"confirmed"}`, string(results[i].Payload))
		case OutcomeProcessing:
			processing++
		default:
			t.Fatalf("unexpected outcome %q", results[i].Outcome)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, workers, created+replayed+processing)
}

func TestInvoke_FailedCommitIsRetryable(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	req := InvokeRequest{
		Action:         "create_booking",
		Params:         map[string]any{"customer": 2},
		Confirm:        boolPtr(true),
		IdempotencyKey: "bk-flaky",
	}

	platform.failNext.Store(true)
	_, err := svc.Invoke(context.Background(), req)
	var toolErr *registry.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, http.StatusConflict, toolErr.Status)

	// The failed slot is reclaimable: the retry executes for real.
	res, err := svc.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.EqualValues(t, 1, platform.commits.Load())
}

func TestInvoke_CommitWithoutKeySkipsDedup(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	for i := 0; i < 2; i++ {
		res, err := svc.Invoke(context.Background(), InvokeRequest{
			Action:  "create_booking",
			Params:  map[string]any{"customer": 3},
			Confirm: boolPtr(true),
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
	}
	assert.EqualValues(t, 2, platform.commits.Load(), "no key means no dedup")
}

func TestInvoke_KeysAreScopedPerAction(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	for _, action := range []string{"create_booking", "process_payment"} {
		res, err := svc.Invoke(context.Background(), InvokeRequest{
			Action:         action,
			Params:         map[string]any{"booking_id": 1, "customer": 1},
			Confirm:        boolPtr(true),
			IdempotencyKey: "shared-key",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome, action)
	}
	assert.EqualValues(t, 2, platform.commits.Load())
}

func TestProposeConfirm_HappyPath(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)
	ctx := context.Background()

	proposed, err := svc.Propose(ctx, "create_booking", map[string]any{"customer": 1, "date": "2026-01-20"})
	require.NoError(t, err)
	assert.NotEmpty(t, proposed.ProposalID)
	assert.JSONEq(t, `{"customer":1,"date":"2026-01-20"}`, string(proposed.Proposal))
	assert.Zero(t, platform.commits.Load(), "propose must not mutate")

	stored, err := svc.GetProposal(ctx, proposed.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, "create_booking", stored.Tool)

	result, err := svc.Confirm(ctx, proposed.ProposalID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"status":"confirmed"}`, string(result))
	assert.EqualValues(t, 1, platform.commits.Load())
}

func TestConfirm_IsOneShot(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)
	ctx := context.Background()

	proposed, err := svc.Propose(ctx, "create_booking", map[string]any{"customer": 1})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, proposed.ProposalID)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, proposed.ProposalID)
	assert.ErrorIs(t, err, proposal.ErrNotFound, "a consumed proposal must be gone")
	assert.EqualValues(t, 1, platform.commits.Load())
}

func TestConfirm_UnknownIDLooksLikeExpired(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	_, err := svc.Confirm(context.Background(), "no-such-proposal")
	assert.ErrorIs(t, err, proposal.ErrNotFound)
	assert.Zero(t, platform.commits.Load())
}

func TestPropose_UnknownToolFailsBeforeStoring(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	_, err := svc.Propose(context.Background(), "nonexistent_tool", nil)
	var toolErr *registry.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "unknown tool", toolErr.Message)
}

func TestInvoke_PreviewAfterConfirmReplays(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)
	ctx := context.Background()

	commit := InvokeRequest{
		Action:         "create_booking",
		Params:         map[string]any{"customer": 5},
		Confirm:        boolPtr(true),
		IdempotencyKey: "bk-done",
	}
	first, err := svc.Invoke(ctx, commit)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, first.Outcome)

	preview := commit
	preview.Confirm = boolPtr(false)
	res, err := svc.Invoke(ctx, preview)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, res.Outcome)
	assert.JSONEq(t, string(first.Payload), string(res.Payload))
	assert.EqualValues(t, 1, platform.commits.Load())
}

func TestInvoke_ValidationFailureIsToolError(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	_, err := svc.Invoke(context.Background(), InvokeRequest{
		Action:  "register_customer",
		Params:  map[string]any{"phone": "123"},
		Confirm: boolPtr(true),
	})
	require.Error(t, err)
	assert.Zero(t, platform.commits.Load())
}

func TestInvoke_PayloadsAreValidJSON(t *testing.T) {
	platform := newFakePlatform(t)
	svc := newTestService(t, platform)

	res, err := svc.Invoke(context.Background(), InvokeRequest{
		Action:  "create_booking",
		Params:  map[string]any{"customer": 1},
		Confirm: boolPtr(false),
	})
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Payload, &decoded))
	assert.Contains(t, decoded, "proposal")
}
