package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func newTestExecutor(t *testing.T, handler http.Handler) (*Executor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := New(Builtin()...)
	require.NoError(t, err)
	return NewExecutor(reg, NewClient(srv.URL, "test-key")), srv
}

func TestExecutor_UnknownTool(t *testing.T) {
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("collaborator must not be called for an unknown tool")
	}))

	for _, confirm := range []*bool{nil, boolPtr(false), boolPtr(true)} {
		_, err := exec.Execute(context.Background(), "nonexistent_tool", map[string]any{}, confirm, "")
		var toolErr *ToolError
		require.True(t, errors.As(err, &toolErr))
		assert.Equal(t, "unknown tool", toolErr.Message)
	}
}

func TestExecutor_CommitForwardsIdempotencyKey(t *testing.T) {
	var gotKey, gotConfirm, gotAuth string
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotConfirm = r.URL.Query().Get("confirm")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":1}`))
	}))

	_, err := exec.Execute(context.Background(), "create_booking",
		map[string]any{"customer": 1}, boolPtr(true), "bk-42")
	require.NoError(t, err)
	assert.Equal(t, "bk-42", gotKey)
	assert.Equal(t, "true", gotConfirm)
	assert.Equal(t, "ApiKey test-key", gotAuth)
}

func TestExecutor_PreviewWithholdsIdempotencyKey(t *testing.T) {
	var gotKey, gotConfirm string
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotConfirm = r.URL.Query().Get("confirm")
		_, _ = w.Write([]byte(`{"proposal":{}}`))
	}))

	_, err := exec.Execute(context.Background(), "create_booking",
		map[string]any{"customer": 1}, boolPtr(false), "bk-42")
	require.NoError(t, err)
	assert.Empty(t, gotKey, "previews must not burn a server-side slot")
	assert.Equal(t, "false", gotConfirm)
}

func TestExecutor_DirectCallHasNoConfirmParam(t *testing.T) {
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("confirm") {
			t.Error("direct calls must not send a confirm parameter")
		}
		assert.Equal(t, "beach", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := exec.Execute(context.Background(), "search_services",
		map[string]any{"q": "beach"}, nil, "")
	require.NoError(t, err)
}

func TestExecutor_PathTemplating(t *testing.T) {
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings/77", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":77}`))
	}))

	res, err := exec.Execute(context.Background(), "get_booking",
		map[string]any{"booking_id": 77}, nil, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":77}`, string(res))
}

func TestExecutor_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"booking date unavailable"}`, http.StatusConflict)
	}))

	_, err := exec.Execute(context.Background(), "create_booking",
		map[string]any{"customer": 1}, boolPtr(true), "")
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, http.StatusConflict, toolErr.Status)
	assert.Contains(t, toolErr.Body, "booking date unavailable")
}

func TestExecutor_NetworkErrorIsToolError(t *testing.T) {
	reg, err := New(Builtin()...)
	require.NoError(t, err)
	exec := NewExecutor(reg, NewClient("http://127.0.0.1:1", "k"))

	_, err = exec.Execute(context.Background(), "search_services", nil, nil, "")
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Contains(t, toolErr.Message, "network error")
}

func TestExecutor_PreviewNeverCreates(t *testing.T) {
	var committed atomic.Int64
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "true" {
			committed.Add(1)
		}
		_, _ = w.Write([]byte(`{"proposal":{"customer":1}}`))
	}))

	for i := 0; i < 5; i++ {
		_, err := exec.Execute(context.Background(), "create_booking",
			map[string]any{"customer": 1}, boolPtr(false), "")
		require.NoError(t, err)
	}
	assert.Zero(t, committed.Load(), "previews must not persist anything")
}

func TestExecutor_NonJSONResponseIsWrapped(t *testing.T) {
	exec, _ := newTestExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))

	res, err := exec.Execute(context.Background(), "search_services", nil, nil, "")
	require.NoError(t, err)

	var wrapped map[string]string
	require.NoError(t, json.Unmarshal(res, &wrapped))
	assert.Equal(t, "plain text", wrapped["raw"])
}
