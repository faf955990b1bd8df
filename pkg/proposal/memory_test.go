package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PopIsOneShot(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	p, err := store.Create(ctx, "create_booking", json.RawMessage(`{"customer":1}`))
	require.NoError(t, err)

	popped, err := store.Pop(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "create_booking", popped.Tool)

	// The id is dead after one pop.
	_, err = store.Pop(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_ConcurrentPop(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	p, err := store.Create(ctx, "process_payment", nil)
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Pop(ctx, p.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent pop may succeed")
}

func TestMemoryStore_TTLBoundary(t *testing.T) {
	store := NewMemoryStore(10 * time.Second)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	p, err := store.Create(ctx, "create_booking", nil)
	require.NoError(t, err)

	// One second inside the window: still confirmable.
	store.now = func() time.Time { return base.Add(9 * time.Second) }
	_, err = store.Get(ctx, p.ID)
	assert.NoError(t, err)

	// One second past the window: gone for get and pop alike.
	store.now = func() time.Time { return base.Add(11 * time.Second) }
	_, err = store.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Pop(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_GetDoesNotConsume(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	p, err := store.Create(ctx, "register_customer", json.RawMessage(`{"name":"Ana"}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := store.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.JSONEq(t, `{"name":"Ana"}`, string(got.Params))
	}

	_, err = store.Pop(ctx, p.ID)
	assert.NoError(t, err)
}
