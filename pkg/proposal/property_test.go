package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any batch of proposals, each id pops exactly once no matter how
// many extra pops and gets are attempted afterwards.
func TestMemoryStore_PopOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every id pops exactly once", prop.ForAll(
		func(tools []string, extraAttempts uint8) bool {
			store := NewMemoryStore(time.Hour)
			ctx := context.Background()

			ids := make([]string, 0, len(tools))
			for _, tool := range tools {
				p, err := store.Create(ctx, tool, json.RawMessage(`{}`))
				if err != nil {
					return false
				}
				ids = append(ids, p.ID)
			}

			for _, id := range ids {
				if _, err := store.Pop(ctx, id); err != nil {
					return false
				}
				for i := 0; i < int(extraAttempts)%4+1; i++ {
					if _, err := store.Pop(ctx, id); !errors.Is(err, ErrNotFound) {
						return false
					}
					if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
