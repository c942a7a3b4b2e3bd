package cache_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/cache"
	"github.com/davidleathers/financing-ledger-backend/internal/testutil/containers"
)

// TestIdempotencyStore_Redis races reservations against a real server: only
// one caller may win the key.
func TestIdempotencyStore_Redis(t *testing.T) {
	client := containers.RedisClient(t)
	store := cache.NewIdempotencyStore(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	fp := cache.Fingerprint("POST", "/v1/billing-orders/x/payments", `{"amount":"10"}`)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.Reserve(ctx, "race", fp)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && rec == nil:
				winners++
			case apperrors.IsType(err, apperrors.ErrorTypeConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, conflicts)

	require.NoError(t, store.Complete(ctx, "race", cache.Record{
		Fingerprint: fp,
		StatusCode:  http.StatusCreated,
		Body:        json.RawMessage(`{"payment":{}}`),
	}))
	rec, err := store.Reserve(ctx, "race", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)

	ttl, err := client.TTL(ctx, "ledger:idempotency:race").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
}
