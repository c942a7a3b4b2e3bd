package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

func setupStore(t *testing.T) (*IdempotencyStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIdempotencyStore(client, time.Hour, zaptest.NewLogger(t)), mr
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/v1/billing-orders/1/payments", `{"amount":"10"}`)

	rec, err := store.Reserve(ctx, "key-1", fp)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = store.Reserve(ctx, "key-1", fp)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict), "in-flight duplicate must conflict")

	body := json.RawMessage(`{"success":true}`)
	require.NoError(t, store.Complete(ctx, "key-1", Record{Fingerprint: fp, StatusCode: http.StatusCreated, Body: body}))

	rec, err = store.Reserve(ctx, "key-1", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)
	assert.JSONEq(t, string(body), string(rec.Body))

	mr.FastForward(2 * time.Hour)
	rec, err = store.Reserve(ctx, "key-1", fp)
	require.NoError(t, err)
	assert.Nil(t, rec, "expired records are reserved again")
}

func TestIdempotencyStore_KeyReuse(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-2", Fingerprint("a"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, "key-2", Fingerprint("b"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))

	require.NoError(t, store.Complete(ctx, "key-2", Record{Fingerprint: Fingerprint("a"), StatusCode: 201}))
	_, err = store.Reserve(ctx, "key-2", Fingerprint("b"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidInput))
}

func TestIdempotencyStore_Release(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-3", "fp")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "key-3"))
	assert.False(t, mr.Exists(idempotencyPrefix+"key-3"))

	rec, err := store.Reserve(ctx, "key-3", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotencyStore_PendingLockExpires(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-4", "fp")
	require.NoError(t, err)
	mr.FastForward(lockTTL + time.Second)

	rec, err := store.Reserve(ctx, "key-4", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotencyStore_CorruptRecord(t *testing.T) {
	store, mr := setupStore(t)
	require.NoError(t, mr.Set(idempotencyPrefix+"key-5", "{not json"))

	rec, err := store.Reserve(context.Background(), "key-5", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdempotencyStore_RedisDown(t *testing.T) {
	store, mr := setupStore(t)
	mr.Close()

	_, err := store.Reserve(context.Background(), "key-6", "fp")
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}
