package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

const (
	idempotencyPrefix = "ledger:idempotency:"
	pendingMarker     = "pending:"
	// lockTTL bounds how long a crashed request can block its key.
	lockTTL = 30 * time.Second
)

// Record is a stored response for a completed request.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	StoredAt    time.Time       `json:"stored_at"`
}

// IdempotencyStore remembers responses to write requests by client-supplied
// key so a retried request is answered without running it twice.
type IdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyStore creates a store whose records live for ttl.
func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl, logger: logger}
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Reserve claims key for a new request. It returns the stored record when the
// request already completed, and nil when the caller should run it and then
// call Complete or Release. A key still being processed or reused with a
// different fingerprint is an error.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, fingerprint string) (*Record, error) {
	redisKey := idempotencyPrefix + key

	ok, err := s.client.SetNX(ctx, redisKey, pendingMarker+fingerprint, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}

	if pending, found := strings.CutPrefix(raw, pendingMarker); found {
		if pending != fingerprint {
			return nil, keyReused(key)
		}
		return nil, apperrors.NewConflictError("a request with idempotency key " + key + " is still in progress")
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("discarding corrupt idempotency record", zap.String("key", key), zap.Error(err))
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return nil, fmt.Errorf("delete corrupt idempotency record: %w", err)
		}
		return s.Reserve(ctx, key, fingerprint)
	}
	if rec.Fingerprint != fingerprint {
		return nil, keyReused(key)
	}
	return &rec, nil
}

// Complete stores the response for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, rec Record) error {
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Release drops a reservation so the request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func keyReused(key string) error {
	return apperrors.NewValidationError(apperrors.CodeInvalidInput,
		"idempotency key "+key+" was already used with a different request")
}
