package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pjmoura/bancoledger/internal/domain"
)

const reservedMarker = "__reserved__"

// RedisIdempotency shares the retry window across API instances. Reservation
// is a SETNX of a marker value; completion overwrites it with the serialized
// transaction, refreshing the TTL.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func idemRedisKey(key string) string { return "idem:" + key }

func (s *RedisIdempotency) Reserve(ctx context.Context, key string) (*domain.Transaction, error) {
	ok, err := s.client.SetNX(ctx, idemRedisKey(key), reservedMarker, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency reserve: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.Get(ctx, idemRedisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as in progress, the caller retries.
		return nil, domain.ErrIdemInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if val == reservedMarker {
		return nil, domain.ErrIdemInProgress
	}

	var tx domain.Transaction
	if err := json.Unmarshal([]byte(val), &tx); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &tx, nil
}

func (s *RedisIdempotency) Complete(ctx context.Context, key string, tx *domain.Transaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := s.client.Set(ctx, idemRedisKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

func (s *RedisIdempotency) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, idemRedisKey(key)).Err()
}
