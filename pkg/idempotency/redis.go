package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed Store for multi-replica deployments. The
// reservation race is settled by SET NX: exactly one caller creates the
// pending record; everyone else reads the existing one.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	// pollInterval paces Await; Redis has no cross-client wait primitive
	// without keyspace notifications, so waiters poll.
	pollInterval time.Duration
}

// NewRedisStore creates a store over the given client; ttl <= 0 uses
// DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, pollInterval: 50 * time.Millisecond}
}

func (s *RedisStore) key(key string) string {
	return "idempotency:" + key
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (bool, Record, error) {
	now := time.Now().UTC()
	rec := Record{Key: key, Status: StatusPending, FirstSeenAt: now, UpdatedAt: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, Record{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), payload, s.ttl).Result()
	if err != nil {
		return false, Record{}, fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}
	if ok {
		return true, rec, nil
	}

	existing, found, err := s.Get(ctx, key)
	if err != nil {
		return false, Record{}, err
	}
	if !found {
		// Lost the race against an expiry; try once more.
		return s.Reserve(ctx, key)
	}
	if existing.Status == StatusFailed {
		// Failed records are re-executable: take over the reservation.
		rec.FirstSeenAt = existing.FirstSeenAt
		if err := s.put(ctx, rec); err != nil {
			return false, Record{}, err
		}
		return true, rec, nil
	}
	return false, existing, nil
}

func (s *RedisStore) put(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.Key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: store %s: %w", rec.Key, err)
	}
	return nil
}

func (s *RedisStore) settle(ctx context.Context, key string, status Status, result []byte) error {
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownKey
	}
	rec.Status = status
	rec.Result = result
	rec.UpdatedAt = time.Now().UTC()
	return s.put(ctx, rec)
}

func (s *RedisStore) Complete(ctx context.Context, key string, result []byte) error {
	return s.settle(ctx, key, StatusCompleted, result)
}

func (s *RedisStore) Fail(ctx context.Context, key string, result []byte) error {
	return s.settle(ctx, key, StatusFailed, result)
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Await(ctx context.Context, key string) (Record, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		rec, found, err := s.Get(ctx, key)
		if err != nil {
			return Record{}, err
		}
		if !found {
			return Record{}, ErrUnknownKey
		}
		if rec.Status != StatusPending {
			return rec, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}
