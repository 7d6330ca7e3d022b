package resumption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/ensemble/pkg/schema"
)

const (
	defaultRedisPrefix = "ensemble:suspension"
	defaultRedisGrace  = 24 * time.Hour
	redisScanCount     = 100
)

// RedisStore keeps suspended states in Redis, one JSON value per token.
// Keys expire at the record's expiry plus a grace period, so resolved
// records stay readable for a while after their suspension window closes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Default is "ensemble:suspension".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisGrace sets how long keys outlive their expiry. Default is 24h.
func WithRedisGrace(grace time.Duration) RedisOption {
	return func(s *RedisStore) { s.grace = grace }
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix, grace: defaultRedisGrace}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(token string) string {
	return s.prefix + ":" + token
}

// ttl returns the key lifetime for a record, or 0 (no expiry) when the
// record has none.
func (s *RedisStore) ttl(state *schema.SuspendedState, now time.Time) time.Duration {
	if state.Metadata.ExpiresAt.IsZero() {
		return 0
	}
	ttl := state.Metadata.ExpiresAt.Sub(now) + s.grace
	if ttl <= 0 {
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, state *schema.SuspendedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal suspended state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(state.Token), data, s.ttl(state, time.Now())).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return duplicate(state.Token)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*schema.SuspendedState, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(token)
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeState(data)
}

// Resolve runs the transition inside WATCH/MULTI so a concurrent writer
// aborts the transaction instead of being overwritten.
func (s *RedisStore) Resolve(ctx context.Context, token string, res Resolution) (*schema.SuspendedState, error) {
	key := s.key(token)
	var resolved *schema.SuspendedState

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound(token)
			}
			return fmt.Errorf("redis get failed: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := apply(state, res); err != nil {
			return err
		}
		updated, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal suspended state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		resolved = state
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "suspension %s was modified concurrently", token).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// Claim deletes the key inside WATCH/MULTI after checking the record is
// approved; a concurrent claim aborts the transaction.
func (s *RedisStore) Claim(ctx context.Context, token string) error {
	key := s.key(token)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return notFound(token)
			}
			return fmt.Errorf("redis get failed: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := claimable(state); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return alreadyClaimed(token).WithCause(err)
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// PurgeExpired scans the prefix and deletes expired unapproved records ahead
// of their key TTL.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	purged := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return purged, fmt.Errorf("redis get failed: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return purged, err
		}
		if !purgeable(&state.Metadata, now) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("redis del failed: %w", err)
		}
		purged += int(n)
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redis scan failed: %w", err)
	}
	return purged, nil
}
