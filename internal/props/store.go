// Package props implements the persistent property store: small key/value
// state (counters, schedules, trigger records, script-level defaults) with a
// named mutex for atomic read-modify-write sequences.
package props

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Well-known property keys. The layout is part of the persisted-state
// contract and must not change between releases.
const (
	KeyAutoStopSchedule  = "FORM_SENDER_AUTO_STOP_SCHEDULE_V1"
	KeyAutoStopTriggerID = "FORM_SENDER_AUTO_STOP_TRIGGER_ID"
	KeyActiveSessionInfo = "FORM_SENDER_ACTIVE_SESSION_INFO"
	KeyTriggers          = "FORM_SENDER_TRIGGERS_V1"

	runIndexKeyFormat = "FORM_SENDER_RUN_INDEX_BASE__%d__STATE"
)

// RunIndexKey returns the property key holding a targeting's daily counter.
func RunIndexKey(targetingID int) string {
	return fmt.Sprintf(runIndexKeyFormat, targetingID)
}

// ErrNotFound is returned when a property key has no value.
var ErrNotFound = errors.New("property not found")

// Store is the persistent key/value property store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads a key and unmarshals it into out. Returns ErrNotFound when
// the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode property %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode property %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw))
}

// RedisStore is the production Store backed by Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a property store with the default "fs:prop:" prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "fs:prop:"}
}

// NewRedisStoreWithPrefix creates a property store with a custom key prefix.
func NewRedisStoreWithPrefix(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Locker serializes read-modify-write sequences under a named mutex.
type Locker interface {
	// WithLock runs fn while holding the named lock. Acquisition waits up
	// to the configured timeout and fails with an error if it elapses.
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Lock acquisition parameters. The 5 s wait mirrors the script-wide mutex
// budget of the original control plane.
const (
	lockWait     = 5 * time.Second
	lockPoll     = 50 * time.Millisecond
	lockLeaseTTL = 30 * time.Second
)
