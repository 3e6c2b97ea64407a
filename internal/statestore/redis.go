// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/samber/oops"
)

const defaultRedisPrefix = "pluginrt:checkpoint:"

// RedisStore keeps each checkpoint as one JSON value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires checkpoints that are not updated within ttl.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store over client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis connects to a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, oops.Code("STATESTORE_CONNECT_FAILED").With("driver", "redis").Wrap(err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("STATESTORE_CONNECT_FAILED").With("driver", "redis").Wrap(err)
	}
	return NewRedisStore(client, opts...), nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return oops.With("key", cp.Key).Wrap(err)
	}
	if err := s.client.Set(ctx, s.prefix+cp.Key, data, s.ttl).Err(); err != nil {
		return oops.Code("STATESTORE_QUERY_FAILED").With("operation", "save").With("key", cp.Key).Wrap(err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (Checkpoint, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, oops.With("key", key).Wrap(ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, oops.Code("STATESTORE_QUERY_FAILED").With("operation", "load").With("key", key).Wrap(err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, oops.Code("STATESTORE_CORRUPT").With("key", key).Wrap(err)
	}
	return cp, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return oops.Code("STATESTORE_QUERY_FAILED").With("operation", "delete").With("key", key).Wrap(err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
