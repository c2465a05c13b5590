package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/databench/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// Store implements ports.DataBackend using one Redis hash per domain.
// Sharing a Redis instance lets several server replicas see the same
// class-scoped data; change notification stays in-process.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for domains. The timer restarts on every write.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for domains.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "databench:domain:",
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Store) key(dom string) string {
	return s.prefix + dom
}

// Put writes the encoded value into the domain hash.
func (s *Store) Put(ctx context.Context, dom, key string, value []byte) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(dom), key, value)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(dom), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s/%s to redis: %w", dom, key, err)
	}
	return nil
}

// Get reads the encoded value from the domain hash.
func (s *Store) Get(ctx context.Context, dom, key string) ([]byte, error) {
	val, err := s.client.HGet(ctx, s.key(dom), key).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read %s/%s from redis: %w", dom, key, err)
	}
	return val, nil
}

// Delete removes one field from the domain hash.
func (s *Store) Delete(ctx context.Context, dom, key string) error {
	if err := s.client.HDel(ctx, s.key(dom), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s from redis: %w", dom, key, err)
	}
	return nil
}

// Keys lists the fields of the domain hash.
func (s *Store) Keys(ctx context.Context, dom string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key(dom)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", dom, err)
	}
	return keys, nil
}

// Drop deletes the domain hash.
func (s *Store) Drop(ctx context.Context, dom string) error {
	if err := s.client.Del(ctx, s.key(dom)).Err(); err != nil {
		return fmt.Errorf("failed to drop %s: %w", dom, err)
	}
	return nil
}

// Ping checks connectivity, used at startup to fail fast on a bad address.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
