package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/databench/pkg/adapters/redis"
	"github.com/aretw0/databench/pkg/domain"
	"github.com/aretw0/databench/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(mr.Close)

	return mr, backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newClient(t)

	store := redis.NewFromClient(client)
	ports.RunBackendContract(t, store)
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithTTL(1*time.Second))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "Dummypi", "samples", []byte(`100`)))

	val, err := store.Get(ctx, "Dummypi", "samples")
	require.NoError(t, err)
	assert.Equal(t, "100", string(val))

	mr.FastForward(2 * time.Second)

	_, err = store.Get(ctx, "Dummypi", "samples")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, client := newClient(t)

	store := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "abcd1234", "pi", []byte(`3.14`)))

	assert.True(t, mr.Exists("custom:app:abcd1234"), "Expected hash with custom prefix to exist")
	assert.Equal(t, "3.14", mr.HGet("custom:app:abcd1234", "pi"))
	assert.NoError(t, store.Ping(ctx))
}
