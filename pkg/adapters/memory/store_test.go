package memory_test

import (
	"context"
	"testing"

	"github.com/aretw0/databench/pkg/adapters/memory"
	"github.com/aretw0/databench/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	store := memory.NewStore()
	ports.RunBackendContract(t, store)
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	buf := []byte(`"a"`)
	require.NoError(t, store.Put(ctx, "d", "k", buf))
	buf[1] = 'b'

	val, err := store.Get(ctx, "d", "k")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(val))

	val[1] = 'c'
	again, _ := store.Get(ctx, "d", "k")
	assert.Equal(t, `"a"`, string(again))
}

func TestMemoryStore_EmptyDomainsAreFreed(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "d", "k", []byte(`1`)))
	assert.Equal(t, 1, store.Domains())

	require.NoError(t, store.Delete(ctx, "d", "k"))
	assert.Equal(t, 0, store.Domains())
}
