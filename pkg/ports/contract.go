package ports

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/aretw0/databench/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBackendContract runs a suite of tests to verify that a DataBackend implementation
// adheres to the defined interface contract.
func RunBackendContract(t *testing.T, backend DataBackend) {
	ctx := context.Background()
	dom := "contract-" + time.Now().Format("20060102150405.000000")

	t.Run("Put and Get", func(t *testing.T) {
		err := backend.Put(ctx, dom, "foo", []byte(`"bar"`))
		require.NoError(t, err, "Put should not return error")

		val, err := backend.Get(ctx, dom, "foo")
		require.NoError(t, err, "Get should not return error")
		assert.Equal(t, `"bar"`, string(val))
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, dom, "foo", []byte(`{"a":1}`)))

		val, err := backend.Get(ctx, dom, "foo")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(val))
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := backend.Get(ctx, dom, "missing")
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)

		_, err = backend.Get(ctx, "never-used-"+dom, "foo")
		assert.ErrorIs(t, err, domain.ErrKeyNotFound)
	})

	t.Run("Keys", func(t *testing.T) {
		require.NoError(t, backend.Put(ctx, dom, "second", []byte(`2`)))

		keys, err := backend.Keys(ctx, dom)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"foo", "second"}, keys)

		keys, err = backend.Keys(ctx, "never-used-"+dom)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Domain isolation", func(t *testing.T) {
		other := dom + "-other"
		require.NoError(t, backend.Put(ctx, other, "foo", []byte(`"other"`)))

		val, err := backend.Get(ctx, dom, "foo")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(val))

		require.NoError(t, backend.Drop(ctx, other))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, dom, "second"))
		_, err := backend.Get(ctx, dom, "second")
		assert.ErrorIs(t, err, domain.ErrKeyNotFound, "Get after Delete should return ErrKeyNotFound")

		assert.NoError(t, backend.Delete(ctx, dom, "second"), "Delete should be idempotent")
	})

	t.Run("Drop", func(t *testing.T) {
		require.NoError(t, backend.Drop(ctx, dom))

		keys, err := backend.Keys(ctx, dom)
		require.NoError(t, err)
		assert.Empty(t, keys)

		assert.NoError(t, backend.Drop(ctx, dom), "Drop should be idempotent")
	})
}
