package codec_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/databench/pkg/codec"
)

func TestEncodeValue_NonFinite(t *testing.T) {
	in := map[string]any{
		"nan":  math.NaN(),
		"list": []float64{1, math.Inf(1), math.Inf(-1)},
	}
	data, err := codec.EncodeValue(in)
	require.NoError(t, err)

	again, err := codec.EncodeValue(in)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be stable for change suppression")

	v, err := codec.DecodeValue(data)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.True(t, math.IsNaN(m["nan"].(float64)))
	assert.Equal(t, []any{float64(1), math.Inf(1), math.Inf(-1)}, m["list"])

	assert.Equal(t, map[string]any{"nan": "NaN", "list": []any{float64(1), "inf", "-inf"}}, codec.Sanitize(v))
}

func TestEncodeValue_Finite(t *testing.T) {
	data, err := codec.EncodeValue(map[string]any{"a": 1.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1.5}`, string(data))

	v, err := codec.DecodeValue([]byte(`{"__float__":"soon"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"__float__": "soon"}, v, "unknown sentinels stay as they are")
}
