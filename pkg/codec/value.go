package codec

import (
	"bytes"
	"errors"
	"math"
)

// KeyFloat tags a non-finite float inside a stored value:
// NaN is kept as {"__float__": "NaN"}.
const KeyFloat = "__float__"

// EncodeValue encodes v for storage. Unlike Marshal it accepts non-finite
// floats and tags them so DecodeValue restores them. Equal values have equal
// encodings, which is what change suppression compares.
func EncodeValue(v any) ([]byte, error) {
	data, err := Marshal(v)
	if !errors.Is(err, ErrNonFinite) {
		return data, err
	}
	return Marshal(mapFloats(v, tagFloat))
}

// DecodeValue decodes a value written by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	v, err := Unmarshal(data)
	if err != nil || !bytes.Contains(data, []byte(`"`+KeyFloat+`"`)) {
		return v, err
	}
	return untag(v), nil
}

func tagFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return map[string]any{KeyFloat: sanitizeFloat(f)}
	}
	return f
}

func untag(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[KeyFloat].(string); ok {
				switch s {
				case NaN:
					return math.NaN()
				case PosInfinity:
					return math.Inf(1)
				case NegInfinity:
					return math.Inf(-1)
				}
			}
		}
		for k, e := range t {
			t[k] = untag(e)
		}
	case []any:
		for i, e := range t {
			t[i] = untag(e)
		}
	}
	return v
}
