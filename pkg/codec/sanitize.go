package codec

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
)

// Sentinel strings for non-finite floats.
const (
	NaN         = "NaN"
	PosInfinity = "inf"
	NegInfinity = "-inf"
)

// ErrNonFinite is returned when a value holding NaN or ±Inf is encoded without sanitizing.
var ErrNonFinite = errors.New("value contains a non-finite float")

// Sanitize returns a copy of v in which every non-finite float is replaced by
// its sentinel string. Maps with string keys become map[string]any and
// slices or arrays become []any. Other values are returned unchanged.
func Sanitize(v any) any {
	return mapFloats(v, sanitizeFloat)
}

// mapFloats rebuilds v with every float passed through fn.
func mapFloats(v any, fn func(float64) any) any {
	switch t := v.(type) {
	case nil, string, bool, json.RawMessage, json.Number:
		return v
	case float64:
		return fn(t)
	case float32:
		return fn(float64(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = mapFloats(e, fn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = mapFloats(e, fn)
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fn(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v // []byte is encoded as base64 by encoding/json
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = mapFloats(rv.Index(i).Interface(), fn)
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || rv.IsNil() {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = mapFloats(iter.Value().Interface(), fn)
		}
		return out
	case reflect.Float32, reflect.Float64:
		return fn(rv.Float())
	}
	return v
}

func sanitizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return NaN
	case math.IsInf(f, 1):
		return PosInfinity
	case math.IsInf(f, -1):
		return NegInfinity
	}
	return f
}

// Marshal encodes v as JSON without sanitizing it.
// Non-finite floats are reported as ErrNonFinite.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, errors.Join(ErrNonFinite, err)
		}
		return nil, err
	}
	return data, nil
}

// Unmarshal decodes JSON into a generic value (maps, slices, float64, string, bool, nil).
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
