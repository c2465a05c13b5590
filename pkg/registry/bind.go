package registry

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/aretw0/databench/pkg/domain"
)

// bind converts a load into handler arguments:
// a list binds positionally, a map binds to a single struct or map parameter,
// an absent load yields zero values and any other value is the sole argument.
func bind(params []reflect.Type, load domain.Load) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(params))
	for i, p := range params {
		args[i] = reflect.Zero(p)
	}
	if len(params) == 0 || !load.Present {
		return args, nil
	}

	switch v := load.Value.(type) {
	case []any:
		if len(v) > len(params) {
			return nil, fmt.Errorf("%w: %d arguments for %d parameters", ErrBinding, len(v), len(params))
		}
		for i, item := range v {
			arg, err := decode(item, params[i])
			if err != nil {
				return nil, fmt.Errorf("%w: argument %d: %v", ErrBinding, i, err)
			}
			args[i] = arg
		}
	case map[string]any:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: a keyword load needs exactly one struct or map parameter, have %d", ErrBinding, len(params))
		}
		arg, err := decode(v, params[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBinding, err)
		}
		args[0] = arg
	default:
		arg, err := decode(v, params[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBinding, err)
		}
		args[0] = arg
	}
	return args, nil
}

// decode converts a decoded JSON value into a value of type t.
// Struct fields are matched by their json tag.
func decode(in any, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t)
	if in == nil {
		return out.Elem(), nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out.Interface(),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := decoder.Decode(in); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}
