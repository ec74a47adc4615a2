package job

import (
	"fmt"
	"math"
	"reflect"
)

// NormalizeArgs canonicalizes an argument list. An empty list becomes nil.
// See NormalizeValue.
func NormalizeArgs(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return normalizeSlice(args)
}

// NormalizeKwargs canonicalizes keyword arguments. An empty map becomes nil.
// See NormalizeValue.
func NormalizeKwargs(kwargs map[string]any) (map[string]any, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	return normalizeMap(kwargs)
}

func normalizeSlice(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, v := range args {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("args[%d]: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func normalizeMap(kwargs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("kwargs[%q]: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// NormalizeValue maps v onto the storable value tree: nil, bool, string,
// int64, float64, []any and map[string]any. Integers that fit in int64
// become int64, float32 becomes float64 and nil slices or maps become nil.
// Anything else fails with ErrUnserializable.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintValue(x)
	case float32:
		return float64(x), nil
	case []any:
		if x == nil {
			return nil, nil
		}
		return normalizeSlice(x)
	case map[string]any:
		if x == nil {
			return nil, nil
		}
		return normalizeMap(x)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnserializable, reflect.TypeOf(v))
	}
}

func uintValue(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnserializable, u)
	}
	return int64(u), nil
}

// CloneValue deep-copies a normalized value tree.
func CloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		return cloneArgs(x)
	case map[string]any:
		return cloneKwargs(x)
	default:
		return x
	}
}

func cloneArgs(a []any) []any {
	if a == nil {
		return nil
	}
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = CloneValue(v)
	}
	return out
}

func cloneKwargs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
