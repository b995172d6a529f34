package conversation

import (
	"encoding/json"
	"math"
)

// NormalizeAttribute converts v to the form attribute values take after a
// round trip through storage. Numbers with an integral value that fits in
// an int become int; every other number becomes float64. Maps and slices are
// copied and normalized recursively. Other values are returned unchanged.
//
// Turn.WithAttribute and Log.SetAttribute normalize for you. Values written
// directly into an Attributes map are stored as given and may come back in
// normalized form.
func NormalizeAttribute(v any) any {
	switch x := v.(type) {
	case int:
		return x
	case int8:
		return int(x)
	case int16:
		return int(x)
	case int32:
		return int(x)
	case int64:
		return fromInt64(x)
	case uint:
		return fromUint64(uint64(x))
	case uint8:
		return int(x)
	case uint16:
		return int(x)
	case uint32:
		return fromInt64(int64(x))
	case uint64:
		return fromUint64(x)
	case float32:
		return fromFloat64(float64(x))
	case float64:
		return fromFloat64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return fromInt64(n)
		}
		if f, err := x.Float64(); err == nil {
			return fromFloat64(f)
		}
		return x.String()
	case map[string]any:
		return NormalizeAttributes(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeAttribute(e)
		}
		return out
	}
	return v
}

// NormalizeAttributes returns a normalized copy of m. The result is never nil.
func NormalizeAttributes(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = NormalizeAttribute(v)
	}
	return out
}

func fromInt64(n int64) any {
	if n < math.MinInt || n > math.MaxInt {
		return float64(n)
	}
	return int(n)
}

func fromUint64(n uint64) any {
	if n > math.MaxInt {
		return float64(n)
	}
	return int(n)
}

func fromFloat64(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt && f < math.MaxInt && !math.IsInf(f, 0) {
		return int(f)
	}
	return f
}
