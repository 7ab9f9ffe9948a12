package store

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// normalizeValue converts decoded wire values into types the SQLite driver binds.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint:
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return float64(val)
		}
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = normalizeValue(a)
	}
	return out
}

// Column affinities, following SQLite's declared-type rules.
type affinity int

const (
	affinityBlob affinity = iota
	affinityInteger
	affinityReal
	affinityText
)

func affinityOf(declType string) affinity {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "INT"):
		return affinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return affinityText
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return affinityReal
	default:
		return affinityBlob
	}
}

// decodeKey turns a packed primary key back into a bindable value.
func decodeKey(pk []byte, a affinity) any {
	switch a {
	case affinityInteger:
		if i, err := strconv.ParseInt(string(pk), 10, 64); err == nil {
			return i
		}
	case affinityReal:
		if f, err := strconv.ParseFloat(string(pk), 64); err == nil {
			return f
		}
	case affinityText:
		return string(pk)
	}
	return pk
}
