package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
)

// number coerces v to a finite float64. Anything else reports false so the
// caller leaves the field unset instead of writing a zero.
func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstNumber(rec shared.Record, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if f, ok := number(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func numberPtr(rec shared.Record, keys ...string) *float64 {
	if f, ok := firstNumber(rec, keys...); ok {
		return &f
	}
	return nil
}

// text returns a trimmed string for string and numeric ids.
func text(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case json.Number:
		return x.String(), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

func firstText(rec shared.Record, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := text(rec[k]); ok {
			return s, true
		}
	}
	return "", false
}

// allText collects every distinct non-empty value found under keys, in key order.
func allText(rec shared.Record, keys ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, k := range keys {
		s, ok := text(rec[k])
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func boolean(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	if f, ok := number(v); ok && (f == 0 || f == 1) {
		return f == 1, true
	}
	return false, false
}

func firstBool(rec shared.Record, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if b, ok := boolean(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

func object(rec shared.Record, keys ...string) (shared.Record, bool) {
	for _, k := range keys {
		switch m := rec[k].(type) {
		case map[string]any:
			return shared.Record(m), true
		case shared.Record:
			return m, true
		}
	}
	return nil, false
}

func timestamp(rec shared.Record, keys ...string) (time.Time, bool) {
	s, ok := firstText(rec, keys...)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// partialPose is a pose whose axes are each independently optional.
type partialPose struct {
	X, Y, Yaw *float64
}

func (p partialPose) empty() bool {
	return p.X == nil && p.Y == nil && p.Yaw == nil
}

func (p partialPose) pose() ontology.Pose {
	var out ontology.Pose
	if p.X != nil {
		out.X = *p.X
	}
	if p.Y != nil {
		out.Y = *p.Y
	}
	if p.Yaw != nil {
		out.Yaw = *p.Yaw
	}
	return out
}

// complete reports whether both planar axes are present.
func (p partialPose) complete() bool {
	return p.X != nil && p.Y != nil
}

// Records converts a decoded JSON array (or a single object) into records.
// Non-object elements are skipped.
func Records(v any) []shared.Record {
	switch x := v.(type) {
	case []any:
		out := make([]shared.Record, 0, len(x))
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				out = append(out, shared.Record(m))
			}
		}
		return out
	case []shared.Record:
		return x
	case map[string]any:
		return []shared.Record{shared.Record(x)}
	case shared.Record:
		return []shared.Record{x}
	}
	return nil
}
