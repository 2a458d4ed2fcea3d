package snapshot

import (
	"reflect"
	"sort"
	"strconv"
)

// Snapshot holds the field values of one story or segment at a point in time.
// Snapshots are treated as immutable: every package that stores or returns one
// hands out a clone.
type Snapshot map[string]any

// DefaultIgnoredFields are bookkeeping fields that change on every write and
// never make a snapshot novel on their own.
var DefaultIgnoredFields = []string{"updated_at", "updated_at_ms"}

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return map[string]any(Snapshot(vv).Clone())
	case Snapshot:
		return vv.Clone()
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = cloneValue(vv[i])
		}
		return out
	default:
		return v
	}
}

// String returns the field as a string, or "" when missing or not a string.
func (s Snapshot) String(field string) string {
	if s == nil {
		return ""
	}
	v, _ := s[field].(string)
	return v
}

// Number returns numeric fields regardless of whether they were decoded as
// float64 (JSON), int (YAML) or a numeric string.
func (s Snapshot) Number(field string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Equal compares two snapshots field by field, skipping the ignored fields.
// A field holding nil equals a missing field.
func Equal(a, b Snapshot, ignore []string) bool {
	skip := make(map[string]struct{}, len(ignore))
	for _, f := range ignore {
		skip[f] = struct{}{}
	}
	for k, av := range a {
		if _, ok := skip[k]; ok {
			continue
		}
		if !reflect.DeepEqual(av, b[k]) {
			return false
		}
	}
	for k, bv := range b {
		if _, ok := skip[k]; ok {
			continue
		}
		if _, ok := a[k]; ok {
			continue
		}
		if bv != nil {
			return false
		}
	}
	return true
}

// SortSegments orders segments by their numeric "position" field, falling back
// to the id for segments without a position or with equal positions.
func SortSegments(segments []Snapshot) {
	sort.SliceStable(segments, func(i, j int) bool {
		pi, oki := segments[i].Number("position")
		pj, okj := segments[j].Number("position")
		switch {
		case oki && okj && pi != pj:
			return pi < pj
		case oki != okj:
			return oki
		}
		return segments[i].String("id") < segments[j].String("id")
	})
}
