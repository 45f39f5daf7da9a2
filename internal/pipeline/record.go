// Package pipeline provides the composable extract/transform/load engine:
// typed stage interfaces and the combinators that assemble them into
// runnable jobs.
package pipeline

import "time"

// Record is one extracted row: column name to scalar (or small structured)
// value. Records from a single extraction share a column set.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Time returns the named column as a time.Time if it holds one.
func (r Record) Time(col string) (time.Time, bool) {
	v, ok := r[col]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}
