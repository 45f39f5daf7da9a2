// Package load implements the idempotent write path into the analytical
// store. Two strategies satisfy the one-row-per-key contract:
//
//   - ReplaceLoader deletes existing rows for the batch's key set and
//     re-inserts. Final state is idempotent but the delete/insert pair is
//     not atomic, so it requires a single writer per key set.
//   - MergeLoader appends every row tagged with a monotonic version and
//     defers de-duplication to Compact (or to readers using the
//     deduplicated view). Crash-safe and safe under concurrent writers.
//
// A table binds to exactly one strategy; the two write paths are never
// mixed against the same key space.
package load

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ColumnSpec declares one target column.
type ColumnSpec struct {
	// Name is the target column name.
	Name string

	// Numeric marks columns coerced to fixed precision on load. Values
	// that cannot be read as a number become NULL instead of failing
	// the batch.
	Numeric bool

	// Default is sent when a record lacks the column. nil means NULL.
	Default any
}

// TableSchema is the write contract for one target table: business
// columns plus the version column and any bucket columns, in the table's
// canonical order. Inserts always supply every declared column.
type TableSchema struct {
	Table         string
	Columns       []ColumnSpec
	KeyColumns    []string
	VersionColumn string
}

// Validate checks the schema is internally consistent.
func (s *TableSchema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("table name is required")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("table %s declares no columns", s.Table)
	}
	if len(s.KeyColumns) == 0 {
		return fmt.Errorf("table %s declares no key columns", s.Table)
	}
	declared := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		declared[c.Name] = true
	}
	for _, k := range s.KeyColumns {
		if !declared[k] {
			return fmt.Errorf("key column %s is not declared on table %s", k, s.Table)
		}
	}
	if s.VersionColumn != "" && !declared[s.VersionColumn] {
		return fmt.Errorf("version column %s is not declared on table %s", s.VersionColumn, s.Table)
	}
	return nil
}

// ColumnNames returns the declared column names in canonical order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// numericPrecision is the fixed decimal precision numeric fields are
// rounded to on load.
const numericPrecision = 8

// coerceNumeric reads v as a float rounded to the fixed precision.
// Non-numeric garbage comes back as nil (stored as NULL), never an error.
func coerceNumeric(v any) any {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	shift := math.Pow10(numericPrecision)
	return math.Round(f*shift) / shift
}

// compareVersions orders two version values. Supported version types are
// timestamps, numbers, and strings; mixed or unknown types compare equal
// so ordering falls back to batch position.
func compareVersions(a, b any) int {
	switch va := a.(type) {
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			switch {
			case va.Before(vb):
				return -1
			case va.After(vb):
				return 1
			}
			return 0
		}
	case string:
		if vb, ok := b.(string); ok {
			switch {
			case va < vb:
				return -1
			case va > vb:
				return 1
			}
			return 0
		}
	default:
		fa, aok := coerceNumeric(a).(float64)
		fb, bok := coerceNumeric(b).(float64)
		if aok && bok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return 0
}
