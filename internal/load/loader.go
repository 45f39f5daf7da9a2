package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/imancn/marketpipe/internal/store"
)

// Options tunes the shared write path.
type Options struct {
	// BatchSize is the number of rows per insert call. Defaults to 1000.
	BatchSize int

	// MaxRetries is the number of additional attempts per batch on
	// transient store failures. Defaults to 3. Schema and type errors
	// are never retried.
	MaxRetries int

	// RetryDelay is the initial backoff, doubled per attempt. Defaults
	// to one second.
	RetryDelay time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// batchStats counts what happened to a prepared batch.
type batchStats struct {
	input   int
	deduped int
	skipped int
}

// prepare turns records into rows in the schema's canonical column order:
// in-batch de-duplication first (highest version per key wins), then key
// null checks (offending records are logged and dropped, never fatal),
// then numeric coercion and default fill.
func prepare(s *TableSchema, recs []pipeline.Record) ([][]any, [][]any, batchStats) {
	stats := batchStats{input: len(recs)}

	// Highest version per key wins; later batch position breaks ties so
	// re-sending the same record is harmless.
	type slot struct {
		rec pipeline.Record
		pos int
	}
	keyed := make(map[string]slot, len(recs))
	order := make([]string, 0, len(recs))
	for pos, rec := range recs {
		key, ok := keyOf(s, rec)
		if !ok {
			stats.skipped++
			logging.Warn("Dropping record with null key column for %s", s.Table)
			continue
		}
		prev, exists := keyed[key]
		if !exists {
			keyed[key] = slot{rec: rec, pos: pos}
			order = append(order, key)
			continue
		}
		stats.deduped++
		if s.VersionColumn == "" {
			keyed[key] = slot{rec: rec, pos: pos}
			continue
		}
		if compareVersions(rec[s.VersionColumn], prev.rec[s.VersionColumn]) >= 0 {
			keyed[key] = slot{rec: rec, pos: pos}
		}
	}

	rows := make([][]any, 0, len(order))
	keys := make([][]any, 0, len(order))
	for _, k := range order {
		rec := keyed[k].rec
		row := make([]any, len(s.Columns))
		for i, col := range s.Columns {
			v, ok := rec[col.Name]
			if !ok {
				row[i] = col.Default
				continue
			}
			if col.Numeric {
				v = coerceNumeric(v)
			}
			row[i] = v
		}
		rows = append(rows, row)

		key := make([]any, len(s.KeyColumns))
		for i, kc := range s.KeyColumns {
			key[i] = rec[kc]
		}
		keys = append(keys, key)
	}
	return rows, keys, stats
}

// keyOf renders the key tuple of a record, reporting false when any key
// column is missing or null.
func keyOf(s *TableSchema, rec pipeline.Record) (string, bool) {
	parts := make([]string, len(s.KeyColumns))
	for i, kc := range s.KeyColumns {
		v, ok := rec[kc]
		if !ok || v == nil {
			return "", false
		}
		if str, isStr := v.(string); isStr && str == "" {
			return "", false
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f"), true
}

// writeBatches applies rows in fixed-size batches through write,
// retrying each batch with backoff on transient failures and failing
// fast on anything else.
func writeBatches(ctx context.Context, stage string, opts Options, rows [][]any, write func(ctx context.Context, chunk [][]any) error) error {
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		delay := opts.RetryDelay
		var err error
		for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
			err = write(ctx, chunk)
			if err == nil {
				break
			}
			if !store.IsTransient(err) {
				return etlerr.Loadf(stage, "batch of %d rows rejected: %w", len(chunk), err)
			}
			if attempt == opts.MaxRetries {
				return etlerr.Loadf(stage, "batch of %d rows failed after %d attempts: %w", len(chunk), opts.MaxRetries+1, err)
			}
			logging.Warn("%s: transient write failure (attempt %d/%d), retrying in %s: %v",
				stage, attempt+1, opts.MaxRetries+1, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil
}
