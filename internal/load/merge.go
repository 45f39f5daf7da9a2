package load

import (
	"context"
	"fmt"
	"strings"

	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/imancn/marketpipe/internal/store"
)

// MergeLoader appends every record unconditionally, tagged with the
// schema's monotonic version column, and defers row collapsing to
// compaction. There is no destructive step on the write path, so it is
// crash-safe and tolerates arbitrary concurrent writers, at the cost that
// readers must either query after Compact or use the deduplicated view.
type MergeLoader struct {
	Store   store.Store
	Schema  TableSchema
	Options Options
}

// NewMergeLoader validates the schema (a version column is mandatory for
// merge-time de-duplication) and builds the loader.
func NewMergeLoader(st store.Store, schema TableSchema, opts Options) (*MergeLoader, error) {
	if err := schema.Validate(); err != nil {
		return nil, etlerr.Configf("merge loader: %w", err)
	}
	if schema.VersionColumn == "" {
		return nil, etlerr.Configf("merge loader for %s requires a version column", schema.Table)
	}
	opts.defaults()
	return &MergeLoader{Store: st, Schema: schema, Options: opts}, nil
}

// Name returns the loader name.
func (l *MergeLoader) Name() string { return "merge-" + l.Schema.Table }

// Load appends the batch. In-batch duplicates still collapse to the
// highest version so one Load never writes two versions of a key.
func (l *MergeLoader) Load(ctx context.Context, recs []pipeline.Record) error {
	rows, _, stats := prepare(&l.Schema, recs)
	if len(rows) == 0 {
		logging.Warn("%s: nothing to load (%d records, %d skipped)", l.Name(), stats.input, stats.skipped)
		return nil
	}

	err := writeBatches(ctx, l.Name(), l.Options, rows, func(ctx context.Context, chunk [][]any) error {
		_, werr := l.Store.InsertRows(ctx, l.Schema.Table, l.Schema.ColumnNames(), chunk)
		return werr
	})
	if err != nil {
		return err
	}
	logging.Info("%s: appended %d rows (%d deduped in batch, %d skipped)",
		l.Name(), len(rows), stats.deduped, stats.skipped)
	return nil
}

// Compact retains only the highest-version row per key, deleting
// superseded versions. Equal-version duplicates (a window re-run
// re-appending identical rows) tie-break on physical position so exactly
// one survives. Runs after every merge load; the write path never
// depends on it having run.
func (l *MergeLoader) Compact(ctx context.Context) (int64, error) {
	join := make([]string, 0, len(l.Schema.KeyColumns))
	for _, k := range l.Schema.KeyColumns {
		join = append(join, fmt.Sprintf("a.%s = b.%s", k, k))
	}
	v := l.Schema.VersionColumn
	sql := fmt.Sprintf(
		"DELETE FROM %s a USING %s b WHERE %s AND (a.%s < b.%s OR (a.%s = b.%s AND a.ctid < b.ctid))",
		l.Schema.Table, l.Schema.Table,
		strings.Join(join, " AND "),
		v, v, v, v,
	)
	n, err := l.Store.Exec(ctx, sql)
	if err != nil {
		return 0, etlerr.Loadf(l.Name(), "compacting %s: %w", l.Schema.Table, err)
	}
	if n > 0 {
		logging.Info("%s: compaction removed %d superseded rows", l.Name(), n)
	}
	return n, nil
}

// EnsureDedupView creates (or replaces) the deduplicated projection
// <table>_latest: one row per key, the highest version winning. Readers
// that need exactly-one-row-per-key semantics before compaction query
// this view instead of the raw table.
func (l *MergeLoader) EnsureDedupView(ctx context.Context) error {
	keys := strings.Join(l.Schema.KeyColumns, ", ")
	sql := fmt.Sprintf(
		"CREATE OR REPLACE VIEW %s_latest AS SELECT DISTINCT ON (%s) * FROM %s ORDER BY %s, %s DESC",
		l.Schema.Table, keys, l.Schema.Table, keys, l.Schema.VersionColumn,
	)
	if _, err := l.Store.Exec(ctx, sql); err != nil {
		return etlerr.Loadf(l.Name(), "creating dedup view for %s: %w", l.Schema.Table, err)
	}
	return nil
}

var _ pipeline.Loader = (*MergeLoader)(nil)
var _ pipeline.Loader = (*ReplaceLoader)(nil)
