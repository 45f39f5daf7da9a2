// Package jobs assembles the concrete pipelines this binary ships:
// hourly and daily crypto price snapshots loaded with delete-then-insert
// replacement, and a staged trade-event merge that keeps the freshest
// version per trade. Each pipeline gets its own window context so a
// backfill on one cannot leak into another.
package jobs

import (
	"context"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/checkpoint"
	"github.com/imancn/marketpipe/internal/config"
	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/extract"
	"github.com/imancn/marketpipe/internal/load"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/imancn/marketpipe/internal/registry"
	"github.com/imancn/marketpipe/internal/store"
	"github.com/imancn/marketpipe/internal/transform"
)

// Set holds the registered jobs plus the per-job window contexts the
// backfill command drives.
type Set struct {
	Registry *registry.Registry
	contexts map[string]*backfill.Context
	grain    map[string]backfill.Granularity
}

// priceColumns is the shared column layout of the hourly and daily
// price tables.
func priceColumns() []load.ColumnSpec {
	return []load.ColumnSpec{
		{Name: "symbol"},
		{Name: "time_bucket"},
		{Name: "price_usd", Numeric: true},
		{Name: "market_cap", Numeric: true},
		{Name: "volume_24h", Numeric: true},
		{Name: "recorded_at"},
	}
}

// Build wires every pipeline against the given store and state and
// registers them. The returned Set owns no resources; the caller closes
// the store and state.
func Build(cfg *config.Config, st *store.Postgres, state *checkpoint.State) (*Set, error) {
	set := &Set{
		Registry: registry.New(state),
		contexts: make(map[string]*backfill.Context),
		grain:    make(map[string]backfill.Granularity),
	}

	loadOpts := load.Options{
		BatchSize:  cfg.Pipeline.BatchSize,
		MaxRetries: cfg.Pipeline.MaxRetries,
		RetryDelay: cfg.Pipeline.RetryDelay,
	}
	pageOpts := extract.PageOptions{
		BatchSize: cfg.Pipeline.PageSize,
		Delay:     cfg.Pipeline.PageDelay,
	}

	if err := set.pricesJob(cfg, st, state, loadOpts, "crypto-prices-hourly", "crypto_prices", time.Hour, backfill.Hourly, "5 * * * *"); err != nil {
		return nil, err
	}
	if err := set.pricesJob(cfg, st, state, loadOpts, "crypto-prices-daily", "crypto_prices_daily", 24*time.Hour, backfill.Daily, "15 0 * * *"); err != nil {
		return nil, err
	}
	if err := set.tradesJob(cfg, st, state, loadOpts, pageOpts); err != nil {
		return nil, err
	}
	return set, nil
}

// pricesJob registers one snapshot pipeline: pull the latest quotes,
// bucket them, and replace the affected rows.
func (s *Set) pricesJob(cfg *config.Config, st *store.Postgres, state *checkpoint.State, loadOpts load.Options, name, table string, bucket time.Duration, grain backfill.Granularity, schedule string) error {
	bctx := backfill.NewContext(backfill.Options{
		Job:             name,
		DefaultLookback: cfg.Pipeline.DefaultLookback,
		Store:           state,
	})

	extractor := &extract.HTTPQuotes{
		BaseURL: cfg.Source.BaseURL,
		APIKey:  cfg.Source.APIKey,
	}

	transformer := priceTransform(table, bucket)

	loader, err := load.NewReplaceLoader(st, load.TableSchema{
		Table:      table,
		Columns:    priceColumns(),
		KeyColumns: []string{"symbol", "time_bucket"},
	}, loadOpts)
	if err != nil {
		return err
	}

	stage := pipeline.NewETL(name, bctx, extractor, transformer, loader)
	if err := s.Registry.Register(name, stage, registry.Options{
		Schedule:    schedule,
		Description: "Bucketed crypto price snapshots into " + table,
		Timeout:     cfg.Pipeline.JobTimeout,
		Backfill:    bctx,
	}); err != nil {
		return err
	}
	s.contexts[name] = bctx
	s.grain[name] = grain
	return nil
}

// priceTransform shapes a quote snapshot for the price tables: drop
// symbolless rows, map the feed's field names onto the table's columns
// (which also strips payload fields the table does not declare), and
// bucket on the snapshot timestamp.
func priceTransform(table string, bucket time.Duration) pipeline.Transformer {
	return &transform.Chain{
		ChainName: "prices-" + table,
		Steps: []pipeline.Transformer{
			&transform.Filter{
				FilterName: "has-symbol",
				Keep: func(rec pipeline.Record) bool {
					sym, ok := rec["symbol"].(string)
					return ok && sym != ""
				},
			},
			&transform.Rename{
				Mapping: map[string]string{
					"symbol":      "symbol",
					"price":       "price_usd",
					"market_cap":  "market_cap",
					"volume_24h":  "volume_24h",
					"recorded_at": "recorded_at",
				},
			},
			&transform.Bucket{
				SourceColumn: "recorded_at",
				BucketColumn: "time_bucket",
				Truncate:     bucket,
			},
		},
	}
}

// tradesJob registers the staged trade merge: raw_trade_events rows in
// the pinned window are paged out of Postgres and appended to
// trade_events keyed by trade_id, freshest recorded_at winning.
func (s *Set) tradesJob(cfg *config.Config, st *store.Postgres, state *checkpoint.State, loadOpts load.Options, pageOpts extract.PageOptions) error {
	const name = "trade-events"

	bctx := backfill.NewContext(backfill.Options{
		Job:             name,
		DefaultLookback: cfg.Pipeline.DefaultLookback,
		Store:           state,
	})

	pages := &extract.SQLPages{
		Pool: st.Pool(),
		BaseQuery: `SELECT trade_id, symbol, side, price, quantity, executed_at, recorded_at
			FROM raw_trade_events
			WHERE recorded_at >= $1 AND recorded_at < $2
			ORDER BY recorded_at, trade_id`,
	}

	loader, err := load.NewMergeLoader(st, load.TableSchema{
		Table: "trade_events",
		Columns: []load.ColumnSpec{
			{Name: "trade_id"},
			{Name: "symbol"},
			{Name: "side"},
			{Name: "price", Numeric: true},
			{Name: "quantity", Numeric: true},
			{Name: "executed_at"},
			{Name: "recorded_at"},
		},
		KeyColumns:    []string{"trade_id"},
		VersionColumn: "recorded_at",
	}, loadOpts)
	if err != nil {
		return err
	}

	stage := pipeline.Sequential(name,
		pipeline.NewEL(name+"-merge", bctx, pages.Extractor(name, pageOpts), loader),
		mergeMaintenance(loader),
	)
	if err := s.Registry.Register(name, stage, registry.Options{
		Schedule:    "*/15 * * * *",
		Description: "Merge staged trade events into trade_events",
		Timeout:     cfg.Pipeline.JobTimeout,
		Backfill:    bctx,
	}); err != nil {
		return err
	}
	s.contexts[name] = bctx
	s.grain[name] = backfill.Hourly
	return nil
}

// mergeMaintenance collapses superseded trade versions after each merge
// load and recreates the deduplicated projection so it tracks columns
// added by later migrations. It runs even when the load failed:
// compaction is harmless and a partial batch still benefits.
func mergeMaintenance(loader *load.MergeLoader) pipeline.Stage {
	return pipeline.StageFunc{
		StageName: loader.Name() + "-compact",
		Fn: func(ctx context.Context) error {
			if _, err := loader.Compact(ctx); err != nil {
				return err
			}
			return loader.EnsureDedupView(ctx)
		},
	}
}

// Backfill reruns a job over the given number of historical buckets at
// the job's native granularity.
func (s *Set) Backfill(ctx context.Context, name string, buckets int, progress bool) (backfill.Result, error) {
	bctx, ok := s.contexts[name]
	if !ok {
		return backfill.Result{}, etlerr.Configf("unknown job %q", name)
	}
	return backfill.Run(ctx, bctx, name,
		func(ctx context.Context) error { return s.Registry.Run(ctx, name) },
		backfill.RunnerOptions{
			Buckets:     buckets,
			Granularity: s.grain[name],
			Progress:    progress,
		})
}
