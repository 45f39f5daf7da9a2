// Package transform provides reusable record transformers: time
// bucketing, field renaming, and predicate filtering. Each transformer
// is stateless and safe to share across pipelines.
package transform

import (
	"context"
	"time"

	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
)

// Bucket derives a time-bucket column and a version column from a
// source timestamp column. Records whose source column is missing or
// unparseable are dropped with a warning rather than failing the batch.
type Bucket struct {
	// SourceColumn holds the record timestamp. Required.
	SourceColumn string

	// BucketColumn receives the truncated bucket timestamp. Required.
	BucketColumn string

	// VersionColumn, when set, receives the source timestamp unchanged
	// so merge loads can pick the freshest row per key.
	VersionColumn string

	// Truncate is the bucket width, e.g. time.Hour or 24*time.Hour.
	Truncate time.Duration
}

func (b *Bucket) Name() string { return "bucket-" + b.BucketColumn }

func (b *Bucket) Transform(ctx context.Context, recs []pipeline.Record) ([]pipeline.Record, error) {
	if b.SourceColumn == "" || b.BucketColumn == "" {
		return nil, etlerr.Configf("bucket transformer requires source and bucket columns")
	}
	if b.Truncate <= 0 {
		return nil, etlerr.Configf("bucket width must be positive, got %s", b.Truncate)
	}
	out := make([]pipeline.Record, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		ts, ok := rec.Time(b.SourceColumn)
		if !ok {
			dropped++
			continue
		}
		rec[b.BucketColumn] = ts.UTC().Truncate(b.Truncate)
		if b.VersionColumn != "" {
			rec[b.VersionColumn] = ts.UTC()
		}
		out = append(out, rec)
	}
	if dropped > 0 {
		logging.Warn("Bucket %s: dropped %d records with missing or invalid %s", b.BucketColumn, dropped, b.SourceColumn)
	}
	return out, nil
}

// Rename maps source field names to target column names, dropping
// fields that have no mapping. Unmapped records pass through untouched
// when Mapping is empty.
type Rename struct {
	Mapping map[string]string
}

func (r *Rename) Name() string { return "rename" }

func (r *Rename) Transform(ctx context.Context, recs []pipeline.Record) ([]pipeline.Record, error) {
	if len(r.Mapping) == 0 {
		return recs, nil
	}
	out := make([]pipeline.Record, 0, len(recs))
	for _, rec := range recs {
		mapped := make(pipeline.Record, len(r.Mapping))
		for src, dst := range r.Mapping {
			if v, ok := rec[src]; ok {
				mapped[dst] = v
			}
		}
		out = append(out, mapped)
	}
	return out, nil
}

// Filter keeps records the predicate accepts and logs the drop count.
type Filter struct {
	FilterName string
	Keep       func(pipeline.Record) bool
}

func (f *Filter) Name() string {
	if f.FilterName != "" {
		return f.FilterName
	}
	return "filter"
}

func (f *Filter) Transform(ctx context.Context, recs []pipeline.Record) ([]pipeline.Record, error) {
	if f.Keep == nil {
		return recs, nil
	}
	out := make([]pipeline.Record, 0, len(recs))
	for _, rec := range recs {
		if f.Keep(rec) {
			out = append(out, rec)
		}
	}
	if dropped := len(recs) - len(out); dropped > 0 {
		logging.Debug("Filter %s: dropped %d of %d records", f.Name(), dropped, len(recs))
	}
	return out, nil
}

// Chain runs transformers in order, stopping at the first empty batch.
type Chain struct {
	ChainName string
	Steps     []pipeline.Transformer
}

func (c *Chain) Name() string {
	if c.ChainName != "" {
		return c.ChainName
	}
	return "chain"
}

func (c *Chain) Transform(ctx context.Context, recs []pipeline.Record) ([]pipeline.Record, error) {
	var err error
	for _, step := range c.Steps {
		if len(recs) == 0 {
			return recs, nil
		}
		recs, err = step.Transform(ctx, recs)
		if err != nil {
			return nil, err
		}
	}
	return recs, nil
}

var (
	_ pipeline.Transformer = (*Bucket)(nil)
	_ pipeline.Transformer = (*Rename)(nil)
	_ pipeline.Transformer = (*Filter)(nil)
	_ pipeline.Transformer = (*Chain)(nil)
)
