package transform

import (
	"context"
	"testing"
	"time"

	"github.com/imancn/marketpipe/internal/pipeline"
)

func TestBucketTruncatesAndVersions(t *testing.T) {
	ts := time.Date(2025, 6, 15, 13, 45, 12, 0, time.UTC)
	b := &Bucket{
		SourceColumn:  "recorded_at",
		BucketColumn:  "time_bucket",
		VersionColumn: "version",
		Truncate:      time.Hour,
	}

	out, err := b.Transform(context.Background(), []pipeline.Record{
		{"symbol": "BTC", "recorded_at": ts},
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d records, want 1", len(out))
	}
	wantBucket := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)
	if got := out[0]["time_bucket"].(time.Time); !got.Equal(wantBucket) {
		t.Errorf("time_bucket = %v, want %v", got, wantBucket)
	}
	if got := out[0]["version"].(time.Time); !got.Equal(ts) {
		t.Errorf("version = %v, want source timestamp %v", got, ts)
	}
}

func TestBucketDailyGranularity(t *testing.T) {
	ts := time.Date(2025, 6, 15, 13, 45, 12, 0, time.UTC)
	b := &Bucket{SourceColumn: "recorded_at", BucketColumn: "time_bucket", Truncate: 24 * time.Hour}

	out, err := b.Transform(context.Background(), []pipeline.Record{{"recorded_at": ts}})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	want := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := out[0]["time_bucket"].(time.Time); !got.Equal(want) {
		t.Errorf("time_bucket = %v, want %v", got, want)
	}
}

func TestBucketDropsBadTimestamps(t *testing.T) {
	b := &Bucket{SourceColumn: "recorded_at", BucketColumn: "time_bucket", Truncate: time.Hour}
	out, err := b.Transform(context.Background(), []pipeline.Record{
		{"recorded_at": time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)},
		{"recorded_at": "garbage"},
		{"symbol": "no-timestamp"},
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("got %d records, want 1 (bad timestamps dropped, not fatal)", len(out))
	}
}

func TestBucketRequiresConfiguration(t *testing.T) {
	b := &Bucket{SourceColumn: "recorded_at", BucketColumn: "time_bucket"}
	if _, err := b.Transform(context.Background(), nil); err == nil {
		t.Error("zero bucket width must be rejected")
	}
	b = &Bucket{Truncate: time.Hour}
	if _, err := b.Transform(context.Background(), nil); err == nil {
		t.Error("missing columns must be rejected")
	}
}

func TestRenameKeepsOnlyMappedFields(t *testing.T) {
	r := &Rename{Mapping: map[string]string{"sym": "symbol", "p": "price_usd"}}
	out, err := r.Transform(context.Background(), []pipeline.Record{
		{"sym": "BTC", "p": 60000.0, "noise": true},
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	rec := out[0]
	if rec["symbol"] != "BTC" || rec["price_usd"] != 60000.0 {
		t.Errorf("rec = %v, want renamed fields", rec)
	}
	if _, ok := rec["noise"]; ok {
		t.Error("unmapped field must be dropped")
	}
}

func TestFilterDropsAndCounts(t *testing.T) {
	f := &Filter{
		FilterName: "positive-price",
		Keep: func(rec pipeline.Record) bool {
			p, ok := rec["price"].(float64)
			return ok && p > 0
		},
	}
	out, err := f.Transform(context.Background(), []pipeline.Record{
		{"price": 1.0},
		{"price": -1.0},
		{"price": "bad"},
	})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("got %d records, want 1", len(out))
	}
}

func TestChainShortCircuitsOnEmpty(t *testing.T) {
	calls := 0
	counting := &Filter{FilterName: "count", Keep: func(rec pipeline.Record) bool {
		calls++
		return true
	}}
	dropAll := &Filter{FilterName: "drop-all", Keep: func(pipeline.Record) bool { return false }}

	c := &Chain{Steps: []pipeline.Transformer{dropAll, counting}}
	out, err := c.Transform(context.Background(), []pipeline.Record{{"a": 1}, {"a": 2}})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d records, want 0", len(out))
	}
	if calls != 0 {
		t.Errorf("later steps ran %d times on an empty batch", calls)
	}
}
