package jobs

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imancn/marketpipe/internal/checkpoint"
	"github.com/imancn/marketpipe/internal/config"
	"github.com/imancn/marketpipe/internal/load"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/imancn/marketpipe/internal/store"
)

// recordingStore captures statements so tests can assert what the
// maintenance stage sends to the target.
type recordingStore struct {
	execSQL []string
}

func (s *recordingStore) InsertRows(ctx context.Context, table string, cols []string, rows [][]any) (int64, error) {
	return int64(len(rows)), nil
}

func (s *recordingStore) DeleteByKey(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error) {
	return 0, nil
}

func (s *recordingStore) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	s.execSQL = append(s.execSQL, sql)
	return 0, nil
}

func (s *recordingStore) Ping(ctx context.Context) error { return nil }
func (s *recordingStore) Close()                         {}

var _ store.Store = (*recordingStore)(nil)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Source.BaseURL = "http://quotes.test/v1/latest"
	cfg.Pipeline.BatchSize = 100
	cfg.Pipeline.PageSize = 100
	cfg.Pipeline.DefaultLookback = time.Hour
	return cfg
}

func TestBuildRegistersAllJobs(t *testing.T) {
	state, err := checkpoint.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}
	defer state.Close()

	set, err := Build(testConfig(), &store.Postgres{}, state)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	jobs := set.Registry.List()
	for _, name := range []string{"crypto-prices-hourly", "crypto-prices-daily", "trade-events"} {
		if _, ok := jobs[name]; !ok {
			t.Errorf("job %s not registered", name)
		}
	}

	crontab := set.Registry.Crontab("/usr/local/bin/marketpipe")
	if !strings.Contains(crontab, "run trade-events") {
		t.Errorf("crontab missing trade-events line:\n%s", crontab)
	}
}

func TestMergeMaintenanceCompactsAndRefreshesView(t *testing.T) {
	st := &recordingStore{}
	loader, err := load.NewMergeLoader(st, load.TableSchema{
		Table: "trade_events",
		Columns: []load.ColumnSpec{
			{Name: "trade_id"},
			{Name: "recorded_at"},
		},
		KeyColumns:    []string{"trade_id"},
		VersionColumn: "recorded_at",
	}, load.Options{})
	if err != nil {
		t.Fatalf("building loader: %v", err)
	}

	stage := mergeMaintenance(loader)
	if err := stage.Run(context.Background()); err != nil {
		t.Fatalf("maintenance stage: %v", err)
	}

	if len(st.execSQL) != 2 {
		t.Fatalf("expected compaction plus view refresh, got %d statements", len(st.execSQL))
	}
	if !strings.Contains(st.execSQL[0], "DELETE FROM trade_events a USING trade_events b") {
		t.Errorf("first statement is not a compaction: %s", st.execSQL[0])
	}
	if !strings.Contains(st.execSQL[0], "a.ctid < b.ctid") {
		t.Errorf("compaction lacks the equal-version tie-break: %s", st.execSQL[0])
	}
	if !strings.Contains(st.execSQL[1], "CREATE OR REPLACE VIEW trade_events_latest") {
		t.Errorf("second statement is not the view refresh: %s", st.execSQL[1])
	}
}

func TestPriceTransformMapsFeedFields(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 42, 0, 0, time.UTC)
	recs := []pipeline.Record{
		{
			"symbol":      "BTC",
			"price":       60123.45,
			"market_cap":  1.2e12,
			"volume_24h":  3.4e10,
			"rank":        1,
			"recorded_at": ts,
		},
		{"price": 99.0, "recorded_at": ts}, // no symbol, dropped
	}

	out, err := priceTransform("crypto_prices", time.Hour).Transform(context.Background(), recs)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}

	rec := out[0]
	if got, ok := rec["price_usd"].(float64); !ok || got != 60123.45 {
		t.Errorf("price_usd = %v, want 60123.45", rec["price_usd"])
	}
	if _, ok := rec["price"]; ok {
		t.Error("feed field name survived the rename")
	}
	if _, ok := rec["rank"]; ok {
		t.Error("undeclared feed field was not stripped")
	}
	if got, ok := rec["time_bucket"].(time.Time); !ok || !got.Equal(ts.Truncate(time.Hour)) {
		t.Errorf("time_bucket = %v, want %v", rec["time_bucket"], ts.Truncate(time.Hour))
	}
}
