package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/pipeline"
)

// pagedSource serves total records in limit-sized slices and records the
// offsets it was asked for.
type pagedSource struct {
	total   int
	offsets []int
}

func (p *pagedSource) fetch(ctx context.Context, limit, offset int) ([]pipeline.Record, error) {
	p.offsets = append(p.offsets, offset)
	if offset >= p.total {
		return nil, nil
	}
	n := limit
	if offset+n > p.total {
		n = p.total - offset
	}
	out := make([]pipeline.Record, n)
	for i := range out {
		out[i] = pipeline.Record{"id": offset + i}
	}
	return out, nil
}

func TestExtractAllCollectsEveryRecordOnce(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		batchSize int
		wantPages int
	}{
		{"multiple full pages then empty", 60, 20, 4},
		{"short last page", 55, 20, 3},
		{"single short page", 7, 20, 1},
		{"empty source", 0, 20, 1},
		{"exact single page then empty", 20, 20, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &pagedSource{total: tt.total}
			recs, err := ExtractAll(context.Background(), "test", src.fetch, PageOptions{
				BatchSize: tt.batchSize,
				Delay:     -1,
			})
			if err != nil {
				t.Fatalf("ExtractAll: %v", err)
			}
			if len(recs) != tt.total {
				t.Fatalf("got %d records, want %d", len(recs), tt.total)
			}
			if len(src.offsets) != tt.wantPages {
				t.Errorf("fetched %d pages (%v), want %d", len(src.offsets), src.offsets, tt.wantPages)
			}
			// In-order, no duplicates.
			for i, rec := range recs {
				if rec["id"] != i {
					t.Fatalf("record %d has id %v, want %d", i, rec["id"], i)
				}
			}
		})
	}
}

func TestExtractAllOffsetsAdvanceByBatchSize(t *testing.T) {
	src := &pagedSource{total: 50}
	_, err := ExtractAll(context.Background(), "test", src.fetch, PageOptions{BatchSize: 20, Delay: -1})
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	want := []int{0, 20, 40}
	if len(src.offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", src.offsets, want)
	}
	for i := range want {
		if src.offsets[i] != want[i] {
			t.Errorf("offsets[%d] = %d, want %d", i, src.offsets[i], want[i])
		}
	}
}

func TestExtractAllPageCeiling(t *testing.T) {
	// A source that always returns full pages would loop forever.
	endless := func(ctx context.Context, limit, offset int) ([]pipeline.Record, error) {
		out := make([]pipeline.Record, limit)
		for i := range out {
			out[i] = pipeline.Record{"id": offset + i}
		}
		return out, nil
	}

	_, err := ExtractAll(context.Background(), "test", endless, PageOptions{
		BatchSize: 10,
		MaxPages:  5,
		Delay:     -1,
	})
	if !etlerr.IsKind(err, etlerr.KindExtraction) {
		t.Errorf("err = %v, want extraction error at page ceiling", err)
	}
}

func TestExtractAllWrapsFetchErrors(t *testing.T) {
	boom := errors.New("connection reset")
	fetch := func(ctx context.Context, limit, offset int) ([]pipeline.Record, error) {
		if offset == 0 {
			out := make([]pipeline.Record, limit)
			for i := range out {
				out[i] = pipeline.Record{"id": i}
			}
			return out, nil
		}
		return nil, boom
	}

	_, err := ExtractAll(context.Background(), "test", fetch, PageOptions{BatchSize: 5, Delay: -1})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, must wrap the fetch error", err)
	}
	if !etlerr.IsKind(err, etlerr.KindExtraction) {
		t.Errorf("err = %v, want extraction kind", err)
	}
}

func TestExtractAllStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetches := 0
	fetch := func(ctx context.Context, limit, offset int) ([]pipeline.Record, error) {
		fetches++
		cancel()
		out := make([]pipeline.Record, limit)
		for i := range out {
			out[i] = pipeline.Record{"id": offset + i}
		}
		return out, nil
	}

	_, err := ExtractAll(ctx, "test", fetch, PageOptions{BatchSize: 3})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}
}

func TestPaginatedExtractorBindsWindow(t *testing.T) {
	src := &pagedSource{total: 5}
	var bound []backfill.Window
	p := &Paginated{
		ExtractorName: "bound",
		Pages: func(win backfill.Window) PageFunc {
			bound = append(bound, win)
			return src.fetch
		},
		Options: PageOptions{BatchSize: 10, Delay: -1},
	}

	win := backfill.Window{
		Start: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC),
		Mode:  backfill.Backfill,
	}
	recs, err := p.Extract(context.Background(), win)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("got %d records, want 5", len(recs))
	}
	if len(bound) != 1 || !bound[0].Start.Equal(win.Start) || bound[0].Mode != backfill.Backfill {
		t.Errorf("bound windows = %v, want the extraction window once", bound)
	}
}
