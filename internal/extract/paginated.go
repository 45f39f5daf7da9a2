// Package extract provides the paginated extraction loop and the thin
// source connectors (HTTP quote API, SQL-over-pgx analytics source) that
// feed the pipeline engine.
package extract

import (
	"context"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
)

// PageFunc fetches one page of up to limit records starting at the 0-based
// row offset. The connector owns translating limit/offset into the
// source's native pagination mechanism.
type PageFunc func(ctx context.Context, limit, offset int) ([]pipeline.Record, error)

// PageOptions configures the pagination loop.
type PageOptions struct {
	// BatchSize is the page size. Defaults to 2000.
	BatchSize int

	// MaxPages caps the number of page fetches so a source that always
	// returns full pages cannot loop forever. 0 means no cap.
	MaxPages int

	// Delay is the pause between page fetches, a brief yield so the
	// source is not hammered. Defaults to 100ms; negative disables.
	Delay time.Duration
}

func (o *PageOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 2000
	}
	if o.Delay == 0 {
		o.Delay = 100 * time.Millisecond
	}
}

// ExtractAll repeatedly calls fetch with increasing offsets and
// concatenates the pages in fetch order. The loop stops on an empty page
// or a short page (fewer rows than the batch size). It does not
// deduplicate. If MaxPages is set and every page so far came back full,
// hitting the cap is an extraction error rather than an endless loop.
func ExtractAll(ctx context.Context, name string, fetch PageFunc, opts PageOptions) ([]pipeline.Record, error) {
	opts.defaults()

	var all []pipeline.Record
	offset := 0
	pages := 0
	for {
		page, err := fetch(ctx, opts.BatchSize, offset)
		if err != nil {
			return nil, etlerr.Extractf(name, "fetching page at offset %d: %w", offset, err)
		}
		pages++
		all = append(all, page...)

		if len(page) == 0 {
			logging.Debug("%s: no more data at offset %d", name, offset)
			break
		}
		logging.Debug("%s: page %d returned %d records (total %d)", name, pages, len(page), len(all))
		if len(page) < opts.BatchSize {
			break
		}
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			return nil, etlerr.Extractf(name, "page ceiling of %d pages hit at offset %d with pages still full", opts.MaxPages, offset)
		}

		offset += opts.BatchSize
		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	logging.Info("%s: extracted %d records across %d pages", name, len(all), pages)
	return all, nil
}

// Paginated adapts a window-aware page source to the pipeline.Extractor
// interface.
type Paginated struct {
	ExtractorName string

	// Pages returns the page fetcher for a concrete time window.
	Pages func(win backfill.Window) PageFunc

	Options PageOptions
}

// Name returns the extractor name.
func (p *Paginated) Name() string { return p.ExtractorName }

// Extract runs the pagination loop for the window.
func (p *Paginated) Extract(ctx context.Context, win backfill.Window) ([]pipeline.Record, error) {
	return ExtractAll(ctx, p.ExtractorName, p.Pages(win), p.Options)
}
