package backfill

import (
	"context"
	"time"

	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Granularity is the bucket size for a backfill run.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

// String returns the granularity name.
func (g Granularity) String() string {
	if g == Daily {
		return "daily"
	}
	return "hourly"
}

// Step returns the bucket duration.
func (g Granularity) Step() time.Duration {
	if g == Daily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate aligns t to the start of its bucket.
func (g Granularity) Truncate(t time.Time) time.Time {
	if g == Daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(time.Hour)
}

// JobFunc runs one pipeline pass against whatever window its Context
// currently pins.
type JobFunc func(ctx context.Context) error

// RunnerOptions configures a backfill run.
type RunnerOptions struct {
	// Buckets is the number of historical buckets before the current one.
	// A run covers Buckets+1 invocations: the current bucket plus that
	// many prior ones, oldest first.
	Buckets int

	// Granularity sets the bucket size. Defaults to Hourly.
	Granularity Granularity

	// Progress renders a terminal progress bar when true.
	Progress bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Result summarizes a backfill run.
type Result struct {
	Invocations int
	Failed      int
}

// Run backfills one bucket at a time: for each bucket it pins the bucket's
// window on bctx, invokes job, and moves on regardless of the outcome.
// The context's window is cleared exactly once, whether or not any bucket
// failed, so a broken backfill cannot pin future incremental runs.
func Run(ctx context.Context, bctx *Context, name string, job JobFunc, opts RunnerOptions) (Result, error) {
	if opts.Buckets < 0 {
		return Result{}, etlerr.Configf("backfill bucket count must be >= 0, got %d", opts.Buckets)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	defer bctx.Clear()

	step := opts.Granularity.Step()
	now := opts.Now()
	total := opts.Buckets + 1

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Backfilling "+name),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	res := Result{}
	var firstErr error
	for i := opts.Buckets; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			logging.Warn("Backfill of %s canceled after %d invocations", name, res.Invocations)
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		start := opts.Granularity.Truncate(now.Add(-time.Duration(i) * step))
		end := start.Add(step)
		if end.After(now) {
			end = now
		}
		if err := bctx.SetWindow(start, end, name); err != nil {
			return res, err
		}
		logging.Info("Backfilling %s bucket %d/%d: %s to %s", name, total-i, total,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
		res.Invocations++
		if err := job(ctx); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			logging.Error("Backfill bucket %s failed for %s: %v", start.Format(time.RFC3339), name, err)
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}
	logging.Info("Backfill of %s done: %d invocations, %d failed", name, res.Invocations, res.Failed)
	return res, firstErr
}
