// Package backfill owns the time window a pipeline run is processing:
// either a rolling incremental window derived from the last-processed
// watermark, or an explicitly pinned historical window.
//
// A Context is plain dependency-injected state. Each pipeline gets its own
// Context, so concurrent backfills for different jobs never share a window.
package backfill

import (
	"sync"
	"time"

	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
)

// Mode distinguishes rolling incremental windows from pinned backfill windows.
type Mode int

const (
	Incremental Mode = iota
	Backfill
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Backfill {
		return "backfill"
	}
	return "incremental"
}

// Window is the time range a pipeline run processes. Start <= End always
// holds. In Incremental mode Start is the watermark (or the default
// lookback) and End is "now" at read time; in Backfill mode both bounds
// are pinned and do not advance with wall-clock time.
type Window struct {
	Start time.Time
	End   time.Time
	Mode  Mode
}

// WatermarkStore persists the incremental watermark across process
// restarts. Implemented by checkpoint.State; a nil store keeps the
// watermark in memory only.
type WatermarkStore interface {
	Watermark(job string) (time.Time, bool, error)
	SetWatermark(job string, t time.Time) error
}

// Options configures a Context.
type Options struct {
	// Job is the name used for watermark persistence and logging.
	Job string

	// DefaultLookback bounds the first incremental window when no
	// watermark exists yet. Defaults to one hour.
	DefaultLookback time.Duration

	// Store persists the watermark. Optional.
	Store WatermarkStore

	// AdvanceInBackfill permits AdvanceWatermark while a backfill window
	// is pinned. Off by default: backfilled data must not silently move
	// the incremental watermark forward.
	AdvanceInBackfill bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Context holds the active window state for one pipeline.
type Context struct {
	mu                sync.Mutex
	job               string
	lookback          time.Duration
	store             WatermarkStore
	advanceInBackfill bool
	now               func() time.Time

	watermark      time.Time
	watermarkSet   bool
	backfillStart  time.Time
	backfillEnd    time.Time
	backfillActive bool
	owner          string
}

// NewContext creates a Context in Incremental mode. If a store is given
// and holds a watermark for the job, it seeds the in-memory watermark.
func NewContext(opts Options) *Context {
	if opts.DefaultLookback <= 0 {
		opts.DefaultLookback = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Context{
		job:               opts.Job,
		lookback:          opts.DefaultLookback,
		store:             opts.Store,
		advanceInBackfill: opts.AdvanceInBackfill,
		now:               opts.Now,
	}
	if opts.Store != nil {
		if wm, ok, err := opts.Store.Watermark(opts.Job); err != nil {
			logging.Warn("Loading watermark for %s: %v", opts.Job, err)
		} else if ok {
			c.watermark = wm
			c.watermarkSet = true
		}
	}
	return c
}

// SetWindow pins a backfill window owned by the named pipeline run.
// Fails with a configuration error if start is after end.
func (c *Context) SetWindow(start, end time.Time, owner string) error {
	if start.After(end) {
		return etlerr.Configf("backfill window start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backfillStart = start
	c.backfillEnd = end
	c.backfillActive = true
	c.owner = owner
	logging.Info("Pinned backfill window for %s: %s to %s", owner, start.Format(time.RFC3339), end.Format(time.RFC3339))
	return nil
}

// Window returns the active window: the pinned backfill window if one is
// set, otherwise an incremental window from the watermark (or the default
// lookback) up to now.
func (c *Context) Window() Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backfillActive {
		return Window{Start: c.backfillStart, End: c.backfillEnd, Mode: Backfill}
	}
	end := c.now()
	start := end.Add(-c.lookback)
	if c.watermarkSet {
		start = c.watermark
	}
	return Window{Start: start, End: end, Mode: Incremental}
}

// Mode returns the current mode.
func (c *Context) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backfillActive {
		return Backfill
	}
	return Incremental
}

// Owner returns the name of the run that pinned the current backfill
// window, or "" in incremental mode.
func (c *Context) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.backfillActive {
		return ""
	}
	return c.owner
}

// AdvanceWatermark moves the incremental watermark forward. While a
// backfill window is pinned this is a logged no-op unless the context was
// created with AdvanceInBackfill.
func (c *Context) AdvanceWatermark(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backfillActive && !c.advanceInBackfill {
		logging.Debug("Ignoring watermark advance to %s during backfill of %s", t.Format(time.RFC3339), c.job)
		return
	}
	c.watermark = t
	c.watermarkSet = true
	if c.store != nil {
		if err := c.store.SetWatermark(c.job, t); err != nil {
			logging.Warn("Persisting watermark for %s: %v", c.job, err)
		}
	}
}

// Watermark returns the current watermark and whether one is set.
func (c *Context) Watermark() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark, c.watermarkSet
}

// Clear drops any pinned backfill window, reverting to incremental
// derivation. Safe to call in any mode; callers defer it so a failed
// backfill cannot leave the window wedged.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backfillActive {
		logging.Info("Cleared backfill window for %s", c.owner)
	}
	c.backfillActive = false
	c.backfillStart = time.Time{}
	c.backfillEnd = time.Time{}
	c.owner = ""
}
