package backfill

import (
	"errors"
	"testing"
	"time"

	"github.com/imancn/marketpipe/internal/etlerr"
)

type memStore struct {
	marks map[string]time.Time
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{marks: make(map[string]time.Time)}
}

func (m *memStore) Watermark(job string) (time.Time, bool, error) {
	if m.fail {
		return time.Time{}, false, errors.New("store unavailable")
	}
	t, ok := m.marks[job]
	return t, ok, nil
}

func (m *memStore) SetWatermark(job string, t time.Time) error {
	if m.fail {
		return errors.New("store unavailable")
	}
	m.marks[job] = t
	return nil
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
}

func TestIncrementalWindowDefaultLookback(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow})

	win := c.Window()
	if win.Mode != Incremental {
		t.Fatalf("mode = %v, want Incremental", win.Mode)
	}
	if !win.End.Equal(fixedNow()) {
		t.Errorf("end = %v, want %v", win.End, fixedNow())
	}
	if !win.Start.Equal(fixedNow().Add(-time.Hour)) {
		t.Errorf("start = %v, want one hour before now", win.Start)
	}
}

func TestIncrementalWindowFromWatermark(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow})
	mark := fixedNow().Add(-10 * time.Minute)
	c.AdvanceWatermark(mark)

	win := c.Window()
	if !win.Start.Equal(mark) {
		t.Errorf("start = %v, want watermark %v", win.Start, mark)
	}
}

func TestSetWindowRejectsInvertedRange(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow})
	err := c.SetWindow(fixedNow(), fixedNow().Add(-time.Hour), "test")
	if err == nil {
		t.Fatal("expected error for start after end")
	}
	if !etlerr.IsKind(err, etlerr.KindConfiguration) {
		t.Errorf("error kind = %v, want configuration", err)
	}
	if c.Mode() != Incremental {
		t.Error("rejected window must not change mode")
	}
}

func TestBackfillWindowPinAndClear(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow})
	start := fixedNow().Add(-3 * time.Hour)
	end := start.Add(time.Hour)

	if err := c.SetWindow(start, end, "backfill-run"); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	win := c.Window()
	if win.Mode != Backfill {
		t.Fatalf("mode = %v, want Backfill", win.Mode)
	}
	if !win.Start.Equal(start) || !win.End.Equal(end) {
		t.Errorf("window = [%v, %v], want [%v, %v]", win.Start, win.End, start, end)
	}
	if c.Owner() != "backfill-run" {
		t.Errorf("owner = %q, want backfill-run", c.Owner())
	}

	c.Clear()
	if c.Mode() != Incremental {
		t.Error("Clear must revert to incremental mode")
	}
	if c.Owner() != "" {
		t.Errorf("owner after Clear = %q, want empty", c.Owner())
	}
}

func TestContextsAreIsolated(t *testing.T) {
	a := NewContext(Options{Job: "a", Now: fixedNow})
	b := NewContext(Options{Job: "b", Now: fixedNow})

	if err := a.SetWindow(fixedNow().Add(-2*time.Hour), fixedNow().Add(-time.Hour), "a-run"); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	if b.Mode() != Incremental {
		t.Error("pinning a window on one context must not affect another")
	}
}

func TestWatermarkFrozenDuringBackfill(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow})
	mark := fixedNow().Add(-5 * time.Hour)
	c.AdvanceWatermark(mark)

	if err := c.SetWindow(fixedNow().Add(-2*time.Hour), fixedNow().Add(-time.Hour), "bf"); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}
	c.AdvanceWatermark(fixedNow())

	got, ok := c.Watermark()
	if !ok || !got.Equal(mark) {
		t.Errorf("watermark = %v (%v), want unchanged %v", got, ok, mark)
	}
}

func TestWatermarkAdvanceInBackfillOptIn(t *testing.T) {
	c := NewContext(Options{Job: "quotes", Now: fixedNow, AdvanceInBackfill: true})
	if err := c.SetWindow(fixedNow().Add(-2*time.Hour), fixedNow().Add(-time.Hour), "bf"); err != nil {
		t.Fatalf("SetWindow: %v", err)
	}

	mark := fixedNow().Add(-time.Hour)
	c.AdvanceWatermark(mark)

	got, ok := c.Watermark()
	if !ok || !got.Equal(mark) {
		t.Errorf("watermark = %v (%v), want %v", got, ok, mark)
	}
}

func TestWatermarkPersistsAndSeeds(t *testing.T) {
	st := newMemStore()
	mark := fixedNow().Add(-30 * time.Minute)

	c1 := NewContext(Options{Job: "quotes", Store: st, Now: fixedNow})
	c1.AdvanceWatermark(mark)
	if got := st.marks["quotes"]; !got.Equal(mark) {
		t.Fatalf("stored watermark = %v, want %v", got, mark)
	}

	c2 := NewContext(Options{Job: "quotes", Store: st, Now: fixedNow})
	got, ok := c2.Watermark()
	if !ok || !got.Equal(mark) {
		t.Errorf("seeded watermark = %v (%v), want %v", got, ok, mark)
	}
}

func TestWatermarkStoreFailureIsNonFatal(t *testing.T) {
	st := newMemStore()
	st.fail = true

	c := NewContext(Options{Job: "quotes", Store: st, Now: fixedNow})
	c.AdvanceWatermark(fixedNow())

	got, ok := c.Watermark()
	if !ok || !got.Equal(fixedNow()) {
		t.Errorf("in-memory watermark = %v (%v), want %v despite store failure", got, ok, fixedNow())
	}
}
