package pipeline

import (
	"context"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/logging"
)

// Extractor pulls raw records for a time window.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, win backfill.Window) ([]Record, error)
}

// Transformer reshapes a result set. Implementations drop and count bad
// records rather than failing the batch.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, recs []Record) ([]Record, error)
}

// Loader writes a result set to the target store.
type Loader interface {
	Name() string
	Load(ctx context.Context, recs []Record) error
}

// Stage is a runnable unit of pipeline work. Run returns a classified
// error (see etlerr) instead of panicking; combinators log every failure
// with the stage name and elapsed time before propagating it.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context) error
}

// Name returns the stage name.
func (s StageFunc) Name() string { return s.StageName }

// Run invokes the wrapped function.
func (s StageFunc) Run(ctx context.Context) error { return s.Fn(ctx) }

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc struct {
	ExtractorName string
	Fn            func(ctx context.Context, win backfill.Window) ([]Record, error)
}

// Name returns the extractor name.
func (e ExtractorFunc) Name() string { return e.ExtractorName }

// Extract invokes the wrapped function.
func (e ExtractorFunc) Extract(ctx context.Context, win backfill.Window) ([]Record, error) {
	return e.Fn(ctx, win)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc struct {
	TransformerName string
	Fn              func(ctx context.Context, recs []Record) ([]Record, error)
}

// Name returns the transformer name.
func (t TransformerFunc) Name() string { return t.TransformerName }

// Transform invokes the wrapped function.
func (t TransformerFunc) Transform(ctx context.Context, recs []Record) ([]Record, error) {
	return t.Fn(ctx, recs)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc struct {
	LoaderName string
	Fn         func(ctx context.Context, recs []Record) error
}

// Name returns the loader name.
func (l LoaderFunc) Name() string { return l.LoaderName }

// Load invokes the wrapped function.
func (l LoaderFunc) Load(ctx context.Context, recs []Record) error {
	return l.Fn(ctx, recs)
}

// timed runs fn and logs the outcome with the stage name and elapsed time.
// The error (already classified by the stage) is returned unchanged.
func timed(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logging.Error("Stage %s failed after %s: %v", name, elapsed, err)
		return err
	}
	logging.Debug("Stage %s completed in %s", name, elapsed)
	return nil
}
