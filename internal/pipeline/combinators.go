package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
)

// classify wraps err with kind unless it already carries a classification.
func classify(kind etlerr.Kind, stage string, err error) error {
	var e *etlerr.Error
	if errors.As(err, &e) {
		return err
	}
	return etlerr.New(kind, stage, err)
}

// elStage runs extract → (transform) → load against the window currently
// held by its backfill context.
type elStage struct {
	name        string
	bctx        *backfill.Context
	extractor   Extractor
	transformer Transformer // nil for plain EL
	loader      Loader
}

// NewEL builds an Extract-Load stage. An empty extraction is success:
// nothing to do is not an error, and the loader is not invoked. On a
// successful load the context's watermark advances to the window end
// (a no-op while a backfill window is pinned, unless the context allows it).
func NewEL(name string, bctx *backfill.Context, extractor Extractor, loader Loader) Stage {
	return &elStage{name: name, bctx: bctx, extractor: extractor, loader: loader}
}

// NewETL builds an Extract-Transform-Load stage. An empty transform output
// short-circuits to success like an empty extraction.
func NewETL(name string, bctx *backfill.Context, extractor Extractor, transformer Transformer, loader Loader) Stage {
	return &elStage{name: name, bctx: bctx, extractor: extractor, transformer: transformer, loader: loader}
}

func (s *elStage) Name() string { return s.name }

func (s *elStage) Run(ctx context.Context) error {
	return timed(ctx, s.name, func(ctx context.Context) error {
		win := s.bctx.Window()
		logging.Debug("%s: extracting window %s to %s (%s)", s.name,
			win.Start.Format(time.RFC3339), win.End.Format(time.RFC3339), win.Mode)

		recs, err := s.extractor.Extract(ctx, win)
		if err != nil {
			return classify(etlerr.KindExtraction, s.extractor.Name(), err)
		}
		if len(recs) == 0 {
			logging.Info("%s: no data extracted, nothing to do", s.name)
			return nil
		}

		if s.transformer != nil {
			recs, err = s.transformer.Transform(ctx, recs)
			if err != nil {
				return classify(etlerr.KindTransformation, s.transformer.Name(), err)
			}
			if len(recs) == 0 {
				logging.Info("%s: no data left after transform, nothing to do", s.name)
				return nil
			}
		}

		if err := s.loader.Load(ctx, recs); err != nil {
			return classify(etlerr.KindLoading, s.loader.Name(), err)
		}

		s.bctx.AdvanceWatermark(win.End)
		logging.Info("%s: loaded %d records", s.name, len(recs))
		return nil
	})
}

// parallelStage runs its children concurrently.
type parallelStage struct {
	name   string
	stages []Stage
}

// Parallel runs stages concurrently and waits for all of them. The result
// is success iff at least one stage succeeded; failures are counted and
// logged, and a failing stage never aborts its siblings.
func Parallel(name string, stages ...Stage) Stage {
	return &parallelStage{name: name, stages: stages}
}

func (s *parallelStage) Name() string { return s.name }

func (s *parallelStage) Run(ctx context.Context) error {
	return timed(ctx, s.name, func(ctx context.Context) error {
		if len(s.stages) == 0 {
			return nil
		}
		errs := make([]error, len(s.stages))
		var wg sync.WaitGroup
		for i, st := range s.stages {
			wg.Add(1)
			go func(i int, st Stage) {
				defer wg.Done()
				errs[i] = st.Run(ctx)
			}(i, st)
		}
		wg.Wait()

		var failed []error
		for _, err := range errs {
			if err != nil {
				failed = append(failed, err)
			}
		}
		if len(failed) > 0 {
			logging.Warn("%s: %d of %d stages failed", s.name, len(failed), len(s.stages))
		}
		if len(failed) == len(s.stages) {
			return fmt.Errorf("all %d stages failed: %w", len(s.stages), errors.Join(failed...))
		}
		return nil
	})
}

// sequentialStage runs its children in order.
type sequentialStage struct {
	name   string
	stages []Stage
}

// Sequential runs stages one after another. No stage starts before its
// predecessor completes, and an individual failure does not stop the rest.
// The result is success iff all stages succeeded.
func Sequential(name string, stages ...Stage) Stage {
	return &sequentialStage{name: name, stages: stages}
}

func (s *sequentialStage) Name() string { return s.name }

func (s *sequentialStage) Run(ctx context.Context) error {
	return timed(ctx, s.name, func(ctx context.Context) error {
		var failed []error
		for i, st := range s.stages {
			logging.Debug("%s: running stage %d/%d (%s)", s.name, i+1, len(s.stages), st.Name())
			if err := st.Run(ctx); err != nil {
				failed = append(failed, err)
			}
		}
		if len(failed) > 0 {
			logging.Warn("%s: %d of %d stages failed", s.name, len(failed), len(s.stages))
			return errors.Join(failed...)
		}
		return nil
	})
}

// conditionalStage picks a branch at run time.
type conditionalStage struct {
	name    string
	pred    func(ctx context.Context) bool
	ifTrue  Stage
	ifFalse Stage // may be nil
}

// Conditional evaluates pred and runs one of two branches. A false
// predicate with no false-branch is a no-op success.
func Conditional(name string, pred func(ctx context.Context) bool, ifTrue, ifFalse Stage) Stage {
	return &conditionalStage{name: name, pred: pred, ifTrue: ifTrue, ifFalse: ifFalse}
}

func (s *conditionalStage) Name() string { return s.name }

func (s *conditionalStage) Run(ctx context.Context) error {
	return timed(ctx, s.name, func(ctx context.Context) error {
		if s.pred(ctx) {
			return s.ifTrue.Run(ctx)
		}
		if s.ifFalse == nil {
			logging.Debug("%s: condition false and no false-branch, skipping", s.name)
			return nil
		}
		return s.ifFalse.Run(ctx)
	})
}

// RetryOptions configures a Retry stage.
type RetryOptions struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// Delay is the wait between attempts. Fixed per attempt by default.
	Delay time.Duration

	// Backoff doubles the delay after each failed attempt when set.
	// The default (fixed delay) matches the minimal contract.
	Backoff bool
}

// retryStage wraps a stage with bounded retries.
type retryStage struct {
	name  string
	inner Stage
	opts  RetryOptions
}

// Retry wraps a stage so a failure is retried up to MaxRetries additional
// times. The wrapper succeeds as soon as one attempt does, and fails only
// after all attempts are exhausted. Configuration errors are never retried.
func Retry(name string, inner Stage, opts RetryOptions) Stage {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &retryStage{name: name, inner: inner, opts: opts}
}

func (s *retryStage) Name() string { return s.name }

func (s *retryStage) Run(ctx context.Context) error {
	return timed(ctx, s.name, func(ctx context.Context) error {
		delay := s.opts.Delay
		var lastErr error
		for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
			lastErr = s.inner.Run(ctx)
			if lastErr == nil {
				if attempt > 0 {
					logging.Info("%s: succeeded on attempt %d", s.name, attempt+1)
				}
				return nil
			}
			if etlerr.IsKind(lastErr, etlerr.KindConfiguration) {
				return lastErr
			}
			if attempt == s.opts.MaxRetries {
				break
			}
			logging.Warn("%s: attempt %d failed, retrying in %s: %v", s.name, attempt+1, delay, lastErr)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			if s.opts.Backoff {
				delay *= 2
			}
		}
		return fmt.Errorf("failed after %d attempts: %w", s.opts.MaxRetries+1, lastErr)
	})
}
