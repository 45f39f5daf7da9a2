// Package registry keeps the named jobs an external scheduler (cron)
// invokes through the CLI: each job's stage, schedule metadata, and
// last-run bookkeeping. The registry enforces per-job timeouts and
// releases a job's backfill window when a run is cut off, so a stuck
// backfill cannot wedge future runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/checkpoint"
	"github.com/imancn/marketpipe/internal/etlerr"
	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/robfig/cron/v3"
)

// Status is the lifecycle state of a job's last run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Descriptor is the registered metadata and last-run state of a job.
type Descriptor struct {
	Name        string
	Schedule    string
	Description string
	Timeout     time.Duration
	LastRun     time.Time
	Status      Status
	LastError   string
}

// Options configures a job at registration time.
type Options struct {
	// Schedule is a 5-field cron expression. Required.
	Schedule string

	// Description is free-form operator documentation.
	Description string

	// Timeout aborts a run that exceeds it. 0 disables enforcement.
	Timeout time.Duration

	// Backfill is the job's window context, released on timeout.
	Backfill *backfill.Context
}

type job struct {
	desc  Descriptor
	stage pipeline.Stage
	bctx  *backfill.Context
}

// Registry is the in-process job table. Run history is additionally
// persisted through the checkpoint state when one is attached.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*job
	state *checkpoint.State // optional
}

// New creates a registry. state may be nil.
func New(state *checkpoint.State) *Registry {
	return &Registry{jobs: make(map[string]*job), state: state}
}

// cronParser validates standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks a 5-field cron expression.
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("schedule is empty")
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return err
	}
	return nil
}

// Register adds a named job. Fails with a configuration error on an empty
// name, an invalid schedule, or a duplicate name.
func (r *Registry) Register(name string, stage pipeline.Stage, opts Options) error {
	if name == "" {
		return etlerr.Configf("job name is required")
	}
	if err := ValidateSchedule(opts.Schedule); err != nil {
		return etlerr.Configf("invalid schedule %q for job %s: %w", opts.Schedule, name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return etlerr.Configf("job %s is already registered", name)
	}
	r.jobs[name] = &job{
		desc: Descriptor{
			Name:        name,
			Schedule:    opts.Schedule,
			Description: opts.Description,
			Timeout:     opts.Timeout,
			Status:      StatusPending,
		},
		stage: stage,
		bctx:  opts.Backfill,
	}
	logging.Info("Registered job %s (schedule: %s)", name, opts.Schedule)
	return nil
}

// Unregister removes a job, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; !ok {
		return false
	}
	delete(r.jobs, name)
	logging.Info("Unregistered job %s", name)
	return true
}

// List returns a snapshot of all descriptors keyed by name.
func (r *Registry) List() map[string]Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Descriptor, len(r.jobs))
	for name, j := range r.jobs {
		out[name] = j.desc
	}
	return out
}

// Get returns a job's descriptor.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return Descriptor{}, false
	}
	return j.desc, true
}

// Run looks up and invokes a job, updating its descriptor and recording
// the run. An unknown name is an error and mutates nothing. The returned
// error is the stage's classified error, so the caller decides whether to
// log-and-continue or escalate.
func (r *Registry) Run(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return etlerr.Configf("unknown job %q", name)
	}
	j.desc.Status = StatusRunning
	j.desc.LastRun = time.Now()
	j.desc.LastError = ""
	timeout := j.desc.Timeout
	bctx := j.bctx
	stage := j.stage
	r.mu.Unlock()

	var runID string
	if r.state != nil {
		win := backfill.Window{}
		mode := backfill.Incremental
		if bctx != nil {
			win = bctx.Window()
			mode = win.Mode
		}
		id, err := r.state.CreateRun(name, mode.String(), win.Start, win.End)
		if err != nil {
			logging.Warn("Recording run start for %s: %v", name, err)
		} else {
			runID = id
		}
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := stage.Run(runCtx)

	status := StatusCompleted
	errMsg := ""
	if err != nil {
		status = StatusFailed
		errMsg = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || (timeout > 0 && runCtx.Err() == context.DeadlineExceeded) {
			status = StatusTimedOut
			// Release the window so a stuck backfill cannot pin future
			// incremental runs.
			if bctx != nil {
				bctx.Clear()
			}
		}
	}

	r.mu.Lock()
	j.desc.Status = status
	j.desc.LastError = errMsg
	r.mu.Unlock()

	if r.state != nil && runID != "" {
		if serr := r.state.CompleteRun(runID, string(status), errMsg, 0); serr != nil {
			logging.Warn("Recording run outcome for %s: %v", name, serr)
		}
	}

	if err != nil {
		logging.Error("Job %s finished with status %s: %v", name, status, err)
	} else {
		logging.Info("Job %s completed", name)
	}
	return err
}

// Crontab renders one crontab line per registered job invoking the given
// binary, sorted by job name, for operators installing the schedule.
func (r *Registry) Crontab(binPath string) string {
	descs := r.List()
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s %s run %s\n", descs[name].Schedule, binPath, name)
	}
	return sb.String()
}
