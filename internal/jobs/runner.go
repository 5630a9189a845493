// Package jobs is the §4.G analysis job runner: a durable, Postgres-backed
// work queue (claimed via rowstore's SKIP LOCKED query) driving a bounded
// pool of concurrently-running analysis jobs, each cooperatively
// cancellable at phase boundaries. Grounded on
// original_source/apps/core-server-rs/src/services/analysis/jobs/runner.rs's
// AnalysisJobService shape: a semaphore-bounded claim loop plus a per-job
// cancellation registry, rebuilt here on Go's errgroup-less sync primitives
// the way the teacher builds its own bounded worker pools.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// ErrCanceled is returned by a JobFunc when it observed a cancellation
// request and unwound cleanly; the runner reports the job as canceled
// rather than failed.
var ErrCanceled = errors.New("jobs: canceled")

// Store is the slice of *rowstore.Store the runner needs.
type Store interface {
	ClaimNextJob(ctx context.Context, jobTypes []string) (models.Job, bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, p models.JobProgress) error
	CompleteJob(ctx context.Context, id uuid.UUID, result map[string]any) error
	FailJob(ctx context.Context, id uuid.UUID, jobErr models.JobError) error
	CancelJob(ctx context.Context, id uuid.UUID) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// JobFunc executes one job, reporting progress and checking for
// cancellation through rc. A non-nil error wrapping ErrCanceled marks the
// job canceled instead of failed.
type JobFunc func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error)

// RunContext is the per-job handle a JobFunc uses to report progress and
// poll for cooperative cancellation, the Go analogue of runner.rs's
// per-job CancellationToken plus its progress-event helpers.
type RunContext struct {
	store Store
	jobID uuid.UUID

	mu           sync.Mutex
	cancelEvery  int
	sinceCheck   int
	lastCanceled bool
}

// Progress patches the job's progress row and appends a progress event.
func (rc *RunContext) Progress(ctx context.Context, phase string, completed int64, total *int64, message string) error {
	return rc.store.UpdateProgress(ctx, rc.jobID, models.JobProgress{
		Phase: phase, Completed: completed, Total: total, Message: message,
	})
}

// CheckCancel polls the cancellation flag, matching §4.G's "checked at
// phase boundaries / every 256 inner-loop iterations" contract: callers in
// a tight inner loop should call CheckCancelEvery instead, which only hits
// the store every N calls.
func (rc *RunContext) CheckCancel(ctx context.Context) (bool, error) {
	canceled, err := rc.store.CancelRequested(ctx, rc.jobID)
	if err != nil {
		return false, err
	}
	rc.mu.Lock()
	rc.lastCanceled = canceled
	rc.mu.Unlock()
	return canceled, nil
}

// CheckCancelEvery should be called on every inner-loop iteration; it only
// hits the store every n calls, returning the most recently observed
// cancellation state in between.
func (rc *RunContext) CheckCancelEvery(ctx context.Context, n int) (bool, error) {
	rc.mu.Lock()
	rc.sinceCheck++
	due := rc.sinceCheck >= n
	if due {
		rc.sinceCheck = 0
	}
	cached := rc.lastCanceled
	rc.mu.Unlock()
	if !due {
		return cached, nil
	}
	return rc.CheckCancel(ctx)
}

// Runner is the bounded claim loop.
type Runner struct {
	store    Store
	registry map[string]JobFunc
	jobTypes []string

	maxConcurrent int
	pollInterval  time.Duration
	log           logging.Logger

	claimedCounter   metrics.Counter
	completedCounter metrics.Counter
	failedCounter    metrics.Counter
	canceledCounter  metrics.Counter

	wg sync.WaitGroup
}

// NewRunner constructs a Runner over registry, dispatching on
// models.Job.Type.
func NewRunner(store Store, registry map[string]JobFunc, maxConcurrent int, pollInterval time.Duration, log logging.Logger, mp metrics.Provider) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	jobTypes := make([]string, 0, len(registry))
	for t := range registry {
		jobTypes = append(jobTypes, t)
	}
	return &Runner{
		store:         store,
		registry:      registry,
		jobTypes:      jobTypes,
		maxConcurrent: maxConcurrent,
		pollInterval:  pollInterval,
		log:           log,
		claimedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "jobs", Name: "claimed_total", Help: "jobs claimed from the queue",
		}}),
		completedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "jobs", Name: "completed_total", Help: "jobs completed successfully",
		}}),
		failedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "jobs", Name: "failed_total", Help: "jobs that failed",
		}}),
		canceledCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "jobs", Name: "canceled_total", Help: "jobs canceled cooperatively",
		}}),
	}
}

// Run claims and executes jobs until ctx is canceled, then waits for any
// in-flight jobs to unwind.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	slots := make(chan struct{}, r.maxConcurrent)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.fillSlots(ctx, slots)
		}
	}
}

// fillSlots claims and launches jobs until either the semaphore is full or
// the queue has no more pending work of a registered type.
func (r *Runner) fillSlots(ctx context.Context, slots chan struct{}) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}
		job, ok, err := r.store.ClaimNextJob(ctx, r.jobTypes)
		if err != nil {
			r.log.ErrorCtx(ctx, "claim next job failed", "error", err.Error())
			<-slots
			return
		}
		if !ok {
			<-slots
			return
		}
		r.claimedCounter.Inc(1)
		r.wg.Add(1)
		go func(job models.Job) {
			defer r.wg.Done()
			defer func() { <-slots }()
			r.runOne(ctx, job)
		}(job)
	}
}

func (r *Runner) runOne(ctx context.Context, job models.Job) {
	fn, ok := r.registry[job.Type]
	if !ok {
		r.failedCounter.Inc(1)
		if err := r.store.FailJob(ctx, job.ID, models.JobError{Code: "unknown_job_type", Message: "no executor registered for job_type " + job.Type}); err != nil {
			r.log.ErrorCtx(ctx, "failed to record unknown job type failure", "job_id", job.ID.String(), "error", err.Error())
		}
		return
	}

	rc := &RunContext{store: r.store, jobID: job.ID}
	result, err := fn(ctx, rc, job)
	switch {
	case err == nil:
		r.completedCounter.Inc(1)
		if cerr := r.store.CompleteJob(ctx, job.ID, result); cerr != nil {
			r.log.ErrorCtx(ctx, "failed to record job completion", "job_id", job.ID.String(), "error", cerr.Error())
		}
	case errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled):
		r.canceledCounter.Inc(1)
		if cerr := r.store.CancelJob(ctx, job.ID); cerr != nil {
			r.log.ErrorCtx(ctx, "failed to record job cancellation", "job_id", job.ID.String(), "error", cerr.Error())
		}
	default:
		r.failedCounter.Inc(1)
		if cerr := r.store.FailJob(ctx, job.ID, models.JobError{Code: "job_failed", Message: err.Error()}); cerr != nil {
			r.log.ErrorCtx(ctx, "failed to record job failure", "job_id", job.ID.String(), "error", cerr.Error())
		}
	}
}
