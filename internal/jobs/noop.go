package jobs

import (
	"context"
	"time"

	"farmtel/internal/models"
)

// NoopV1 is a smoke-test job type ported from runner.rs's noop_v1: it does
// nothing but step through a clamped number of cooperative-yield
// iterations, reporting progress along the way, so the runner's claim,
// progress, cancellation, and completion paths can be exercised without a
// live lake or row store.
func NoopV1(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
	steps := paramInt(job.Params, "steps", 10, 1, 5000)
	total := int64(steps)

	for i := 1; i <= steps; i++ {
		if canceled, err := rc.CheckCancelEvery(ctx, 256); err != nil {
			return nil, err
		} else if canceled {
			return nil, ErrCanceled
		}
		if i%10 == 0 || i == steps {
			if err := rc.Progress(ctx, "stepping", int64(i), &total, ""); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return map[string]any{"steps": steps}, nil
}
