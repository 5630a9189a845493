package jobs

import (
	"context"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/replication"
)

// ReplicationEngine is the slice of *replication.Engine the two lake
// maintenance job types need.
type ReplicationEngine interface {
	RunTick(ctx context.Context, now time.Time) error
	RunBackfill(ctx context.Context, now time.Time, days int, replaceExisting bool) (replication.BackfillResult, error)
}

// LakeReplicationTickV1 wraps Engine.RunTick as an on-demand job, for
// operators who want to force an export outside the regular ticker (§4.C).
func LakeReplicationTickV1(engine ReplicationEngine) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		now := time.Now().UTC()
		if err := rc.Progress(ctx, "replicating", 0, nil, "running replication tick"); err != nil {
			return nil, err
		}
		if err := engine.RunTick(ctx, now); err != nil {
			return nil, err
		}
		return map[string]any{"ran_at": now.Format(time.RFC3339)}, nil
	}
}

// LakeBackfillV1 wraps Engine.RunBackfill, exposing the §4.G
// lake_backfill_v1 job type described in SPEC_FULL.md / lake_backfill_v1.rs.
func LakeBackfillV1(engine ReplicationEngine) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		days := paramInt(job.Params, "days", 90, 1, 365)
		replaceExisting := paramBool(job.Params, "replace_existing", true)

		if err := rc.Progress(ctx, "backfilling", 0, nil, "rewriting lake partitions"); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		result, err := engine.RunBackfill(ctx, now, days, replaceExisting)
		if err != nil {
			return nil, err
		}
		total := int64(1)
		if err := rc.Progress(ctx, "backfilling", 1, &total, "backfill complete"); err != nil {
			return nil, err
		}
		return map[string]any{
			"row_count":        result.RowCount,
			"from_ts":          result.FromTS.Format(time.RFC3339),
			"to_ts":            result.ToTS.Format(time.RFC3339),
			"days":             days,
			"replace_existing": replaceExisting,
		}, nil
	}
}
