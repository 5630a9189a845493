package jobs

import (
	"context"
	"fmt"
	"time"

	"farmtel/internal/models"
)

// CooccurrenceResult is the cooccurrence_v1 result payload: for each pair
// of sensors, how often both were simultaneously "active" (>= threshold)
// in the same bucket.
type CooccurrenceResult struct {
	SensorIDs         []string          `json:"sensor_ids"`
	Threshold         float64           `json:"threshold"`
	IntervalSeconds   int               `json:"interval_seconds"`
	Pairs             []CooccurrenceRow `json:"pairs"`
	ComputedThroughTS string            `json:"computed_through_ts"`
}

// CooccurrenceRow is one pair's co-occurrence count and Jaccard score.
type CooccurrenceRow struct {
	SensorA        string  `json:"sensor_a"`
	SensorB        string  `json:"sensor_b"`
	BothActive     int     `json:"both_active"`
	EitherActive   int     `json:"either_active"`
	JaccardScore   float64 `json:"jaccard_score"`
}

// CooccurrenceV1 buckets each sensor's series, marks a bucket "active" when
// its value is >= threshold, and for every sensor pair reports how often
// both were active in the same bucket (Jaccard similarity of the active
// bucket sets).
func CooccurrenceV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorIDs := paramStringSlice(job.Params, "sensor_ids")
		if len(sensorIDs) < 2 {
			return nil, fmt.Errorf("cooccurrence_v1 requires at least 2 sensor_ids")
		}
		threshold := paramFloat(job.Params, "threshold", 0, -1e18, 1e18)
		intervalSeconds := paramInt(job.Params, "interval_seconds", 300, 1, 86400)

		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -7))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("cooccurrence_v1: end must be after start")
		}

		series, err := loadAlignedSeries(ctx, lakeQuerier, sensorIDs, start, end.Add(time.Microsecond), intervalSeconds)
		if err != nil {
			return nil, err
		}
		activeBuckets := make(map[string]map[int64]struct{}, len(sensorIDs))
		for _, sensorID := range sensorIDs {
			set := make(map[int64]struct{})
			for bucket, value := range series[sensorID] {
				if value >= threshold {
					set[bucket] = struct{}{}
				}
			}
			activeBuckets[sensorID] = set
		}

		total := int64(len(sensorIDs) * (len(sensorIDs) - 1) / 2)
		var completed int64
		var pairs []CooccurrenceRow
		for i := 0; i < len(sensorIDs); i++ {
			for j := i + 1; j < len(sensorIDs); j++ {
				if canceled, err := rc.CheckCancelEvery(ctx, 64); err != nil {
					return nil, err
				} else if canceled {
					return nil, ErrCanceled
				}
				both, either := jaccardCounts(activeBuckets[sensorIDs[i]], activeBuckets[sensorIDs[j]])
				score := 0.0
				if either > 0 {
					score = float64(both) / float64(either)
				}
				pairs = append(pairs, CooccurrenceRow{
					SensorA: sensorIDs[i], SensorB: sensorIDs[j],
					BothActive: both, EitherActive: either, JaccardScore: score,
				})

				completed++
				if err := rc.Progress(ctx, "counting", completed, &total, ""); err != nil {
					return nil, err
				}
			}
		}

		return structToMap(CooccurrenceResult{
			SensorIDs:         sensorIDs,
			Threshold:         threshold,
			IntervalSeconds:   intervalSeconds,
			Pairs:             pairs,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}

func jaccardCounts(a, b map[int64]struct{}) (both, either int) {
	seen := make(map[int64]struct{}, len(a)+len(b))
	for bucket := range a {
		seen[bucket] = struct{}{}
		if _, ok := b[bucket]; ok {
			both++
		}
	}
	for bucket := range b {
		seen[bucket] = struct{}{}
	}
	either = len(seen)
	return both, either
}
