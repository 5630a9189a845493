package jobs

import (
	"context"
	"fmt"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/query"
)

// EventMatchResult is the event_match_v1 result payload: pairs of
// threshold-crossing events between a reference sensor and each candidate,
// matched within a tolerance window.
type EventMatchResult struct {
	ReferenceSensorID string       `json:"reference_sensor_id"`
	Threshold         float64      `json:"threshold"`
	ToleranceSeconds  int          `json:"tolerance_seconds"`
	Matches           []EventMatch `json:"matches"`
	ComputedThroughTS string       `json:"computed_through_ts"`
}

// EventMatch is one matched (reference crossing, candidate crossing) pair.
type EventMatch struct {
	CandidateSensorID string  `json:"candidate_sensor_id"`
	ReferenceTS       string  `json:"reference_ts"`
	CandidateTS       string  `json:"candidate_ts"`
	LagSeconds        float64 `json:"lag_seconds"`
}

// EventMatchV1 finds threshold-crossing events (value >= threshold) in a
// reference sensor's series and matches each to the nearest crossing in
// every candidate sensor's series within tolerance_seconds, surfacing how
// tightly a set of sensors' excursions track the reference.
func EventMatchV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		referenceSensorID := paramString(job.Params, "reference_sensor_id", "")
		if referenceSensorID == "" {
			return nil, fmt.Errorf("event_match_v1 requires a non-empty reference_sensor_id")
		}
		candidateSensorIDs := paramStringSlice(job.Params, "candidate_sensor_ids")
		if len(candidateSensorIDs) == 0 {
			return nil, fmt.Errorf("event_match_v1 requires at least 1 candidate_sensor_id")
		}
		threshold := paramFloat(job.Params, "threshold", 0, -1e18, 1e18)
		toleranceSeconds := paramInt(job.Params, "tolerance_seconds", 60, 1, 86400)

		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -7))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("event_match_v1: end must be after start")
		}
		end = end.Add(time.Microsecond)

		refRows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{referenceSensorID}, Start: start, End: end})
		if err != nil {
			return nil, fmt.Errorf("read reference series: %w", err)
		}
		refEvents := thresholdCrossings(refRows, threshold)

		total := int64(len(candidateSensorIDs))
		var completed int64
		var matches []EventMatch
		for _, candidateID := range candidateSensorIDs {
			if canceled, err := rc.CheckCancelEvery(ctx, 4); err != nil {
				return nil, err
			} else if canceled {
				return nil, ErrCanceled
			}

			candRows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{candidateID}, Start: start, End: end})
			if err != nil {
				return nil, fmt.Errorf("read candidate series for %s: %w", candidateID, err)
			}
			candEvents := thresholdCrossings(candRows, threshold)

			for _, refEvent := range refEvents {
				best, found := nearestWithinTolerance(refEvent, candEvents, time.Duration(toleranceSeconds)*time.Second)
				if found {
					matches = append(matches, EventMatch{
						CandidateSensorID: candidateID,
						ReferenceTS:       refEvent.Format(time.RFC3339),
						CandidateTS:       best.Format(time.RFC3339),
						LagSeconds:        best.Sub(refEvent).Seconds(),
					})
				}
			}

			completed++
			if err := rc.Progress(ctx, "matching", completed, &total, ""); err != nil {
				return nil, err
			}
		}

		return structToMap(EventMatchResult{
			ReferenceSensorID: referenceSensorID,
			Threshold:         threshold,
			ToleranceSeconds:  toleranceSeconds,
			Matches:           matches,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}

// thresholdCrossings returns the timestamp of every rising edge (value
// crosses from below threshold to at-or-above it).
func thresholdCrossings(rows []query.Row, threshold float64) []time.Time {
	var out []time.Time
	below := true
	for _, r := range rows {
		above := r.Value >= threshold
		if above && below {
			out = append(out, r.Ts)
		}
		below = !above
	}
	return out
}

func nearestWithinTolerance(ref time.Time, candidates []time.Time, tolerance time.Duration) (time.Time, bool) {
	var best time.Time
	bestDelta := tolerance + 1
	found := false
	for _, c := range candidates {
		delta := c.Sub(ref)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance && delta < bestDelta {
			best = c
			bestDelta = delta
			found = true
		}
	}
	return best, found
}
