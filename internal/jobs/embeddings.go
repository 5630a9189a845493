package jobs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/query"
)

// embeddingDim is the fixed-length statistical feature vector computed per
// sensor. No vector/embedding-model library appears in the retrieval pack
// (see DESIGN.md), so embeddings here are a deterministic summary-statistics
// vector rather than a learned representation: mean, stddev, min, max, and
// the 10th/25th/50th/75th/90th percentiles of the bucketed series, all in
// the series' own units (no normalization is applied).
const embeddingDim = 9

// EmbeddingsBuildResult is the embeddings_build_v1 result payload.
type EmbeddingsBuildResult struct {
	SensorIDs         []string             `json:"sensor_ids"`
	IntervalSeconds   int                  `json:"interval_seconds"`
	Dimension         int                  `json:"dimension"`
	Embeddings        map[string][]float64 `json:"embeddings"`
	ComputedThroughTS string               `json:"computed_through_ts"`
}

// EmbeddingsBuildV1 computes a fixed-length statistical feature vector for
// each requested sensor, the input related_sensors_v1 compares by cosine
// similarity.
func EmbeddingsBuildV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorIDs := paramStringSlice(job.Params, "sensor_ids")
		if len(sensorIDs) == 0 {
			return nil, fmt.Errorf("embeddings_build_v1 requires at least 1 sensor_id")
		}
		intervalSeconds := paramInt(job.Params, "interval_seconds", 300, 1, 86400)
		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -30))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("embeddings_build_v1: end must be after start")
		}

		embeddings, err := BuildEmbeddings(ctx, rc, lakeQuerier, sensorIDs, start, end.Add(time.Microsecond), intervalSeconds)
		if err != nil {
			return nil, err
		}

		return structToMap(EmbeddingsBuildResult{
			SensorIDs:         sensorIDs,
			IntervalSeconds:   intervalSeconds,
			Dimension:         embeddingDim,
			Embeddings:        embeddings,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}

// BuildEmbeddings computes one feature vector per sensor; exported so
// related_sensors_v1 can reuse it without re-running a job.
func BuildEmbeddings(ctx context.Context, rc *RunContext, lakeQuerier LakeQuerier, sensorIDs []string, start, end time.Time, intervalSeconds int) (map[string][]float64, error) {
	total := int64(len(sensorIDs))
	var completed int64
	out := make(map[string][]float64, len(sensorIDs))
	for _, sensorID := range sensorIDs {
		if canceled, err := rc.CheckCancelEvery(ctx, 16); err != nil {
			return nil, err
		} else if canceled {
			return nil, ErrCanceled
		}
		rows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{sensorID}, Start: start, End: end, IntervalSeconds: intervalSeconds})
		if err != nil {
			return nil, fmt.Errorf("read series for %s: %w", sensorID, err)
		}
		out[sensorID] = featureVector(rows)

		completed++
		if rc != nil {
			if err := rc.Progress(ctx, "embedding", completed, &total, ""); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func featureVector(rows []query.Row) []float64 {
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Value
	}
	if len(values) == 0 {
		return make([]float64, embeddingDim)
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	std := math.Sqrt(sqDiff / float64(len(values)))

	percentile := func(p float64) float64 {
		if len(sorted) == 1 {
			return sorted[0]
		}
		idx := p * float64(len(sorted)-1)
		lo := int(math.Floor(idx))
		hi := int(math.Ceil(idx))
		if lo == hi {
			return sorted[lo]
		}
		frac := idx - float64(lo)
		return sorted[lo] + (sorted[hi]-sorted[lo])*frac
	}

	return []float64{
		mean, std, sorted[0], sorted[len(sorted)-1],
		percentile(0.1), percentile(0.25), percentile(0.5), percentile(0.75), percentile(0.9),
	}
}
