package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/query"
)

// CorrelationMatrixResult is the correlation_matrix_v1 result payload.
type CorrelationMatrixResult struct {
	SensorIDs       []string    `json:"sensor_ids"`
	IntervalSeconds int         `json:"interval_seconds"`
	Pairs           []PairScore `json:"pairs"`
	ComputedThroughTS string    `json:"computed_through_ts"`
}

// PairScore is one (sensor_a, sensor_b) correlation score.
type PairScore struct {
	SensorA     string  `json:"sensor_a"`
	SensorB     string  `json:"sensor_b"`
	Correlation float64 `json:"correlation"`
	SampleCount int     `json:"sample_count"`
}

// CorrelationMatrixV1 computes pairwise Pearson correlation across every
// requested sensor's bucketed series, aligned on a shared bucket grid so
// unequal sampling rates don't bias the comparison.
func CorrelationMatrixV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorIDs := paramStringSlice(job.Params, "sensor_ids")
		if len(sensorIDs) < 2 {
			return nil, fmt.Errorf("correlation_matrix_v1 requires at least 2 sensor_ids")
		}
		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -7))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("correlation_matrix_v1: end must be after start")
		}
		intervalSeconds := paramInt(job.Params, "interval_seconds", 300, 1, 86400)

		series, err := loadAlignedSeries(ctx, lakeQuerier, sensorIDs, start, end.Add(time.Microsecond), intervalSeconds)
		if err != nil {
			return nil, err
		}

		total := int64(len(sensorIDs) * (len(sensorIDs) - 1) / 2)
		var completed int64
		var pairs []PairScore
		for i := 0; i < len(sensorIDs); i++ {
			for j := i + 1; j < len(sensorIDs); j++ {
				if canceled, err := rc.CheckCancelEvery(ctx, 64); err != nil {
					return nil, err
				} else if canceled {
					return nil, ErrCanceled
				}
				a, b, n := alignBuckets(series[sensorIDs[i]], series[sensorIDs[j]])
				corr := pearsonCorrelation(a, b)
				pairs = append(pairs, PairScore{SensorA: sensorIDs[i], SensorB: sensorIDs[j], Correlation: corr, SampleCount: n})

				completed++
				if completed%5 == 0 || completed == total {
					if err := rc.Progress(ctx, "correlating", completed, &total, ""); err != nil {
						return nil, err
					}
				}
			}
		}

		return structToMap(CorrelationMatrixResult{
			SensorIDs:         sensorIDs,
			IntervalSeconds:   intervalSeconds,
			Pairs:             pairs,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}

// loadAlignedSeries reads each sensor's bucketed series and returns a
// bucket-timestamp -> value map, so callers can align series with
// differing gaps by intersecting bucket keys.
func loadAlignedSeries(ctx context.Context, lakeQuerier LakeQuerier, sensorIDs []string, start, end time.Time, intervalSeconds int) (map[string]map[int64]float64, error) {
	out := make(map[string]map[int64]float64, len(sensorIDs))
	for _, sensorID := range sensorIDs {
		rows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{sensorID}, Start: start, End: end, IntervalSeconds: intervalSeconds})
		if err != nil {
			return nil, fmt.Errorf("read series for %s: %w", sensorID, err)
		}
		byBucket := make(map[int64]float64, len(rows))
		for _, r := range rows {
			byBucket[r.Ts.Unix()] = r.Value
		}
		out[sensorID] = byBucket
	}
	return out, nil
}

func alignBuckets(a, b map[int64]float64) ([]float64, []float64, int) {
	var xs, ys []float64
	for bucket, av := range a {
		if bv, ok := b[bucket]; ok {
			xs = append(xs, av)
			ys = append(ys, bv)
		}
	}
	return xs, ys, len(xs)
}

func pearsonCorrelation(x, y []float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX <= 0 || varY <= 0 {
		return 0
	}
	corr := cov / math.Sqrt(varX*varY)
	if corr > 1 {
		corr = 1
	}
	if corr < -1 {
		corr = -1
	}
	return corr
}
