package jobs

import (
	"context"
	"fmt"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/query"
)

// ForecastMaterializeResult is the forecast_materialize_v1 result payload.
type ForecastMaterializeResult struct {
	SensorID          string          `json:"sensor_id"`
	IntervalSeconds   int             `json:"interval_seconds"`
	HorizonPoints     int             `json:"horizon_points"`
	Forecast          []ForecastPoint `json:"forecast"`
	ComputedThroughTS string          `json:"computed_through_ts"`
}

// ForecastPoint is one materialized forecast sample.
type ForecastPoint struct {
	Ts    string  `json:"ts"`
	Value float64 `json:"value"`
}

// ForecastMaterializeV1 extrapolates a sensor's bucketed series forward
// using a simple exponentially-weighted linear trend: it fits an EWMA
// level and slope over the trailing window (Holt's linear method with
// smoothing factors alpha and beta, job params defaulting to 0.3 and 0.1)
// and projects horizon_points buckets past the
// last observed one. No forecasting library appears in the retrieval pack
// (see DESIGN.md), so this is a deliberately simple, auditable model
// rather than a learned one.
func ForecastMaterializeV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorID := paramString(job.Params, "sensor_id", "")
		if sensorID == "" {
			return nil, fmt.Errorf("forecast_materialize_v1 requires a non-empty sensor_id")
		}
		intervalSeconds := paramInt(job.Params, "interval_seconds", 300, 1, 86400)
		horizonPoints := paramInt(job.Params, "horizon_points", 24, 1, 1000)
		alpha := paramFloat(job.Params, "alpha", 0.3, 0.01, 0.99)
		beta := paramFloat(job.Params, "beta", 0.1, 0.01, 0.99)

		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -14))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("forecast_materialize_v1: end must be after start")
		}

		if err := rc.Progress(ctx, "loading", 0, nil, "reading series"); err != nil {
			return nil, err
		}
		rows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{sensorID}, Start: start, End: end.Add(time.Microsecond), IntervalSeconds: intervalSeconds})
		if err != nil {
			return nil, fmt.Errorf("read series for %s: %w", sensorID, err)
		}
		if len(rows) < 2 {
			return structToMap(ForecastMaterializeResult{
				SensorID: sensorID, IntervalSeconds: intervalSeconds, HorizonPoints: horizonPoints,
				Forecast: []ForecastPoint{}, ComputedThroughTS: now.Format(time.RFC3339),
			}), nil
		}

		level := rows[0].Value
		trend := rows[1].Value - rows[0].Value
		for i := 1; i < len(rows); i++ {
			prevLevel := level
			level = alpha*rows[i].Value + (1-alpha)*(level+trend)
			trend = beta*(level-prevLevel) + (1-beta)*trend
		}

		lastTs := rows[len(rows)-1].Ts
		interval := time.Duration(intervalSeconds) * time.Second
		forecast := make([]ForecastPoint, horizonPoints)
		for i := 1; i <= horizonPoints; i++ {
			if i%256 == 0 {
				if canceled, err := rc.CheckCancel(ctx); err != nil {
					return nil, err
				} else if canceled {
					return nil, ErrCanceled
				}
			}
			value := level + float64(i)*trend
			forecast[i-1] = ForecastPoint{Ts: lastTs.Add(time.Duration(i) * interval).Format(time.RFC3339), Value: value}
		}

		return structToMap(ForecastMaterializeResult{
			SensorID:          sensorID,
			IntervalSeconds:   intervalSeconds,
			HorizonPoints:     horizonPoints,
			Forecast:          forecast,
			ComputedThroughTS: now.Format(time.RFC3339),
		}), nil
	}
}
