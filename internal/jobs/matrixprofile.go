package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"farmtel/internal/models"
	"farmtel/internal/query"
)

const (
	matrixProfileDefaultMaxComputeMS = 2000
	matrixProfileMaxComputeMSCap     = 30000
)

// MatrixProfileResult is the matrix_profile_v1 result payload, grounded on
// matrix_profile_v1.rs's MatrixProfileResultV1.
type MatrixProfileResult struct {
	SensorID              string      `json:"sensor_id"`
	ComputedThroughTS     string      `json:"computed_through_ts"`
	IntervalSeconds       int         `json:"interval_seconds"`
	WindowPoints          int         `json:"window_points"`
	ExclusionZone         int         `json:"exclusion_zone"`
	Step                  int         `json:"step"`
	Timestamps            []string    `json:"timestamps"`
	Values                []float64   `json:"values"`
	WindowStartTS         []string    `json:"window_start_ts"`
	Profile               []float64   `json:"profile"`
	ProfileIndex          []int       `json:"profile_index"`
	EarlyStopped          bool        `json:"early_stopped"`
	WindowsComputed       uint64      `json:"windows_computed"`
	WindowsComputedTarget int64       `json:"windows_computed_target"`
	SourcePoints          int         `json:"source_points"`
	SampledPoints         int         `json:"sampled_points"`
	Motifs                []MotifPair `json:"motifs"`
	Anomalies             []Anomaly   `json:"anomalies"`
	Warnings              []string    `json:"warnings,omitempty"`
}

// MotifPair is a low-distance (i, j) window pair.
type MotifPair struct {
	IndexA   int     `json:"index_a"`
	IndexB   int     `json:"index_b"`
	Distance float64 `json:"distance"`
}

// Anomaly is a high-distance (discord) window.
type Anomaly struct {
	Index    int     `json:"index"`
	Distance float64 `json:"distance"`
}

// MatrixProfileV1 computes a z-normalized STOMP-style matrix profile over
// a bucketed series for one sensor, deterministically bounded by
// windows_computed_target with max_compute_ms as a secondary wall-clock
// guard, ported from matrix_profile_v1.rs's compute_matrix_profile.
func MatrixProfileV1(lakeQuerier LakeQuerier) JobFunc {
	return func(ctx context.Context, rc *RunContext, job models.Job) (map[string]any, error) {
		sensorID := paramString(job.Params, "sensor_id", "")
		if sensorID == "" {
			return nil, fmt.Errorf("matrix_profile_v1 requires a non-empty sensor_id")
		}
		now := time.Now().UTC()
		start := paramTime(job.Params, "start", now.AddDate(0, 0, -7))
		end := paramTime(job.Params, "end", now)
		if !end.After(start) {
			return nil, fmt.Errorf("matrix_profile_v1: end must be after start")
		}
		end = end.Add(time.Microsecond)

		maxPoints := paramInt(job.Params, "max_points", 512, 64, 4096)
		maxWindows := paramInt(job.Params, "max_windows", 1024, 64, 4096)
		maxComputeMS := paramInt(job.Params, "max_compute_ms", matrixProfileDefaultMaxComputeMS, 0, matrixProfileMaxComputeMSCap)
		intervalSeconds := paramInt(job.Params, "interval_seconds", 60, 1, 86400)

		budgetLimit := maxPoints
		if maxWindows > budgetLimit {
			budgetLimit = maxWindows
		}
		expectedBuckets := int(end.Sub(start).Seconds()) / intervalSeconds
		for expectedBuckets > budgetLimit && intervalSeconds < 86400 {
			intervalSeconds *= 2
			expectedBuckets = int(end.Sub(start).Seconds()) / intervalSeconds
		}

		if err := rc.Progress(ctx, "loading", 0, nil, "reading bucketed series"); err != nil {
			return nil, err
		}
		rows, err := lakeQuerier.Query(ctx, query.Request{SensorIDs: []string{sensorID}, Start: start, End: end, IntervalSeconds: intervalSeconds})
		if err != nil {
			return nil, fmt.Errorf("read bucketed series for %s: %w", sensorID, err)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Ts.Before(rows[j].Ts) })

		var warnings []string
		timestamps := make([]time.Time, 0, len(rows))
		values := make([]float64, 0, len(rows))
		for _, r := range rows {
			if !isFiniteFloat(r.Value) {
				continue
			}
			timestamps = append(timestamps, r.Ts)
			values = append(values, r.Value)
		}
		sourcePoints := len(values)

		if len(values) < 4 {
			return matrixProfileEmptyResult(sensorID, now, intervalSeconds, sourcePoints, warnings), nil
		}

		sampledTimestamps, sampledValues, step := downsample(timestamps, values, maxPoints)
		if step > 1 {
			warnings = append(warnings, fmt.Sprintf("downsampled from %d to %d points (step=%d)", len(values), len(sampledValues), step))
		}

		windowPoints := paramInt(job.Params, "window_points", 32, 4, len(sampledValues))
		if windowPoints >= len(sampledValues) {
			windowPoints = len(sampledValues) - 1
		}
		if windowPoints < 4 {
			windowPoints = 4
		}
		exclusionZone := paramInt(job.Params, "exclusion_zone", windowPoints/2, 0, windowPoints)
		topK := paramInt(job.Params, "top_k", 5, 1, 20)

		windowCount := len(sampledValues) - windowPoints + 1
		windowStep := 1
		if windowCount > maxWindows {
			windowStep = (windowCount + maxWindows - 1) / maxWindows
		}

		if err := rc.Progress(ctx, "computing", 0, nil, "computing matrix profile"); err != nil {
			return nil, err
		}
		profile, profileIndex, earlyStopped, windowsComputed, err := computeMatrixProfile(
			ctx, rc, sampledValues, windowPoints, exclusionZone, windowStep, time.Duration(maxComputeMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}

		windowStartTS := make([]string, len(profile))
		for i := range profile {
			if i < len(sampledTimestamps) {
				windowStartTS[i] = sampledTimestamps[i].Format(time.RFC3339)
			}
		}
		motifs, anomalies := summarizeProfile(profile, profileIndex, exclusionZone, topK)

		tsStrings := make([]string, len(sampledTimestamps))
		for i, t := range sampledTimestamps {
			tsStrings[i] = t.Format(time.RFC3339)
		}

		result := MatrixProfileResult{
			SensorID:              sensorID,
			ComputedThroughTS:     now.Format(time.RFC3339),
			IntervalSeconds:       intervalSeconds,
			WindowPoints:          windowPoints,
			ExclusionZone:         exclusionZone,
			Step:                  step,
			Timestamps:            tsStrings,
			Values:                sampledValues,
			WindowStartTS:         windowStartTS,
			Profile:               profile,
			ProfileIndex:          profileIndex,
			EarlyStopped:          earlyStopped,
			WindowsComputed:       windowsComputed,
			WindowsComputedTarget: int64(windowCount),
			SourcePoints:          sourcePoints,
			SampledPoints:         len(sampledValues),
			Motifs:                motifs,
			Anomalies:             anomalies,
			Warnings:              warnings,
		}
		return structToMap(result), nil
	}
}

func matrixProfileEmptyResult(sensorID string, now time.Time, intervalSeconds, sourcePoints int, warnings []string) map[string]any {
	result := MatrixProfileResult{
		SensorID:          sensorID,
		ComputedThroughTS: now.Format(time.RFC3339),
		IntervalSeconds:   intervalSeconds,
		Profile:           []float64{},
		ProfileIndex:      []int{},
		SourcePoints:      sourcePoints,
		Warnings:          warnings,
	}
	return structToMap(result)
}

func isFiniteFloat(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// downsample strides values by ceil(n/maxPoints), always retaining the
// final point (which can leave maxPoints+1 points), matching
// matrix_profile_v1.rs's sampled_step logic.
func downsample(timestamps []time.Time, values []float64, maxPoints int) ([]time.Time, []float64, int) {
	n := len(values)
	if n <= maxPoints {
		return timestamps, values, 1
	}
	step := (n + maxPoints - 1) / maxPoints
	var outTS []time.Time
	var outVals []float64
	for i := 0; i < n; i += step {
		outTS = append(outTS, timestamps[i])
		outVals = append(outVals, values[i])
	}
	if (n-1)%step != 0 {
		outTS = append(outTS, timestamps[n-1])
		outVals = append(outVals, values[n-1])
	}
	return outTS, outVals, step
}

// computeMatrixProfile is the Go port of compute_matrix_profile: a
// z-normalized sliding-window Euclidean-distance matrix profile computed
// via prefix sums, bounded by a deterministic window_step sampling plus a
// wall-clock time budget checked every 256 inner-loop iterations.
func computeMatrixProfile(ctx context.Context, rc *RunContext, values []float64, window, exclusionZone, windowStep int, budget time.Duration) ([]float64, []int, bool, uint64, error) {
	n := len(values)
	if n <= window {
		return []float64{}, []int{}, false, 0, nil
	}
	k := n - window + 1

	if budget <= 0 {
		profile := make([]float64, k)
		index := make([]int, k)
		for i := range profile {
			profile[i] = math.Inf(1)
			index[i] = -1
		}
		return profile, index, true, 0, nil
	}

	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
		prefixSq[i+1] = prefixSq[i] + v*v
	}

	normalized := make([]float32, k*window)
	constant := make([]bool, k)
	for start := 0; start < k; start++ {
		sum := prefix[start+window] - prefix[start]
		sumSq := prefixSq[start+window] - prefixSq[start]
		mean := sum / float64(window)
		variance := sumSq/float64(window) - mean*mean
		if variance < 0 {
			variance = 0
		}
		std := math.Sqrt(variance)
		inv := 0.0
		if std > 1e-12 {
			inv = 1.0 / std
		} else {
			constant[start] = true
		}
		for t := 0; t < window; t++ {
			normalized[start*window+t] = float32((values[start+t] - mean) * inv)
		}
	}

	profile := make([]float64, k)
	profileIndex := make([]int, k)
	for i := range profile {
		profile[i] = math.Inf(1)
		profileIndex[i] = -1
	}

	started := time.Now()
	earlyStopped := false
	var windowsComputed uint64
	innerIterations := 0

	for i := 0; i < k; i++ {
		if canceled, err := rc.CheckCancelEvery(ctx, 256); err != nil {
			return nil, nil, false, 0, err
		} else if canceled {
			return nil, nil, false, 0, ErrCanceled
		}
		if windowStep > 1 && i%windowStep != 0 {
			continue
		}
		if time.Since(started) > budget {
			earlyStopped = true
			break
		}
		windowsComputed++

		for j := i + 1; j < k; j++ {
			innerIterations++
			if innerIterations%256 == 0 {
				if canceled, err := rc.CheckCancelEvery(ctx, 1); err != nil {
					return nil, nil, false, 0, err
				} else if canceled {
					return nil, nil, false, 0, ErrCanceled
				}
				if time.Since(started) > budget {
					earlyStopped = true
					break
				}
			}
			if windowStep > 1 && j%windowStep != 0 {
				continue
			}
			if absInt(i-j) <= exclusionZone {
				continue
			}

			var dist float64
			switch {
			case constant[i] && constant[j]:
				dist = 0
			case constant[i] != constant[j]:
				dist = math.Sqrt(float64(window))
			default:
				var dot float64
				ibase, jbase := i*window, j*window
				for t := 0; t < window; t++ {
					dot += float64(normalized[ibase+t]) * float64(normalized[jbase+t])
				}
				corr := dot / float64(window)
				arg := 2 * float64(window) * (1 - corr)
				if arg < 0 {
					arg = 0
				}
				dist = math.Sqrt(arg)
			}

			if dist < profile[i] {
				profile[i] = dist
				profileIndex[i] = j
			}
			if dist < profile[j] {
				profile[j] = dist
				profileIndex[j] = i
			}
		}
		if earlyStopped {
			break
		}
	}

	return profile, profileIndex, earlyStopped, windowsComputed, nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

type rankedWindow struct {
	idx  int
	dist float64
}

// summarizeProfile extracts the topK lowest-distance windows as motifs and
// the topK highest-distance finite windows as anomalies, deduplicated so
// two picks never sit inside each other's exclusion zone.
func summarizeProfile(profile []float64, profileIndex []int, exclusionZone, topK int) ([]MotifPair, []Anomaly) {
	var finite []rankedWindow
	for i, d := range profile {
		if isFiniteFloat(d) {
			finite = append(finite, rankedWindow{idx: i, dist: d})
		}
	}

	motifs := pickExtremes(finite, topK, exclusionZone, true)
	anomalies := pickExtremes(finite, topK, exclusionZone, false)

	motifOut := make([]MotifPair, 0, len(motifs))
	for _, m := range motifs {
		motifOut = append(motifOut, MotifPair{IndexA: m.idx, IndexB: profileIndex[m.idx], Distance: m.dist})
	}
	anomalyOut := make([]Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		anomalyOut = append(anomalyOut, Anomaly{Index: a.idx, Distance: a.dist})
	}
	return motifOut, anomalyOut
}

func pickExtremes(finite []rankedWindow, topK, exclusionZone int, ascending bool) []rankedWindow {
	sorted := append([]rankedWindow(nil), finite...)
	sort.Slice(sorted, func(i, j int) bool {
		if ascending {
			return sorted[i].dist < sorted[j].dist
		}
		return sorted[i].dist > sorted[j].dist
	})

	var picked []rankedWindow
	for _, cand := range sorted {
		if len(picked) >= topK {
			break
		}
		tooClose := false
		for _, p := range picked {
			if absInt(p.idx-cand.idx) <= exclusionZone {
				tooClose = true
				break
			}
		}
		if !tooClose {
			picked = append(picked, cand)
		}
	}
	return picked
}

// structToMap round-trips a result struct through its JSON field names so
// job results stay consistent whether produced here or read back later,
// without hand-writing a parallel map literal per job type.
func structToMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": "failed to encode result"}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"error": "failed to decode result"}
	}
	return m
}
