package alarms

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"farmtel/internal/rowstore"
)

type fakeDataSource struct {
	latest  map[string]rowstore.LatestValue
	windows map[int]map[string]rowstore.WindowStats
}

func (f *fakeDataSource) LatestValues(ctx context.Context, sensorIDs []string) (map[string]rowstore.LatestValue, error) {
	out := make(map[string]rowstore.LatestValue)
	for _, id := range sensorIDs {
		if v, ok := f.latest[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (f *fakeDataSource) WindowStats(ctx context.Context, sensorIDs []string, now time.Time, windowSeconds int) (map[string]rowstore.WindowStats, error) {
	out := make(map[string]rowstore.WindowStats)
	byWindow := f.windows[windowSeconds]
	for _, id := range sensorIDs {
		if st, ok := byWindow[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeDataSource) SensorsByNode(ctx context.Context, nodeID uuid.UUID, types []string) ([]string, error) {
	return nil, nil
}

func (f *fakeDataSource) SensorsByFilter(ctx context.Context, filter rowstore.SensorFilter) ([]string, error) {
	return nil, nil
}

func thresholdGTE(value float64) *ConditionNode {
	return &ConditionNode{Kind: "threshold", Op: ">=", Value: value}
}

// TestS6DebouncedFiringRequiresSustainedBreach is spec.md §8's S6 literal
// scenario: Threshold{>=,80} with debounce_seconds=60 and
// clear_hysteresis_seconds=30, fed values 75 -> 85(t=0) -> 85(t=30) ->
// 85(t=65). The target should transition to firing exactly once, at t=65.
func TestS6DebouncedFiringRequiresSustainedBreach(t *testing.T) {
	ds := &fakeDataSource{latest: map[string]rowstore.LatestValue{}}
	condition := thresholdGTE(80)
	timing := Timing{DebounceSeconds: 60, ClearHysteresisSeconds: 30}
	target := ResolvedTarget{TargetKey: "sensor:s1", SensorIDs: []string{"s1"}, PrimarySensorID: "s1", MatchMode: "per_sensor"}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var state windowState
	currentlyFiring := false

	step := func(ts time.Time, value float64) bool {
		ds.latest["s1"] = rowstore.LatestValue{Ts: ts, Value: value}
		shouldFireNow, _, newWS, err := EvaluateTarget(context.Background(), ds, condition, target, ts, state)
		require.NoError(t, err)
		decision := ApplyFiringTiming(shouldFireNow, currentlyFiring, timing, ts, newWS)
		state = decision.State
		currentlyFiring = decision.ShouldFire
		return currentlyFiring
	}

	require.False(t, step(base, 75), "below threshold never fires")
	require.False(t, step(base, 85), "t=0: breach just started, debounce not elapsed")
	require.False(t, step(base.Add(30*time.Second), 85), "t=30: still within debounce window")
	require.True(t, step(base.Add(65*time.Second), 85), "t=65: debounce elapsed, must fire")
}

func TestApplyFiringTimingClearsAfterHysteresis(t *testing.T) {
	timing := Timing{DebounceSeconds: 0, ClearHysteresisSeconds: 30}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Already firing; condition just went false.
	d1 := ApplyFiringTiming(false, true, timing, base, windowState{})
	require.True(t, d1.ShouldFire, "hysteresis window not yet elapsed")
	require.NotNil(t, d1.State.FirstFalseAt)

	d2 := ApplyFiringTiming(false, true, timing, base.Add(35*time.Second), d1.State)
	require.False(t, d2.ShouldFire, "hysteresis elapsed, should clear")
	require.Nil(t, d2.State.FirstFalseAt)
}

func TestApplyFiringTimingResetsOnOppositeEdge(t *testing.T) {
	timing := Timing{DebounceSeconds: 60, ClearHysteresisSeconds: 30}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1 := ApplyFiringTiming(true, false, timing, base, windowState{})
	require.False(t, d1.ShouldFire)
	require.NotNil(t, d1.State.FirstTrueAt)

	// Condition flips back false before debounce elapses: marker must clear.
	d2 := ApplyFiringTiming(false, false, timing, base.Add(10*time.Second), d1.State)
	require.False(t, d2.ShouldFire)
	require.Nil(t, d2.State.FirstTrueAt)
	require.Nil(t, d2.State.FirstFalseAt)
}

func TestEvalOfflineTreatsMissingSampleAsPassing(t *testing.T) {
	ds := &fakeDataSource{latest: map[string]rowstore.LatestValue{}}
	condition := &ConditionNode{Kind: "offline", MissingForSeconds: 300}
	target := ResolvedTarget{TargetKey: "sensor:s1", SensorIDs: []string{"s1"}, PrimarySensorID: "s1", MatchMode: "per_sensor"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	passed, _, _, err := EvaluateTarget(context.Background(), ds, condition, target, now, windowState{})
	require.NoError(t, err)
	require.True(t, passed, "a sensor with no sample at all must count as offline")
}

func TestEvalConsecutivePeriodsRequiresStreakAcrossHourBuckets(t *testing.T) {
	ds := &fakeDataSource{latest: map[string]rowstore.LatestValue{}}
	condition := &ConditionNode{
		Kind:   "consecutive_periods",
		Period: "hour",
		Count:  2,
		Child:  thresholdGTE(80),
	}
	target := ResolvedTarget{TargetKey: "sensor:s1", SensorIDs: []string{"s1"}, PrimarySensorID: "s1", MatchMode: "per_sensor"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var state windowState
	evalAt := func(ts time.Time, value float64) bool {
		ds.latest["s1"] = rowstore.LatestValue{Ts: ts, Value: value}
		passed, _, newWS, err := EvaluateTarget(context.Background(), ds, condition, target, ts, state)
		require.NoError(t, err)
		state = newWS
		return passed
	}

	require.False(t, evalAt(base, 85), "first hour's breach only starts the streak")
	require.False(t, evalAt(base.Add(30*time.Minute), 85), "same hour bucket: streak unchanged")
	require.True(t, evalAt(base.Add(90*time.Minute), 85), "second distinct hour bucket completes the streak")
	require.False(t, evalAt(base.Add(150*time.Minute), 10), "child false resets the streak")
}
