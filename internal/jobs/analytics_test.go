package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtel/internal/models"
	"farmtel/internal/query"
	"farmtel/internal/replication"
)

type fakeReplicationEngine struct {
	tickCalled     bool
	backfillDays   int
	backfillResult replication.BackfillResult
}

func (f *fakeReplicationEngine) RunTick(ctx context.Context, now time.Time) error {
	f.tickCalled = true
	return nil
}

func (f *fakeReplicationEngine) RunBackfill(ctx context.Context, now time.Time, days int, replaceExisting bool) (replication.BackfillResult, error) {
	f.backfillDays = days
	return f.backfillResult, nil
}

// fakeLakeQuerier serves canned rows per sensor_id, ignoring the requested
// window so tests can hand it fixed series.
type fakeLakeQuerier struct {
	bySensor map[string][]query.Row
}

func (f *fakeLakeQuerier) Query(ctx context.Context, req query.Request) ([]query.Row, error) {
	var out []query.Row
	for _, id := range req.SensorIDs {
		out = append(out, f.bySensor[id]...)
	}
	return out, nil
}

type fakeRowCounter struct {
	counts map[string]int64
}

func (f *fakeRowCounter) RowCountInWindow(ctx context.Context, sensorID string, from, to time.Time) (int64, error) {
	return f.counts[sensorID], nil
}

func seriesAt(base time.Time, step time.Duration, values []float64) []query.Row {
	rows := make([]query.Row, len(values))
	for i, v := range values {
		rows[i] = query.Row{Ts: base.Add(time.Duration(i) * step), Value: v}
	}
	return rows
}

func newRunContextForTest() *RunContext {
	return &RunContext{store: newFakeJobStore()}
}

func TestPearsonCorrelationPerfectlyCorrelated(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	assert.InDelta(t, 1.0, pearsonCorrelation(x, y), 1e-9)
}

func TestPearsonCorrelationConstantSeriesIsZero(t *testing.T) {
	x := []float64{1, 1, 1}
	y := []float64{1, 2, 3}
	assert.Equal(t, 0.0, pearsonCorrelation(x, y))
}

func TestCorrelationMatrixV1ComputesAlignedPairs(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"a": seriesAt(base, time.Minute, []float64{1, 2, 3, 4, 5}),
		"b": seriesAt(base, time.Minute, []float64{2, 4, 6, 8, 10}),
	}}
	job := models.Job{Params: map[string]any{"sensor_ids": []any{"a", "b"}, "interval_seconds": 60.0}}

	result, err := CorrelationMatrixV1(lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)

	pairs := result["pairs"].([]any)
	require.Len(t, pairs, 1)
	pair := pairs[0].(map[string]any)
	assert.InDelta(t, 1.0, pair["correlation"].(float64), 1e-6)
}

func TestEventMatchV1FindsRisingEdgeWithinTolerance(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"ref":  seriesAt(base, time.Minute, []float64{0, 0, 5, 5, 0}),
		"cand": seriesAt(base, time.Minute, []float64{0, 5, 5, 0, 0}),
	}}
	job := models.Job{Params: map[string]any{
		"reference_sensor_id":  "ref",
		"candidate_sensor_ids": []any{"cand"},
		"threshold":            3.0,
		"tolerance_seconds":    120.0,
	}}

	result, err := EventMatchV1(lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	matches := result["matches"].([]any)
	require.Len(t, matches, 1)
}

func TestCooccurrenceV1ComputesJaccardScore(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"a": seriesAt(base, time.Minute, []float64{1, 1, 0, 1}),
		"b": seriesAt(base, time.Minute, []float64{1, 0, 0, 1}),
	}}
	job := models.Job{Params: map[string]any{"sensor_ids": []any{"a", "b"}, "threshold": 1.0, "interval_seconds": 60.0}}

	result, err := CooccurrenceV1(lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	pairs := result["pairs"].([]any)
	require.Len(t, pairs, 1)
	pair := pairs[0].(map[string]any)
	assert.InDelta(t, 2.0/3.0, pair["jaccard_score"].(float64), 1e-9)
}

func TestFeatureVectorComputesSummaryStatistics(t *testing.T) {
	rows := []query.Row{{Value: 1}, {Value: 2}, {Value: 3}, {Value: 4}, {Value: 5}}
	vec := featureVector(rows)
	require.Len(t, vec, embeddingDim)
	assert.InDelta(t, 3.0, vec[0], 1e-9) // mean
	assert.InDelta(t, 1.0, vec[2], 1e-9) // min
	assert.InDelta(t, 5.0, vec[3], 1e-9) // max
}

func TestRelatedSensorsV1RanksByCosineSimilarity(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"target": seriesAt(base, time.Minute, []float64{1, 2, 3, 4, 5, 6, 7, 8}),
		"close":  seriesAt(base, time.Minute, []float64{2, 3, 4, 5, 6, 7, 8, 9}),
		"far":    seriesAt(base, time.Minute, []float64{9, 1, 9, 1, 9, 1, 9, 1}),
	}}
	job := models.Job{Params: map[string]any{
		"sensor_id":            "target",
		"candidate_sensor_ids": []any{"close", "far"},
		"top_k":                2.0,
		"interval_seconds":     60.0,
	}}

	result, err := RelatedSensorsV1(lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	candidates := result["candidates"].([]any)
	require.Len(t, candidates, 2)
	top := candidates[0].(map[string]any)
	assert.Equal(t, "close", top["sensor_id"])
}

func TestForecastMaterializeV1ProjectsTrendForward(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"a": seriesAt(base, time.Minute, []float64{1, 2, 3, 4, 5, 6, 7, 8}),
	}}
	job := models.Job{Params: map[string]any{"sensor_id": "a", "horizon_points": 3.0, "interval_seconds": 60.0}}

	result, err := ForecastMaterializeV1(lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	forecast := result["forecast"].([]any)
	require.Len(t, forecast, 3)
}

func TestLakeReplicationTickV1CallsRunTick(t *testing.T) {
	engine := &fakeReplicationEngine{}
	_, err := LakeReplicationTickV1(engine)(context.Background(), newRunContextForTest(), models.Job{})
	require.NoError(t, err)
	assert.True(t, engine.tickCalled)
}

func TestLakeBackfillV1PassesClampedDays(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	engine := &fakeReplicationEngine{backfillResult: replication.BackfillResult{RowCount: 42, FromTS: base, ToTS: base.Add(24 * time.Hour)}}
	job := models.Job{Params: map[string]any{"days": 9999.0}}

	result, err := LakeBackfillV1(engine)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	assert.Equal(t, 365, engine.backfillDays)
	assert.Equal(t, 42, result["row_count"])
}

func TestLakeParityCheckV1FlagsMismatch(t *testing.T) {
	base := time.Now().UTC().Truncate(24 * time.Hour)
	lq := &fakeLakeQuerier{bySensor: map[string][]query.Row{
		"s1": {{Ts: base, Value: 1}, {Ts: base.Add(time.Hour), Value: 2}},
	}}
	rowCounter := &fakeRowCounter{counts: map[string]int64{"s1": 3}}
	job := models.Job{Params: map[string]any{
		"sensor_ids": []any{"s1"},
		"start":      base.Format(time.RFC3339),
		"end":        base.Add(24 * time.Hour).Format(time.RFC3339),
	}}

	result, err := LakeParityCheckV1(rowCounter, lq)(context.Background(), newRunContextForTest(), job)
	require.NoError(t, err)
	assert.Greater(t, result["mismatches"].(int), 0)
}
