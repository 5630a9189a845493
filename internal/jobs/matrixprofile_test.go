package jobs

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMatrixProfileEarlyStopsWhenBudgetZero(t *testing.T) {
	values := make([]float64, 128)
	for i := range values {
		values[i] = float64(i)
	}

	rc := &RunContext{store: newFakeJobStore(), jobID: uuid.New()}
	profile, profileIndex, earlyStopped, windowsComputed, err := computeMatrixProfile(
		context.Background(), rc, values, 16, 4, 1, 0)
	require.NoError(t, err)

	assert.True(t, earlyStopped)
	assert.Equal(t, uint64(0), windowsComputed)
	require.Len(t, profile, 113) // 128 - 16 + 1
	require.Len(t, profileIndex, 113)
	for _, d := range profile {
		assert.True(t, math.IsInf(d, 1))
	}
	for _, idx := range profileIndex {
		assert.Equal(t, -1, idx)
	}
}

func TestComputeMatrixProfileFindsSelfSimilarWindows(t *testing.T) {
	// A repeating sawtooth has a near-zero-distance motif pair.
	values := make([]float64, 64)
	for i := range values {
		values[i] = float64(i % 8)
	}

	rc := &RunContext{store: newFakeJobStore(), jobID: uuid.New()}
	profile, profileIndex, earlyStopped, windowsComputed, err := computeMatrixProfile(
		context.Background(), rc, values, 8, 2, 1, 1_000_000_000)
	require.NoError(t, err)
	assert.False(t, earlyStopped)
	assert.Greater(t, windowsComputed, uint64(0))
	require.Len(t, profile, 57) // 64 - 8 + 1

	minDist := math.Inf(1)
	for _, d := range profile {
		if d < minDist {
			minDist = d
		}
	}
	assert.Less(t, minDist, 0.5)
	for _, idx := range profileIndex {
		assert.GreaterOrEqual(t, idx, -1)
	}
}

func TestSummarizeProfileDedupesWithinExclusionZone(t *testing.T) {
	profile := []float64{0.1, 0.2, 5.0, 0.15, 4.9, math.Inf(1)}
	profileIndex := []int{1, 0, 4, 0, 2, -1}

	motifs, anomalies := summarizeProfile(profile, profileIndex, 1, 2)

	require.NotEmpty(t, motifs)
	require.NotEmpty(t, anomalies)
	if len(motifs) == 2 {
		assert.Greater(t, absInt(motifs[0].IndexA-motifs[1].IndexA), 1)
	}
}

func TestDownsampleRetainsLastPoint(t *testing.T) {
	values := make([]float64, 10)
	timestamps := make([]time.Time, 10)
	base := time.Unix(0, 0).UTC()
	for i := range values {
		values[i] = float64(i)
		timestamps[i] = base.Add(time.Duration(i) * time.Minute)
	}
	_, sampled, step := downsample(timestamps, values, 4)
	assert.Equal(t, 3, step)
	assert.Equal(t, values[len(values)-1], sampled[len(sampled)-1])
}
