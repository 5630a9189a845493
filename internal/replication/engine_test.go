package replication

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmtel/internal/lake"
	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

var errBoom = errors.New("simulated query failure")

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*.parquet"))
}

type fakeSource struct {
	rows []models.MetricRow
}

func (f *fakeSource) MetricsInsertedSince(ctx context.Context, since, until time.Time) ([]models.MetricRow, error) {
	var out []models.MetricRow
	for _, r := range f.rows {
		if r.InsertedAt.After(since) && !r.InsertedAt.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) MetricsInTSWindow(ctx context.Context, from, to time.Time) ([]models.MetricRow, error) {
	var out []models.MetricRow
	for _, r := range f.rows {
		if !r.Ts.Before(from) && !r.Ts.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func testLakeConfig(t *testing.T) lake.Config {
	root := t.TempDir()
	return lake.Config{
		HotPath: filepath.Join(root, "hot"),
		TmpPath: filepath.Join(root, "tmp"),
		Shards:  4,
	}
}

// TestS4ReplicationTickAdvancesWatermarkAndCountsRows is spec.md §8's S4
// literal scenario: 10 rows for sensor-1 spread across ts/inserted_at, one
// tick advances computed_through_ts to T-30s and the lake holds all 10.
func TestS4ReplicationTickAdvancesWatermarkAndCountsRows(t *testing.T) {
	lakeCfg := testLakeConfig(t)
	tNow := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	var rows []models.MetricRow
	for i := 0; i < 10; i++ {
		rows = append(rows, models.MetricRow{
			SensorID:   "sensor-1",
			Ts:         tNow.Add(-120*time.Second + time.Duration(i)*6*time.Second),
			InsertedAt: tNow.Add(-115*time.Second + time.Duration(i)*6*time.Second),
			Value:      float64(i),
		})
	}
	source := &fakeSource{rows: rows}

	engine := NewEngine(source, lakeCfg, Config{Lag: 30 * time.Second, LateWindow: 48 * time.Hour}, logging.New(nil), metrics.NoopProvider())
	require.NoError(t, engine.RunTick(context.Background(), tNow))

	state, err := lake.ReadReplicationState(lakeCfg)
	require.NoError(t, err)
	require.NotNil(t, state.ComputedThroughTS)
	want := tNow.Add(-30 * time.Second).UTC().Format(time.RFC3339)
	require.Equal(t, want, *state.ComputedThroughTS)

	total := countLakeRows(t, lakeCfg, "sensor-1")
	require.Equal(t, 10, total)
}

func TestFailedTickDoesNotAdvanceWatermark(t *testing.T) {
	lakeCfg := testLakeConfig(t)
	tNow := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	source := &failingSource{}
	engine := NewEngine(source, lakeCfg, Config{Lag: 30 * time.Second, LateWindow: 48 * time.Hour}, logging.New(nil), metrics.NoopProvider())
	require.Error(t, engine.RunTick(context.Background(), tNow))

	state, err := lake.ReadReplicationState(lakeCfg)
	require.NoError(t, err)
	require.Nil(t, state.ComputedThroughTS)
	require.NotNil(t, state.LastRunStatus)
	require.Equal(t, "failed", *state.LastRunStatus)
}

type failingSource struct{}

func (failingSource) MetricsInsertedSince(ctx context.Context, since, until time.Time) ([]models.MetricRow, error) {
	return nil, errBoom
}
func (failingSource) MetricsInTSWindow(ctx context.Context, from, to time.Time) ([]models.MetricRow, error) {
	return nil, errBoom
}

func TestEmptyWindowLeavesWatermarkUnchanged(t *testing.T) {
	lakeCfg := testLakeConfig(t)
	tNow := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{}
	engine := NewEngine(source, lakeCfg, Config{Lag: 30 * time.Second, LateWindow: 48 * time.Hour}, logging.New(nil), metrics.NoopProvider())

	require.NoError(t, engine.RunTick(context.Background(), tNow))
	require.NoError(t, engine.RunTick(context.Background(), tNow))
}

func countLakeRows(t *testing.T, cfg lake.Config, sensorID string) int {
	t.Helper()
	manifest, err := lake.ReadManifest(cfg)
	require.NoError(t, err)
	ds, ok := manifest.Datasets[lake.MetricsDatasetV1]
	require.True(t, ok, "expected a metrics/v1 dataset entry in the manifest")

	total := 0
	for dateKey := range ds.Partitions {
		date, err := time.Parse("2006-01-02", dateKey)
		require.NoError(t, err)
		for shard := uint32(0); shard < cfg.Shards; shard++ {
			dir := cfg.PartitionDirHot(lake.MetricsDatasetV1, date, shard)
			entries, statErr := filepathGlob(dir)
			require.NoError(t, statErr)
			for _, f := range entries {
				rows, readErr := ReadParquetFile(f)
				require.NoError(t, readErr)
				for _, r := range rows {
					if r.SensorID == sensorID {
						total++
					}
				}
			}
		}
	}
	return total
}
