package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmtel/internal/lake"
	"farmtel/internal/models"
	"farmtel/internal/replication"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

func seedPartition(t *testing.T, cfg lake.Config, date time.Time, sensorID string, rows []models.MetricRow) {
	t.Helper()
	shard := cfg.ShardForSensorID(sensorID)
	dir := cfg.PartitionDirHot(lake.MetricsDatasetV1, date, shard)
	require.NoError(t, writeFixture(filepath.Join(dir, "data.parquet"), rows))
}

// writeFixture reuses the replication package's writer via the same file
// layout a real tick would produce — it lives here only as a test helper so
// query tests do not depend on running a tick end-to-end.
func writeFixture(path string, rows []models.MetricRow) error {
	return replication.WriteParquetFileForTest(path, rows)
}

func testLakeConfig(t *testing.T) lake.Config {
	root := t.TempDir()
	return lake.Config{
		HotPath: filepath.Join(root, "hot"),
		TmpPath: filepath.Join(root, "tmp"),
		Shards:  4,
	}
}

func TestQueryReturnsRowsWithinWindow(t *testing.T) {
	cfg := testLakeConfig(t)
	date := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedPartition(t, cfg, date, "sensor-1", []models.MetricRow{
		{SensorID: "sensor-1", Ts: date.Add(1 * time.Hour), Value: 10, Quality: 1},
		{SensorID: "sensor-1", Ts: date.Add(2 * time.Hour), Value: 20, Quality: 1},
		{SensorID: "sensor-1", Ts: date.Add(25 * time.Hour), Value: 999, Quality: 1}, // outside window
	})

	svc := NewService(cfg, 2, logging.New(nil), metrics.NoopProvider())
	rows, err := svc.Query(context.Background(), Request{
		SensorIDs: []string{"sensor-1"},
		Start:     date,
		End:       date.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 10.0, rows[0].Value)
	require.Equal(t, 20.0, rows[1].Value)
}

func TestQueryBucketsAreCommutativeAcrossPartitionOrder(t *testing.T) {
	cfg := testLakeConfig(t)
	date := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seedPartition(t, cfg, date, "sensor-1", []models.MetricRow{
		{SensorID: "sensor-1", Ts: date.Add(10 * time.Minute), Value: 10, Quality: 1},
		{SensorID: "sensor-1", Ts: date.Add(20 * time.Minute), Value: 20, Quality: 1},
	})

	svc := NewService(cfg, 2, logging.New(nil), metrics.NoopProvider())
	rows, err := svc.Query(context.Background(), Request{
		SensorIDs:       []string{"sensor-1"},
		Start:           date,
		End:             date.Add(1 * time.Hour),
		IntervalSeconds: 3600,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 15.0, rows[0].Value)
	require.Equal(t, 2, rows[0].Count)
}

func TestQueryRejectsEmptySensorIDs(t *testing.T) {
	cfg := testLakeConfig(t)
	svc := NewService(cfg, 2, logging.New(nil), metrics.NoopProvider())
	_, err := svc.Query(context.Background(), Request{Start: time.Now(), End: time.Now().Add(time.Hour)})
	require.Error(t, err)
}

func TestQueryRejectsNonPositiveWindow(t *testing.T) {
	cfg := testLakeConfig(t)
	svc := NewService(cfg, 2, logging.New(nil), metrics.NoopProvider())
	now := time.Now()
	_, err := svc.Query(context.Background(), Request{SensorIDs: []string{"s1"}, Start: now, End: now})
	require.Error(t, err)
}
