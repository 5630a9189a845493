package lake

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	root := t.TempDir()
	return Config{
		HotPath:          filepath.Join(root, "hot"),
		TmpPath:          filepath.Join(root, "tmp"),
		Shards:           16,
		HotRetentionDays: 14,
		LateWindowHours:  48,
	}
}

// TestShardDeterminism is §8 property 3: stable shard across calls, and
// S3's literal example.
func TestShardDeterminism(t *testing.T) {
	cfg := Config{Shards: 16}
	a := cfg.ShardForSensorID("sensor-abc")
	b := cfg.ShardForSensorID("sensor-abc")
	require.Equal(t, a, b)
	require.True(t, a < 16)
}

func TestShardCoversAllBucketsForLargeCorpus(t *testing.T) {
	cfg := Config{Shards: 16}
	seen := make(map[uint32]bool)
	for i := 0; i < 2000; i++ {
		seen[cfg.ShardForSensorID(sensorName(i))] = true
	}
	require.Len(t, seen, 16)
}

func sensorName(i int) string {
	return "sensor-" + time.Unix(int64(i), 0).Format("150405.000000000")
}

func TestResolvePartitionLocationManifestWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.ColdPath = filepath.Join(t.TempDir())
	m := NewManifest()
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetPartitionLocation(MetricsDatasetV1, date, "cold")

	loc := ResolvePartitionLocation(cfg, m, MetricsDatasetV1, date, time.Now())
	require.Equal(t, Cold, loc)
}

func TestResolvePartitionLocationFallsBackToRetentionCutoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.ColdPath = t.TempDir()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -30)
	recent := now.AddDate(0, 0, -1)

	require.Equal(t, Cold, ResolvePartitionLocation(cfg, NewManifest(), MetricsDatasetV1, old, now))
	require.Equal(t, Hot, ResolvePartitionLocation(cfg, NewManifest(), MetricsDatasetV1, recent, now))
}

func TestResolvePartitionLocationDefaultsHotWithoutColdTier(t *testing.T) {
	cfg := testConfig(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -300)
	require.Equal(t, Hot, ResolvePartitionLocation(cfg, NewManifest(), MetricsDatasetV1, old, now))
}

func TestManifestRoundTripIsByteEqualUpToKeyOrder(t *testing.T) {
	cfg := testConfig(t)
	m := NewManifest()
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetPartitionLocation(MetricsDatasetV1, date, "hot")
	m.SetPartitionFileCount(MetricsDatasetV1, date, 3)

	require.NoError(t, WriteManifest(cfg, m))
	first, err := os.ReadFile(cfg.ManifestPath())
	require.NoError(t, err)

	reloaded, err := ReadManifest(cfg)
	require.NoError(t, err)
	require.NoError(t, WriteManifest(cfg, reloaded))
	second, err := os.ReadFile(cfg.ManifestPath())
	require.NoError(t, err)

	require.JSONEq(t, string(first), string(second))
}

func TestReadManifestDefaultsWhenAbsent(t *testing.T) {
	cfg := testConfig(t)
	m, err := ReadManifest(cfg)
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.SchemaVersion)
	require.Empty(t, m.Datasets)
}

func TestListDatesInRangeIsInclusive(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 3, 1, 0, 0, 0, time.UTC)
	dates := ListDatesInRange(start, end)
	require.Len(t, dates, 3)
}

func TestListDatesInRangeEmptyWhenEndNotAfterStart(t *testing.T) {
	now := time.Now()
	require.Empty(t, ListDatesInRange(now, now))
}

func TestWriteManifestSetsFilePermissions(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, WriteManifest(cfg, NewManifest()))
	info, err := os.Stat(cfg.ManifestPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
