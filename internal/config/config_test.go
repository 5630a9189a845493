package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, 16, c.Lake.Shards)
	require.Equal(t, 500, c.Ingest.BatchSize)
}

func TestLoadAppliesDefaultsOnEmptyPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 2, c.Jobs.MaxConcurrentJobs)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lake:
  shards: 32
  hot_path: /var/farmtel/hot
replication:
  interval_seconds: 120
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, c.Lake.Shards)
	require.Equal(t, "/var/farmtel/hot", c.Lake.HotPath)
	require.Equal(t, 120, c.Replication.IntervalSeconds)
	// untouched fields keep their defaults
	require.Equal(t, 30, c.Replication.LagSeconds)
}

func TestEnvOverridesWinOverFileAndDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`lake:
  shards: 8
`), 0o644))

	t.Setenv("LAKE_SHARDS", "64")
	t.Setenv("MAX_CONCURRENT_JOBS", "7")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, c.Lake.Shards)
	require.Equal(t, 7, c.Jobs.MaxConcurrentJobs)
}

func TestEnvOverrideIgnoresMalformedInt(t *testing.T) {
	t.Setenv("LAKE_SHARDS", "not-a-number")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, c.Lake.Shards)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := Default()
	c.Telemetry.LogLevel = "trace"
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveShards(t *testing.T) {
	c := Default()
	c.Lake.Shards = 0
	require.Error(t, c.Validate())
}
