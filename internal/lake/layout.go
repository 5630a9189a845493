// Package lake implements the on-disk Parquet lake layout, manifest, and
// replication-state bookkeeping. Grounded directly on
// original_source/apps/core-server-rs/src/services/analysis/lake.rs:
// shard hashing, path scheme, resolve_partition_location, and the atomic
// write-temp-then-rename JSON persistence contract.
package lake

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MetricsDatasetV1 is the dataset key for raw metric rows (§6).
const MetricsDatasetV1 = "metrics/v1"

// ManifestFile is the manifest's filename under the lake's state directory.
const ManifestFile = "manifest.json"

// Config is the Go port of lake.rs's AnalysisLakeConfig.
type Config struct {
	HotPath            string
	ColdPath            string // empty means no cold tier configured
	TmpPath            string
	Shards             uint32
	HotRetentionDays   uint32
	LateWindowHours    uint32
	ReplicationInterval time.Duration
	ReplicationLag      time.Duration
}

// HasCold reports whether a cold tier is configured.
func (c Config) HasCold() bool { return c.ColdPath != "" }

// ShardForSensorID is the Go port of shard_for_sensor_id: xxh3_64 in the
// Rust original becomes xxhash.Sum64 here — both are 64-bit non-cryptographic
// hashes with the same "stable across processes" guarantee §8.3 requires;
// the exact hash function need not match bit-for-bit across languages since
// shard assignment is internal to this lake instance.
func (c Config) ShardForSensorID(sensorID string) uint32 {
	shards := c.Shards
	if shards == 0 {
		shards = 1
	}
	return uint32(xxhash.Sum64String(sensorID) % uint64(shards))
}

func (c Config) datasetRootHot(dataset string) string { return filepath.Join(c.HotPath, dataset) }

func (c Config) datasetRootCold(dataset string) (string, bool) {
	if !c.HasCold() {
		return "", false
	}
	return filepath.Join(c.ColdPath, dataset), true
}

func partitionSubpath(date time.Time, shard uint32) string {
	return filepath.Join(fmt.Sprintf("date=%s", date.Format("2006-01-02")), fmt.Sprintf("shard=%02d", shard))
}

// PartitionDirHot is the hot-tier directory for one (dataset, date, shard).
func (c Config) PartitionDirHot(dataset string, date time.Time, shard uint32) string {
	return filepath.Join(c.datasetRootHot(dataset), partitionSubpath(date, shard))
}

// PartitionDirCold is the cold-tier directory, or ok=false if no cold tier.
func (c Config) PartitionDirCold(dataset string, date time.Time, shard uint32) (string, bool) {
	root, ok := c.datasetRootCold(dataset)
	if !ok {
		return "", false
	}
	return filepath.Join(root, partitionSubpath(date, shard)), true
}

func (c Config) stateDir() string { return filepath.Join(c.HotPath, "_state") }

// ReplicationStatePath is the fixed path of the replication-state JSON file.
func (c Config) ReplicationStatePath() string { return filepath.Join(c.stateDir(), "replication.json") }

// ManifestPath is the fixed path of the manifest JSON file.
func (c Config) ManifestPath() string { return filepath.Join(c.stateDir(), ManifestFile) }

// LockPath is the cross-process advisory lock file guarding manifest and
// replication-state writes (O_EXCL create, per §5's "atomic rename +
// filesystem advisory lock" contract).
func (c Config) LockPath() string { return filepath.Join(c.stateDir(), ".lock") }

// HotRetentionCutoff is the Go port of hot_retention_cutoff.
func (c Config) HotRetentionCutoff(now time.Time) time.Time {
	days := c.HotRetentionDays
	if days == 0 {
		days = 1
	}
	return now.AddDate(0, 0, -int(days))
}

// PartitionLocation names which tier a partition's data lives in.
type PartitionLocation int

const (
	Hot PartitionLocation = iota
	Cold
)

func (l PartitionLocation) String() string {
	if l == Cold {
		return "cold"
	}
	return "hot"
}

// ResolvePartitionLocation is the direct port of lake.rs's
// resolve_partition_location: manifest entry wins when present and
// consistent with current config, else the retention cutoff decides, else
// hot is the default.
func ResolvePartitionLocation(cfg Config, manifest *Manifest, dataset string, date time.Time, now time.Time) PartitionLocation {
	if loc, ok := manifest.PartitionLocation(dataset, date); ok {
		switch loc {
		case "cold":
			if cfg.HasCold() {
				return Cold
			}
		case "hot":
			return Hot
		}
	}
	if cfg.HasCold() && date.Before(cfg.HotRetentionCutoff(now)) {
		return Cold
	}
	return Hot
}

// ListDatesInRange is the Go port of list_dates_in_range: inclusive of both
// endpoints' calendar dates, empty if end <= start.
func ListDatesInRange(start, end time.Time) []time.Time {
	if !end.After(start) {
		return nil
	}
	var dates []time.Time
	cursor := start.UTC().Truncate(24 * time.Hour)
	endDate := end.UTC().Truncate(24 * time.Hour)
	for !cursor.After(endDate) {
		dates = append(dates, cursor)
		cursor = cursor.AddDate(0, 0, 1)
	}
	return dates
}

// ShardSetForSensorIDs is the Go port of shard_set_for_sensor_ids.
func ShardSetForSensorIDs(cfg Config, sensorIDs []string) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, id := range sensorIDs {
		if id == "" {
			continue
		}
		shard := cfg.ShardForSensorID(id)
		if _, ok := seen[shard]; ok {
			continue
		}
		seen[shard] = struct{}{}
		out = append(out, shard)
	}
	return out
}
