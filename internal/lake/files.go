package lake

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ListParquetFilesForRange is the Go port of list_parquet_files_for_range:
// resolve each (date, shard)'s candidate directories in manifest-preferred
// order, take the first that exists on disk, and collect its .parquet
// files. A manifest read failure degrades to a filesystem scan with an
// empty manifest rather than failing the whole call, matching the
// original's "falling back to filesystem scan" warning path.
func ListParquetFilesForRange(cfg Config, dataset string, start, end time.Time, shardSet []uint32, onWarn func(error)) ([]string, error) {
	var out []string
	dates := ListDatesInRange(start, end)
	manifest, err := ReadManifest(cfg)
	if err != nil {
		if onWarn != nil {
			onWarn(err)
		}
		manifest = NewManifest()
	}

	for _, date := range dates {
		for _, shard := range shardSet {
			location, _ := manifest.PartitionLocation(dataset, date)
			var candidates []string
			switch location {
			case "cold":
				if dir, ok := cfg.PartitionDirCold(dataset, date, shard); ok {
					candidates = append(candidates, dir)
				}
				candidates = append(candidates, cfg.PartitionDirHot(dataset, date, shard))
			case "hot":
				candidates = append(candidates, cfg.PartitionDirHot(dataset, date, shard))
				if dir, ok := cfg.PartitionDirCold(dataset, date, shard); ok {
					candidates = append(candidates, dir)
				}
			default:
				candidates = append(candidates, cfg.PartitionDirHot(dataset, date, shard))
				if dir, ok := cfg.PartitionDirCold(dataset, date, shard); ok {
					candidates = append(candidates, dir)
				}
			}

			for _, dir := range candidates {
				entries, err := os.ReadDir(dir)
				if err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return nil, fmt.Errorf("read partition dir %s: %w", dir, err)
				}
				for _, e := range entries {
					if strings.HasSuffix(e.Name(), ".parquet") {
						out = append(out, filepath.Join(dir, e.Name()))
					}
				}
				break // prefer the first existing location
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// CountParquetFilesInPartition is the Go port of
// count_parquet_files_in_partition: the number of .parquet files across
// every shard directory of one partition. The parity job does not call it.
func CountParquetFilesInPartition(partitionDir string) (uint32, error) {
	shardEntries, err := os.ReadDir(partitionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read partition dir %s: %w", partitionDir, err)
	}
	var count uint32
	for _, shardEntry := range shardEntries {
		if !shardEntry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(partitionDir, shardEntry.Name()))
		if err != nil {
			return 0, fmt.Errorf("read shard dir: %w", err)
		}
		for _, f := range files {
			if strings.HasSuffix(f.Name(), ".parquet") {
				count++
			}
		}
	}
	return count, nil
}
