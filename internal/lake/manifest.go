package lake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PartitionManifest is the Go port of lake.rs's PartitionManifest.
type PartitionManifest struct {
	Location        string  `json:"location"`
	UpdatedAt       *string `json:"updated_at,omitempty"`
	LastCompactedAt *string `json:"last_compacted_at,omitempty"`
	FileCount       *uint32 `json:"file_count,omitempty"`
}

func newPartitionManifest(location string) PartitionManifest {
	now := time.Now().UTC().Format(time.RFC3339)
	return PartitionManifest{Location: location, UpdatedAt: &now}
}

// DatasetManifest is the Go port of lake.rs's DatasetManifest.
type DatasetManifest struct {
	Partitions         map[string]PartitionManifest `json:"partitions"`
	ComputedThroughTS  *string                      `json:"computed_through_ts,omitempty"`
}

// Manifest is the Go port of lake.rs's LakeManifest — keys sorted on
// marshal via Go's default map-key-sort for JSON, matching the BTreeMap
// ordering the byte-equal-up-to-key-order round-trip property (§8) needs.
type Manifest struct {
	SchemaVersion uint32                     `json:"schema_version"`
	Datasets      map[string]*DatasetManifest `json:"datasets"`
}

// NewManifest returns an empty manifest at schema_version 1.
func NewManifest() *Manifest {
	return &Manifest{SchemaVersion: 1, Datasets: make(map[string]*DatasetManifest)}
}

func (m *Manifest) dataset(name string) *DatasetManifest {
	if m.Datasets == nil {
		m.Datasets = make(map[string]*DatasetManifest)
	}
	ds, ok := m.Datasets[name]
	if !ok {
		ds = &DatasetManifest{Partitions: make(map[string]PartitionManifest)}
		m.Datasets[name] = ds
	}
	if ds.Partitions == nil {
		ds.Partitions = make(map[string]PartitionManifest)
	}
	return ds
}

func dateKey(date time.Time) string { return date.UTC().Format("2006-01-02") }

// PartitionLocation returns the manifest's recorded location string for a
// (dataset, date), if any.
func (m *Manifest) PartitionLocation(dataset string, date time.Time) (string, bool) {
	if m == nil || m.Datasets == nil {
		return "", false
	}
	ds, ok := m.Datasets[dataset]
	if !ok {
		return "", false
	}
	p, ok := ds.Partitions[dateKey(date)]
	if !ok {
		return "", false
	}
	return p.Location, true
}

// SetPartitionLocation is the Go port of set_partition_location.
func (m *Manifest) SetPartitionLocation(dataset string, date time.Time, location string) {
	ds := m.dataset(dataset)
	key := dateKey(date)
	entry, ok := ds.Partitions[key]
	if !ok {
		entry = newPartitionManifest(location)
	} else {
		now := time.Now().UTC().Format(time.RFC3339)
		entry.Location = location
		entry.UpdatedAt = &now
	}
	ds.Partitions[key] = entry
}

// SetPartitionFileCount is the Go port of set_partition_file_count.
func (m *Manifest) SetPartitionFileCount(dataset string, date time.Time, count uint32) {
	ds := m.dataset(dataset)
	key := dateKey(date)
	entry, ok := ds.Partitions[key]
	if !ok {
		entry = newPartitionManifest("unknown")
	}
	entry.FileCount = &count
	ds.Partitions[key] = entry
}

// SetPartitionCompactedAt is the Go port of set_partition_compacted_at.
func (m *Manifest) SetPartitionCompactedAt(dataset string, date time.Time, compactedAt string) {
	ds := m.dataset(dataset)
	key := dateKey(date)
	entry, ok := ds.Partitions[key]
	if !ok {
		entry = newPartitionManifest("unknown")
	}
	entry.LastCompactedAt = &compactedAt
	ds.Partitions[key] = entry
}

// SetDatasetWatermark is the Go port of set_dataset_watermark.
func (m *Manifest) SetDatasetWatermark(dataset string, computedThroughTS *string) {
	ds := m.dataset(dataset)
	ds.ComputedThroughTS = computedThroughTS
}

// ReplicationState is the Go port of lake.rs's ReplicationState.
type ReplicationState struct {
	SchemaVersion          uint32  `json:"schema_version"`
	LastInsertedAt         *string `json:"last_inserted_at,omitempty"`
	ComputedThroughTS      *string `json:"computed_through_ts,omitempty"`
	LastRunAt              *string `json:"last_run_at,omitempty"`
	LastRunDurationMS      *uint64 `json:"last_run_duration_ms,omitempty"`
	LastRunRowCount        *uint64 `json:"last_run_row_count,omitempty"`
	LastRunBacklogSeconds  *int64  `json:"last_run_backlog_seconds,omitempty"`
	LastRunStatus          *string `json:"last_run_status,omitempty"`
	LastRunError           *string `json:"last_run_error,omitempty"`
	LastExportStart        *string `json:"last_export_start,omitempty"`
	LastExportEnd          *string `json:"last_export_end,omitempty"`
	LastLateWindowHours    *uint32 `json:"last_late_window_hours,omitempty"`
	BackfillFromTS         *string `json:"backfill_from_ts,omitempty"`
	BackfillToTS           *string `json:"backfill_to_ts,omitempty"`
	BackfillCompletedAt    *string `json:"backfill_completed_at,omitempty"`
}

// NewReplicationState returns the default state at schema_version 1.
func NewReplicationState() *ReplicationState { return &ReplicationState{SchemaVersion: 1} }

// ReadManifest loads the manifest, returning an empty default if the file
// does not yet exist (first run).
func ReadManifest(cfg Config) (*Manifest, error) {
	var m Manifest
	ok, err := readJSON(cfg.ManifestPath(), &m)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if !ok {
		return NewManifest(), nil
	}
	if m.Datasets == nil {
		m.Datasets = make(map[string]*DatasetManifest)
	}
	return &m, nil
}

// WriteManifest persists the manifest atomically under the lock.
func WriteManifest(cfg Config, m *Manifest) error {
	if err := writeJSON(cfg.stateDir(), cfg.ManifestPath(), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadReplicationState loads the replication state, defaulting if absent.
func ReadReplicationState(cfg Config) (*ReplicationState, error) {
	var s ReplicationState
	ok, err := readJSON(cfg.ReplicationStatePath(), &s)
	if err != nil {
		return nil, fmt.Errorf("read replication state: %w", err)
	}
	if !ok {
		return NewReplicationState(), nil
	}
	return &s, nil
}

// WriteReplicationState persists the replication state atomically.
func WriteReplicationState(cfg Config, s *ReplicationState) error {
	if err := writeJSON(cfg.stateDir(), cfg.ReplicationStatePath(), s); err != nil {
		return fmt.Errorf("write replication state: %w", err)
	}
	return nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// writeJSON is the Go port of lake.rs's write-temp-then-rename contract:
// parent directory mode 0o750, file mode 0o600, temp file in the same
// directory so the rename is atomic (no cross-filesystem move), guarded by
// an O_EXCL lock file so concurrent writers from other processes serialize.
func writeJSON(dir, path string, v any) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	unlock, err := acquireLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return err
	}
	defer unlock()

	contents, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// acquireLock creates lockPath with O_EXCL, retrying briefly since the lock
// is held only for the duration of one write. Stale locks older than the
// timeout are removed — a crashed writer should not wedge the lake forever.
func acquireLock(lockPath string) (func(), error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > 5*time.Second {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out acquiring lock %s", lockPath)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
