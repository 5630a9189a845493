// Package replication is the lake export engine (§4.C): on each tick it
// selects newly-committed and late-arriving rows, groups them into
// date/shard partitions, writes Parquet files via parquet-go, and advances
// the replication watermark. Grounded on lake.rs's ReplicationState
// contract and the teacher's worker-pipeline shape for the write path.
package replication

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"farmtel/internal/models"
)

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// parquetRow is the on-disk schema for the metrics/v1 dataset.
type parquetRow struct {
	SensorID string `parquet:"sensor_id"`
	Ts       int64  `parquet:"ts,timestamp"`
	Value    float64 `parquet:"value"`
	Quality  int16   `parquet:"quality"`
}

func toParquetRows(rows []models.MetricRow) []parquetRow {
	out := make([]parquetRow, len(rows))
	for i, r := range rows {
		out[i] = parquetRow{SensorID: r.SensorID, Ts: r.Ts.UnixMilli(), Value: r.Value, Quality: r.Quality}
	}
	return out
}

// WriteParquetFileForTest exposes writeParquetFile to other packages'
// tests (internal/query) that need a fixture partition file without
// running a full replication tick.
func WriteParquetFileForTest(path string, rows []models.MetricRow) error {
	return writeParquetFile(path, rows)
}

// writeParquetFile writes rows (already sorted by (sensor_id, ts)) to a new
// file at path, creating parent directories as needed. The caller is
// responsible for writing to a staging path and renaming into place —
// writeParquetFile itself is not atomic.
func writeParquetFile(path string, rows []models.MetricRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parquet dir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file %s: %w", path, err)
	}

	sorted := append([]models.MetricRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SensorID != sorted[j].SensorID {
			return sorted[i].SensorID < sorted[j].SensorID
		}
		return sorted[i].Ts.Before(sorted[j].Ts)
	})

	writer := parquet.NewGenericWriter[parquetRow](f)
	if _, err := writer.Write(toParquetRows(sorted)); err != nil {
		writer.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write parquet rows to %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("close parquet writer for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close parquet file %s: %w", path, err)
	}
	return nil
}

// ReadParquetFile loads every row of a partition file, used by the
// columnar query service and the parity job's row-count comparisons.
func ReadParquetFile(path string) ([]models.MetricRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet file %s: %w", path, err)
	}

	reader := parquet.NewGenericReader[parquetRow](f)
	defer reader.Close()

	rows := make([]parquetRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet file %s (%d bytes): %w", path, info.Size(), err)
	}

	out := make([]models.MetricRow, n)
	for i := 0; i < n; i++ {
		out[i] = models.MetricRow{
			SensorID: rows[i].SensorID,
			Ts:       msToTime(rows[i].Ts),
			Value:    rows[i].Value,
			Quality:  rows[i].Quality,
		}
	}
	return out, nil
}
