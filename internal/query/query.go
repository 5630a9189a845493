// Package query is the columnar query service (§4.E): it plans a Parquet
// scan over the minimum set of (date, shard) partitions that could hold a
// sensor's data, reads them through a bounded worker pool, and optionally
// buckets the result. The worker-pool cap is grounded on the teacher's
// resources.Manager semaphore-slot pattern (internal/resources/manager.go's
// Acquire/Release over a buffered channel), generalized from an in-flight
// crawl-fetch limiter to an in-flight Parquet-scan limiter.
package query

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"farmtel/internal/lake"
	"farmtel/internal/models"
	"farmtel/internal/replication"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// Request is one §4.E query: sensor_ids and a half-open [Start, End) UTC
// window, with an optional bucket width for aggregation.
type Request struct {
	SensorIDs       []string
	Start           time.Time
	End             time.Time
	IntervalSeconds int // 0 means unbucketed
}

// Row is one output row, ordered by (SensorID, Ts) in the response.
type Row struct {
	SensorID string
	Ts       time.Time
	Value    float64
	Quality  int16
	Count    int // number of raw samples folded into this row when bucketed
}

// Service plans and executes queries over the lake.
type Service struct {
	lakeCfg lake.Config
	maxScans int
	log     logging.Logger

	scanDuration metrics.Histogram
	filesScanned metrics.Counter
}

// NewService constructs a Service with a worker pool capped at maxScans
// concurrent Parquet file reads.
func NewService(lakeCfg lake.Config, maxScans int, log logging.Logger, mp metrics.Provider) *Service {
	if maxScans <= 0 {
		maxScans = 1
	}
	return &Service{
		lakeCfg:  lakeCfg,
		maxScans: maxScans,
		log:      log,
		scanDuration: mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "query", Name: "scan_duration_seconds", Help: "time to complete one query",
		}}),
		filesScanned: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "query", Name: "files_scanned_total", Help: "parquet files scanned",
		}}),
	}
}

// Query executes req, returning rows ordered by (sensor_id, ts). A scratch
// directory under tmp_path is created for the duration of the call and
// removed on completion, per §4.E's "scratch is cleaned on completion."
func (s *Service) Query(ctx context.Context, req Request) ([]Row, error) {
	if len(req.SensorIDs) == 0 {
		return nil, fmt.Errorf("query: sensor_ids must be non-empty")
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("query: end must be after start")
	}

	start := time.Now()
	if s.lakeCfg.TmpPath != "" {
		if err := os.MkdirAll(s.lakeCfg.TmpPath, 0o750); err != nil {
			return nil, fmt.Errorf("create tmp dir: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(s.lakeCfg.TmpPath, "query-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	shardSet := lake.ShardSetForSensorIDs(s.lakeCfg, req.SensorIDs)
	files, err := lake.ListParquetFilesForRange(s.lakeCfg, lake.MetricsDatasetV1, req.Start, req.End, shardSet, func(warnErr error) {
		s.log.WarnCtx(ctx, "manifest read failed, scanning without it", "error", warnErr.Error())
	})
	if err != nil {
		return nil, fmt.Errorf("plan scan: %w", err)
	}

	wanted := make(map[string]struct{}, len(req.SensorIDs))
	for _, id := range req.SensorIDs {
		wanted[id] = struct{}{}
	}

	rowsPerFile := make([][]models.MetricRow, len(files))
	group, gctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, s.maxScans)
	for i, f := range files {
		i, f := i, f
		group.Go(func() error {
			select {
			case slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-slots }()

			rows, readErr := replication.ReadParquetFile(f)
			if readErr != nil {
				return fmt.Errorf("scan %s: %w", f, readErr)
			}
			s.filesScanned.Inc(1)
			rowsPerFile[i] = filterRows(rows, wanted, req.Start, req.End)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var matched []models.MetricRow
	for _, rows := range rowsPerFile {
		matched = append(matched, rows...)
	}

	var out []Row
	if req.IntervalSeconds > 0 {
		out = bucket(matched, req.IntervalSeconds)
	} else {
		out = make([]Row, len(matched))
		for i, r := range matched {
			out[i] = Row{SensorID: r.SensorID, Ts: r.Ts, Value: r.Value, Quality: r.Quality, Count: 1}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SensorID != out[j].SensorID {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].Ts.Before(out[j].Ts)
	})

	s.scanDuration.Observe(time.Since(start).Seconds())
	return out, nil
}

func filterRows(rows []models.MetricRow, wanted map[string]struct{}, start, end time.Time) []models.MetricRow {
	var out []models.MetricRow
	for _, r := range rows {
		if _, ok := wanted[r.SensorID]; !ok {
			continue
		}
		if r.Ts.Before(start) || !r.Ts.Before(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// bucket folds rows into floor(ts/interval) buckets per sensor, averaging
// value and carrying the max quality seen — commutative and associative so
// it is safe to run per-partition before the final merge (§4.E).
func bucket(rows []models.MetricRow, intervalSeconds int) []Row {
	type bucketKey struct {
		sensorID    string
		bucketStart int64
	}
	type acc struct {
		sum     float64
		count   int
		quality int16
	}
	buckets := make(map[bucketKey]*acc)
	interval := int64(intervalSeconds)

	for _, r := range rows {
		key := bucketKey{sensorID: r.SensorID, bucketStart: (r.Ts.Unix() / interval) * interval}
		a, ok := buckets[key]
		if !ok {
			a = &acc{}
			buckets[key] = a
		}
		a.sum += r.Value
		a.count++
		if r.Quality > a.quality {
			a.quality = r.Quality
		}
	}

	out := make([]Row, 0, len(buckets))
	for key, a := range buckets {
		out = append(out, Row{
			SensorID: key.sensorID,
			Ts:       time.Unix(key.bucketStart, 0).UTC(),
			Value:    a.sum / float64(a.count),
			Quality:  a.quality,
			Count:    a.count,
		})
	}
	return out
}
