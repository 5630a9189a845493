package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"farmtel/internal/lake"
	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// MetricsSource is the slice of *rowstore.Store the engine reads from,
// narrowed to an interface so Engine is testable against an in-memory
// fake rather than a live Postgres connection.
type MetricsSource interface {
	MetricsInsertedSince(ctx context.Context, since, until time.Time) ([]models.MetricRow, error)
	MetricsInTSWindow(ctx context.Context, from, to time.Time) ([]models.MetricRow, error)
}

// Config tunes one replication tick.
type Config struct {
	Lag         time.Duration
	LateWindow  time.Duration
}

// Engine is the §4.C tick loop: one in-process mutex enforces "concurrent
// ticks are prevented"; RunTick is safe to call from a single ticker
// goroutine or from the lake_replication_tick_v1 job.
type Engine struct {
	source  MetricsSource
	lakeCfg lake.Config
	cfg     Config
	log     logging.Logger

	mu sync.Mutex

	watermarkLagGauge metrics.Gauge
	rowsWrittenCount  metrics.Counter
	tickDuration      metrics.Histogram
}

// NewEngine constructs an Engine over an already-connected row store.
func NewEngine(source MetricsSource, lakeCfg lake.Config, cfg Config, log logging.Logger, mp metrics.Provider) *Engine {
	return &Engine{
		source:  source,
		lakeCfg: lakeCfg,
		cfg:     cfg,
		log:     log,
		watermarkLagGauge: mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "replication", Name: "watermark_lag_seconds", Help: "now - computed_through_ts",
		}}),
		rowsWrittenCount: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "replication", Name: "rows_written_total", Help: "rows written to the lake",
		}}),
		tickDuration: mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "replication", Name: "tick_duration_seconds", Help: "time to complete one tick",
		}}),
	}
}

// ErrTickBusy is returned by RunTick when another tick already holds
// the in-process mutex; callers should simply wait for the next interval.
var ErrTickBusy = errors.New("replication: tick already in progress")

// RunTick executes one §4.C tick against "now". It never blocks waiting
// for a concurrent tick — total ordering is enforced by skipping, not
// queuing, since the caller's ticker will retry on the next interval.
func (e *Engine) RunTick(ctx context.Context, now time.Time) error {
	if !e.mu.TryLock() {
		return ErrTickBusy
	}
	defer e.mu.Unlock()

	start := time.Now()
	err := e.runTickLocked(ctx, now)
	e.tickDuration.Observe(time.Since(start).Seconds())
	return err
}

func (e *Engine) runTickLocked(ctx context.Context, now time.Time) error {
	state, err := lake.ReadReplicationState(e.lakeCfg)
	if err != nil {
		return fmt.Errorf("read replication state: %w", err)
	}

	last := parseStateTime(state.LastInsertedAt)
	target := now.Add(-e.cfg.Lag)
	if !target.After(last) {
		// Nothing new to export; T would not advance the watermark.
		return nil
	}

	rows, err := e.collectRows(ctx, last, target)
	if err != nil {
		e.recordFailure(state, now, target, err)
		return fmt.Errorf("collect rows: %w", err)
	}

	written, err := e.writePartitions(now, target, rows)
	if err != nil {
		e.recordFailure(state, now, target, err)
		return fmt.Errorf("write partitions: %w", err)
	}

	e.recordSuccess(state, now, target, written)
	e.rowsWrittenCount.Inc(float64(written))
	e.watermarkLagGauge.Set(now.Sub(target).Seconds())
	return nil
}

// collectRows is the Go port of §4.C step 2: rows committed since the
// watermark, plus rows inside the late-arrival window regardless of
// inserted_at, deduplicated on (sensor_id, ts).
func (e *Engine) collectRows(ctx context.Context, last, target time.Time) ([]models.MetricRow, error) {
	committed, err := e.source.MetricsInsertedSince(ctx, last, target)
	if err != nil {
		return nil, fmt.Errorf("query committed rows: %w", err)
	}
	late, err := e.source.MetricsInTSWindow(ctx, target.Add(-e.cfg.LateWindow), target)
	if err != nil {
		return nil, fmt.Errorf("query late-window rows: %w", err)
	}

	seen := make(map[string]struct{}, len(committed)+len(late))
	out := make([]models.MetricRow, 0, len(committed)+len(late))
	for _, r := range append(committed, late...) {
		key := r.SensorID + "|" + r.Ts.UTC().Format(time.RFC3339Nano)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// writePartitions groups rows by (date, shard), writes one staged Parquet
// file per group, then atomically moves each into place and updates the
// manifest. It returns the total row count written.
func (e *Engine) writePartitions(now, target time.Time, rows []models.MetricRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	type groupKey struct {
		date  string
		shard uint32
	}
	groups := make(map[groupKey][]models.MetricRow)
	for _, r := range rows {
		shard := e.lakeCfg.ShardForSensorID(r.SensorID)
		key := groupKey{date: r.Ts.UTC().Format("2006-01-02"), shard: shard}
		groups[key] = append(groups[key], r)
	}

	manifest, err := lake.ReadManifest(e.lakeCfg)
	if err != nil {
		return 0, fmt.Errorf("read manifest: %w", err)
	}

	touchedDates := make(map[string]time.Time)
	var total int
	for key, groupRows := range groups {
		date, parseErr := time.Parse("2006-01-02", key.date)
		if parseErr != nil {
			return total, fmt.Errorf("parse group date %s: %w", key.date, parseErr)
		}
		location := lake.ResolvePartitionLocation(e.lakeCfg, manifest, lake.MetricsDatasetV1, date, now)

		var destDir string
		switch location {
		case lake.Cold:
			dir, ok := e.lakeCfg.PartitionDirCold(lake.MetricsDatasetV1, date, key.shard)
			if !ok {
				destDir = e.lakeCfg.PartitionDirHot(lake.MetricsDatasetV1, date, key.shard)
			} else {
				destDir = dir
			}
		default:
			destDir = e.lakeCfg.PartitionDirHot(lake.MetricsDatasetV1, date, key.shard)
		}

		stagingPath := filepath.Join(e.lakeCfg.TmpPath, fmt.Sprintf("%s-shard%02d-%d.parquet", key.date, key.shard, now.UnixNano()))
		if err := writeParquetFile(stagingPath, groupRows); err != nil {
			return total, err
		}

		finalPath := filepath.Join(destDir, fmt.Sprintf("%s-shard%02d-%d.parquet", key.date, key.shard, now.UnixNano()))
		if err := os.MkdirAll(destDir, 0o750); err != nil {
			os.Remove(stagingPath)
			return total, fmt.Errorf("create partition dir %s: %w", destDir, err)
		}
		if err := os.Rename(stagingPath, finalPath); err != nil {
			os.Remove(stagingPath)
			return total, fmt.Errorf("move staged parquet into %s: %w", destDir, err)
		}

		count, err := lakeFileCount(destDir)
		if err != nil {
			return total, err
		}
		manifest.SetPartitionLocation(lake.MetricsDatasetV1, date, location.String())
		manifest.SetPartitionFileCount(lake.MetricsDatasetV1, date, count)
		touchedDates[key.date] = date
		total += len(groupRows)
	}

	watermark := target.UTC().Format(time.RFC3339)
	manifest.SetDatasetWatermark(lake.MetricsDatasetV1, &watermark)
	if err := lake.WriteManifest(e.lakeCfg, manifest); err != nil {
		return total, fmt.Errorf("write manifest: %w", err)
	}
	return total, nil
}

func lakeFileCount(dir string) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read partition dir %s: %w", dir, err)
	}
	var n uint32
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".parquet" {
			n++
		}
	}
	return n, nil
}

func (e *Engine) recordSuccess(state *lake.ReplicationState, now, target time.Time, rowCount int) {
	targetStr := target.UTC().Format(time.RFC3339)
	nowStr := now.UTC().Format(time.RFC3339)
	durationMS := uint64(0)
	rows := uint64(rowCount)
	backlog := int64(now.Sub(target).Seconds())
	status := "ok"

	state.LastInsertedAt = &targetStr
	state.ComputedThroughTS = &targetStr
	state.LastRunAt = &nowStr
	state.LastRunDurationMS = &durationMS
	state.LastRunRowCount = &rows
	state.LastRunBacklogSeconds = &backlog
	state.LastRunStatus = &status
	state.LastRunError = nil

	if err := lake.WriteReplicationState(e.lakeCfg, state); err != nil {
		e.log.ErrorCtx(context.Background(), "failed to persist replication state after successful tick", "error", err.Error())
	}
}

// recordFailure persists run stats without advancing the watermark, per
// §4.C: "If the run failed... do not advance the watermark."
func (e *Engine) recordFailure(state *lake.ReplicationState, now, target time.Time, tickErr error) {
	nowStr := now.UTC().Format(time.RFC3339)
	status := "failed"
	errMsg := tickErr.Error()

	state.LastRunAt = &nowStr
	state.LastRunStatus = &status
	state.LastRunError = &errMsg

	if err := lake.WriteReplicationState(e.lakeCfg, state); err != nil {
		e.log.ErrorCtx(context.Background(), "failed to persist replication state after failed tick", "error", err.Error())
	}
}

// Run ticks the engine on interval until ctx is canceled, logging (but not
// propagating) tick errors so one bad tick never stops the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RunTick(ctx, time.Now()); err != nil && !errors.Is(err, ErrTickBusy) {
				e.log.ErrorCtx(ctx, "replication tick failed", "error", err.Error())
			}
		}
	}
}

// BackfillResult summarizes one lake_backfill_v1 run for the job result
// payload.
type BackfillResult struct {
	RowCount int
	FromTS   time.Time
	ToTS     time.Time
}

// RunBackfill is the §4.C backfill job: an operator-initiated variant that
// picks T_back = max(recommended, last_inserted_at) — the original's
// actual behaviour (see DESIGN.md's Open Question resolution) rather than
// a literal min, so a replace-existing rewrite always covers rows already
// committed past the normal watermark and never clips newer data. It never
// retreats the watermark and, with replaceExisting, deletes and rewrites
// the covered date partitions so re-running with the same params is
// idempotent (§8 round-trip law).
func (e *Engine) RunBackfill(ctx context.Context, now time.Time, days int, replaceExisting bool) (BackfillResult, error) {
	if !e.mu.TryLock() {
		return BackfillResult{}, ErrTickBusy
	}
	defer e.mu.Unlock()

	if days <= 0 {
		days = 90
	}

	state, err := lake.ReadReplicationState(e.lakeCfg)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("read replication state: %w", err)
	}

	recommended := now.Add(-e.cfg.Lag)
	current := parseStateTime(state.LastInsertedAt)
	target := recommended
	if current.After(target) {
		target = current
	}
	start := target.AddDate(0, 0, -days)

	rows, err := e.source.MetricsInTSWindow(ctx, start, target)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("collect backfill rows: %w", err)
	}

	if replaceExisting {
		if err := e.deletePartitionsInRange(start, target); err != nil {
			return BackfillResult{}, fmt.Errorf("clear existing partitions: %w", err)
		}
	}

	written, err := e.writePartitions(now, target, rows)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("write backfill partitions: %w", err)
	}

	fromStr := start.UTC().Format(time.RFC3339)
	toStr := target.UTC().Format(time.RFC3339)
	completedStr := now.UTC().Format(time.RFC3339)
	targetStr := target.UTC().Format(time.RFC3339)

	state.BackfillFromTS = &fromStr
	state.BackfillToTS = &toStr
	state.BackfillCompletedAt = &completedStr
	if target.After(current) {
		state.LastInsertedAt = &targetStr
		state.ComputedThroughTS = &targetStr
	}
	if err := lake.WriteReplicationState(e.lakeCfg, state); err != nil {
		return BackfillResult{}, fmt.Errorf("persist backfill state: %w", err)
	}

	e.rowsWrittenCount.Inc(float64(written))
	return BackfillResult{RowCount: written, FromTS: start, ToTS: target}, nil
}

// deletePartitionsInRange removes every existing Parquet file under both
// tiers for each (date, shard) the backfill window covers, so a
// replace_existing rerun does not accumulate duplicate files.
func (e *Engine) deletePartitionsInRange(start, end time.Time) error {
	dates := lake.ListDatesInRange(start, end.Add(time.Nanosecond))
	for _, date := range dates {
		for shard := uint32(0); shard < e.lakeCfg.Shards; shard++ {
			if err := removeParquetFiles(e.lakeCfg.PartitionDirHot(lake.MetricsDatasetV1, date, shard)); err != nil {
				return err
			}
			if dir, ok := e.lakeCfg.PartitionDirCold(lake.MetricsDatasetV1, date, shard); ok {
				if err := removeParquetFiles(dir); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func removeParquetFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read partition dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".parquet" {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func parseStateTime(s *string) time.Time {
	if s == nil {
		return time.Unix(0, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}
