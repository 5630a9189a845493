// Package rowstore is the Postgres-backed row store behind §6's schema,
// grounded on pgx/v5 pool usage (github.com/jackc/pgx/v5) the way the
// pack's cdc-sink-redshift applier/pool code drives queries against a
// *pgxpool.Pool, and on the teacher's error-wrapping style
// (fmt.Errorf("...: %w", err)).
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmtel/internal/models"
)

// ErrNotFound is returned when a single-row lookup finds no row.
var ErrNotFound = errors.New("rowstore: not found")

// Store wraps the shared pool. All methods are safe for concurrent use; the
// pool itself manages connection checkout.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool (built once by internal/runtime).
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Sensor returns a live or soft-deleted sensor by id.
func (s *Store) Sensor(ctx context.Context, sensorID string) (models.Sensor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sensor_id, node_id, type, unit, interval_seconds, rolling_avg_seconds, config, deleted_at
		FROM sensors WHERE sensor_id = $1`, sensorID)
	var sensor models.Sensor
	var cfg map[string]any
	if err := row.Scan(&sensor.SensorID, &sensor.NodeID, &sensor.Type, &sensor.Unit,
		&sensor.IntervalSeconds, &sensor.RollingAvgSeconds, &cfg, &sensor.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Sensor{}, ErrNotFound
		}
		return models.Sensor{}, fmt.Errorf("query sensor %s: %w", sensorID, err)
	}
	sensor.Config = cfg
	return sensor, nil
}

// SensorsByIDs batch-loads sensors for a cache refill.
func (s *Store) SensorsByIDs(ctx context.Context, ids []string) (map[string]models.Sensor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, node_id, type, unit, interval_seconds, rolling_avg_seconds, config, deleted_at
		FROM sensors WHERE sensor_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()
	out := make(map[string]models.Sensor, len(ids))
	for rows.Next() {
		var sensor models.Sensor
		var cfg map[string]any
		if err := rows.Scan(&sensor.SensorID, &sensor.NodeID, &sensor.Type, &sensor.Unit,
			&sensor.IntervalSeconds, &sensor.RollingAvgSeconds, &cfg, &sensor.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensor.Config = cfg
		out[sensor.SensorID] = sensor
	}
	return out, rows.Err()
}

// LiveSensors returns every sensor that hasn't been soft-deleted, driving
// the §4.H derived-sensor feeder's per-tick scan.
func (s *Store) LiveSensors(ctx context.Context) ([]models.Sensor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, node_id, type, unit, interval_seconds, rolling_avg_seconds, config, deleted_at
		FROM sensors WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query live sensors: %w", err)
	}
	defer rows.Close()
	var out []models.Sensor
	for rows.Next() {
		var sensor models.Sensor
		var cfg map[string]any
		if err := rows.Scan(&sensor.SensorID, &sensor.NodeID, &sensor.Type, &sensor.Unit,
			&sensor.IntervalSeconds, &sensor.RollingAvgSeconds, &cfg, &sensor.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensor.Config = cfg
		out = append(out, sensor)
	}
	return out, rows.Err()
}

// UpsertMetrics multi-row upserts a batch, matching §4.A's "ON CONFLICT
// (sensor_id, ts) DO NOTHING" contract: duplicates from at-least-once
// delivery are silently absorbed rather than erroring the batch.
func (s *Store) UpsertMetrics(ctx context.Context, rows []models.MetricRow) (inserted int64, err error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	const stmt = `INSERT INTO metrics (sensor_id, ts, value, quality, inserted_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (sensor_id, ts) DO NOTHING`
	for _, r := range rows {
		batch.Queue(stmt, r.SensorID, r.Ts, r.Value, r.Quality)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		tag, execErr := br.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("upsert metric batch: %w", execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// TouchNodeSeen updates last_seen/last_metric_seen and derives status,
// matching spec.md §3's "status derived from recency of observed metrics".
func (s *Store) TouchNodeSeen(ctx context.Context, nodeID uuid.UUID, seenAt time.Time, offlineThreshold time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET last_seen = $2, last_metric_seen = $2,
			status = CASE WHEN $2 > now() - $3::interval THEN 'online' ELSE status END
		WHERE node_id = $1 AND status != 'deleted'`,
		nodeID, seenAt, fmt.Sprintf("%d seconds", int(offlineThreshold.Seconds())))
	if err != nil {
		return fmt.Errorf("touch node %s: %w", nodeID, err)
	}
	return nil
}

// MarkStaleNodesOffline flips any non-deleted node whose last_metric_seen
// is older than the offline threshold to offline.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, now time.Time, offlineThreshold time.Duration) (int64, error) {
	cutoff := now.Add(-offlineThreshold)
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET status = 'offline'
		WHERE status = 'online' AND (last_metric_seen IS NULL OR last_metric_seen < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale nodes offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RowCountInWindow implements the "row_store_count" half of the round-trip
// parity property (§8.5).
func (s *Store) RowCountInWindow(ctx context.Context, sensorID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM metrics WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3`,
		sensorID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count metrics for %s: %w", sensorID, err)
	}
	return n, nil
}

// MetricsInWindow returns rows sorted (ts) for replication export / parity
// checks, matching §4.C's group-by-(date,shard) sort-by-(sensor_id,ts)
// contract upstream of this call.
func (s *Store) MetricsInWindow(ctx context.Context, sensorID string, from, to time.Time) ([]models.MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, ts, value, quality, inserted_at FROM metrics
		WHERE sensor_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`, sensorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metrics window for %s: %w", sensorID, err)
	}
	defer rows.Close()
	var out []models.MetricRow
	for rows.Next() {
		var m models.MetricRow
		if err := rows.Scan(&m.SensorID, &m.Ts, &m.Value, &m.Quality, &m.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetricsInsertedSince drives replication export: rows committed (not
// necessarily timestamped) after the last watermark.
func (s *Store) MetricsInsertedSince(ctx context.Context, since time.Time, until time.Time) ([]models.MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, ts, value, quality, inserted_at FROM metrics
		WHERE inserted_at > $1 AND inserted_at <= $2
		ORDER BY sensor_id, ts`, since, until)
	if err != nil {
		return nil, fmt.Errorf("query metrics inserted since %s: %w", since, err)
	}
	defer rows.Close()
	var out []models.MetricRow
	for rows.Next() {
		var m models.MetricRow
		if err := rows.Scan(&m.SensorID, &m.Ts, &m.Value, &m.Quality, &m.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetricsInTSWindow returns all rows (any sensor) whose ts falls in
// [from, to], regardless of inserted_at — this is the §4.C late-arrival
// window clause, which must absorb rows a straggling node commits well
// after its nominal timestamp.
func (s *Store) MetricsInTSWindow(ctx context.Context, from, to time.Time) ([]models.MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, ts, value, quality, inserted_at FROM metrics
		WHERE ts >= $1 AND ts <= $2
		ORDER BY sensor_id, ts`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metrics ts window: %w", err)
	}
	defer rows.Close()
	var out []models.MetricRow
	for rows.Next() {
		var m models.MetricRow
		if err := rows.Scan(&m.SensorID, &m.Ts, &m.Value, &m.Quality, &m.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestValueAtOrBefore returns the most recent sample with ts <= at,
// feeding §4.H's lagged derived-sensor inputs.
func (s *Store) LatestValueAtOrBefore(ctx context.Context, sensorID string, at time.Time) (models.MetricRow, bool, error) {
	var m models.MetricRow
	err := s.pool.QueryRow(ctx, `
		SELECT sensor_id, ts, value, quality, inserted_at FROM metrics
		WHERE sensor_id = $1 AND ts <= $2
		ORDER BY ts DESC LIMIT 1`, sensorID, at).
		Scan(&m.SensorID, &m.Ts, &m.Value, &m.Quality, &m.InsertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MetricRow{}, false, nil
		}
		return models.MetricRow{}, false, fmt.Errorf("latest value for %s at or before %s: %w", sensorID, at, err)
	}
	return m, true, nil
}

// Pool exposes the underlying pool for components (alarms, jobs) that need
// their own prepared statements or transactions.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
