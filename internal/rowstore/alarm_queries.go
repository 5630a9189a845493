package rowstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LatestValue is one sensor's most recent sample, as loaded once per
// evaluation target by the alarm engine's fetch_latest_map equivalent.
type LatestValue struct {
	Ts    time.Time
	Value float64
}

// LatestValues loads the most recent (ts, value) per sensor_id, matching
// fetch_latest_map's "DISTINCT ON (sensor_id) ... ORDER BY ts DESC" shape.
// Sensors with no samples are simply absent from the returned map.
func (s *Store) LatestValues(ctx context.Context, sensorIDs []string) (map[string]LatestValue, error) {
	if len(sensorIDs) == 0 {
		return map[string]LatestValue{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (sensor_id) sensor_id, ts, value
		FROM metrics
		WHERE sensor_id = ANY($1)
		ORDER BY sensor_id, ts DESC`, sensorIDs)
	if err != nil {
		return nil, fmt.Errorf("query latest values: %w", err)
	}
	defer rows.Close()
	out := make(map[string]LatestValue, len(sensorIDs))
	for rows.Next() {
		var sensorID string
		var v LatestValue
		if err := rows.Scan(&sensorID, &v.Ts, &v.Value); err != nil {
			return nil, fmt.Errorf("scan latest value: %w", err)
		}
		out[sensorID] = v
	}
	return out, rows.Err()
}

// WindowStats is one sensor's aggregate over a rolling window, the Go port
// of get_window_stats's result row.
type WindowStats struct {
	Avg    float64
	Min    float64
	Max    float64
	StdDev float64
	Median float64
}

// WindowStats loads avg/min/max/stddev_pop/median for each sensor over
// [now-windowSeconds, now], grouped in one query so the alarm evaluator can
// memoize per window_seconds across a rule's whole condition tree.
func (s *Store) WindowStats(ctx context.Context, sensorIDs []string, now time.Time, windowSeconds int) (map[string]WindowStats, error) {
	if len(sensorIDs) == 0 {
		return map[string]WindowStats{}, nil
	}
	from := now.Add(-time.Duration(windowSeconds) * time.Second)
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id, avg(value), min(value), max(value),
			COALESCE(stddev_pop(value), 0),
			percentile_cont(0.5) WITHIN GROUP (ORDER BY value)
		FROM metrics
		WHERE sensor_id = ANY($1) AND ts >= $2 AND ts <= $3
		GROUP BY sensor_id`, sensorIDs, from, now)
	if err != nil {
		return nil, fmt.Errorf("query window stats: %w", err)
	}
	defer rows.Close()
	out := make(map[string]WindowStats, len(sensorIDs))
	for rows.Next() {
		var sensorID string
		var st WindowStats
		if err := rows.Scan(&sensorID, &st.Avg, &st.Min, &st.Max, &st.StdDev, &st.Median); err != nil {
			return nil, fmt.Errorf("scan window stats: %w", err)
		}
		out[sensorID] = st
	}
	return out, rows.Err()
}

// SensorsByNode lists live sensor_ids under a node, optionally restricted
// to a type set, for the NodeSensors target selector.
func (s *Store) SensorsByNode(ctx context.Context, nodeID uuid.UUID, types []string) ([]string, error) {
	var typeFilter []string
	if len(types) > 0 {
		typeFilter = types
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id FROM sensors
		WHERE node_id = $1 AND deleted_at IS NULL AND ($2::text[] IS NULL OR type = ANY($2))
		ORDER BY sensor_id`, nodeID, typeFilter)
	if err != nil {
		return nil, fmt.Errorf("query sensors by node %s: %w", nodeID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sensor id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SensorFilter narrows the sensor set for a Filter target selector; empty
// fields are treated as "no constraint".
type SensorFilter struct {
	Provider string
	Metric   string
	Type     string
}

// SensorsByFilter lists live sensor_ids matching the given filter, reading
// provider/metric out of the sensor's free-form config JSON and type from
// the sensors.type column.
func (s *Store) SensorsByFilter(ctx context.Context, f SensorFilter) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sensor_id FROM sensors
		WHERE deleted_at IS NULL
			AND ($1 = '' OR type = $1)
			AND ($2 = '' OR config->>'provider' = $2)
			AND ($3 = '' OR config->>'metric' = $3)
		ORDER BY sensor_id`, f.Type, f.Provider, f.Metric)
	if err != nil {
		return nil, fmt.Errorf("query sensors by filter: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sensor id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
