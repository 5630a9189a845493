package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmtel/internal/models"
	"farmtel/internal/rowstore"
)

// SensorCache is a read-through cache over sensors, fulfilling the
// SensorLookup interface the pipeline uses to resolve sensor_id -> node_id
// without a row-store round trip per metric.
type SensorCache struct {
	store *rowstore.Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	sensor   models.Sensor
	expireAt time.Time
}

// NewSensorCache builds a cache with the given per-entry TTL.
func NewSensorCache(store *rowstore.Store, ttl time.Duration) *SensorCache {
	return &SensorCache{store: store, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// NodeForSensor implements ingest.SensorLookup. An unknown or soft-deleted
// sensor is reported as ok=false — ingest logs and drops per §7's
// Validation error kind rather than surfacing it as a commit failure.
func (c *SensorCache) NodeForSensor(ctx context.Context, sensorID string) (uuid.UUID, bool, error) {
	if sensor, ok := c.lookupFresh(sensorID); ok {
		if !sensor.Live() {
			return uuid.Nil, false, nil
		}
		return sensor.NodeID, true, nil
	}

	sensor, err := c.store.Sensor(ctx, sensorID)
	if err != nil {
		if err == rowstore.ErrNotFound {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	c.mu.Lock()
	c.entries[sensorID] = cacheEntry{sensor: sensor, expireAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	if !sensor.Live() {
		return uuid.Nil, false, nil
	}
	return sensor.NodeID, true, nil
}

func (c *SensorCache) lookupFresh(sensorID string) (models.Sensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sensorID]
	if !ok || time.Now().After(e.expireAt) {
		return models.Sensor{}, false
	}
	return e.sensor, true
}

// Invalidate drops a cached entry, used after a sensor config update.
func (c *SensorCache) Invalidate(sensorID string) {
	c.mu.Lock()
	delete(c.entries, sensorID)
	c.mu.Unlock()
}
