// Package ingest is the batching ingest pipeline (§4.A), adapted from the
// teacher's worker-pool/queue/flush-timer shape in
// engine/internal/pipeline/pipeline.go (buffered channel + context
// cancellation + sync.WaitGroup fan-in), generalized from a 4-stage crawl
// pipeline down to a single batching stage: enqueue writes into a bounded
// channel, a flush goroutine drains it on whichever of flush_interval_ms /
// batch_size fires first, and commits one multi-row upsert.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmtel/internal/ack"
	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// ErrQueueFull is returned by Enqueue when the bounded queue is saturated,
// matching §4.A's contract: "fails with QueueFull when the bounded
// in-memory queue is full" rather than blocking the caller indefinitely.
var ErrQueueFull = errors.New("ingest: queue full")

// Config tunes the pipeline; zero values are invalid, callers should use
// internal/config.IngestConfig's defaulted fields.
type Config struct {
	FlushInterval    time.Duration
	BatchSize        int
	QueueCapacity    int
	OfflineThreshold time.Duration
}

// SensorLookup resolves a sensor_id to its owning node for status/ack
// wiring, backed by a cache in front of internal/rowstore.
type SensorLookup interface {
	NodeForSensor(ctx context.Context, sensorID string) (uuid.UUID, bool, error)
}

// MetricsStore is the slice of *rowstore.Store the pipeline needs to
// commit a flush, narrowed to an interface so the flush/batch logic is
// testable without a live Postgres connection.
type MetricsStore interface {
	UpsertMetrics(ctx context.Context, rows []models.MetricRow) (int64, error)
	TouchNodeSeen(ctx context.Context, nodeID uuid.UUID, seenAt time.Time, offlineThreshold time.Duration) error
}

// AckForwarder is the slice of *ack.Manager the pipeline needs: a place to
// send Committed commands after a durable flush.
type AckForwarder interface {
	Commands() chan<- ack.Command
}

// AlarmNotifier is the fast-path hook into the §4.F alarm engine: once a
// batch is durably committed, the pipeline tells the engine which sensors
// changed so it can re-evaluate just the rules that might be affected,
// without the ingest package depending on the rest of internal/alarms.
type AlarmNotifier interface {
	EvaluateNow(ctx context.Context, sensorIDs []string) error
}

// Pipeline batches IncomingMetric values into periodic multi-row upserts.
type Pipeline struct {
	cfg     Config
	store   MetricsStore
	lookup  SensorLookup
	ackMgr  AckForwarder
	alarms  AlarmNotifier
	log     logging.Logger
	metrics metrics.Provider

	queue  chan models.IncomingMetric
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchSizeHist   metrics.Histogram
	flushLatency    metrics.Histogram
	queueDepthGauge metrics.Gauge
	droppedCounter  metrics.Counter
}

// NewPipeline constructs a Pipeline; Start must be called to begin the
// flush loop.
func NewPipeline(cfg Config, store MetricsStore, lookup SensorLookup, ackMgr AckForwarder, log logging.Logger, mp metrics.Provider) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		lookup: lookup,
		ackMgr: ackMgr,
		log:    log,
		metrics: mp,
		queue:  make(chan models.IncomingMetric, cfg.QueueCapacity),
		batchSizeHist: mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "batch_size", Help: "metrics committed per flush",
		}}),
		flushLatency: mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "flush_latency_seconds", Help: "time to commit one flush",
		}}),
		queueDepthGauge: mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "queue_depth", Help: "buffered metrics awaiting flush",
		}}),
		droppedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ingest", Name: "dropped_total", Help: "metrics rejected with QueueFull",
		}}),
	}
}

// SetAlarmNotifier wires the alarm engine's fast path into the pipeline.
// Optional: a Pipeline with no notifier simply skips the fast path and
// relies on the alarm engine's own poll loop.
func (p *Pipeline) SetAlarmNotifier(n AlarmNotifier) {
	p.alarms = n
}

// Enqueue is the non-blocking §4.A enqueue(metric) operation.
func (p *Pipeline) Enqueue(m models.IncomingMetric) error {
	select {
	case p.queue <- m:
		p.queueDepthGauge.Set(float64(len(p.queue)))
		return nil
	default:
		p.droppedCounter.Inc(1)
		return ErrQueueFull
	}
}

// Start launches the flush loop; call Stop (or cancel ctx) to drain and
// exit.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
}

// Stop cancels the flush loop and waits for the final flush to complete.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.IncomingMetric, 0, p.cfg.BatchSize)
	for {
		select {
		case <-p.ctx.Done():
			drain := true
			for drain {
				select {
				case m := <-p.queue:
					batch = append(batch, m)
				default:
					drain = false
				}
			}
			p.flush(context.Background(), batch)
			return
		case m := <-p.queue:
			batch = append(batch, m)
			p.queueDepthGauge.Set(float64(len(p.queue)))
			if len(batch) >= p.cfg.BatchSize {
				p.flush(p.ctx, batch)
				batch = make([]models.IncomingMetric, 0, p.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(p.ctx, batch)
				batch = make([]models.IncomingMetric, 0, p.cfg.BatchSize)
			}
		}
	}
}

// flush commits one batch, then derives per-(node, stream) committed
// sequences and forwards them to the ack manager, per §4.B's contract that
// ack advancement follows durable commit, never the reverse.
func (p *Pipeline) flush(ctx context.Context, batch []models.IncomingMetric) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	rows := make([]models.MetricRow, 0, len(batch))
	for _, m := range batch {
		if p.lookup != nil {
			if _, ok, err := p.lookup.NodeForSensor(ctx, m.SensorID); err != nil || !ok {
				p.droppedCounter.Inc(1)
				p.log.WarnCtx(ctx, "dropping metric for unknown or deleted sensor", "sensor_id", m.SensorID)
				continue
			}
		}
		rows = append(rows, models.MetricRow{SensorID: m.SensorID, Ts: m.Ts, Value: m.Value, Quality: m.Quality})
	}

	if _, err := p.store.UpsertMetrics(ctx, rows); err != nil {
		p.log.ErrorCtx(ctx, "ingest batch commit failed", "error", err.Error(), "batch_size", len(rows))
		return
	}
	p.batchSizeHist.Observe(float64(len(rows)))
	p.flushLatency.Observe(time.Since(start).Seconds())

	p.touchNodes(ctx, batch)
	p.forwardAcks(batch)
	p.notifyAlarms(ctx, batch)
}

// notifyAlarms triggers the alarm engine's fast path for the distinct
// sensors in this batch, per §4.F: "a new sample for a sensor a rule
// targets should not have to wait for the next poll tick."
func (p *Pipeline) notifyAlarms(ctx context.Context, batch []models.IncomingMetric) {
	if p.alarms == nil {
		return
	}
	seen := make(map[string]struct{}, len(batch))
	sensorIDs := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, ok := seen[m.SensorID]; ok {
			continue
		}
		seen[m.SensorID] = struct{}{}
		sensorIDs = append(sensorIDs, m.SensorID)
	}
	if err := p.alarms.EvaluateNow(ctx, sensorIDs); err != nil {
		p.log.WarnCtx(ctx, "alarm fast-path evaluation failed", "error", err.Error(), "sensor_count", len(sensorIDs))
	}
}

func (p *Pipeline) touchNodes(ctx context.Context, batch []models.IncomingMetric) {
	seen := make(map[uuid.UUID]time.Time)
	for _, m := range batch {
		if p.lookup == nil {
			continue
		}
		nodeID, ok, err := p.lookup.NodeForSensor(ctx, m.SensorID)
		if err != nil || !ok {
			continue
		}
		if m.Ts.After(seen[nodeID]) {
			seen[nodeID] = m.Ts
		}
	}
	for nodeID, ts := range seen {
		if err := p.store.TouchNodeSeen(ctx, nodeID, ts, p.cfg.OfflineThreshold); err != nil {
			p.log.WarnCtx(ctx, "failed to touch node seen", "node_id", nodeID.String(), "error", err.Error())
		}
	}
}

// forwardAcks groups the batch's committed seqs by (source, stream_id) and
// sends one Committed command per group to the ack manager.
func (p *Pipeline) forwardAcks(batch []models.IncomingMetric) {
	type key struct {
		node   string
		stream uuid.UUID
	}
	grouped := make(map[key][]uint64)
	for _, m := range batch {
		if m.StreamID == nil || m.Seq == nil || m.Source == "" {
			continue
		}
		k := key{node: m.Source, stream: *m.StreamID}
		grouped[k] = append(grouped[k], *m.Seq)
	}
	for k, seqs := range grouped {
		select {
		case p.ackMgr.Commands() <- ack.Command{Kind: ack.Committed, NodeMQTTID: k.node, StreamID: k.stream, Seqs: seqs}:
		default:
			p.log.WarnCtx(context.Background(), "ack command channel full, dropping committed batch", "node_mqtt_id", k.node)
		}
	}
}
