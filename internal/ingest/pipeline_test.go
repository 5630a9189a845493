package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"farmtel/internal/ack"
	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

var errFlushFailed = errors.New("simulated commit failure")

type fakeStore struct {
	mu       sync.Mutex
	rows     []models.MetricRow
	touched  map[uuid.UUID]time.Time
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{touched: make(map[uuid.UUID]time.Time)}
}

func (f *fakeStore) UpsertMetrics(ctx context.Context, rows []models.MetricRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return 0, errFlushFailed
	}
	f.rows = append(f.rows, rows...)
	return int64(len(rows)), nil
}

func (f *fakeStore) TouchNodeSeen(ctx context.Context, nodeID uuid.UUID, seenAt time.Time, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[nodeID] = seenAt
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeLookup struct {
	node uuid.UUID
}

func (f fakeLookup) NodeForSensor(ctx context.Context, sensorID string) (uuid.UUID, bool, error) {
	return f.node, true, nil
}

type fakeAckForwarder struct {
	commands chan ack.Command
}

func newFakeAckForwarder() *fakeAckForwarder {
	return &fakeAckForwarder{commands: make(chan ack.Command, 64)}
}

func (f *fakeAckForwarder) Commands() chan<- ack.Command { return f.commands }

func testPipeline(t *testing.T, cfg Config, store MetricsStore, ackFwd AckForwarder) *Pipeline {
	t.Helper()
	node := uuid.New()
	return NewPipeline(cfg, store, fakeLookup{node: node}, ackFwd, logging.New(nil), metrics.NoopProvider())
}

func TestFlushOnBatchSizeTrigger(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, Config{FlushInterval: time.Hour, BatchSize: 3, QueueCapacity: 10}, store, newFakeAckForwarder())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now(), Value: float64(i)}))
	}

	require.Eventually(t, func() bool { return store.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestFlushOnTimerTrigger(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, Config{FlushInterval: 20 * time.Millisecond, BatchSize: 100, QueueCapacity: 10}, store, newFakeAckForwarder())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now(), Value: 1}))
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueReturnsErrQueueFullWhenSaturated(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, Config{FlushInterval: time.Hour, BatchSize: 100, QueueCapacity: 1}, store, newFakeAckForwarder())

	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now()}))
	require.ErrorIs(t, p.Enqueue(models.IncomingMetric{SensorID: "s2", Ts: time.Now()}), ErrQueueFull)
}

func TestStopFlushesRemainingBatchOnShutdown(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, Config{FlushInterval: time.Hour, BatchSize: 100, QueueCapacity: 10}, store, newFakeAckForwarder())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now()}))
	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s2", Ts: time.Now()}))
	cancel()
	p.Stop()

	require.Equal(t, 2, store.count())
}

// TestForwardAcksGroupsByNodeAndStream checks that committed seqs for the
// same (source, stream_id) are merged into a single ack.Command rather than
// one per metric.
func TestForwardAcksGroupsByNodeAndStream(t *testing.T) {
	store := newFakeStore()
	ackFwd := newFakeAckForwarder()
	p := testPipeline(t, Config{FlushInterval: time.Hour, BatchSize: 4, QueueCapacity: 10}, store, ackFwd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	stream := uuid.New()
	seq1, seq2 := uint64(1), uint64(2)
	for _, seq := range []uint64{seq1, seq2} {
		s := seq
		require.NoError(t, p.Enqueue(models.IncomingMetric{
			SensorID: "s1", Ts: time.Now(), Source: "node-a", StreamID: &stream, Seq: &s,
		}))
	}
	// pad batch to hit BatchSize without touching ack grouping
	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now()}))
	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now()}))

	select {
	case cmd := <-ackFwd.commands:
		require.Equal(t, ack.Committed, cmd.Kind)
		require.Equal(t, "node-a", cmd.NodeMQTTID)
		require.Equal(t, stream, cmd.StreamID)
		require.ElementsMatch(t, []uint64{seq1, seq2}, cmd.Seqs)
	case <-time.After(time.Second):
		t.Fatal("expected one grouped ack command")
	}
}

func TestFlushFailureDoesNotForwardAcks(t *testing.T) {
	store := newFakeStore()
	store.failNext = true
	ackFwd := newFakeAckForwarder()
	p := testPipeline(t, Config{FlushInterval: time.Hour, BatchSize: 1, QueueCapacity: 10}, store, ackFwd)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	stream := uuid.New()
	seq := uint64(1)
	require.NoError(t, p.Enqueue(models.IncomingMetric{SensorID: "s1", Ts: time.Now(), Source: "node-a", StreamID: &stream, Seq: &seq}))

	select {
	case <-ackFwd.commands:
		t.Fatal("ack command must not be forwarded when the commit failed")
	case <-time.After(100 * time.Millisecond):
	}
}
