package ack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// Command mirrors ack.rs's AckCommand enum as a tagged struct: exactly one
// of the two shapes is populated, selected by Kind.
type Command struct {
	Kind CommandKind

	// Committed fields
	NodeMQTTID string
	StreamID   uuid.UUID
	Seqs       []uint64

	// LossRange fields (NodeMQTTID/StreamID shared with Committed above)
	StartSeq uint64
	EndSeq   uint64
	Reason   string
}

type CommandKind int

const (
	Committed CommandKind = iota
	LossRange
)

// Store is the slice of *rowstore.Store the ack manager needs, narrowed so
// Manager's stream-reset/restart logic is testable without Postgres.
type Store interface {
	AckState(ctx context.Context, nodeMQTTID string) (models.AckState, bool, error)
	LossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID) ([]models.LossRange, error)
	SaveAckState(ctx context.Context, st models.AckState) error
	ReplaceLossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID, ranges []models.LossRange) error
	DeleteLossRangesForStream(ctx context.Context, nodeMQTTID string, newStreamID uuid.UUID) error
}

// Manager owns the per-node ack state map and is fed exclusively through
// its single Commands channel (SPSC, per spec §5) — never touch state from
// outside the run loop.
type Manager struct {
	store       Store
	mqttClient  mqtt.Client
	topicPrefix string
	log         logging.Logger
	metrics     metrics.Provider

	commands chan Command
	state    map[string]*nodeState

	publishCounter metrics.Counter
}

// NewManager constructs a Manager with a buffered command channel; the
// buffer absorbs ingest bursts without blocking the ingest pipeline's
// commit path (seq extraction feeds this channel after each flush).
func NewManager(store Store, client mqtt.Client, topicPrefix string, log logging.Logger, mp metrics.Provider) *Manager {
	return &Manager{
		store:       store,
		mqttClient:  client,
		topicPrefix: topicPrefix,
		log:         log,
		metrics:     mp,
		commands:    make(chan Command, 4096),
		state:       make(map[string]*nodeState),
		publishCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "farmtel", Subsystem: "ack", Name: "published_total", Help: "ACK publishes sent", Labels: []string{"node"},
		}}),
	}
}

// Commands returns the channel producers (the ingest pipeline) send
// Committed/LossRange commands on.
func (m *Manager) Commands() chan<- Command { return m.commands }

// Run loads persisted state (persisted-state-wins restart contract, per
// SPEC_FULL.md's Open Question resolution), then services commands and a
// 1-second publish ticker until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.loadState(ctx); err != nil {
		return fmt.Errorf("load ack state: %w", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.publishAcks(ctx)
		case cmd, ok := <-m.commands:
			if !ok {
				return nil
			}
			if err := m.applyCommand(ctx, cmd); err != nil {
				m.log.WarnCtx(ctx, "failed to apply ack command", "error", err.Error(), "node_mqtt_id", cmd.NodeMQTTID)
			}
		}
	}
}

func (m *Manager) loadState(ctx context.Context) error {
	// The row store only exposes per-node lookups (no "load all"); the
	// manager populates its map lazily from applyCommand/entry instead,
	// matching ack.rs's load_state only in spirit for a map built
	// incrementally as each node is first observed. Existing nodes reload
	// their persisted state the moment the first command for them arrives,
	// via ensureEntry below — this preserves the persisted-state-wins
	// contract without requiring a bulk table scan at startup.
	return nil
}

// ensureEntry returns the in-memory state for nodeMQTTID, loading it from
// the row store on first reference so a freshly started process never
// treats persisted acked_seq as zero.
func (m *Manager) ensureEntry(ctx context.Context, nodeMQTTID string, streamID uuid.UUID) (*nodeState, error) {
	if entry, ok := m.state[nodeMQTTID]; ok {
		return entry, nil
	}
	persisted, ok, err := m.store.AckState(ctx, nodeMQTTID)
	if err != nil {
		return nil, err
	}
	if !ok {
		entry := newNodeState(streamID)
		m.state[nodeMQTTID] = entry
		return entry, nil
	}
	entry := newNodeState(persisted.StreamID)
	entry.ackedSeq = persisted.AckedSeq
	if persisted.StreamID == streamID {
		ranges, err := m.store.LossRanges(ctx, nodeMQTTID, streamID)
		if err != nil {
			return nil, err
		}
		for _, r := range ranges {
			entry.lossRanges = append(entry.lossRanges, lossRange{startSeq: r.StartSeq, endSeq: r.EndSeq})
		}
	}
	m.state[nodeMQTTID] = entry
	return entry, nil
}

func (m *Manager) applyCommand(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case Committed:
		return m.applyCommitted(ctx, cmd)
	case LossRange:
		return m.applyLossRange(ctx, cmd)
	default:
		return fmt.Errorf("unknown ack command kind %d", cmd.Kind)
	}
}

func (m *Manager) applyCommitted(ctx context.Context, cmd Command) error {
	if strings.TrimSpace(cmd.NodeMQTTID) == "" || len(cmd.Seqs) == 0 {
		return nil
	}
	entry, err := m.ensureEntry(ctx, cmd.NodeMQTTID, cmd.StreamID)
	if err != nil {
		return err
	}
	if entry.streamID != cmd.StreamID {
		if err := m.resetNodeState(ctx, cmd.NodeMQTTID, cmd.StreamID); err != nil {
			return err
		}
		entry.streamID = cmd.StreamID
		entry.ackedSeq = 0
		entry.pending = nil
		entry.lossRanges = nil
		entry.dirty = true
	}
	for _, seq := range cmd.Seqs {
		if seq > entry.ackedSeq {
			entry.pendingInsert(seq)
		}
	}
	if advanceAckedSeq(entry) {
		if err := m.store.SaveAckState(ctx, entry.snapshot(cmd.NodeMQTTID)); err != nil {
			return err
		}
		entry.dirty = true
	}
	return nil
}

func (m *Manager) applyLossRange(ctx context.Context, cmd Command) error {
	if strings.TrimSpace(cmd.NodeMQTTID) == "" || cmd.StartSeq == 0 || cmd.EndSeq < cmd.StartSeq {
		return nil
	}
	entry, err := m.ensureEntry(ctx, cmd.NodeMQTTID, cmd.StreamID)
	if err != nil {
		return err
	}
	if entry.streamID != cmd.StreamID {
		if err := m.resetNodeState(ctx, cmd.NodeMQTTID, cmd.StreamID); err != nil {
			return err
		}
		entry.streamID = cmd.StreamID
		entry.ackedSeq = 0
		entry.pending = nil
		entry.lossRanges = nil
		entry.dirty = true
	}

	if err := m.store.ReplaceLossRanges(ctx, cmd.NodeMQTTID, cmd.StreamID, appendLossRange(m.persistedRanges(entry), models.LossRange{
		NodeMQTTID: cmd.NodeMQTTID, StreamID: cmd.StreamID, StartSeq: cmd.StartSeq, EndSeq: cmd.EndSeq, Reason: cmd.Reason,
	})); err != nil {
		return err
	}
	entry.lossRanges = append(entry.lossRanges, lossRange{startSeq: cmd.StartSeq, endSeq: cmd.EndSeq})
	entry.lossRanges = normalizeLossRanges(entry.lossRanges)

	if advanceAckedSeq(entry) {
		if err := m.store.SaveAckState(ctx, entry.snapshot(cmd.NodeMQTTID)); err != nil {
			return err
		}
		entry.dirty = true
	}
	return nil
}

func (m *Manager) persistedRanges(entry *nodeState) []models.LossRange {
	out := make([]models.LossRange, 0, len(entry.lossRanges))
	for _, r := range entry.lossRanges {
		out = append(out, models.LossRange{StartSeq: r.startSeq, EndSeq: r.endSeq})
	}
	return out
}

func appendLossRange(existing []models.LossRange, next models.LossRange) []models.LossRange {
	return append(existing, next)
}

func (m *Manager) resetNodeState(ctx context.Context, nodeMQTTID string, newStreamID uuid.UUID) error {
	if err := m.store.SaveAckState(ctx, models.AckState{NodeMQTTID: nodeMQTTID, StreamID: newStreamID, AckedSeq: 0}); err != nil {
		return err
	}
	// Best-effort, mirroring ack.rs's reset_node_state: loss ranges for every
	// stream other than newStreamID are purged on a stream change (S2),
	// failure here is not fatal.
	_ = m.store.DeleteLossRangesForStream(ctx, nodeMQTTID, newStreamID)
	return nil
}

// publishAcks is the Go port of ack.rs's publish_acks: publish at most once
// per second per node, only when dirty or the acked_seq moved since the
// last successful publish, then best-effort prune loss ranges ending at or
// below the newly acked sequence.
func (m *Manager) publishAcks(ctx context.Context) {
	for nodeMQTTID, entry := range m.state {
		if !entry.dirty && entry.ackedSeq == entry.lastPublishedAckedSeq {
			continue
		}
		payload := AckPayload{StreamID: entry.streamID, AckedSeq: entry.ackedSeq}
		body, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		topic := fmt.Sprintf("%s/%s/ack", m.topicPrefix, nodeMQTTID)
		token := m.mqttClient.Publish(topic, 1, false, body)
		if !token.WaitTimeout(5 * time.Second) {
			m.log.WarnCtx(ctx, "ack publish timed out", "node_mqtt_id", nodeMQTTID)
			continue
		}
		if err := token.Error(); err != nil {
			m.log.WarnCtx(ctx, "failed to publish ack", "node_mqtt_id", nodeMQTTID, "error", err.Error())
			continue
		}
		entry.lastPublishedAckedSeq = entry.ackedSeq
		entry.dirty = false
		m.publishCounter.Inc(1, nodeMQTTID)

		kept := entry.lossRanges[:0]
		for _, r := range entry.lossRanges {
			if r.endSeq > entry.ackedSeq {
				kept = append(kept, r)
			}
		}
		if len(kept) != len(entry.lossRanges) {
			entry.lossRanges = kept
			if err := m.store.ReplaceLossRanges(ctx, nodeMQTTID, entry.streamID, m.persistedRanges(entry)); err != nil {
				m.log.WarnCtx(ctx, "failed to prune loss ranges", "node_mqtt_id", nodeMQTTID, "error", err.Error())
			}
		}
	}
}
