package ack

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"farmtel/internal/models"
	"farmtel/internal/telemetry/logging"
	"farmtel/internal/telemetry/metrics"
)

// fakeStore is an in-memory Store double that also records every
// DeleteLossRangesForStream call, so tests can assert on the stream-reset
// purge contract (S2) without Postgres.
type fakeStore struct {
	ackState   map[string]models.AckState
	lossRanges map[string][]models.LossRange

	deleteCalls []deleteCall
}

type deleteCall struct {
	nodeMQTTID  string
	newStreamID uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ackState:   map[string]models.AckState{},
		lossRanges: map[string][]models.LossRange{},
	}
}

func (f *fakeStore) AckState(ctx context.Context, nodeMQTTID string) (models.AckState, bool, error) {
	st, ok := f.ackState[nodeMQTTID]
	return st, ok, nil
}

func (f *fakeStore) LossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID) ([]models.LossRange, error) {
	var out []models.LossRange
	for _, lr := range f.lossRanges[nodeMQTTID] {
		if lr.StreamID == streamID {
			out = append(out, lr)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAckState(ctx context.Context, st models.AckState) error {
	f.ackState[st.NodeMQTTID] = st
	return nil
}

func (f *fakeStore) ReplaceLossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID, ranges []models.LossRange) error {
	var kept []models.LossRange
	for _, lr := range f.lossRanges[nodeMQTTID] {
		if lr.StreamID != streamID {
			kept = append(kept, lr)
		}
	}
	f.lossRanges[nodeMQTTID] = append(kept, ranges...)
	return nil
}

func (f *fakeStore) DeleteLossRangesForStream(ctx context.Context, nodeMQTTID string, newStreamID uuid.UUID) error {
	f.deleteCalls = append(f.deleteCalls, deleteCall{nodeMQTTID: nodeMQTTID, newStreamID: newStreamID})
	var kept []models.LossRange
	for _, lr := range f.lossRanges[nodeMQTTID] {
		if lr.StreamID == newStreamID {
			kept = append(kept, lr)
		}
	}
	f.lossRanges[nodeMQTTID] = kept
	return nil
}

func newTestManager(store Store) *Manager {
	return NewManager(store, nil, "farmtel", logging.New(nil), metrics.NoopProvider())
}

// TestS2StreamChangePurgesOldStreamLossRanges is scenario S2: a Committed
// command bearing a new stream id must purge every loss range for the node
// that does not belong to the new stream, not merely the (empty) set of
// ranges already filed under the new stream id.
func TestS2StreamChangePurgesOldStreamLossRanges(t *testing.T) {
	store := newFakeStore()
	oldStream := uuid.New()
	newStream := uuid.New()
	nodeMQTTID := "node-1"

	store.lossRanges[nodeMQTTID] = []models.LossRange{
		{NodeMQTTID: nodeMQTTID, StreamID: oldStream, StartSeq: 3, EndSeq: 5},
	}
	store.ackState[nodeMQTTID] = models.AckState{NodeMQTTID: nodeMQTTID, StreamID: oldStream, AckedSeq: 10}

	m := newTestManager(store)
	err := m.applyCommitted(context.Background(), Command{
		Kind: Committed, NodeMQTTID: nodeMQTTID, StreamID: newStream, Seqs: []uint64{1},
	})
	require.NoError(t, err)

	require.Len(t, store.deleteCalls, 1)
	require.Equal(t, nodeMQTTID, store.deleteCalls[0].nodeMQTTID)
	require.Equal(t, newStream, store.deleteCalls[0].newStreamID)

	// The old stream's loss range must actually be gone from persisted
	// storage, not merely untouched because it never matched the new id.
	require.Empty(t, store.lossRanges[nodeMQTTID])
}

// TestApplyCommittedSameStreamDoesNotReset confirms a Committed command for
// the already-current stream never calls the reset/purge path.
func TestApplyCommittedSameStreamDoesNotReset(t *testing.T) {
	store := newFakeStore()
	streamID := uuid.New()
	nodeMQTTID := "node-2"
	store.ackState[nodeMQTTID] = models.AckState{NodeMQTTID: nodeMQTTID, StreamID: streamID, AckedSeq: 2}

	m := newTestManager(store)
	err := m.applyCommitted(context.Background(), Command{
		Kind: Committed, NodeMQTTID: nodeMQTTID, StreamID: streamID, Seqs: []uint64{3},
	})
	require.NoError(t, err)
	require.Empty(t, store.deleteCalls)
}
