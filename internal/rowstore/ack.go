package rowstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"farmtel/internal/models"
)

// AckState returns the persisted ack state for a node, or the zero value
// with ok=false if the node has never been seen — the ack manager's restart
// contract (persisted state wins) depends on distinguishing the two.
func (s *Store) AckState(ctx context.Context, nodeMQTTID string) (models.AckState, bool, error) {
	var st models.AckState
	st.NodeMQTTID = nodeMQTTID
	err := s.pool.QueryRow(ctx, `
		SELECT stream_id, acked_seq FROM node_forwarder_ack_state WHERE node_mqtt_id = $1`,
		nodeMQTTID).Scan(&st.StreamID, &st.AckedSeq)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return models.AckState{}, false, nil
		}
		return models.AckState{}, false, fmt.Errorf("query ack state %s: %w", nodeMQTTID, err)
	}
	return st, true, nil
}

// LossRanges returns the persisted loss ranges for a node+stream.
func (s *Store) LossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID) ([]models.LossRange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_mqtt_id, stream_id, start_seq, end_seq, reason
		FROM node_forwarder_loss_ranges WHERE node_mqtt_id = $1 AND stream_id = $2
		ORDER BY start_seq`, nodeMQTTID, streamID)
	if err != nil {
		return nil, fmt.Errorf("query loss ranges %s: %w", nodeMQTTID, err)
	}
	defer rows.Close()
	var out []models.LossRange
	for rows.Next() {
		var lr models.LossRange
		if err := rows.Scan(&lr.NodeMQTTID, &lr.StreamID, &lr.StartSeq, &lr.EndSeq, &lr.Reason); err != nil {
			return nil, fmt.Errorf("scan loss range: %w", err)
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// SaveAckState upserts the (stream_id, acked_seq) pair for a node, called
// from the ack manager's persist-then-publish path.
func (s *Store) SaveAckState(ctx context.Context, st models.AckState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_forwarder_ack_state (node_mqtt_id, stream_id, acked_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_mqtt_id) DO UPDATE SET stream_id = $2, acked_seq = $3`,
		st.NodeMQTTID, st.StreamID, st.AckedSeq)
	if err != nil {
		return fmt.Errorf("save ack state %s: %w", st.NodeMQTTID, err)
	}
	return nil
}

// ReplaceLossRanges deletes and re-inserts all loss ranges for a node+stream
// in one transaction, matching S2's "previous losses deleted" contract on
// stream reset and the ack manager's coalesced normalize-then-persist step.
func (s *Store) ReplaceLossRanges(ctx context.Context, nodeMQTTID string, streamID uuid.UUID, ranges []models.LossRange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin loss range replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM node_forwarder_loss_ranges WHERE node_mqtt_id = $1 AND stream_id = $2`,
		nodeMQTTID, streamID); err != nil {
		return fmt.Errorf("clear loss ranges: %w", err)
	}
	for _, lr := range ranges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO node_forwarder_loss_ranges (node_mqtt_id, stream_id, start_seq, end_seq, reason)
			VALUES ($1,$2,$3,$4,$5)`, nodeMQTTID, streamID, lr.StartSeq, lr.EndSeq, lr.Reason); err != nil {
			return fmt.Errorf("insert loss range: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit loss range replace: %w", err)
	}
	return nil
}

// DeleteLossRangesForStream drops every loss range for nodeMQTTID that does
// not belong to newStreamID, used on the stream-reset path (S2) to purge the
// prior stream's persisted losses once a new stream has started. Mirrors
// ack.rs's `DELETE FROM node_forwarder_loss_ranges WHERE node_mqtt_id = $1
// AND stream_id != $2`.
func (s *Store) DeleteLossRangesForStream(ctx context.Context, nodeMQTTID string, newStreamID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM node_forwarder_loss_ranges WHERE node_mqtt_id = $1 AND stream_id != $2`,
		nodeMQTTID, newStreamID)
	if err != nil {
		return fmt.Errorf("delete loss ranges for stream: %w", err)
	}
	return nil
}
