// Package ack is a direct Go port of the edge-forwarder ack manager,
// grounded line-for-line on original_source/apps/telemetry-sidecar/src/ack.rs:
// a single command loop advancing a per-node (stream_id, acked_seq) pair
// from Committed/LossRange commands, with a 1-second MQTT publish tick.
package ack

import (
	"sort"

	"github.com/google/uuid"

	"farmtel/internal/models"
)

// lossRange is the in-memory analogue of ack.rs's LossRange (start_seq,
// end_seq only — node/stream identity lives on the owning nodeState).
type lossRange struct {
	startSeq uint64
	endSeq   uint64
}

// nodeState is the Go port of ack.rs's NodeAckState. pending is kept as a
// sorted slice acting as the BTreeSet<u64> the Rust uses; Go has no sorted
// set in the standard library, so insert/remove keep it ordered explicitly.
type nodeState struct {
	streamID              uuid.UUID
	ackedSeq              uint64
	pending               []uint64 // sorted ascending, no duplicates
	lossRanges            []lossRange
	dirty                 bool
	lastPublishedAckedSeq uint64
}

func newNodeState(streamID uuid.UUID) *nodeState {
	return &nodeState{streamID: streamID}
}

func (n *nodeState) pendingInsert(seq uint64) {
	i := sort.Search(len(n.pending), func(i int) bool { return n.pending[i] >= seq })
	if i < len(n.pending) && n.pending[i] == seq {
		return
	}
	n.pending = append(n.pending, 0)
	copy(n.pending[i+1:], n.pending[i:])
	n.pending[i] = seq
}

func (n *nodeState) pendingRemove(seq uint64) bool {
	i := sort.Search(len(n.pending), func(i int) bool { return n.pending[i] >= seq })
	if i < len(n.pending) && n.pending[i] == seq {
		n.pending = append(n.pending[:i], n.pending[i+1:]...)
		return true
	}
	return false
}

func (n *nodeState) pendingFirst() (uint64, bool) {
	if len(n.pending) == 0 {
		return 0, false
	}
	return n.pending[0], true
}

// normalizeLossRanges is the direct port of ack.rs's normalize_loss_ranges:
// sort by start_seq, merge overlapping/adjacent ranges (adjacency defined
// as next.start_seq <= last.end_seq + 1, saturating on overflow).
func normalizeLossRanges(ranges []lossRange) []lossRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].startSeq < ranges[j].startSeq })
	merged := make([]lossRange, 0, len(ranges))
	for _, r := range ranges {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.startSeq <= saturatingAdd1(last.endSeq) {
				if r.endSeq > last.endSeq {
					last.endSeq = r.endSeq
				}
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

func saturatingAdd1(v uint64) uint64 {
	if v == ^uint64(0) {
		return v
	}
	return v + 1
}

// advanceAckedSeq is the direct port of ack.rs's advance_acked_seq: greedily
// walks acked_seq+1 through either a matching pending entry or a covering
// loss range, draining any now-subsumed pending entries along the way.
// Returns true iff acked_seq moved.
func advanceAckedSeq(n *nodeState) bool {
	advanced := false
	for {
		next := saturatingAdd1(n.ackedSeq)
		if n.pendingRemove(next) {
			n.ackedSeq = next
			advanced = true
			continue
		}
		rangeEnd, found := findCoveringRange(n.lossRanges, next)
		if found && rangeEnd > n.ackedSeq {
			n.ackedSeq = rangeEnd
			advanced = true
			for {
				first, ok := n.pendingFirst()
				if !ok || first > n.ackedSeq {
					break
				}
				n.pendingRemove(first)
			}
			continue
		}
		break
	}
	return advanced
}

func findCoveringRange(ranges []lossRange, seq uint64) (uint64, bool) {
	for _, r := range ranges {
		if r.startSeq <= seq && seq <= r.endSeq {
			return r.endSeq, true
		}
	}
	return 0, false
}

// AckPayload is the §6 ACK topic wire shape.
type AckPayload struct {
	StreamID uuid.UUID `json:"stream_id"`
	AckedSeq uint64    `json:"acked_seq"`
}

// snapshot converts a nodeState into the persisted models.AckState shape.
func (n *nodeState) snapshot(nodeMQTTID string) models.AckState {
	return models.AckState{NodeMQTTID: nodeMQTTID, StreamID: n.streamID, AckedSeq: n.ackedSeq}
}
