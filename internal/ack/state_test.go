package ack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceAckedSeqWithPendingAndLosses(t *testing.T) {
	n := newNodeState([16]byte{})
	n.lossRanges = []lossRange{{startSeq: 3, endSeq: 5}}
	for _, seq := range []uint64{1, 2, 6, 7} {
		n.pendingInsert(seq)
	}
	require.True(t, advanceAckedSeq(n))
	require.Equal(t, uint64(7), n.ackedSeq)
}

func TestNormalizeLossRanges(t *testing.T) {
	ranges := []lossRange{
		{startSeq: 10, endSeq: 12},
		{startSeq: 1, endSeq: 2},
		{startSeq: 3, endSeq: 5},
		{startSeq: 5, endSeq: 8},
	}
	merged := normalizeLossRanges(ranges)
	require.Len(t, merged, 2)
	require.Equal(t, uint64(1), merged[0].startSeq)
	require.Equal(t, uint64(8), merged[0].endSeq)
	require.Equal(t, uint64(10), merged[1].startSeq)
	require.Equal(t, uint64(12), merged[1].endSeq)
}

// TestS1AckAdvancesPastLossRange is scenario S1: Committed{1,2,3,5,6} then
// LossRange{4,4} must yield acked_seq = 6.
func TestS1AckAdvancesPastLossRange(t *testing.T) {
	n := newNodeState([16]byte{})
	for _, seq := range []uint64{1, 2, 3, 5, 6} {
		n.pendingInsert(seq)
	}
	require.True(t, advanceAckedSeq(n))
	require.Equal(t, uint64(3), n.ackedSeq)

	n.lossRanges = normalizeLossRanges(append(n.lossRanges, lossRange{startSeq: 4, endSeq: 4}))
	require.True(t, advanceAckedSeq(n))
	require.Equal(t, uint64(6), n.ackedSeq)
}

// TestSequenceMonotonicity is §8 property 1: across random interleavings of
// Committed/LossRange, acked_seq never decreases.
func TestSequenceMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := newNodeState([16]byte{})
	prev := uint64(0)
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			n.pendingInsert(uint64(rng.Intn(500) + 1))
		} else {
			start := uint64(rng.Intn(500) + 1)
			end := start + uint64(rng.Intn(5))
			n.lossRanges = normalizeLossRanges(append(n.lossRanges, lossRange{startSeq: start, endSeq: end}))
		}
		advanceAckedSeq(n)
		require.GreaterOrEqual(t, n.ackedSeq, prev)
		prev = n.ackedSeq
	}
}

// TestNoPhantomAcks is §8 property 2: acked_seq never exceeds the maximum
// seq ever observed via Committed or loss_range.end_seq.
func TestNoPhantomAcks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := newNodeState([16]byte{})
	var maxSeq uint64
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			seq := uint64(rng.Intn(500) + 1)
			n.pendingInsert(seq)
			if seq > maxSeq {
				maxSeq = seq
			}
		} else {
			start := uint64(rng.Intn(500) + 1)
			end := start + uint64(rng.Intn(5))
			n.lossRanges = normalizeLossRanges(append(n.lossRanges, lossRange{startSeq: start, endSeq: end}))
			if end > maxSeq {
				maxSeq = end
			}
		}
		advanceAckedSeq(n)
		require.LessOrEqual(t, n.ackedSeq, maxSeq)
	}
}
