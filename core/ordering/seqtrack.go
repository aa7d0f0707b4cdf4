package ordering

import (
	"slices"
)

const maxSeqGap = 4096

// seqTracker remembers which sequence numbers of one origin were released.
// Everything up to floor has been released; above holds released numbers
// beyond the first gap.
type seqTracker struct {
	floor uint64
	above map[uint64]struct{}
}

func newSeqTracker() *seqTracker {
	return &seqTracker{above: make(map[uint64]struct{})}
}

func (t *seqTracker) seen(seq uint64) bool {
	if seq <= t.floor {
		return true
	}
	_, ok := t.above[seq]
	return ok
}

func (t *seqTracker) mark(seq uint64) {
	if seq <= t.floor {
		return
	}
	t.above[seq] = struct{}{}
	if len(t.above) > maxSeqGap {
		// Give up on the oldest gap; numbers inside it count as released.
		keys := make([]uint64, 0, len(t.above))
		for k := range t.above {
			keys = append(keys, k)
		}
		t.floor = slices.Min(keys) - 1
	}
	for {
		_, ok := t.above[t.floor+1]
		if !ok {
			break
		}
		delete(t.above, t.floor+1)
		t.floor++
	}
}
