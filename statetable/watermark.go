package statetable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/utils"
)

// owner is the entry a prepared sequence number will promote.
type owner struct {
	key   entryKey
	entry *entry
}

type ackResult int

const (
	ackAccepted ackResult = iota
	ackStale
	ackDuplicate
	ackUnprepared
)

// watermark tracks the cumulative commit watermark. Prepared sequence
// numbers stay outstanding until the watermark passes them; commit
// acknowledgements wait in a min-heap until they are contiguous with it.
//
// Only prepared sequence numbers count. A gap in the numbering that was
// never prepared does not hold the watermark back.
type watermark struct {
	// mu serializes claims from concurrent prepares. Acks and drains run
	// under the exclusive table lock and never race with a claim.
	mu          sync.Mutex
	outstanding *roaring64.Bitmap
	owners      map[int64]owner

	acks    *binaryheap.Heap
	acked   *roaring64.Bitmap
	ackedAt map[int64]time.Time

	committed atomic.Int64
	known     atomic.Int64
}

func newWatermark() *watermark {
	return &watermark{
		outstanding: roaring64.New(),
		owners:      make(map[int64]owner),
		acks:        binaryheap.NewWith(utils.Int64Comparator),
		acked:       roaring64.New(),
		ackedAt:     make(map[int64]time.Time),
	}
}

// claim reserves seq for a prepare. It fails when seq does not exceed the
// known sequence number, returning the number it had to exceed.
func (w *watermark) claim(seq int64) (last int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	last = w.known.Load()
	if seq <= last {
		return last, false
	}
	w.known.Store(seq)
	w.outstanding.Add(uint64(seq))
	return last, true
}

func (w *watermark) register(seq int64, o owner) {
	w.mu.Lock()
	w.owners[seq] = o
	w.mu.Unlock()
}

// ack records a commit acknowledgement. The caller holds the exclusive table lock.
func (w *watermark) ack(seq int64, now time.Time) ackResult {
	switch {
	case seq <= w.committed.Load():
		return ackStale
	case seq > w.known.Load() || !w.outstanding.Contains(uint64(seq)):
		return ackUnprepared
	case w.acked.Contains(uint64(seq)):
		return ackDuplicate
	}
	w.acked.Add(uint64(seq))
	w.acks.Push(seq)
	w.ackedAt[seq] = now
	return ackAccepted
}

// drain advances the watermark over every acknowledgement that is now
// contiguous, calling fn for each in ascending order. It returns the
// watermark before and after. The caller holds the exclusive table lock.
func (w *watermark) drain(fn func(seq int64, o owner, ackedAt time.Time)) (from, to int64) {
	from = w.committed.Load()
	to = from
	for !w.acks.Empty() {
		v, _ := w.acks.Peek()
		seq := v.(int64)
		if w.outstanding.IsEmpty() || uint64(seq) != w.outstanding.Minimum() {
			break
		}
		w.acks.Pop()
		w.outstanding.Remove(uint64(seq))
		w.acked.Remove(uint64(seq))
		o := w.owners[seq]
		delete(w.owners, seq)
		at := w.ackedAt[seq]
		delete(w.ackedAt, seq)
		if fn != nil {
			fn(seq, o, at)
		}
		to = seq
	}
	if to != from {
		w.committed.Store(to)
	}
	return from, to
}

// pendingAcks is the number of acknowledgements waiting for contiguity.
func (w *watermark) pendingAcks() int {
	return w.acks.Size()
}

// outstandingCount is the number of prepared sequence numbers the
// watermark has not passed yet.
func (w *watermark) outstandingCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding.GetCardinality()
}
