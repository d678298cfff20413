package replication

import "math/rand"

// AckWindow reorders commit acknowledgements within a bounded window,
// the way a quorum transport delivers them. The order depends only on the
// seed, so runs are reproducible.
type AckWindow struct {
	size    int
	rng     *rand.Rand
	pending []int64
}

// NewAckWindow creates a window holding up to size acknowledgements. A size
// of one or less passes acknowledgements through in order.
func NewAckWindow(size int, seed int64) *AckWindow {
	if size < 1 {
		size = 1
	}
	return &AckWindow{
		size:    size,
		rng:     rand.New(rand.NewSource(seed)),
		pending: make([]int64, 0, size),
	}
}

// Push adds seq to the window. Once the window is full, one randomly chosen
// acknowledgement is released and returned with ok set.
func (w *AckWindow) Push(seq int64) (released int64, ok bool) {
	w.pending = append(w.pending, seq)
	if len(w.pending) < w.size {
		return 0, false
	}
	return w.take(w.rng.Intn(len(w.pending))), true
}

// Flush releases every held acknowledgement in random order.
func (w *AckWindow) Flush() []int64 {
	out := make([]int64, 0, len(w.pending))
	for len(w.pending) > 0 {
		out = append(out, w.take(w.rng.Intn(len(w.pending))))
	}
	return out
}

// Len is the number of acknowledgements held back.
func (w *AckWindow) Len() int { return len(w.pending) }

func (w *AckWindow) take(i int) int64 {
	seq := w.pending[i]
	last := len(w.pending) - 1
	w.pending[i] = w.pending[last]
	w.pending = w.pending[:last]
	return seq
}
