package statetable

import (
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// HoldbackStats summarizes how long acknowledged commits waited for earlier
// sequence numbers before becoming visible.
type HoldbackStats struct {
	Samples uint64
	P50     time.Duration
	P99     time.Duration
	Max     time.Duration
	// Waiting is the number of acknowledgements currently held back.
	Waiting int
	// Outstanding is the number of prepared sequence numbers the watermark
	// has not passed yet, acknowledged or not.
	Outstanding uint64
}

func (s HoldbackStats) String() string {
	return fmt.Sprintf("samples=%d p50=%s p99=%s max=%s waiting=%d outstanding=%d", s.Samples, s.P50, s.P99, s.Max, s.Waiting, s.Outstanding)
}

type holdbackRecorder struct {
	mu  sync.Mutex
	td  *tdigest.TDigest
	max time.Duration
}

func newHoldbackRecorder() (*holdbackRecorder, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &holdbackRecorder{td: td}, nil
}

func (r *holdbackRecorder) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.td.Add(float64(d))
	if d > r.max {
		r.max = d
	}
}

func (r *holdbackRecorder) snapshot() HoldbackStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := HoldbackStats{Samples: r.td.Count(), Max: r.max}
	if s.Samples > 0 {
		s.P50 = time.Duration(r.td.Quantile(0.5))
		s.P99 = time.Duration(r.td.Quantile(0.99))
	}
	return s
}
