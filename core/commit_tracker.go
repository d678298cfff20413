package core

import (
	"context"
	"log/slog"
	"sync"
)

// CommitTracker lets goroutines wait for a commit watermark to reach a
// sequence number. The owner reports every watermark advance; waiters are
// released in bulk when the watermark passes their target.
type CommitTracker struct {
	mu       sync.Mutex
	latest   int64
	closed   bool
	advanced chan struct{} // closed and replaced on every advance
}

// NewCommitTracker creates a new tracker.
func NewCommitTracker() *CommitTracker {
	return &CommitTracker{advanced: make(chan struct{})}
}

// ReportCommitted records a new watermark. Reports that do not move the
// watermark forward are ignored.
func (t *CommitTracker) ReportCommitted(seqNum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || seqNum <= t.latest {
		return
	}
	slog.Debug("Commit watermark advanced", "from", t.latest, "to", seqNum)
	t.latest = seqNum
	close(t.advanced)
	t.advanced = make(chan struct{})
}

// WaitForSequence blocks until the watermark is at least waitSeqNum, the
// tracker is closed, or ctx is done.
func (t *CommitTracker) WaitForSequence(ctx context.Context, waitSeqNum int64) error {
	for {
		t.mu.Lock()
		if t.latest >= waitSeqNum {
			t.mu.Unlock()
			return nil
		}
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		ch := t.advanced
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LatestCommitted returns the latest reported watermark.
func (t *CommitTracker) LatestCommitted() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Close releases every waiter with ErrClosed. Later reports are ignored.
func (t *CommitTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.advanced)
}
