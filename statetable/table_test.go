package statetable

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/hooks"
	"github.com/INLOpen/nexusstate/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entities = replication.ForType(core.TypeEntityState)
	clocks   = replication.ForType(core.TypeLogicalClock)
	timers   = replication.ForType(core.TypeScheduledCallback)
)

func newTestTable(t *testing.T, opts Options) *Table {
	t.Helper()
	tbl, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

// eventRecorder collects hook events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (r *eventRecorder) listener() hooks.ListenerFunc {
	return hooks.ListenerFunc{Fn: func(ctx context.Context, event hooks.HookEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		return nil
	}}
}

func (r *eventRecorder) ofType(et hooks.EventType) []hooks.HookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hooks.HookEvent
	for _, e := range r.events {
		if e.Type() == et {
			out = append(out, e)
		}
	}
	return out
}

func TestTable_PrepareThenCommit(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "a", []byte("v1"))))
	assert.Equal(t, int64(1), tbl.KnownSequence())
	assert.Equal(t, int64(0), tbl.CommittedSequence())

	committed := tbl.GetCommitted(core.TypeEntityState, "a")
	assert.False(t, committed.Found, "pending value must not be visible to committed reads")
	assert.Equal(t, int64(0), committed.Sequence)
	assert.Equal(t, int64(0), committed.CommittedSequence)
	assert.Equal(t, int64(1), committed.KnownSequence)
	assert.Equal(t, int64(1), committed.Count, "the pending value is counted")

	known := tbl.GetKnown(core.TypeEntityState, "a")
	require.True(t, known.Found)
	assert.Equal(t, []byte("v1"), known.Value)
	assert.Equal(t, Counts{Committed: 0, Uncommitted: 1, Entries: 1}, tbl.Counts())

	require.NoError(t, tbl.CommitUpdate(1))
	assert.Equal(t, int64(1), tbl.CommittedSequence())

	committed = tbl.TryGetCurrentValue(core.TypeEntityState, "a", ReadCommitted)
	require.True(t, committed.Found)
	assert.Equal(t, []byte("v1"), committed.Value)
	assert.Equal(t, int64(1), committed.Sequence)
	assert.Equal(t, int64(1), committed.CommittedSequence)
	assert.Equal(t, int64(1), committed.KnownSequence)
	assert.Equal(t, int64(1), committed.Count)
	assert.Equal(t, Counts{Committed: 1, Uncommitted: 0, Entries: 1}, tbl.Counts())
}

func TestTable_LookupReportsTableSequences(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "a", []byte("A"))))
	require.NoError(t, tbl.CommitUpdate(1))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "b", []byte("B"))))

	testCases := []struct {
		name      string
		key       string
		mode      ReadMode
		wantFound bool
		wantSeq   int64
	}{
		{"committed key committed read", "a", ReadCommitted, true, 1},
		{"committed key known read", "a", ReadKnown, true, 1},
		{"pending key committed read", "b", ReadCommitted, false, 0},
		{"pending key known read", "b", ReadKnown, true, 2},
		{"absent key", "z", ReadKnown, false, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := tbl.TryGetCurrentValue(core.TypeEntityState, tc.key, tc.mode)
			assert.Equal(t, tc.wantFound, res.Found)
			assert.Equal(t, tc.wantSeq, res.Sequence)
			assert.Equal(t, int64(1), res.CommittedSequence, "watermark")
			assert.Equal(t, int64(2), res.KnownSequence, "highest prepared sequence")
			assert.Equal(t, int64(2), res.Count, "one committed plus one uncommitted")
		})
	}
}

func TestTable_OutOfOrderCommitHoldback(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "g", []byte("G"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "h", []byte("H"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(3, "i", []byte("I"))))

	visible := func() []bool {
		var out []bool
		for _, k := range []string{"g", "h", "i"} {
			out = append(out, tbl.GetCommitted(core.TypeEntityState, k).Found)
		}
		return out
	}

	require.NoError(t, tbl.CommitUpdate(3))
	assert.Equal(t, []bool{false, false, false}, visible())
	assert.Equal(t, int64(0), tbl.CommittedSequence())
	assert.Equal(t, uint64(3), tbl.Stats().Outstanding)

	require.NoError(t, tbl.CommitUpdate(2))
	assert.Equal(t, []bool{false, false, false}, visible())
	assert.Equal(t, int64(0), tbl.CommittedSequence())
	assert.Equal(t, 2, tbl.Stats().Waiting)

	require.NoError(t, tbl.CommitUpdate(1))
	assert.Equal(t, []bool{true, true, true}, visible())
	assert.Equal(t, int64(3), tbl.CommittedSequence())
	assert.Equal(t, int64(3), tbl.Counts().Committed)

	stats := tbl.Stats()
	assert.Equal(t, uint64(3), stats.Samples)
	assert.Equal(t, 0, stats.Waiting)
	assert.Zero(t, stats.Outstanding)
}

func TestTable_MonotonicWatermark(t *testing.T) {
	const n = 200
	tbl := newTestTable(t, Options{Shards: 8})
	for seq := int64(1); seq <= n; seq++ {
		key := string(rune('a' + seq%13))
		require.NoError(t, tbl.PrepareUpdate(entities.Update(seq, key, []byte{byte(seq)})))
	}

	order := rand.New(rand.NewSource(42)).Perm(n)
	acked := make(map[int64]bool, n)
	for _, idx := range order {
		seq := int64(idx + 1)
		require.NoError(t, tbl.CommitUpdate(seq))
		acked[seq] = true

		var want int64
		for acked[want+1] {
			want++
		}
		require.Equal(t, want, tbl.CommittedSequence(), "after committing %d", seq)
	}
	assert.Equal(t, int64(n), tbl.CommittedSequence())
	assert.Equal(t, int64(13), tbl.Counts().Committed)
	assert.Equal(t, int64(0), tbl.Counts().Uncommitted)
}

func TestTable_SequenceGapsDoNotHoldBack(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "a", []byte("A"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(5, "b", []byte("B"))))

	require.NoError(t, tbl.CommitUpdate(5))
	assert.Equal(t, int64(0), tbl.CommittedSequence())
	require.NoError(t, tbl.CommitUpdate(2))
	assert.Equal(t, int64(5), tbl.CommittedSequence())
	assert.True(t, tbl.GetCommitted(core.TypeEntityState, "b").Found)
}

func TestTable_DuplicateKeyOverwrite(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "k", []byte("first"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "k", []byte("second"))))
	assert.Equal(t, Counts{Uncommitted: 1, Entries: 1}, tbl.Counts())

	require.NoError(t, tbl.CommitUpdate(1))
	// Sequence 1 was superseded in the pending slot; nothing becomes visible.
	assert.False(t, tbl.GetCommitted(core.TypeEntityState, "k").Found)

	require.NoError(t, tbl.CommitUpdate(2))
	res := tbl.GetCommitted(core.TypeEntityState, "k")
	require.True(t, res.Found)
	assert.Equal(t, []byte("second"), res.Value)
	assert.Equal(t, int64(2), res.CommittedSequence)
	assert.Equal(t, Counts{Committed: 1, Entries: 1}, tbl.Counts())

	snap, err := tbl.GetShallowCopiesEnumerator(core.SequenceMax)
	require.NoError(t, err)
	var values []string
	snap.Range(func(r Record) bool {
		values = append(values, string(r.Value))
		return true
	})
	assert.Equal(t, []string{"second"}, values)
}

func TestTable_DeleteRecreateCycle(t *testing.T) {
	tbl := newTestTable(t, Options{})
	baseline := tbl.Counts().Committed

	require.NoError(t, tbl.Apply(entities.Update(1, "k", []byte("V"))))
	assert.Equal(t, baseline+1, tbl.GetCommitted(core.TypeEntityState, "k").Count)

	require.NoError(t, tbl.PrepareUpdate(entities.Delete(2, "k")))
	// The committed value stays visible until the delete commits.
	assert.True(t, tbl.GetCommitted(core.TypeEntityState, "k").Found)
	assert.Equal(t, baseline+2, tbl.GetCommitted(core.TypeEntityState, "k").Count, "the pending delete is counted as uncommitted")
	assert.False(t, tbl.GetKnown(core.TypeEntityState, "k").Found)
	require.NoError(t, tbl.CommitUpdate(2))

	res := tbl.GetCommitted(core.TypeEntityState, "k")
	assert.False(t, res.Found)
	assert.Equal(t, int64(2), res.Sequence, "tombstone keeps its sequence number")
	assert.Equal(t, int64(2), res.CommittedSequence)
	assert.Equal(t, baseline, res.Count)
	assert.Equal(t, 1, tbl.Counts().Entries, "tombstone entry persists until compaction")

	require.NoError(t, tbl.PrepareUpdate(entities.Update(3, "k", []byte("V2"))))
	require.NoError(t, tbl.CommitUpdate(3))
	res = tbl.GetCommitted(core.TypeEntityState, "k")
	require.True(t, res.Found)
	assert.Equal(t, []byte("V2"), res.Value)
	assert.Equal(t, baseline+1, res.Count)
}

func TestTable_DeleteOfUnknownKey(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Delete(1, "ghost")))
	assert.Equal(t, Counts{}, tbl.Counts(), "no entry is created for the delete")
	require.NoError(t, tbl.CommitUpdate(1))

	assert.Equal(t, int64(1), tbl.CommittedSequence())
	assert.False(t, tbl.GetKnown(core.TypeEntityState, "ghost").Found)
	assert.Equal(t, Counts{}, tbl.Counts())
}

func TestTable_CoalescedUpdateAndDeleteKeepTombstone(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "k", []byte("V"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Delete(2, "k")))
	assert.Equal(t, Counts{Uncommitted: 1, Entries: 1}, tbl.Counts())

	require.NoError(t, tbl.CommitUpdate(2))
	require.NoError(t, tbl.CommitUpdate(1))
	assert.Equal(t, int64(2), tbl.CommittedSequence())

	res := tbl.GetCommitted(core.TypeEntityState, "k")
	assert.False(t, res.Found)
	assert.Equal(t, int64(2), res.Sequence)
	assert.Equal(t, Counts{Entries: 1}, tbl.Counts(), "the tombstone waits for compaction")

	assert.Equal(t, 1, tbl.Compact(2))
	assert.Equal(t, Counts{}, tbl.Counts())
}

func TestTable_CrossTypeKeyIndependence(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.Apply(entities.Update(1, "Exists", []byte("entity"))))
	require.NoError(t, tbl.Apply(clocks.Update(2, "Exists", []byte("clock"))))
	require.NoError(t, tbl.Apply(timers.Update(3, "Exists", []byte("timer"))))
	assert.Equal(t, int64(3), tbl.Counts().Committed)

	found := func() map[core.TypeTag]bool {
		return map[core.TypeTag]bool{
			core.TypeEntityState:       tbl.GetCommitted(core.TypeEntityState, "Exists").Found,
			core.TypeLogicalClock:      tbl.GetCommitted(core.TypeLogicalClock, "Exists").Found,
			core.TypeScheduledCallback: tbl.GetCommitted(core.TypeScheduledCallback, "Exists").Found,
		}
	}

	require.NoError(t, tbl.Apply(clocks.Delete(4, "Exists")))
	assert.Equal(t, map[core.TypeTag]bool{
		core.TypeEntityState: true, core.TypeLogicalClock: false, core.TypeScheduledCallback: true,
	}, found())
	assert.Equal(t, []byte("entity"), tbl.GetCommitted(core.TypeEntityState, "Exists").Value)

	require.NoError(t, tbl.Apply(entities.Delete(5, "Exists")))
	assert.Equal(t, map[core.TypeTag]bool{
		core.TypeEntityState: false, core.TypeLogicalClock: false, core.TypeScheduledCallback: true,
	}, found())

	require.NoError(t, tbl.Apply(timers.Delete(6, "Exists")))
	assert.Equal(t, map[core.TypeTag]bool{
		core.TypeEntityState: false, core.TypeLogicalClock: false, core.TypeScheduledCallback: false,
	}, found())
	assert.Equal(t, int64(0), tbl.Counts().Committed)
}

func TestTable_ProtocolViolations(t *testing.T) {
	testCases := []struct {
		name   string
		setup  []replication.Unit
		act    func(tbl *Table) error
		reason error
	}{
		{
			name:   "repeated prepare sequence",
			setup:  []replication.Unit{entities.Update(5, "a", nil)},
			act:    func(tbl *Table) error { return tbl.PrepareUpdate(entities.Update(5, "b", nil)) },
			reason: core.ErrOutOfOrderPrepare,
		},
		{
			name:   "decreasing prepare sequence",
			setup:  []replication.Unit{entities.Update(5, "a", nil)},
			act:    func(tbl *Table) error { return tbl.PrepareUpdate(entities.Update(3, "a", nil)) },
			reason: core.ErrOutOfOrderPrepare,
		},
		{
			name:   "commit above known sequence",
			setup:  []replication.Unit{entities.Update(1, "a", nil)},
			act:    func(tbl *Table) error { return tbl.CommitUpdate(2) },
			reason: core.ErrUnpreparedCommit,
		},
		{
			name: "commit of a gap that was never prepared",
			setup: []replication.Unit{
				entities.Update(1, "a", nil),
				entities.Update(3, "b", nil),
			},
			act:    func(tbl *Table) error { return tbl.CommitUpdate(2) },
			reason: core.ErrUnpreparedCommit,
		},
		{
			name:   "non-positive commit",
			act:    func(tbl *Table) error { return tbl.CommitUpdate(0) },
			reason: core.ErrInvalidSequence,
		},
		{
			name:   "non-positive prepare",
			act:    func(tbl *Table) error { return tbl.PrepareUpdate(entities.Update(-1, "a", nil)) },
			reason: core.ErrInvalidSequence,
		},
		{
			name:   "apply at known sequence",
			setup:  []replication.Unit{entities.Update(4, "a", nil)},
			act:    func(tbl *Table) error { return tbl.Apply(entities.Update(4, "a", nil)) },
			reason: core.ErrOutOfOrderPrepare,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := &eventRecorder{}
			hm := hooks.NewHookManager(nil)
			hm.Register(hooks.EventOnProtocolViolation, recorder.listener())
			tbl := newTestTable(t, Options{HookManager: hm})
			for _, u := range tc.setup {
				require.NoError(t, tbl.PrepareUpdate(u))
			}
			before := tbl.Counts()
			known := tbl.KnownSequence()

			err := tc.act(tbl)
			require.Error(t, err)
			assert.True(t, core.IsProtocolViolation(err), "got %v", err)
			assert.ErrorIs(t, err, tc.reason)

			assert.Equal(t, before, tbl.Counts(), "a rejected operation must not change the table")
			assert.Equal(t, known, tbl.KnownSequence())
			assert.Len(t, recorder.ofType(hooks.EventOnProtocolViolation), 1)
		})
	}
}

func TestTable_InvalidUnitIsRejected(t *testing.T) {
	tbl := newTestTable(t, Options{})

	err := tbl.PrepareUpdate(replication.Unit{Sequence: 1, Type: core.TypeEntityState, Kind: core.OpUpdate})
	require.Error(t, err)
	assert.True(t, core.IsValidationError(err))
	assert.Equal(t, int64(0), tbl.KnownSequence())
}

func TestTable_StaleCommitIsNoOp(t *testing.T) {
	recorder := &eventRecorder{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventOnStaleCommit, recorder.listener())
	tbl := newTestTable(t, Options{HookManager: hm})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "a", []byte("A"))))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "b", []byte("B"))))
	require.NoError(t, tbl.CommitUpdate(1))

	t.Run("below watermark", func(t *testing.T) {
		require.NoError(t, tbl.CommitUpdate(1))
		assert.Equal(t, int64(1), tbl.CommittedSequence())
	})

	t.Run("repeated ack of held sequence", func(t *testing.T) {
		require.NoError(t, tbl.PrepareUpdate(entities.Update(3, "c", []byte("C"))))
		require.NoError(t, tbl.CommitUpdate(3))
		require.NoError(t, tbl.CommitUpdate(3))
		assert.Equal(t, 1, tbl.Stats().Waiting)
	})

	events := recorder.ofType(hooks.EventOnStaleCommit)
	require.Len(t, events, 2)
	assert.Equal(t, hooks.StaleCommitPayload{TableID: tbl.ID(), Sequence: 1, Watermark: 1}, events[0].Payload())
	assert.Equal(t, "2", tbl.Metrics().Get("stale_commits").String())

	require.NoError(t, tbl.CommitUpdate(2))
	assert.Equal(t, int64(3), tbl.CommittedSequence())
}

func TestTable_FanoutCounts(t *testing.T) {
	tbl := newTestTable(t, Options{})

	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "wide", []byte("x")).WithFanout(8)))
	assert.Equal(t, int64(8), tbl.Counts().Uncommitted)
	require.NoError(t, tbl.CommitUpdate(1))
	assert.Equal(t, Counts{Committed: 8, Entries: 1}, tbl.Counts())

	require.NoError(t, tbl.Apply(entities.Update(2, "wide", []byte("y")).WithFanout(3)))
	assert.Equal(t, int64(3), tbl.Counts().Committed)

	require.NoError(t, tbl.Apply(entities.Delete(3, "wide")))
	assert.Equal(t, int64(0), tbl.Counts().Committed)
}

func TestTable_ApplyBatch(t *testing.T) {
	t.Run("applies every unit", func(t *testing.T) {
		recorder := &eventRecorder{}
		hm := hooks.NewHookManager(nil)
		hm.Register(hooks.EventPostApplyBatch, recorder.listener())
		hm.Register(hooks.EventPostWatermarkAdvance, recorder.listener())
		tbl := newTestTable(t, Options{HookManager: hm})

		require.NoError(t, tbl.ApplyBatch([]replication.Unit{
			entities.Update(1, "a", []byte("A")),
			clocks.Update(2, "a", []byte("1")),
			entities.Update(4, "b", []byte("B")),
		}))
		assert.Equal(t, int64(4), tbl.CommittedSequence())
		assert.Equal(t, int64(3), tbl.Counts().Committed)

		advances := recorder.ofType(hooks.EventPostWatermarkAdvance)
		require.Len(t, advances, 1)
		assert.Equal(t, hooks.WatermarkAdvancePayload{TableID: tbl.ID(), From: 0, To: 4, Promoted: 3}, advances[0].Payload())
		batches := recorder.ofType(hooks.EventPostApplyBatch)
		require.Len(t, batches, 1)
		assert.Equal(t, hooks.ApplyBatchPayload{TableID: tbl.ID(), FirstSequence: 1, LastSequence: 4, Units: 3}, batches[0].Payload())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		tbl := newTestTable(t, Options{})
		require.NoError(t, tbl.ApplyBatch(nil))
		assert.Equal(t, int64(0), tbl.KnownSequence())
	})

	t.Run("rejected batch leaves table untouched", func(t *testing.T) {
		tbl := newTestTable(t, Options{})
		require.NoError(t, tbl.Apply(entities.Update(1, "a", []byte("A"))))

		err := tbl.ApplyBatch([]replication.Unit{
			entities.Update(2, "b", []byte("B")),
			entities.Update(2, "c", []byte("C")),
		})
		assert.ErrorIs(t, err, core.ErrOutOfOrderPrepare)

		err = tbl.ApplyBatch([]replication.Unit{
			entities.Update(1, "b", []byte("B")),
			entities.Update(2, "c", []byte("C")),
		})
		assert.ErrorIs(t, err, core.ErrOutOfOrderPrepare)

		err = tbl.ApplyBatch([]replication.Unit{
			entities.Update(2, "b", []byte("B")),
			{Sequence: 3, Type: core.TypeEntityState, Key: "", Kind: core.OpUpdate},
		})
		assert.True(t, core.IsValidationError(err))

		assert.Equal(t, int64(1), tbl.KnownSequence())
		assert.Equal(t, Counts{Committed: 1, Entries: 1}, tbl.Counts())
		assert.False(t, tbl.GetKnown(core.TypeEntityState, "b").Found)
	})

	t.Run("held back behind an earlier prepare", func(t *testing.T) {
		tbl := newTestTable(t, Options{})
		require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "slow", []byte("S"))))
		require.NoError(t, tbl.ApplyBatch([]replication.Unit{
			entities.Update(2, "x", []byte("X")),
			entities.Update(3, "y", []byte("Y")),
		}))
		assert.Equal(t, int64(0), tbl.CommittedSequence())
		assert.False(t, tbl.GetCommitted(core.TypeEntityState, "x").Found)

		require.NoError(t, tbl.CommitUpdate(1))
		assert.Equal(t, int64(3), tbl.CommittedSequence())
		assert.True(t, tbl.GetCommitted(core.TypeEntityState, "y").Found)
	})
}

func TestTable_Compact(t *testing.T) {
	recorder := &eventRecorder{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostCompact, recorder.listener())
	tbl := newTestTable(t, Options{HookManager: hm})

	require.NoError(t, tbl.ApplyBatch([]replication.Unit{
		entities.Update(1, "a", []byte("A")),
		entities.Update(2, "b", []byte("B")),
		entities.Update(3, "c", []byte("C")),
		entities.Delete(4, "a"),
		entities.Delete(5, "b"),
	}))
	assert.Equal(t, Counts{Committed: 1, Entries: 3}, tbl.Counts(), "deletes leave tombstones behind")
	// A delete that is still pending keeps its entry.
	require.NoError(t, tbl.PrepareUpdate(entities.Delete(6, "c")))
	assert.Equal(t, 3, tbl.Counts().Entries)

	assert.Equal(t, 1, tbl.Compact(4))
	assert.Equal(t, 2, tbl.Counts().Entries)

	// The bound is clamped to the watermark.
	assert.Equal(t, 1, tbl.Compact(core.SequenceMax))
	assert.Equal(t, 1, tbl.Counts().Entries)
	assert.True(t, tbl.GetCommitted(core.TypeEntityState, "c").Found)

	events := recorder.ofType(hooks.EventPostCompact)
	require.Len(t, events, 2)
	assert.Equal(t, hooks.CompactPayload{TableID: tbl.ID(), UpTo: 5, Removed: 1}, events[1].Payload())
}

func TestTable_WaitForCommitted(t *testing.T) {
	tbl := newTestTable(t, Options{})
	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "a", nil)))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "b", nil)))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- tbl.WaitForCommitted(ctx, 2)
	}()

	require.NoError(t, tbl.CommitUpdate(2))
	select {
	case err := <-done:
		t.Fatalf("waiter released before the watermark reached 2: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, tbl.CommitUpdate(1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := tbl.WaitForCommitted(ctx, 99)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTable_Close(t *testing.T) {
	recorder := &eventRecorder{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostCloseTable, recorder.listener())
	tbl, err := New(Options{HookManager: hm})
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(entities.Update(1, "a", []byte("A"))))

	waitErr := make(chan error, 1)
	go func() { waitErr <- tbl.WaitForCommitted(context.Background(), 10) }()

	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close(), "Close is idempotent")
	assert.Len(t, recorder.ofType(hooks.EventPostCloseTable), 1)

	assert.ErrorIs(t, <-waitErr, core.ErrClosed)
	assert.ErrorIs(t, tbl.PrepareUpdate(entities.Update(2, "b", nil)), core.ErrClosed)
	assert.ErrorIs(t, tbl.CommitUpdate(1), core.ErrClosed)
	assert.ErrorIs(t, tbl.Apply(entities.Update(2, "b", nil)), core.ErrClosed)
	assert.ErrorIs(t, tbl.ApplyBatch([]replication.Unit{entities.Update(2, "b", nil)}), core.ErrClosed)
	_, err = tbl.GetShallowCopiesEnumerator(core.SequenceMax)
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestTable_CloseVetoedByPreHook(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	veto := errors.New("replica still serving")
	hm.Register(hooks.EventPreCloseTable, hooks.ListenerFunc{Fn: func(ctx context.Context, event hooks.HookEvent) error {
		return veto
	}})
	tbl, err := New(Options{HookManager: hm})
	require.NoError(t, err)

	assert.ErrorIs(t, tbl.Close(), veto)
	assert.NoError(t, tbl.Apply(entities.Update(1, "a", nil)), "table must stay open")
}

func TestTable_HoldbackStats(t *testing.T) {
	tbl := newTestTable(t, Options{HoldbackWarnThreshold: -1})
	require.NoError(t, tbl.PrepareUpdate(entities.Update(1, "a", nil)))
	require.NoError(t, tbl.PrepareUpdate(entities.Update(2, "b", nil)))

	require.NoError(t, tbl.CommitUpdate(2))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tbl.CommitUpdate(1))

	stats := tbl.Stats()
	assert.Equal(t, uint64(2), stats.Samples)
	assert.GreaterOrEqual(t, stats.Max, 5*time.Millisecond)
	assert.LessOrEqual(t, stats.P50, stats.Max)
}

func TestTable_PublishMetrics(t *testing.T) {
	tbl := newTestTable(t, Options{})
	require.NoError(t, tbl.Apply(entities.Update(1, "a", nil)))

	require.NotPanics(t, func() {
		tbl.PublishMetrics("statetable_test_publish")
		tbl.PublishMetrics("statetable_test_publish")
	})
	assert.Equal(t, "1", tbl.Metrics().Get("committed_sequence").String())
	assert.Equal(t, "1", tbl.Metrics().Get("applies").String())
}

func TestTable_ConcurrentPrepareAndRead(t *testing.T) {
	tbl := newTestTable(t, Options{Shards: 4})
	const n = 500

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res := tbl.GetCommitted(core.TypeEntityState, "hot")
				if res.Found && res.Sequence > res.CommittedSequence {
					t.Errorf("read sequence %d above watermark %d", res.Sequence, res.CommittedSequence)
					return
				}
			}
		}()
	}

	var pending []int64
	for seq := int64(1); seq <= n; seq++ {
		require.NoError(t, tbl.PrepareUpdate(entities.Update(seq, "hot", []byte{byte(seq)})))
		pending = append(pending, seq)
		if len(pending) == 10 {
			for i := len(pending) - 1; i >= 0; i-- {
				require.NoError(t, tbl.CommitUpdate(pending[i]))
			}
			pending = pending[:0]
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(n), tbl.CommittedSequence())
	res := tbl.GetCommitted(core.TypeEntityState, "hot")
	assert.Equal(t, int64(n), res.Sequence)
	assert.Equal(t, Counts{Committed: 1, Entries: 1}, tbl.Counts())
}
