package statetable

import (
	"context"
	"strings"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/hooks"
	"github.com/INLOpen/skiplist"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Record is one item produced by an Enumerator.
type Record struct {
	Type     core.TypeTag
	Key      string
	Value    []byte
	Sequence int64
	// Committed is false for pending versions included by a known snapshot.
	Committed bool
	// Weight is the number of physical entries the record stands for.
	Weight int64
}

// snapshotItem references a version shared with the live table.
type snapshotItem struct {
	key       entryKey
	v         *version
	committed bool
}

func compareItems(a, b *snapshotItem) int {
	if a.key.typ != b.key.typ {
		if a.key.typ < b.key.typ {
			return -1
		}
		return 1
	}
	return strings.Compare(a.key.key, b.key.key)
}

// Enumerator is a frozen, one-shot view of a table. It shares immutable
// versions with the table and never observes writes made after it was
// created. Records are produced in (type, key) order.
//
// An Enumerator is not safe for concurrent use.
type Enumerator struct {
	items            []*snapshotItem
	sequence         int64
	bound            int64
	committedCount   int64
	uncommittedCount int64

	list   *skiplist.SkipList[*snapshotItem, struct{}]
	iter   *skiplist.Iterator[*snapshotItem, struct{}]
	cur    *snapshotItem
	done   bool
	closed bool
}

// CommittedCount is the weighted number of committed values in the snapshot.
func (e *Enumerator) CommittedCount() int64 { return e.committedCount }

// UncommittedCount is the weighted number of pending values in the snapshot.
func (e *Enumerator) UncommittedCount() int64 { return e.uncommittedCount }

// Sequence is the commit watermark when the snapshot was taken.
func (e *Enumerator) Sequence() int64 { return e.sequence }

// Bound is the sequence bound the snapshot was requested with.
func (e *Enumerator) Bound() int64 { return e.bound }

// Len is the number of records the snapshot holds.
func (e *Enumerator) Len() int { return len(e.items) }

// Next advances to the next record. It returns false when the snapshot is
// exhausted or closed.
func (e *Enumerator) Next() bool {
	if e.done || e.closed {
		return false
	}
	if e.iter == nil {
		// Ordering is built on first use, outside any table lock.
		e.list = skiplist.NewWithComparator[*snapshotItem, struct{}](compareItems)
		for _, it := range e.items {
			e.list.Insert(it, struct{}{})
		}
		e.iter = e.list.NewIterator()
	}
	if !e.iter.Next() {
		e.done = true
		e.cur = nil
		return false
	}
	e.cur = e.iter.Key()
	return true
}

// At returns the current record. It must only be called after Next
// returned true.
func (e *Enumerator) At() Record {
	it := e.cur
	return Record{
		Type:      it.key.typ,
		Key:       it.key.key,
		Value:     it.v.value,
		Sequence:  it.v.seq,
		Committed: it.committed,
		Weight:    it.v.weight,
	}
}

// Range calls fn for each remaining record until fn returns false.
func (e *Enumerator) Range(fn func(Record) bool) {
	for e.Next() {
		if !fn(e.At()) {
			return
		}
	}
}

// Close releases the snapshot's references.
func (e *Enumerator) Close() error {
	e.closed = true
	e.items = nil
	e.list = nil
	e.iter = nil
	e.cur = nil
	return nil
}

// GetShallowCopiesEnumerator returns a snapshot of every committed value
// whose committing sequence number is at most bound. A bound of
// core.SequenceMax also includes pending values. Values are shared with
// the table, not copied.
//
// Only the newest committed version of a key is retained. With a bound
// below the watermark, a key whose committed version was written after
// bound is left out of the snapshot, even if it held a value at bound.
func (t *Table) GetShallowCopiesEnumerator(bound int64) (*Enumerator, error) {
	if bound <= 0 {
		return nil, &core.ValidationError{Field: "bound", Value: "non-positive", Message: "snapshot bound must be positive"}
	}
	return t.snapshot(hooks.PreCreateSnapshotPayload{TableID: t.id, Bound: bound}, bound == core.SequenceMax, func(k entryKey, e *entry) (*version, bool) {
		if bound == core.SequenceMax {
			return e.latest(), e.pending == nil
		}
		if e.committed != nil && e.committed.seq <= bound {
			return e.committed, true
		}
		return nil, false
	})
}

// GetShallowCopiesEnumeratorForType returns a snapshot of everything known
// under type typ, pending values included.
func (t *Table) GetShallowCopiesEnumeratorForType(typ core.TypeTag) (*Enumerator, error) {
	return t.snapshot(hooks.PreCreateSnapshotPayload{TableID: t.id, Bound: core.SequenceMax, TypeFilter: uint8(typ)}, true, func(k entryKey, e *entry) (*version, bool) {
		if k.typ != typ {
			return nil, false
		}
		return e.latest(), e.pending == nil
	})
}

// snapshot copies version references chosen by pick. Promotions only
// happen under the exclusive table lock, so holding it shared keeps the
// committed view consistent across shards. Prepares run under the shared
// lock as well; a snapshot that includes pending versions takes the lock
// exclusively so that the pending versions it sees form a prefix of the
// prepared sequence numbers.
func (t *Table) snapshot(req hooks.PreCreateSnapshotPayload, withPending bool, pick func(k entryKey, e *entry) (*version, bool)) (*Enumerator, error) {
	if t.closed.Load() {
		return nil, core.ErrClosed
	}
	if t.hooks != nil {
		if err := t.hooks.Trigger(context.Background(), hooks.NewPreCreateSnapshotEvent(req)); err != nil {
			return nil, err
		}
	}
	_, span := t.tracer.Start(context.Background(), "StateTable.Snapshot",
		trace.WithAttributes(attribute.Int64("bound", req.Bound), attribute.Int("type_filter", int(req.TypeFilter))))
	defer span.End()

	en := &Enumerator{bound: req.Bound}
	t.copyVersions(en, withPending, pick)

	span.SetAttributes(attribute.Int("records", len(en.items)))
	t.metrics.Add("snapshots", 1)
	t.trigger(hooks.NewPostCreateSnapshotEvent(hooks.PostCreateSnapshotPayload{
		TableID:          t.id,
		Bound:            req.Bound,
		Sequence:         en.sequence,
		CommittedCount:   en.committedCount,
		UncommittedCount: en.uncommittedCount,
	}))
	return en, nil
}

func (t *Table) copyVersions(en *Enumerator, withPending bool, pick func(k entryKey, e *entry) (*version, bool)) {
	if withPending {
		t.mu.Lock()
		defer t.mu.Unlock()
	} else {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	en.sequence = t.wm.committed.Load()
	en.items = make([]*snapshotItem, 0, t.entries.len())
	t.entries.forEach(func(k entryKey, e *entry) bool {
		v, committed := pick(k, e)
		if !v.live() {
			return true
		}
		en.items = append(en.items, &snapshotItem{key: k, v: v, committed: committed})
		if committed {
			en.committedCount += v.weight
		} else {
			en.uncommittedCount += v.weight
		}
		return true
	})
}
