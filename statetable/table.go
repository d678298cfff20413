package statetable

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/hooks"
	"github.com/INLOpen/nexusstate/replication"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReadMode selects which version a lookup reflects.
type ReadMode int

const (
	// ReadCommitted reflects only versions the watermark has passed.
	ReadCommitted ReadMode = iota
	// ReadKnown reflects the newest version, pending or committed.
	ReadKnown
)

func (m ReadMode) String() string {
	if m == ReadKnown {
		return "known"
	}
	return "committed"
}

// Lookup is the result of a point read.
type Lookup struct {
	// Found is false for absent keys and for tombstones.
	Found bool
	Value []byte
	// Sequence is the sequence number of the version the read reflected,
	// tombstones included, or zero when the key has no such version.
	Sequence int64
	// CommittedSequence is the table's commit watermark at the time of the
	// read.
	CommittedSequence int64
	// KnownSequence is the highest sequence number the table had seen at
	// the time of the read.
	KnownSequence int64
	// Count is the table's committed live count plus its uncommitted
	// count, both weighted by fan-out.
	Count int64
}

// Counts reports the table's bookkeeping totals.
type Counts struct {
	// Committed is the weighted number of committed, non-tombstone values.
	Committed int64
	// Uncommitted is the weighted number of pending versions.
	Uncommitted int64
	// Entries is the number of physical entries, tombstones included.
	Entries int
}

// Table is a volatile, multi-versioned key-value table fed by a replication
// stream. Writes become visible to committed reads only when the cumulative
// commit watermark passes their sequence number.
//
// A table-wide RWMutex guards the watermark. Prepares hold it shared and
// lock only the shard of their key. Commits, applies, batches and
// compaction hold it exclusively. Lookups and snapshot copies hold it
// shared together with shard read locks.
type Table struct {
	id     string
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager

	mu      sync.RWMutex
	entries *shardedMap
	wm      *watermark
	tracker *core.CommitTracker

	committedLive atomic.Int64
	uncommitted   atomic.Int64
	closed        atomic.Bool

	holdback *holdbackRecorder
	metrics  *expvar.Map
}

// New creates an empty table.
func New(opts Options) (*Table, error) {
	opts = opts.withDefaults()
	hb, err := newHoldbackRecorder()
	if err != nil {
		return nil, err
	}
	t := &Table{
		id:       uuid.NewString(),
		opts:     opts,
		tracer:   opts.Tracer,
		hooks:    opts.HookManager,
		entries:  newShardedMap(opts.Shards),
		wm:       newWatermark(),
		tracker:  core.NewCommitTracker(),
		holdback: hb,
		metrics:  new(expvar.Map).Init(),
	}
	t.logger = opts.Logger.With("component", "StateTable", "table_id", t.id)
	t.metrics.Set("committed_sequence", expvar.Func(func() interface{} { return t.CommittedSequence() }))
	t.metrics.Set("known_sequence", expvar.Func(func() interface{} { return t.KnownSequence() }))
	t.metrics.Set("committed_count", expvar.Func(func() interface{} { return t.committedLive.Load() }))
	t.metrics.Set("uncommitted_count", expvar.Func(func() interface{} { return t.uncommitted.Load() }))
	t.logger.Info("State table created", "shards", opts.Shards)
	return t, nil
}

// ID returns the table's instance id.
func (t *Table) ID() string { return t.id }

// CommittedSequence returns the commit watermark.
func (t *Table) CommittedSequence() int64 { return t.wm.committed.Load() }

// KnownSequence returns the highest sequence number prepared or applied.
func (t *Table) KnownSequence() int64 { return t.wm.known.Load() }

// PublishMetrics exposes the table's counters under name in the expvar
// registry. It does nothing if name is already taken.
func (t *Table) PublishMetrics(name string) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, t.metrics)
	}
}

// Metrics returns the table's counters.
func (t *Table) Metrics() *expvar.Map { return t.metrics }

// PrepareUpdate records u as the pending version of its key. u must carry
// a sequence number above every sequence number the table has seen.
func (t *Table) PrepareUpdate(u replication.Unit) error {
	if t.closed.Load() {
		return core.ErrClosed
	}
	if err := u.Validate(); err != nil {
		return t.reject(err)
	}

	t.mu.RLock()
	err := t.prepareLocked(u)
	t.mu.RUnlock()
	if err != nil {
		return t.reject(err)
	}
	t.metrics.Add("prepares", 1)
	return nil
}

// prepareLocked claims u's sequence number and stages its version. The
// caller holds the table lock, shared or exclusive.
func (t *Table) prepareLocked(u replication.Unit) error {
	if last, ok := t.wm.claim(u.Sequence); !ok {
		return &core.ProtocolViolationError{Op: "prepare", Sequence: u.Sequence, Last: last, Err: core.ErrOutOfOrderPrepare}
	}

	k := entryKey{typ: u.Type, key: u.Key}
	v := &version{seq: u.Sequence, value: u.Value, tombstone: u.IsDelete(), weight: u.Weight()}

	s := t.entries.shardFor(k)
	s.mu.Lock()
	if _, exists := s.entries[k]; !exists && v.tombstone {
		// Nothing to delete. The sequence number still counts.
		s.mu.Unlock()
		t.wm.register(u.Sequence, owner{key: k})
		return nil
	}
	e := s.getOrCreate(k)
	replaced, ok := e.setPending(v)
	s.mu.Unlock()

	if !ok {
		// A concurrent prepare with a higher sequence number won the slot.
		// The claimed number still takes part in watermark arithmetic.
		t.logger.Debug("Prepare superseded by a newer pending version", "sequence", u.Sequence, "key", u.Key, "type", u.Type)
	} else {
		t.uncommitted.Add(v.weight - replaced.weightOrZero())
	}
	t.wm.register(u.Sequence, owner{key: k, entry: e})
	return nil
}

func (v *version) weightOrZero() int64 {
	if v == nil {
		return 0
	}
	return v.weight
}

// CommitUpdate acknowledges that seq is durable. The data of seq becomes
// visible only once every earlier prepared sequence number is committed
// too. Acknowledging a sequence number the watermark already passed, or
// acknowledging the same number twice, is ignored.
func (t *Table) CommitUpdate(seq int64) error {
	if t.closed.Load() {
		return core.ErrClosed
	}
	if seq <= 0 {
		return t.reject(&core.ProtocolViolationError{Op: "commit", Sequence: seq, Err: core.ErrInvalidSequence})
	}

	t.mu.Lock()
	res := t.wm.ack(seq, time.Now())
	var adv advance
	if res == ackAccepted {
		adv = t.drainLocked()
	}
	watermark, known := t.wm.committed.Load(), t.wm.known.Load()
	t.mu.Unlock()

	switch res {
	case ackUnprepared:
		return t.reject(&core.ProtocolViolationError{Op: "commit", Sequence: seq, Last: known, Err: core.ErrUnpreparedCommit})
	case ackStale, ackDuplicate:
		t.metrics.Add("stale_commits", 1)
		t.logger.Warn("Ignoring stale commit acknowledgement", "sequence", seq, "watermark", watermark, "duplicate", res == ackDuplicate)
		t.trigger(hooks.NewOnStaleCommitEvent(hooks.StaleCommitPayload{TableID: t.id, Sequence: seq, Watermark: watermark}))
		return nil
	}
	t.metrics.Add("commits", 1)
	t.advanced(adv)
	return nil
}

// Apply prepares and commits u in one step. It is used to replay units that
// are already known to be committed.
func (t *Table) Apply(u replication.Unit) error {
	if t.closed.Load() {
		return core.ErrClosed
	}
	if err := u.Validate(); err != nil {
		return t.reject(err)
	}

	t.mu.Lock()
	adv, err := t.applyLocked([]replication.Unit{u})
	t.mu.Unlock()
	if err != nil {
		return t.reject(err)
	}
	t.metrics.Add("applies", 1)
	t.advanced(adv)
	return nil
}

// ApplyBatch applies units as one atomic step: no lookup or snapshot
// observes part of the batch. The whole batch is checked before anything is
// changed, so a rejected batch leaves the table untouched.
func (t *Table) ApplyBatch(units []replication.Unit) error {
	if t.closed.Load() {
		return core.ErrClosed
	}
	if len(units) == 0 {
		return nil
	}
	_, span := t.tracer.Start(context.Background(), "StateTable.ApplyBatch",
		trace.WithAttributes(attribute.Int("units", len(units))))
	defer span.End()

	for i, u := range units {
		if err := u.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid unit")
			return t.reject(fmt.Errorf("unit %d: %w", i, err))
		}
		if i > 0 && u.Sequence <= units[i-1].Sequence {
			err := &core.ProtocolViolationError{Op: "apply batch", Sequence: u.Sequence, Last: units[i-1].Sequence, Err: core.ErrOutOfOrderPrepare}
			span.RecordError(err)
			span.SetStatus(codes.Error, "out of order batch")
			return t.reject(err)
		}
	}

	t.mu.Lock()
	adv, err := t.applyLocked(units)
	t.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch rejected")
		return t.reject(err)
	}
	span.SetAttributes(attribute.Int64("watermark", adv.to))

	t.metrics.Add("batches", 1)
	t.metrics.Add("applies", int64(len(units)))
	t.advanced(adv)
	t.trigger(hooks.NewPostApplyBatchEvent(hooks.ApplyBatchPayload{
		TableID:       t.id,
		FirstSequence: units[0].Sequence,
		LastSequence:  units[len(units)-1].Sequence,
		Units:         len(units),
	}))
	return nil
}

// applyLocked prepares and acknowledges units that are already known to be
// in increasing order. The caller holds the exclusive table lock.
func (t *Table) applyLocked(units []replication.Unit) (advance, error) {
	if known := t.wm.known.Load(); units[0].Sequence <= known {
		return advance{}, &core.ProtocolViolationError{Op: "apply", Sequence: units[0].Sequence, Last: known, Err: core.ErrOutOfOrderPrepare}
	}
	now := time.Now()
	for _, u := range units {
		if err := t.prepareLocked(u); err != nil {
			return advance{}, err
		}
		t.wm.ack(u.Sequence, now)
	}
	return t.drainLocked(), nil
}

// advance describes one movement of the watermark.
type advance struct {
	from, to int64
	promoted int
}

// drainLocked moves the watermark and promotes the pending versions it
// passes. The caller holds the exclusive table lock.
func (t *Table) drainLocked() advance {
	var adv advance
	now := time.Now()
	adv.from, adv.to = t.wm.drain(func(seq int64, o owner, ackedAt time.Time) {
		if !ackedAt.IsZero() {
			held := now.Sub(ackedAt)
			t.holdback.observe(held)
			if t.opts.HoldbackWarnThreshold > 0 && held > t.opts.HoldbackWarnThreshold {
				t.logger.Warn("Commit was held back behind an earlier sequence number", "sequence", seq, "holdback", held)
			}
		}
		if o.entry == nil {
			return
		}
		if t.promoteLocked(o, seq) {
			adv.promoted++
		}
	})
	return adv
}

// promoteLocked makes the pending version seq of o the committed one and
// keeps the counts in step. The caller holds the exclusive table lock.
func (t *Table) promoteLocked(o owner, seq int64) bool {
	e := o.entry
	previous, ok := e.promote(seq)
	if !ok {
		// Superseded by a newer prepare of the same key.
		return false
	}
	current := e.committed
	t.uncommitted.Add(-current.weight)

	var delta int64
	if previous.live() {
		delta -= previous.weight
	}
	if current.live() {
		delta += current.weight
	}
	t.committedLive.Add(delta)
	t.metrics.Add("promotions", 1)
	return true
}

// advanced publishes a watermark movement. It runs without the table lock.
func (t *Table) advanced(adv advance) {
	if adv.to == adv.from {
		return
	}
	t.tracker.ReportCommitted(adv.to)
	if adv.to-adv.from > 1 {
		t.logger.Debug("Commit watermark advanced", "from", adv.from, "to", adv.to, "promoted", adv.promoted)
	}
	t.trigger(hooks.NewPostWatermarkAdvanceEvent(hooks.WatermarkAdvancePayload{
		TableID:  t.id,
		From:     adv.from,
		To:       adv.to,
		Promoted: adv.promoted,
	}))
}

// TryGetCurrentValue looks up the value of key under type typ.
func (t *Table) TryGetCurrentValue(typ core.TypeTag, key string, mode ReadMode) Lookup {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := Lookup{
		CommittedSequence: t.wm.committed.Load(),
		KnownSequence:     t.wm.known.Load(),
		Count:             t.committedLive.Load() + t.uncommitted.Load(),
	}
	k := entryKey{typ: typ, key: key}
	s := t.entries.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[k]
	if !ok {
		return res
	}
	v := e.committed
	if mode == ReadKnown {
		v = e.latest()
	}
	if v != nil {
		res.Sequence = v.seq
	}
	if v.live() {
		res.Found = true
		res.Value = v.value
	}
	return res
}

// GetCommitted reads the committed value of key.
func (t *Table) GetCommitted(typ core.TypeTag, key string) Lookup {
	return t.TryGetCurrentValue(typ, key, ReadCommitted)
}

// GetKnown reads the newest value of key, pending or committed.
func (t *Table) GetKnown(typ core.TypeTag, key string) Lookup {
	return t.TryGetCurrentValue(typ, key, ReadKnown)
}

// Counts returns the table's current totals.
func (t *Table) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Counts{
		Committed:   t.committedLive.Load(),
		Uncommitted: t.uncommitted.Load(),
		Entries:     t.entries.len(),
	}
}

// WaitForCommitted blocks until the watermark reaches seq, the table is
// closed, or ctx is done.
func (t *Table) WaitForCommitted(ctx context.Context, seq int64) error {
	return t.tracker.WaitForSequence(ctx, seq)
}

// Stats returns holdback latency statistics.
func (t *Table) Stats() HoldbackStats {
	s := t.holdback.snapshot()
	t.mu.RLock()
	s.Waiting = t.wm.pendingAcks()
	s.Outstanding = t.wm.outstandingCount()
	t.mu.RUnlock()
	return s
}

// Compact physically removes committed tombstones with a sequence number
// of at most upTo that have no pending version. It returns the number of
// entries removed.
func (t *Table) Compact(upTo int64) int {
	if t.closed.Load() {
		return 0
	}
	_, span := t.tracer.Start(context.Background(), "StateTable.Compact",
		trace.WithAttributes(attribute.Int64("up_to", upTo)))
	defer span.End()

	t.mu.Lock()
	if w := t.wm.committed.Load(); upTo > w {
		upTo = w
	}
	var doomed []entryKey
	t.entries.forEach(func(k entryKey, e *entry) bool {
		if e.pending == nil && e.committed != nil && e.committed.tombstone && e.committed.seq <= upTo {
			doomed = append(doomed, k)
		}
		return true
	})
	for _, k := range doomed {
		t.entries.remove(k)
	}
	t.mu.Unlock()

	span.SetAttributes(attribute.Int("removed", len(doomed)))
	t.metrics.Add("compacted", int64(len(doomed)))
	t.logger.Info("Compaction finished", "up_to", upTo, "removed", len(doomed))
	t.trigger(hooks.NewPostCompactEvent(hooks.CompactPayload{TableID: t.id, UpTo: upTo, Removed: len(doomed)}))
	return len(doomed)
}

// Close discards the table. Every later operation fails with core.ErrClosed
// and waiters in WaitForCommitted are released.
func (t *Table) Close() error {
	if t.hooks != nil {
		if err := t.hooks.Trigger(context.Background(), hooks.NewPreCloseTableEvent(hooks.TableLifecyclePayload{TableID: t.id})); err != nil {
			return fmt.Errorf("close cancelled by pre-hook: %w", err)
		}
	}
	t.mu.Lock()
	if t.closed.Swap(true) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.tracker.Close()
	t.logger.Info("State table closed", "watermark", t.CommittedSequence(), "known", t.KnownSequence())
	t.trigger(hooks.NewPostCloseTableEvent(hooks.TableLifecyclePayload{TableID: t.id}))
	return nil
}

// reject logs, meters and announces err before handing it back.
func (t *Table) reject(err error) error {
	if core.IsProtocolViolation(err) {
		t.metrics.Add("violations", 1)
		t.logger.Error("Replication protocol violation", "error", err)
		t.trigger(hooks.NewOnProtocolViolationEvent(hooks.ProtocolViolationPayload{TableID: t.id, Err: err}))
	} else {
		t.logger.Warn("Rejected replication unit", "error", err)
	}
	return err
}

func (t *Table) trigger(event hooks.HookEvent) {
	if t.hooks == nil {
		return
	}
	_ = t.hooks.Trigger(context.Background(), event)
}
