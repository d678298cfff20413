package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusstate/core"
)

// ErrSequenceGap is reported when a contiguous apply stream skips or
// repeats a sequence number.
var ErrSequenceGap = errors.New("received out-of-order replication unit")

// Target is the state a replication stream is applied to.
type Target interface {
	PrepareUpdate(u Unit) error
	CommitUpdate(seq int64) error
	Apply(u Unit) error
	ApplyBatch(units []Unit) error
}

// OpKind is the kind of an Operation delivered to an Applier.
type OpKind uint8

const (
	// OpPrepare stages Unit as a pending update (primary mode).
	OpPrepare OpKind = iota + 1
	// OpCommit acknowledges Sequence as durable (primary mode).
	OpCommit
	// OpApply replays Unit as already committed (secondary mode).
	OpApply
	// OpApplyBatch replays Units atomically (secondary mode).
	OpApplyBatch
)

func (k OpKind) String() string {
	switch k {
	case OpPrepare:
		return "prepare"
	case OpCommit:
		return "commit"
	case OpApply:
		return "apply"
	case OpApplyBatch:
		return "apply_batch"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Operation is one instruction of a replication stream.
type Operation struct {
	Kind     OpKind
	Unit     Unit
	Units    []Unit
	Sequence int64
}

// Prepare, Commit, ApplyOp and Batch build operations.
func Prepare(u Unit) Operation      { return Operation{Kind: OpPrepare, Unit: u} }
func Commit(seq int64) Operation    { return Operation{Kind: OpCommit, Sequence: seq} }
func ApplyOp(u Unit) Operation      { return Operation{Kind: OpApply, Unit: u} }
func Batch(units ...Unit) Operation { return Operation{Kind: OpApplyBatch, Units: units} }

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithContiguousApply makes the applier reject apply operations whose
// sequence numbers are not exactly one above the previous one.
func WithContiguousApply() ApplierOption {
	return func(a *Applier) { a.contiguous = true }
}

// WithStartSequence sets the sequence number the stream continues from,
// for instance the sequence of a restored checkpoint.
func WithStartSequence(seq int64) ApplierOption {
	return func(a *Applier) { a.lastApplied.Store(seq) }
}

// Applier drives a Target from a stream of operations. The first error
// stops the stream; a protocol violation means the replica has diverged
// from the log and must not continue.
type Applier struct {
	target     Target
	logger     *slog.Logger
	contiguous bool

	lastApplied atomic.Int64
	processed   atomic.Int64
}

// NewApplier creates a new replication applier.
func NewApplier(target Target, logger *slog.Logger, opts ...ApplierOption) *Applier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Applier{
		target: target,
		logger: logger.With("component", "ReplicationApplier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run applies operations from ops until the channel is closed, ctx is done,
// or an operation fails.
func (a *Applier) Run(ctx context.Context, ops <-chan Operation) error {
	a.logger.Info("Starting replication applier", "contiguous", a.contiguous, "start_sequence", a.lastApplied.Load())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op, ok := <-ops:
			if !ok {
				a.logger.Info("Replication stream ended", "processed", a.processed.Load(), "last_applied", a.lastApplied.Load())
				return nil
			}
			if err := a.ApplyOperation(ctx, op); err != nil {
				a.logger.Error("Failed to apply replication operation, stopping replication", "op", op.Kind, "error", err)
				return err
			}
		}
	}
}

// ApplyOperation applies a single operation.
func (a *Applier) ApplyOperation(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	switch op.Kind {
	case OpPrepare:
		err = a.target.PrepareUpdate(op.Unit)
	case OpCommit:
		err = a.target.CommitUpdate(op.Sequence)
	case OpApply:
		if err = a.checkContiguous(op.Unit.Sequence); err == nil {
			if err = a.target.Apply(op.Unit); err == nil {
				a.lastApplied.Store(op.Unit.Sequence)
			}
		}
	case OpApplyBatch:
		if len(op.Units) == 0 {
			return nil
		}
		if err = a.checkBatch(op.Units); err == nil {
			if err = a.target.ApplyBatch(op.Units); err == nil {
				a.lastApplied.Store(op.Units[len(op.Units)-1].Sequence)
			}
		}
	default:
		err = &core.ValidationError{Field: "kind", Value: op.Kind.String(), Message: "unknown replication operation"}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op.Kind, err)
	}
	a.processed.Add(1)
	a.logger.Debug("Applied replication operation", "op", op.Kind, "sequence", op.sequence())
	return nil
}

func (a *Applier) checkContiguous(seq int64) error {
	if !a.contiguous {
		return nil
	}
	last := a.lastApplied.Load()
	if seq != last+1 {
		return &core.ProtocolViolationError{Op: "apply stream", Sequence: seq, Last: last, Err: ErrSequenceGap}
	}
	return nil
}

func (a *Applier) checkBatch(units []Unit) error {
	if !a.contiguous {
		return nil
	}
	last := a.lastApplied.Load()
	for _, u := range units {
		if u.Sequence != last+1 {
			return &core.ProtocolViolationError{Op: "apply stream", Sequence: u.Sequence, Last: last, Err: ErrSequenceGap}
		}
		last = u.Sequence
	}
	return nil
}

// LastApplied returns the sequence number of the last applied unit.
func (a *Applier) LastApplied() int64 { return a.lastApplied.Load() }

// Processed returns the number of operations applied successfully.
func (a *Applier) Processed() int64 { return a.processed.Load() }

func (op Operation) sequence() int64 {
	switch op.Kind {
	case OpCommit:
		return op.Sequence
	case OpApplyBatch:
		if len(op.Units) > 0 {
			return op.Units[len(op.Units)-1].Sequence
		}
		return 0
	default:
		return op.Unit.Sequence
	}
}
