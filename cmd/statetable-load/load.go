package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusstate/checkpoint"
	"github.com/INLOpen/nexusstate/config"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/hooks"
	"github.com/INLOpen/nexusstate/hooks/listeners"
	"github.com/INLOpen/nexusstate/replication"
	"github.com/INLOpen/nexusstate/server"
	"github.com/INLOpen/nexusstate/statetable"
	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// report summarises a load run.
type report struct {
	Units             int64
	Batches           int64
	Reads             int64
	Compacted         int64
	CommittedSequence int64
	Primary           statetable.Counts
	Secondary         statetable.Counts
	CheckpointRecords int64
	CheckpointBytes   int
	Replicated        int64
	Holdback          statetable.HoldbackStats
	Converged         bool
}

// loadRun drives a primary table with concurrent writers whose commit
// acknowledgements arrive out of order, and keeps a secondary table in
// step from a checkpoint followed by the primary's committed log.
type loadRun struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *server.MetricsServer

	primary   *statetable.Table
	secondary *statetable.Table
	hooks     []hooks.HookManager

	seqMu   sync.Mutex
	nextSeq int64
	acks    chan int64
	log     chan replication.Unit

	units     atomic.Int64
	batches   atomic.Int64
	reads     atomic.Int64
	compacted atomic.Int64

	ckptRecords int64
	ckptBytes   int
	replicated  int64
}

func newLoadRun(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *server.MetricsServer) (*loadRun, error) {
	hm := hooks.NewHookManager(logger)
	hm.Register(hooks.EventPostWatermarkAdvance, listeners.NewWatermarkMeterListener(logger))
	alerter := listeners.NewProtocolAlerterListener(logger)
	hm.Register(hooks.EventOnProtocolViolation, alerter)
	hm.Register(hooks.EventOnStaleCommit, alerter)

	primary, err := statetable.New(statetable.Options{
		Shards:                cfg.Table.Shards,
		HoldbackWarnThreshold: config.ParseDuration(cfg.Table.HoldbackWarnThreshold, statetable.DefaultHoldbackWarnThreshold, logger),
		Logger:                logger.With("role", "primary"),
		Tracer:                tracer,
		HookManager:           hm,
	})
	if err != nil {
		return nil, fmt.Errorf("create primary table: %w", err)
	}
	primary.PublishMetrics("statetable_primary")
	if metrics != nil {
		metrics.AddTable("primary", primary)
	}

	window := max(cfg.Load.AckWindow, 1)
	return &loadRun{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		primary: primary,
		hooks:   []hooks.HookManager{hm},
		acks:    make(chan int64, window*cfg.Load.Writers),
		log:     make(chan replication.Unit, max(4096, 4*window)),
	}, nil
}

// run generates load for the configured duration, then drains every
// outstanding acknowledgement and checks that the secondary converged.
func (r *loadRun) run(ctx context.Context) (report, error) {
	duration := config.ParseDuration(r.cfg.Load.Duration, 30*time.Second, r.logger)
	g, gctx := errgroup.WithContext(ctx)
	genCtx, stop := context.WithTimeout(gctx, duration)
	defer stop()

	writers := new(errgroup.Group)
	for w := 0; w < r.cfg.Load.Writers; w++ {
		seed := r.cfg.Load.Seed + int64(w)
		writers.Go(func() error { return r.write(genCtx, gctx, seed) })
	}
	g.Go(func() error {
		err := writers.Wait()
		close(r.acks)
		close(r.log)
		return err
	})
	g.Go(func() error { return r.commit() })
	g.Go(func() error { return r.replicate(gctx, duration/4) })
	g.Go(func() error { return r.read(genCtx, r.cfg.Load.Seed-1) })
	g.Go(func() error { return r.compact(genCtx) })

	if err := g.Wait(); err != nil {
		return report{}, err
	}
	if err := ctx.Err(); err != nil {
		return report{}, err
	}
	return r.verify()
}

// write generates units until gen is done. Every prepared unit is still
// logged and acknowledged afterwards unless abort is done.
func (r *loadRun) write(gen, abort context.Context, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	value := make([]byte, 32)
	for gen.Err() == nil {
		if r.cfg.Load.BatchSize > 1 && rng.Intn(10) == 0 {
			if err := r.writeBatch(abort, rng, value); err != nil {
				return err
			}
			continue
		}
		r.seqMu.Lock()
		r.nextSeq++
		u := r.unit(rng, r.nextSeq, value)
		if err := r.primary.PrepareUpdate(u); err != nil {
			r.seqMu.Unlock()
			return fmt.Errorf("prepare %s: %w", u, err)
		}
		err := r.send(abort, u)
		r.seqMu.Unlock()
		if err != nil {
			return err
		}
		r.units.Add(1)

		select {
		case r.acks <- u.Sequence:
		case <-abort.Done():
			return abort.Err()
		}
	}
	return nil
}

func (r *loadRun) send(abort context.Context, u replication.Unit) error {
	select {
	case r.log <- u:
		return nil
	case <-abort.Done():
		return abort.Err()
	}
}

func (r *loadRun) writeBatch(abort context.Context, rng *rand.Rand, value []byte) error {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	units := make([]replication.Unit, 1+rng.Intn(r.cfg.Load.BatchSize))
	for i := range units {
		r.nextSeq++
		units[i] = r.unit(rng, r.nextSeq, value)
	}
	if err := r.primary.ApplyBatch(units); err != nil {
		return fmt.Errorf("apply batch ending at %d: %w", r.nextSeq, err)
	}
	for _, u := range units {
		if err := r.send(abort, u); err != nil {
			return err
		}
	}
	r.units.Add(int64(len(units)))
	r.batches.Add(1)
	return nil
}

func (r *loadRun) unit(rng *rand.Rand, seq int64, value []byte) replication.Unit {
	typ := core.TypeTag(1 + rng.Intn(r.cfg.Load.Types))
	key := "key-" + strconv.Itoa(rng.Intn(r.cfg.Load.Keys))
	if rng.Intn(10) == 0 {
		return replication.NewDelete(seq, typ, key)
	}
	rng.Read(value)
	u := replication.NewUpdate(seq, typ, key, append([]byte(nil), value...))
	if typ == core.TypeLogicalClock && r.cfg.Load.Fanout > 1 {
		u = u.WithFanout(r.cfg.Load.Fanout)
	}
	return u
}

// commit plays the quorum: acknowledgements are released from a
// reordering window and committed on the primary.
func (r *loadRun) commit() error {
	window := replication.NewAckWindow(r.cfg.Load.AckWindow, r.cfg.Load.Seed)
	for seq := range r.acks {
		if released, ok := window.Push(seq); ok {
			if err := r.primary.CommitUpdate(released); err != nil {
				return fmt.Errorf("commit %d: %w", released, err)
			}
		}
	}
	for _, seq := range window.Flush() {
		if err := r.primary.CommitUpdate(seq); err != nil {
			return fmt.Errorf("commit %d: %w", seq, err)
		}
	}
	return nil
}

// replicate bootstraps the secondary from a checkpoint once warmup has
// passed and then applies every later unit once the primary committed it.
func (r *loadRun) replicate(ctx context.Context, warmup time.Duration) error {
	var backlog []replication.Unit
	timer := time.NewTimer(warmup)
	defer timer.Stop()
	open := true
warm:
	for {
		select {
		case u, ok := <-r.log:
			if !ok {
				open = false
				break warm
			}
			backlog = append(backlog, u)
		case <-timer.C:
			break warm
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(backlog) > 0 {
		if err := r.primary.WaitForCommitted(ctx, backlog[0].Sequence); err != nil {
			return err
		}
	}
	applier, err := r.bootstrap(ctx)
	if err != nil {
		return err
	}

	apply := func(u replication.Unit) error {
		if u.Sequence <= applier.LastApplied() {
			return nil
		}
		if err := r.primary.WaitForCommitted(ctx, u.Sequence); err != nil {
			return err
		}
		return applier.ApplyOperation(ctx, replication.ApplyOp(u))
	}
	for _, u := range backlog {
		if err := apply(u); err != nil {
			return err
		}
	}
	backlog = nil
	for open {
		select {
		case u, ok := <-r.log:
			if !ok {
				open = false
				continue
			}
			if err := apply(u); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.replicated = applier.Processed()
	return nil
}

func (r *loadRun) bootstrap(ctx context.Context) (*replication.Applier, error) {
	hm := hooks.NewHookManager(r.logger)
	alerter := listeners.NewProtocolAlerterListener(r.logger)
	hm.Register(hooks.EventOnProtocolViolation, alerter)
	hm.Register(hooks.EventPostCheckpointRestore, hooks.ListenerFunc{Fn: func(ctx context.Context, event hooks.HookEvent) error {
		p := event.Payload().(hooks.CheckpointPayload)
		r.logger.Info("Secondary restored from checkpoint", "stream_id", p.StreamID, "sequence", p.Sequence, "records", p.Records, "blocks", p.Blocks)
		return nil
	}})

	secondary, err := statetable.New(statetable.Options{
		Shards:      r.cfg.Table.Shards,
		Logger:      r.logger.With("role", "secondary"),
		Tracer:      r.tracer,
		HookManager: hm,
	})
	if err != nil {
		return nil, fmt.Errorf("create secondary table: %w", err)
	}
	secondary.PublishMetrics("statetable_secondary")
	r.secondary = secondary
	r.hooks = append(r.hooks, hm)
	if r.metrics != nil {
		r.metrics.AddTable("secondary", secondary)
	}

	watermark := r.primary.CommittedSequence()
	if watermark == core.SequenceNone {
		return replication.NewApplier(secondary, r.logger, replication.WithContiguousApply()), nil
	}

	compression, err := core.ParseCompressionType(r.cfg.Checkpoint.Compression)
	if err != nil {
		return nil, err
	}
	snap, err := r.primary.GetShallowCopiesEnumerator(watermark)
	if err != nil {
		return nil, fmt.Errorf("snapshot primary at %d: %w", watermark, err)
	}
	defer snap.Close()

	opts := checkpoint.Options{
		Compression:    compression,
		BlockSizeBytes: r.cfg.Checkpoint.BlockSizeBytes,
		Logger:         r.logger,
		Tracer:         r.tracer,
		HookManager:    hm,
	}
	var buf bytes.Buffer
	written, err := checkpoint.Write(ctx, &buf, snap, opts)
	if err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	r.ckptRecords = written.Records
	r.ckptBytes = buf.Len()
	if _, err := checkpoint.Restore(ctx, &buf, secondary, opts); err != nil {
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}
	return replication.NewApplier(secondary, r.logger, replication.WithContiguousApply(), replication.WithStartSequence(watermark)), nil
}

func (r *loadRun) read(ctx context.Context, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		typ := core.TypeTag(1 + rng.Intn(r.cfg.Load.Types))
		key := "key-" + strconv.Itoa(rng.Intn(r.cfg.Load.Keys))
		mode := statetable.ReadCommitted
		if rng.Intn(2) == 0 {
			mode = statetable.ReadKnown
		}
		r.primary.TryGetCurrentValue(typ, key, mode)
		r.reads.Add(1)
	}
}

func (r *loadRun) compact(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.compacted.Add(int64(r.primary.Compact(r.primary.CommittedSequence())))
		}
	}
}

// verify compares the committed state of both tables.
func (r *loadRun) verify() (report, error) {
	rep := report{
		Units:             r.units.Load(),
		Batches:           r.batches.Load(),
		Reads:             r.reads.Load(),
		Compacted:         r.compacted.Load(),
		CommittedSequence: r.primary.CommittedSequence(),
		Primary:           r.primary.Counts(),
		CheckpointRecords: r.ckptRecords,
		CheckpointBytes:   r.ckptBytes,
		Replicated:        r.replicated,
		Holdback:          r.primary.Stats(),
	}
	if rep.CommittedSequence != r.primary.KnownSequence() {
		return rep, fmt.Errorf("primary watermark %d stopped short of %d", rep.CommittedSequence, r.primary.KnownSequence())
	}
	if r.secondary == nil {
		return rep, errors.New("secondary was never bootstrapped")
	}
	rep.Secondary = r.secondary.Counts()
	if rep.CommittedSequence == core.SequenceNone {
		rep.Converged = rep.Secondary == statetable.Counts{}
		return rep, nil
	}

	want, err := records(r.primary, rep.CommittedSequence)
	if err != nil {
		return rep, err
	}
	got, err := records(r.secondary, rep.CommittedSequence)
	if err != nil {
		return rep, err
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return rep, fmt.Errorf("secondary diverged from primary (-primary +secondary):\n%s", diff)
	}
	if rep.Primary.Committed != rep.Secondary.Committed {
		return rep, fmt.Errorf("committed count %d on primary, %d on secondary", rep.Primary.Committed, rep.Secondary.Committed)
	}
	rep.Converged = true
	return rep, nil
}

func records(t *statetable.Table, bound int64) ([]statetable.Record, error) {
	snap, err := t.GetShallowCopiesEnumerator(bound)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	out := make([]statetable.Record, 0, snap.Len())
	snap.Range(func(rec statetable.Record) bool {
		out = append(out, rec)
		return true
	})
	return out, nil
}

func (r *loadRun) close() {
	if r.metrics != nil {
		r.metrics.RemoveTable(r.primary.ID())
		if r.secondary != nil {
			r.metrics.RemoveTable(r.secondary.ID())
		}
	}
	if err := r.primary.Close(); err != nil {
		r.logger.Warn("Closing primary table failed", "error", err)
	}
	if r.secondary != nil {
		if err := r.secondary.Close(); err != nil {
			r.logger.Warn("Closing secondary table failed", "error", err)
		}
	}
	for _, hm := range r.hooks {
		hm.Stop()
	}
}
