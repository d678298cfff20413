// Package checkpoint streams a state table snapshot to a writer and
// rebuilds a table from such a stream. It is the state transfer path used
// to seed a secondary replica.
package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sort"

	"github.com/INLOpen/nexusstate/compressors"
	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/hooks"
	"github.com/INLOpen/nexusstate/replication"
	"github.com/INLOpen/nexusstate/statetable"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// MagicNumber opens every checkpoint stream ("NSTC").
	MagicNumber uint32 = 0x4354534E
	// FormatVersion is the version of the stream layout written by Write.
	FormatVersion uint16 = 1
	// DefaultBlockSizeBytes is the uncompressed size at which a block is flushed.
	DefaultBlockSizeBytes = 64 * 1024

	markerBlock   byte = 'B'
	markerTrailer byte = 'T'

	flagIncludesUncommitted byte = 1 << 0
	recordCommitted         byte = 1 << 0

	// maxBlockLen bounds the length of a block read from a stream.
	maxBlockLen = 256 << 20
)

// ErrCorrupted is returned when a stream fails validation.
var ErrCorrupted = errors.New("checkpoint stream is corrupted")

// Header is the fixed-size preamble of a stream.
type Header struct {
	Version             uint16
	Compression         core.CompressionType
	StreamID            uuid.UUID
	Sequence            int64 // commit watermark of the source snapshot
	IncludesUncommitted bool
}

// Options configures Write, Read and Restore.
type Options struct {
	Compression        core.CompressionType
	BlockSizeBytes     int
	IncludeUncommitted bool

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

func (o Options) withDefaults() Options {
	if o.BlockSizeBytes <= 0 {
		o.BlockSizeBytes = DefaultBlockSizeBytes
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("nexusstate/checkpoint")
	}
	return o
}

// Summary describes a stream that was written or read.
type Summary struct {
	StreamID    uuid.UUID
	Sequence    int64
	Records     int64
	Blocks      int
	Compression core.CompressionType
}

// Entry is one record read back from a stream.
type Entry struct {
	Unit      replication.Unit
	Committed bool
}

// Write streams the records of e to w. Pending records are skipped unless
// opts.IncludeUncommitted is set. The enumerator is consumed but not closed.
func Write(ctx context.Context, w io.Writer, e *statetable.Enumerator, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "CheckpointWriter")
	ctx, span := opts.Tracer.Start(ctx, "Checkpoint.Write")
	defer span.End()

	comp, err := compressors.New(opts.Compression)
	if err != nil {
		span.RecordError(err)
		return Summary{}, err
	}

	hdr := Header{
		Version:             FormatVersion,
		Compression:         opts.Compression,
		StreamID:            uuid.New(),
		Sequence:            e.Sequence(),
		IncludesUncommitted: opts.IncludeUncommitted,
	}
	sum := Summary{StreamID: hdr.StreamID, Sequence: hdr.Sequence, Compression: hdr.Compression}

	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, hdr); err != nil {
		return sum, fail(span, fmt.Errorf("failed to write checkpoint header: %w", err))
	}

	block := core.BufferPool.Get()
	defer core.BufferPool.Put(block)
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	flush := func() error {
		if block.Len() == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := comp.CompressTo(compressed, block.Bytes()); err != nil {
			return fmt.Errorf("failed to compress block: %w", err)
		}
		payload := compressed.Bytes()
		var frame [9]byte
		frame[0] = markerBlock
		binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
		binary.LittleEndian.PutUint32(frame[5:9], crc32.ChecksumIEEE(payload))
		if _, err := bw.Write(frame[:]); err != nil {
			return err
		}
		if _, err := bw.Write(payload); err != nil {
			return err
		}
		logger.Debug("Flushed checkpoint block", "uncompressed_len", block.Len(), "compressed_len", len(payload))
		sum.Blocks++
		block.Reset()
		return nil
	}

	for e.Next() {
		rec := e.At()
		if !rec.Committed && !opts.IncludeUncommitted {
			continue
		}
		appendRecord(block, rec)
		sum.Records++
		if block.Len() >= opts.BlockSizeBytes {
			if err := flush(); err != nil {
				return sum, fail(span, err)
			}
		}
	}
	if err := flush(); err != nil {
		return sum, fail(span, err)
	}

	var trailer [13]byte
	trailer[0] = markerTrailer
	binary.LittleEndian.PutUint64(trailer[1:9], uint64(sum.Records))
	binary.LittleEndian.PutUint32(trailer[9:13], uint32(sum.Blocks))
	if _, err := bw.Write(trailer[:]); err != nil {
		return sum, fail(span, fmt.Errorf("failed to write checkpoint trailer: %w", err))
	}
	if err := bw.Flush(); err != nil {
		return sum, fail(span, fmt.Errorf("failed to flush checkpoint stream: %w", err))
	}

	span.SetAttributes(
		attribute.String("checkpoint.stream_id", sum.StreamID.String()),
		attribute.Int64("checkpoint.records", sum.Records),
		attribute.Int("checkpoint.blocks", sum.Blocks),
		attribute.String("checkpoint.compression", sum.Compression.String()),
	)
	logger.Info("Checkpoint written", "stream_id", sum.StreamID, "sequence", sum.Sequence, "records", sum.Records, "blocks", sum.Blocks, "compression", sum.Compression)
	trigger(opts.HookManager, hooks.NewPostCheckpointWriteEvent(payloadOf(sum)))
	return sum, nil
}

// Read validates a stream and returns its header and records in stream
// order.
func Read(ctx context.Context, r io.Reader) (Header, []Entry, error) {
	br := bufio.NewReader(r)
	hdr, err := readHeader(br)
	if err != nil {
		return Header{}, nil, err
	}
	comp, err := compressors.New(hdr.Compression)
	if err != nil {
		return hdr, nil, err
	}

	var (
		entries []Entry
		blocks  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return hdr, nil, err
		}
		marker, err := br.ReadByte()
		if err != nil {
			return hdr, nil, fmt.Errorf("missing trailer: %w", ErrCorrupted)
		}
		switch marker {
		case markerBlock:
			decoded, err := readBlock(br, comp)
			if err != nil {
				return hdr, nil, fmt.Errorf("block %d: %w", blocks, err)
			}
			entries = append(entries, decoded...)
			blocks++
		case markerTrailer:
			var trailer [12]byte
			if _, err := io.ReadFull(br, trailer[:]); err != nil {
				return hdr, nil, fmt.Errorf("truncated trailer: %w", ErrCorrupted)
			}
			records := binary.LittleEndian.Uint64(trailer[0:8])
			wantBlocks := binary.LittleEndian.Uint32(trailer[8:12])
			if records != uint64(len(entries)) || int(wantBlocks) != blocks {
				return hdr, nil, fmt.Errorf("trailer reports %d records in %d blocks, read %d in %d: %w", records, wantBlocks, len(entries), blocks, ErrCorrupted)
			}
			return hdr, entries, nil
		default:
			return hdr, nil, fmt.Errorf("unexpected marker %q: %w", marker, ErrCorrupted)
		}
	}
}

// Restore reads a stream into t, which is normally a fresh table. Committed
// records are applied as one batch; pending records are then prepared in
// sequence order.
func Restore(ctx context.Context, r io.Reader, t *statetable.Table, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "CheckpointRestore")
	ctx, span := opts.Tracer.Start(ctx, "Checkpoint.Restore")
	defer span.End()

	hdr, entries, err := Read(ctx, r)
	if err != nil {
		return Summary{}, fail(span, err)
	}

	var committed, pending []replication.Unit
	for _, e := range entries {
		if e.Committed {
			committed = append(committed, e.Unit)
		} else {
			pending = append(pending, e.Unit)
		}
	}
	bySequence := func(units []replication.Unit) {
		sort.Slice(units, func(i, j int) bool { return units[i].Sequence < units[j].Sequence })
	}
	bySequence(committed)
	bySequence(pending)

	if err := t.ApplyBatch(committed); err != nil {
		return Summary{}, fail(span, fmt.Errorf("failed to apply committed records: %w", err))
	}
	for _, u := range pending {
		if err := t.PrepareUpdate(u); err != nil {
			return Summary{}, fail(span, fmt.Errorf("failed to prepare pending record: %w", err))
		}
	}

	sum := Summary{
		StreamID:    hdr.StreamID,
		Sequence:    hdr.Sequence,
		Records:     int64(len(entries)),
		Compression: hdr.Compression,
	}
	span.SetAttributes(attribute.Int64("checkpoint.records", sum.Records))
	logger.Info("Checkpoint restored", "stream_id", sum.StreamID, "sequence", sum.Sequence, "committed", len(committed), "pending", len(pending))
	trigger(opts.HookManager, hooks.NewPostCheckpointRestoreEvent(payloadOf(sum)))
	return sum, nil
}

func writeHeader(w io.Writer, h Header) error {
	var flags byte
	if h.IncludesUncommitted {
		flags |= flagIncludesUncommitted
	}
	fields := []interface{}{MagicNumber, h.Version, byte(h.Compression), h.StreamID, h.Sequence, flags}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func readHeader(r io.Reader) (Header, error) {
	var (
		magic uint32
		h     Header
		comp  byte
		flags byte
	)
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return h, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != MagicNumber {
		return h, fmt.Errorf("invalid checkpoint magic number: got %x, want %x: %w", magic, MagicNumber, ErrCorrupted)
	}
	for _, f := range []interface{}{&h.Version, &comp, &h.StreamID, &h.Sequence, &flags} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return h, fmt.Errorf("truncated checkpoint header: %w", ErrCorrupted)
		}
	}
	if h.Version != FormatVersion {
		return h, &core.UnsupportedTypeError{Message: fmt.Sprintf("checkpoint format version %d", h.Version)}
	}
	h.Compression = core.CompressionType(comp)
	h.IncludesUncommitted = flags&flagIncludesUncommitted != 0
	return h, nil
}

func readBlock(r io.Reader, comp core.Compressor) ([]Entry, error) {
	var frame [8]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, fmt.Errorf("truncated block header: %w", ErrCorrupted)
	}
	length := binary.LittleEndian.Uint32(frame[0:4])
	stored := binary.LittleEndian.Uint32(frame[4:8])
	if length > maxBlockLen {
		return nil, fmt.Errorf("block length %d exceeds limit: %w", length, ErrCorrupted)
	}
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	buf.Grow(int(length))
	payload := buf.AvailableBuffer()[:length]
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated block payload: %w", ErrCorrupted)
	}
	if crc32.ChecksumIEEE(payload) != stored {
		return nil, fmt.Errorf("checksum mismatch: %w", ErrCorrupted)
	}

	rc, err := comp.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupted)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrCorrupted)
	}
	return decodeRecords(raw)
}

// appendRecord encodes one record as
// [type][flags][seq varint][weight uvarint][key len uvarint][key][value len uvarint][value].
func appendRecord(buf *bytes.Buffer, rec statetable.Record) {
	var flags byte
	if rec.Committed {
		flags |= recordCommitted
	}
	buf.WriteByte(byte(rec.Type))
	buf.WriteByte(flags)
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutVarint(tmp[:], rec.Sequence)])
	buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(rec.Weight))])
	buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(rec.Key)))])
	buf.WriteString(rec.Key)
	buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(rec.Value)))])
	buf.Write(rec.Value)
}

func decodeRecords(raw []byte) ([]Entry, error) {
	r := bytes.NewReader(raw)
	var out []Entry
	for r.Len() > 0 {
		typ, err := r.ReadByte()
		if err != nil {
			return nil, ErrCorrupted
		}
		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated record: %w", ErrCorrupted)
		}
		seq, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("bad record sequence: %w", ErrCorrupted)
		}
		weight, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("bad record weight: %w", ErrCorrupted)
		}
		key, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		value, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		u := replication.NewUpdate(seq, core.TypeTag(typ), string(key), value)
		if weight > 1 {
			u = u.WithFanout(int(weight))
		}
		out = append(out, Entry{Unit: u, Committed: flags&recordCommitted != 0})
	}
	return out, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil || n > uint64(r.Len()) {
		return nil, fmt.Errorf("bad record length: %w", ErrCorrupted)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, _ = io.ReadFull(r, b)
	return b, nil
}

func payloadOf(s Summary) hooks.CheckpointPayload {
	return hooks.CheckpointPayload{
		StreamID:    s.StreamID.String(),
		Sequence:    s.Sequence,
		Records:     s.Records,
		Blocks:      s.Blocks,
		Compression: s.Compression.String(),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func trigger(hm hooks.HookManager, event hooks.HookEvent) {
	if hm == nil {
		return
	}
	_ = hm.Trigger(context.Background(), event)
}
