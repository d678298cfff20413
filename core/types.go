package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

// TypeTag partitions the key space of a state table. The same key under
// two different tags names two independent entries.
type TypeTag uint8

const (
	// TypeEntityState holds the primary per-entity state of a service.
	TypeEntityState TypeTag = 1
	// TypeLogicalClock holds logical clock values.
	TypeLogicalClock TypeTag = 2
	// TypeScheduledCallback holds scheduled callback descriptors.
	TypeScheduledCallback TypeTag = 3
)

// String returns the string representation of the TypeTag.
func (t TypeTag) String() string {
	switch t {
	case TypeEntityState:
		return "entity_state"
	case TypeLogicalClock:
		return "logical_clock"
	case TypeScheduledCallback:
		return "scheduled_callback"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseTypeTag resolves a tag name produced by TypeTag.String.
func ParseTypeTag(s string) (TypeTag, error) {
	switch s {
	case "entity_state":
		return TypeEntityState, nil
	case "logical_clock":
		return TypeLogicalClock, nil
	case "scheduled_callback":
		return TypeScheduledCallback, nil
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "type(%d)", &n); err != nil || n == 0 {
		return 0, &ValidationError{Field: "type", Value: s, Message: "unknown type tag"}
	}
	return TypeTag(n), nil
}

const (
	// SequenceNone is the sequence number of a table that has seen nothing.
	SequenceNone int64 = 0
	// SequenceMax requests a snapshot of everything currently known,
	// including versions that are prepared but not yet committed.
	SequenceMax int64 = math.MaxInt64
)

// CompressionType identifies the compression algorithm used for a
// checkpoint block. It is written into the stream header.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for block compression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, resetting dst first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, &UnsupportedTypeError{Message: "compression " + s}
	}
}
