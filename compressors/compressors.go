package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexusstate/core"
)

// New returns the compressor for ct.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, &core.UnsupportedTypeError{Message: fmt.Sprintf("compression %d", byte(ct))}
	}
}

// memReadCloser serves fully decompressed blocks.
type memReadCloser struct {
	*bytes.Reader
}

func (m *memReadCloser) Close() error { return nil }

func newMemReadCloser(b []byte) *memReadCloser {
	return &memReadCloser{Reader: bytes.NewReader(b)}
}
