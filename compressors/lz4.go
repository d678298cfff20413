package compressors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/nexusstate/core"
	lz4 "github.com/pierrec/lz4/v4"
)

const (
	lz4Raw        byte = 0
	lz4Compressed byte = 1

	// maxLZ4BlockSize bounds the declared size of a block on decompression.
	maxLZ4BlockSize = 64 << 20
)

// LZ4Compressor compresses blocks with the LZ4 block format. The block
// format does not record the original length, so each block is prefixed
// with it as a uvarint, followed by a flag byte. Incompressible input is
// stored raw.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressTo compresses src into dst.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var hdr [binary.MaxVarintLen64 + 1]byte
	n := binary.PutUvarint(hdr[:], uint64(len(src)))

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	var compressor lz4.Compressor
	written, err := compressor.CompressBlock(src, block)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 || written >= len(src) {
		hdr[n] = lz4Raw
		dst.Write(hdr[:n+1])
		dst.Write(src)
		return nil
	}
	hdr[n] = lz4Compressed
	dst.Write(hdr[:n+1])
	dst.Write(block[:written])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || n >= len(data) {
		return nil, errors.New("lz4 decompress error: truncated block header")
	}
	if size > maxLZ4BlockSize {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d exceeds limit", size)
	}
	flag, payload := data[n], data[n+1:]

	switch flag {
	case lz4Raw:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block has %d bytes, want %d", len(payload), size)
		}
		return newMemReadCloser(payload), nil
	case lz4Compressed:
		out := make([]byte, size)
		got, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(got) != size {
			return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", got, size)
		}
		return newMemReadCloser(out), nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block flag %d", flag)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
