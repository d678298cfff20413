package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/nexusstate/core"
	"github.com/golang/snappy"
)

// SnappyCompressor compresses blocks with the Snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return newMemReadCloser(decompressed), nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

// CompressTo encodes src straight into dst's spare capacity.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	dst.Grow(snappy.MaxEncodedLen(len(src)))
	encoded := snappy.Encode(dst.AvailableBuffer()[:snappy.MaxEncodedLen(len(src))], src)
	dst.Write(encoded)
	return nil
}
