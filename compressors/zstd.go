package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/nexusstate/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor compresses blocks with Zstandard. Encoders are pooled;
// a single decoder serves all blocks through its stateless DecodeAll.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoder     *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20), zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init error: %w", err)
	}
	c := &ZstdCompressor{decoder: dec}
	c.encoderPool.New = func() interface{} {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		return enc
	}
	return c, nil
}

func (c *ZstdCompressor) encoder() (*zstd.Encoder, error) {
	switch v := c.encoderPool.Get().(type) {
	case *zstd.Encoder:
		return v, nil
	case error:
		return nil, fmt.Errorf("zstd encoder init error: %w", v)
	default:
		return nil, fmt.Errorf("zstd encoder pool returned %T", v)
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, err := c.encoder()
	if err != nil {
		return nil, err
	}
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

// CompressTo compresses src into dst.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc, err := c.encoder()
	if err != nil {
		return err
	}
	defer c.encoderPool.Put(enc)

	dst.Reset()
	dst.Write(enc.EncodeAll(src, dst.AvailableBuffer()))
	return nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return newMemReadCloser(out), nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
