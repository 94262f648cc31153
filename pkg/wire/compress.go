package wire

import (
	"github.com/klauspost/compress/zstd"

	"github.com/sidkik/livesync/pkg/errors"
)

// A Compressor compresses chunk payloads. Implementations must be safe for
// concurrent use, since each direction of a connection compresses
// independently.
type Compressor interface {
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) []byte

	// Decompress appends the decompressed form of src to dst.
	Decompress(dst, src []byte) ([]byte, error)
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor returns a Compressor using zstd at its fastest level.
// Speed matters more than ratio here since compression runs inline with
// the sync.
func NewZstdCompressor() (Compressor, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.WithContext(err, "create encoder")
	}

	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(2*MaxChunkSize))
	if err != nil {
		return nil, errors.WithContext(err, "create decoder")
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCompressor) Compress(dst, src []byte) []byte {
	return c.encoder.EncodeAll(src, dst)
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return c.decoder.DecodeAll(src, dst)
}
