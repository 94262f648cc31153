package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sidkik/livesync/pkg/errors"
)

const (
	// MaxChunkSize is the largest payload a chunk can carry, before
	// compression.
	MaxChunkSize = 1 << 20

	// compressThreshold is the smallest payload worth compressing.
	compressThreshold = 1 << 10

	chunkHeaderSize = 4
	compressedFlag  = uint32(1) << 31
	lengthMask      = compressedFlag - 1
)

// ChunkWriter splits a byte stream into chunks of at most MaxChunkSize
// bytes. Each chunk is written as a 4 byte little-endian header, whose low 31
// bits are the payload length and whose high bit marks a compressed payload,
// followed by the payload. Data is buffered until the chunk fills up or Flush
// is called.
type ChunkWriter struct {
	w          io.Writer
	compressor Compressor
	stats      *counters

	buf   []byte
	frame []byte
}

// NewChunkWriter returns a ChunkWriter that writes to w. A nil compressor
// disables compression.
func NewChunkWriter(w io.Writer, compressor Compressor) *ChunkWriter {
	return &ChunkWriter{
		w:          w,
		compressor: compressor,
		buf:        make([]byte, 0, MaxChunkSize),
	}
}

func (cw *ChunkWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		n := MaxChunkSize - len(cw.buf)
		if n > len(p) {
			n = len(p)
		}
		cw.buf = append(cw.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(cw.buf) == MaxChunkSize {
			if err := cw.writeChunk(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush writes any buffered data as a chunk.
func (cw *ChunkWriter) Flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	return cw.writeChunk()
}

func (cw *ChunkWriter) writeChunk() error {
	cw.frame = append(cw.frame[:0], 0, 0, 0, 0)
	header := uint32(len(cw.buf))

	compressed := false
	if cw.compressor != nil && len(cw.buf) >= compressThreshold {
		cw.frame = cw.compressor.Compress(cw.frame, cw.buf)
		// Only keep the compressed payload if it's actually smaller.
		if payloadLen := len(cw.frame) - chunkHeaderSize; payloadLen < len(cw.buf) {
			header = uint32(payloadLen) | compressedFlag
			compressed = true
		}
	}

	if !compressed {
		cw.frame = append(cw.frame[:chunkHeaderSize], cw.buf...)
	}
	binary.LittleEndian.PutUint32(cw.frame, header)

	if _, err := cw.w.Write(cw.frame); err != nil {
		return errors.WithContext(err, "write chunk")
	}
	cw.stats.wrote(len(cw.buf), len(cw.frame))
	cw.buf = cw.buf[:0]
	return nil
}

// ChunkReader reassembles the byte stream written by a ChunkWriter,
// decompressing chunks as necessary.
type ChunkReader struct {
	r          io.Reader
	compressor Compressor
	stats      *counters

	raw   []byte
	plain []byte
	data  []byte
}

// NewChunkReader returns a ChunkReader that reads from r. The compressor
// must be non-nil if the peer may send compressed chunks.
func NewChunkReader(r io.Reader, compressor Compressor) *ChunkReader {
	return &ChunkReader{r: r, compressor: compressor}
}

func (cr *ChunkReader) Read(p []byte) (int, error) {
	for len(cr.data) == 0 {
		if err := cr.readChunk(); err != nil {
			return 0, err
		}
	}

	n := copy(p, cr.data)
	cr.data = cr.data[n:]
	return n, nil
}

func (cr *ChunkReader) readChunk() error {
	var header [chunkHeaderSize]byte
	if _, err := io.ReadFull(cr.r, header[:]); err != nil {
		// A clean io.EOF here means the peer closed the stream between
		// chunks.
		return err
	}

	h := binary.LittleEndian.Uint32(header[:])
	length := int(h & lengthMask)
	if length > MaxChunkSize {
		return fmt.Errorf("chunk length %d exceeds maximum %d", length, MaxChunkSize)
	}

	if cap(cr.raw) < length {
		cr.raw = make([]byte, length)
	}
	cr.raw = cr.raw[:length]
	if _, err := io.ReadFull(cr.r, cr.raw); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.WithContext(err, "read chunk")
	}

	if h&compressedFlag == 0 {
		cr.data = cr.raw
		cr.stats.read(length, length+chunkHeaderSize)
		return nil
	}

	if cr.compressor == nil {
		return errors.New("received compressed chunk without a compressor")
	}

	plain, err := cr.compressor.Decompress(cr.plain[:0], cr.raw)
	if err != nil {
		return errors.WithContext(err, "decompress chunk")
	}
	if len(plain) > MaxChunkSize {
		return fmt.Errorf("decompressed chunk length %d exceeds maximum %d",
			len(plain), MaxChunkSize)
	}
	cr.plain = plain
	cr.data = plain
	cr.stats.read(len(plain), length+chunkHeaderSize)
	return nil
}
