package wire

import (
	"io"

	"github.com/sidkik/livesync/pkg/errors"
)

// Conn exchanges packets over a pair of byte streams. A Conn is used by one
// goroutine at a time, except for Stats which may be called concurrently.
type Conn struct {
	writer *ChunkWriter
	enc    *Encoder
	dec    *Decoder
	stats  *counters
}

// NewConn returns a Conn that reads packets from r and writes them to w.
func NewConn(r io.Reader, w io.Writer, compressor Compressor) *Conn {
	stats := &counters{}

	reader := NewChunkReader(r, compressor)
	reader.stats = stats
	writer := NewChunkWriter(w, compressor)
	writer.stats = stats

	return &Conn{
		writer: writer,
		enc:    NewEncoder(writer),
		dec:    NewDecoder(reader),
		stats:  stats,
	}
}

// Send writes p and flushes it to the peer.
func (c *Conn) Send(p Packet) error {
	if err := WritePacket(c.enc, p); err != nil {
		return errors.WithContext(err, "write "+p.Type().String())
	}
	if err := c.writer.Flush(); err != nil {
		return errors.WithContext(err, "flush")
	}
	return nil
}

// Receive reads the next packet. It returns io.EOF if the peer closed the
// stream cleanly between packets.
func (c *Conn) Receive() (Packet, error) {
	p, err := ReadPacket(c.dec)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.WithContext(err, "read packet")
	}
	return p, nil
}

// SendCommand sends req and waits for the reply. An ErrorResponse from the
// peer is returned as an errors.RemoteError.
func (c *Conn) SendCommand(req Packet) (Packet, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}

	reply, err := c.Receive()
	if err == io.EOF {
		return nil, errors.WithContext(io.ErrUnexpectedEOF, "read reply")
	} else if err != nil {
		return nil, err
	}

	if errResp, ok := reply.(*ErrorResponse); ok {
		return nil, errors.RemoteError{
			Message:     errResp.Message,
			Recoverable: errResp.Recoverable,
			NeedToWait:  errResp.NeedToWait,
		}
	}
	return reply, nil
}

// Stats returns the number of bytes transferred so far.
func (c *Conn) Stats() Stats {
	return c.stats.snapshot()
}
