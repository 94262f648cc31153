package wire

import (
	"fmt"
	"io"

	"github.com/sidkik/livesync/pkg/errors"
)

const (
	// MaxSegmentSize is the largest segment of a file body.
	MaxSegmentSize = 64 << 10

	bodyEnd   = int32(0)
	bodyAbort = int32(-1)
)

// ErrSenderAborted is returned by ReadBody when the sender gave up on the
// file partway through, for example because it changed while being read.
var ErrSenderAborted = errors.New("sender aborted file transfer")

// WriteBody streams exactly size bytes from r as a sequence of length
// prefixed segments followed by a zero terminator. If r yields fewer or more
// than size bytes, or fails, the stream is terminated with the abort marker
// instead and the cause is returned. Aborting doesn't break the framing, so
// such errors only affect this file. Write failures are reported through the
// encoder's sticky error.
func WriteBody(e *Encoder, r io.Reader, size int64) error {
	buf := make([]byte, MaxSegmentSize)
	var sent int64
	for sent < size && e.Err() == nil {
		want := size - sent
		if want > MaxSegmentSize {
			want = MaxSegmentSize
		}

		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			e.PutInt32(int32(n))
			e.PutBytes(buf[:n])
			sent += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			AbortBody(e)
			return errors.ErrFileChanged
		} else if err != nil {
			AbortBody(e)
			return errors.WithContext(err, "read")
		}
	}

	// The file must end exactly where it was declared to.
	if n, err := io.ReadFull(r, buf[:1]); n > 0 {
		AbortBody(e)
		return errors.ErrFileChanged
	} else if err != nil && err != io.EOF {
		AbortBody(e)
		return errors.WithContext(err, "read")
	}

	e.PutInt32(bodyEnd)
	return nil
}

// AbortBody terminates a body stream with the abort marker.
func AbortBody(e *Encoder) {
	e.PutInt32(bodyAbort)
}

// ReadBody copies a body stream into w, returning the number of bytes
// received. It returns ErrSenderAborted if the sender aborted. If writing to w
// fails, the rest of the body is still consumed so the stream stays aligned,
// and the write error is returned. Protocol faults are reported through the
// decoder's sticky error, and leave the stream unusable.
func ReadBody(d *Decoder, w io.Writer) (int64, error) {
	buf := make([]byte, MaxSegmentSize)
	var total int64
	var writeErr error
	for {
		n := d.Int32()
		if err := d.Err(); err != nil {
			return total, err
		}

		switch {
		case n == bodyEnd:
			return total, writeErr
		case n == bodyAbort:
			return total, ErrSenderAborted
		case n < 0 || n > MaxSegmentSize:
			d.fail(fmt.Errorf("invalid body segment length %d", n))
			return total, d.Err()
		}

		d.ReadFull(buf[:n])
		if err := d.Err(); err != nil {
			return total, err
		}
		total += int64(n)

		if writeErr == nil {
			if _, err := w.Write(buf[:n]); err != nil {
				writeErr = err
			}
		}
	}
}

// DiscardBody consumes a body stream without storing it.
func DiscardBody(d *Decoder) error {
	_, err := ReadBody(d, io.Discard)
	if err == ErrSenderAborted {
		return nil
	}
	return err
}
