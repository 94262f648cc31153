package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync"
)

// maxStringLength bounds decoded strings so that a corrupt length prefix
// can't trigger a huge allocation.
const maxStringLength = 1 << 20

// Encoder writes the primitive types of the protocol. The first write error
// is sticky: later calls are no-ops, and the error is reported by Err.
type Encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first error encountered while encoding.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(p); err != nil {
		e.err = err
	}
}

func (e *Encoder) PutByte(v byte) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutByte(1)
	} else {
		e.PutByte(0)
	}
}

func (e *Encoder) PutInt16(v int16) {
	binary.LittleEndian.PutUint16(e.buf[:2], uint16(v))
	e.write(e.buf[:2])
}

func (e *Encoder) PutInt32(v int32) {
	binary.LittleEndian.PutUint32(e.buf[:4], uint32(v))
	e.write(e.buf[:4])
}

func (e *Encoder) PutInt64(v int64) {
	binary.LittleEndian.PutUint64(e.buf[:8], uint64(v))
	e.write(e.buf[:8])
}

// PutString writes s as an int32 byte count followed by its UTF-8 bytes.
func (e *Encoder) PutString(s string) {
	e.PutInt32(int32(len(s)))
	e.write([]byte(s))
}

// PutTime writes t as milliseconds since the Unix epoch.
func (e *Encoder) PutTime(t time.Time) {
	e.PutInt64(t.UnixMilli())
}

// PutBytes writes p without a length prefix.
func (e *Encoder) PutBytes(p []byte) {
	e.write(p)
}

// PutEntry writes the path, size and modification time of an entry.
func (e *Encoder) PutEntry(entry sync.Entry) {
	e.PutString(entry.Path)
	e.PutInt64(entry.Size)
	e.PutTime(entry.ModTime)
}

// Decoder reads the primitive types written by an Encoder. Like Encoder, its
// first error is sticky, and reads after an error return zero values.
type Decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Err returns the first error encountered while decoding.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) read(p []byte) bool {
	if d.err != nil {
		return false
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.err = err
		return false
	}
	return true
}

func (d *Decoder) Byte() byte {
	if !d.read(d.buf[:1]) {
		return 0
	}
	return d.buf[0]
}

func (d *Decoder) Bool() bool {
	switch v := d.Byte(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("invalid bool value %d", v))
		return false
	}
}

func (d *Decoder) Int16() int16 {
	if !d.read(d.buf[:2]) {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(d.buf[:2]))
}

func (d *Decoder) Int32() int32 {
	if !d.read(d.buf[:4]) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(d.buf[:4]))
}

func (d *Decoder) Int64() int64 {
	if !d.read(d.buf[:8]) {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(d.buf[:8]))
}

// Str reads a string written by PutString.
func (d *Decoder) Str() string {
	n := d.Int32()
	if d.err != nil {
		return ""
	}
	if n < 0 || n > maxStringLength {
		d.fail(fmt.Errorf("invalid string length %d", n))
		return ""
	}

	p := make([]byte, n)
	if !d.read(p) {
		return ""
	}
	if !utf8.Valid(p) {
		d.fail(errors.New("string is not valid UTF-8"))
		return ""
	}
	return string(p)
}

func (d *Decoder) Time() time.Time {
	ms := d.Int64()
	if d.err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ReadFull fills p from the underlying stream.
func (d *Decoder) ReadFull(p []byte) {
	d.read(p)
}

func (d *Decoder) Entry() sync.Entry {
	return sync.Entry{
		Path:    d.Str(),
		Size:    d.Int64(),
		ModTime: d.Time(),
	}
}
