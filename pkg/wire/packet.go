package wire

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync"
)

// Type identifies the kind of a packet on the wire.
type Type int16

const (
	TypeError        Type = 0
	TypeInitRequest  Type = 1
	TypeInitResponse Type = 2
	TypeScanRequest  Type = 3
	TypeScanResponse Type = 4
	TypeApplyRequest Type = 5
	TypeApplyResponse Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeError:
		return "ErrorResponse"
	case TypeInitRequest:
		return "InitRequest"
	case TypeInitResponse:
		return "InitResponse"
	case TypeScanRequest:
		return "ScanRequest"
	case TypeScanResponse:
		return "ScanResponse"
	case TypeApplyRequest:
		return "ApplyRequest"
	case TypeApplyResponse:
		return "ApplyResponse"
	default:
		return fmt.Sprintf("Type(%d)", int16(t))
	}
}

// Packet is a message of the sync protocol.
type Packet interface {
	Type() Type
	encode(e *Encoder) error
}

// UnknownPacketError is returned when a packet's type tag isn't registered.
// The stream can't be resynchronized after one.
type UnknownPacketError struct {
	Type Type
}

func (err UnknownPacketError) Error() string {
	return fmt.Sprintf("unknown packet type %d", int16(err.Type))
}

// decoders maps each type tag to a function that decodes a fresh packet of
// that type.
var decoders = map[Type]func(d *Decoder) (Packet, error){
	TypeError:         decodeErrorResponse,
	TypeInitRequest:   decodeInitRequest,
	TypeInitResponse:  decodeInitResponse,
	TypeScanRequest:   decodeScanRequest,
	TypeScanResponse:  decodeScanResponse,
	TypeApplyRequest:  decodeApplyRequest,
	TypeApplyResponse: decodeApplyResponse,
}

// WritePacket writes the type tag and body of p.
func WritePacket(e *Encoder, p Packet) error {
	e.PutInt16(int16(p.Type()))
	if err := p.encode(e); err != nil {
		return err
	}
	return e.Err()
}

// ReadPacket decodes the next packet. An *ApplyRequest is returned before
// its changes are read, and must be consumed before the next call.
func ReadPacket(d *Decoder) (Packet, error) {
	t := Type(d.Int16())
	if err := d.Err(); err != nil {
		return nil, err
	}

	decode, ok := decoders[t]
	if !ok {
		return nil, UnknownPacketError{t}
	}

	p, err := decode(d)
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("decode %s", t))
	}
	return p, nil
}

// ErrorResponse reports that the destination couldn't handle a request.
type ErrorResponse struct {
	Message string

	// Recoverable is false if retrying the same session is pointless.
	Recoverable bool

	// NeedToWait asks the source to back off before retrying.
	NeedToWait bool
}

func (*ErrorResponse) Type() Type { return TypeError }

func (r *ErrorResponse) encode(e *Encoder) error {
	e.PutString(r.Message)
	e.PutBool(r.Recoverable)
	e.PutBool(r.NeedToWait)
	return e.Err()
}

func decodeErrorResponse(d *Decoder) (Packet, error) {
	r := &ErrorResponse{
		Message:     d.Str(),
		Recoverable: d.Bool(),
		NeedToWait:  d.Bool(),
	}
	return r, d.Err()
}

// InitRequest sets the destination root and exclusion masks of a session.
type InitRequest struct {
	Root     string
	Excludes []string

	// Version is the software version of the source.
	Version string
}

func (*InitRequest) Type() Type { return TypeInitRequest }

func (r *InitRequest) encode(e *Encoder) error {
	e.PutString(r.Root)
	e.PutInt32(int32(len(r.Excludes)))
	for _, mask := range r.Excludes {
		e.PutString(mask)
	}
	e.PutString(r.Version)
	return e.Err()
}

func decodeInitRequest(d *Decoder) (Packet, error) {
	r := &InitRequest{Root: d.Str()}
	n := d.Int32()
	if d.Err() == nil && (n < 0 || n > maxStringLength) {
		return nil, fmt.Errorf("invalid exclude count %d", n)
	}
	for i := int32(0); i < n && d.Err() == nil; i++ {
		r.Excludes = append(r.Excludes, d.Str())
	}
	r.Version = d.Str()
	return r, d.Err()
}

// InitResponse acknowledges an InitRequest.
type InitResponse struct {
	// Version is the software version of the destination.
	Version string
}

func (*InitResponse) Type() Type { return TypeInitResponse }

func (r *InitResponse) encode(e *Encoder) error {
	e.PutString(r.Version)
	return e.Err()
}

func decodeInitResponse(d *Decoder) (Packet, error) {
	r := &InitResponse{Version: d.Str()}
	return r, d.Err()
}

// ScanRequest asks for a listing of the destination tree.
type ScanRequest struct{}

func (*ScanRequest) Type() Type { return TypeScanRequest }

func (*ScanRequest) encode(e *Encoder) error {
	return e.Err()
}

func decodeScanRequest(*Decoder) (Packet, error) {
	return &ScanRequest{}, nil
}

const (
	recordEnd   = byte(0)
	recordEntry = byte(1)
)

// ScanResponse lists the destination tree. Each entry is sent as its own
// record followed by an end record, so the sender doesn't need to know the
// size of the listing up front.
type ScanResponse struct {
	// Entries holds the decoded listing.
	Entries []sync.Entry

	// Walk, if set, produces the entries to send in place of Entries.
	Walk func(visit func(sync.Entry) error) error
}

func (*ScanResponse) Type() Type { return TypeScanResponse }

func (r *ScanResponse) encode(e *Encoder) error {
	visit := func(entry sync.Entry) error {
		e.PutByte(recordEntry)
		e.PutEntry(entry)
		return e.Err()
	}

	var walkErr error
	if r.Walk != nil {
		walkErr = r.Walk(visit)
	} else {
		for _, entry := range r.Entries {
			if walkErr = visit(entry); walkErr != nil {
				break
			}
		}
	}

	e.PutByte(recordEnd)
	if err := e.Err(); err != nil {
		return err
	}
	return walkErr
}

func decodeScanResponse(d *Decoder) (Packet, error) {
	r := &ScanResponse{}
	for {
		switch tag := d.Byte(); {
		case d.Err() != nil:
			return nil, d.Err()
		case tag == recordEnd:
			return r, nil
		case tag == recordEntry:
			entry := d.Entry()
			if err := d.Err(); err != nil {
				return nil, err
			}
			r.Entries = append(r.Entries, entry)
		default:
			return nil, fmt.Errorf("invalid scan record tag %d", tag)
		}
	}
}

// BodySource opens the contents of files named in an ApplyRequest.
type BodySource interface {
	Open(path string) (io.ReadCloser, error)
}

// BodySourceFunc adapts a function to a BodySource.
type BodySourceFunc func(path string) (io.ReadCloser, error)

func (f BodySourceFunc) Open(path string) (io.ReadCloser, error) {
	return f(path)
}

// ApplyRequest carries a batch of resolved changes. Changes to files are
// followed by the file's contents.
//
// On the sending side, Changes and Bodies are set by the caller. On the
// receiving side, the changes are read incrementally with Next, so that file
// contents can be streamed to disk rather than held in memory.
type ApplyRequest struct {
	Changes []sync.ResolvedChange
	Bodies  BodySource

	dec         *Decoder
	remaining   int
	bodyPending bool
}

func (*ApplyRequest) Type() Type { return TypeApplyRequest }

func (r *ApplyRequest) encode(e *Encoder) error {
	e.PutInt32(int32(len(r.Changes)))
	for _, c := range r.Changes {
		switch c.Kind {
		case sync.KindChange, sync.KindRemove, sync.KindRename:
		default:
			return fmt.Errorf("invalid change kind %s", c.Kind)
		}

		e.PutByte(byte(c.Kind))
		e.PutEntry(c.Entry)
		if c.Kind == sync.KindRename {
			e.PutEntry(c.Prior)
		}
		if c.Kind == sync.KindChange && !c.Entry.IsDir() {
			r.writeBody(e, c.Entry)
		}

		if err := e.Err(); err != nil {
			return err
		}
	}
	return e.Err()
}

func (r *ApplyRequest) writeBody(e *Encoder, entry sync.Entry) {
	if r.Bodies == nil {
		AbortBody(e)
		return
	}

	f, err := r.Bodies.Open(entry.Path)
	if err != nil {
		log.WithError(err).WithField("path", entry.Path).Debug("Failed to open file for sending")
		AbortBody(e)
		return
	}
	defer f.Close()

	if err := WriteBody(e, f, entry.Size); err != nil {
		log.WithError(err).WithField("path", entry.Path).Debug("Aborted file transfer")
	}
}

func decodeApplyRequest(d *Decoder) (Packet, error) {
	n := d.Int32()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid change count %d", n)
	}
	return &ApplyRequest{dec: d, remaining: int(n)}, nil
}

// Len returns the number of changes in a received request that haven't been
// read yet.
func (r *ApplyRequest) Len() int {
	return r.remaining
}

// Next reads the next change of a received request, returning io.EOF once
// all changes have been read. If the previous change had a body that wasn't
// read, it's discarded.
func (r *ApplyRequest) Next() (sync.ResolvedChange, error) {
	if err := r.skipBody(); err != nil {
		return sync.ResolvedChange{}, err
	}
	if r.remaining == 0 {
		return sync.ResolvedChange{}, io.EOF
	}

	d := r.dec
	c := sync.ResolvedChange{Kind: sync.ChangeKind(d.Byte())}
	if err := d.Err(); err != nil {
		return sync.ResolvedChange{}, err
	}
	switch c.Kind {
	case sync.KindChange, sync.KindRemove, sync.KindRename:
	default:
		return sync.ResolvedChange{}, fmt.Errorf("invalid change kind %d", c.Kind)
	}

	c.Entry = d.Entry()
	if c.Kind == sync.KindRename {
		c.Prior = d.Entry()
	}
	if err := d.Err(); err != nil {
		return sync.ResolvedChange{}, err
	}

	r.remaining--
	r.bodyPending = c.Kind == sync.KindChange && !c.Entry.IsDir()
	return c, nil
}

// ReadBody copies the contents of the file returned by the last call to Next
// into w. See the package level ReadBody for the error semantics.
func (r *ApplyRequest) ReadBody(w io.Writer) (int64, error) {
	if !r.bodyPending {
		return 0, errors.New("no file body pending")
	}
	r.bodyPending = false
	return ReadBody(r.dec, w)
}

// Err returns the protocol fault that interrupted reading a received
// request, if any. The stream can't be used after one.
func (r *ApplyRequest) Err() error {
	if r.dec == nil {
		return nil
	}
	return r.dec.Err()
}

// Drain consumes the rest of a received request.
func (r *ApplyRequest) Drain() error {
	for {
		if _, err := r.Next(); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (r *ApplyRequest) skipBody() error {
	if !r.bodyPending {
		return nil
	}
	r.bodyPending = false
	return DiscardBody(r.dec)
}

// ApplyResponse carries the outcome of each change in an ApplyRequest, in
// request order.
type ApplyResponse struct {
	Results []sync.Result
}

func (*ApplyResponse) Type() Type { return TypeApplyResponse }

func (r *ApplyResponse) encode(e *Encoder) error {
	for _, result := range r.Results {
		e.PutByte(byte(result.Kind))
		e.PutString(result.Path)
		e.PutByte(byte(result.Code))
		if result.Code != sync.ResultOK {
			e.PutString(result.Message)
		}
	}
	e.PutByte(byte(sync.KindEnd))
	return e.Err()
}

func decodeApplyResponse(d *Decoder) (Packet, error) {
	r := &ApplyResponse{}
	for {
		kind := sync.ChangeKind(d.Byte())
		if err := d.Err(); err != nil {
			return nil, err
		}
		if kind == sync.KindEnd {
			return r, nil
		}

		result := sync.Result{
			Kind: kind,
			Path: d.Str(),
			Code: sync.ResultCode(d.Byte()),
		}
		if d.Err() == nil && result.Code != sync.ResultOK {
			result.Message = d.Str()
		}
		if err := d.Err(); err != nil {
			return nil, err
		}
		r.Results = append(r.Results, result)
	}
}
