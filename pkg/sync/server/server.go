package server

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
	"github.com/sidkik/livesync/pkg/sync"
	"github.com/sidkik/livesync/pkg/version"
	"github.com/sidkik/livesync/pkg/wire"
)

// TempSuffix ends the names of the temporary files that are written before
// being renamed into place. Paths with this suffix should never be synced.
const TempSuffix = ".livesync-tmp"

// Variables mocked for unit testing.
var (
	fs         = afero.NewOsFs()
	newTempID  = uuid.NewString
	getVersion = func() string { return version.Version }
)

type server struct {
	conn   *wire.Conn
	engine *Engine
}

// Serve answers sync requests read from r, writing replies to w, until the
// source closes the stream or ctx is cancelled. It returns nil if the source
// disconnected cleanly between requests. Any other error means the stream is
// no longer usable.
func Serve(ctx context.Context, r io.Reader, w io.Writer, compressor wire.Compressor) error {
	s := &server{conn: wire.NewConn(r, w, compressor)}
	defer func() {
		stats := s.conn.Stats()
		log.WithFields(log.Fields{
			"received": humanBytes(stats.ReceivedRaw),
			"sent":     humanBytes(stats.SentRaw),
		}).Debug("Sync session finished")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		req, err := s.conn.Receive()
		if err == io.EOF {
			log.Info("Source disconnected")
			return nil
		}
		if err != nil {
			return errors.WithContext(err, "receive")
		}

		reply, err := s.handle(ctx, req)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("handle %s", req.Type()))
		}

		if err := s.conn.Send(reply); err != nil {
			return errors.WithContext(err, "reply")
		}
	}
}

// handle returns the reply to req. Errors are fatal to the session.
func (s *server) handle(ctx context.Context, req wire.Packet) (wire.Packet, error) {
	switch req := req.(type) {
	case *wire.InitRequest:
		return s.init(req), nil

	case *wire.ScanRequest:
		if s.engine == nil {
			return notInitialized(), nil
		}
		return s.engine.Scan(ctx), nil

	case *wire.ApplyRequest:
		if s.engine == nil {
			// The request still has to be read so that the next one can be.
			if err := req.Drain(); err != nil {
				return nil, errors.WithContext(err, "drain")
			}
			return notInitialized(), nil
		}

		results, err := s.engine.Apply(req)
		if err != nil {
			return nil, err
		}
		return &wire.ApplyResponse{Results: results}, nil

	default:
		return nil, fmt.Errorf("unexpected %s from source", req.Type())
	}
}

func (s *server) init(req *wire.InitRequest) wire.Packet {
	if req.Root == "" {
		return &wire.ErrorResponse{Message: "destination root is required"}
	}

	matcher, err := match.Compile(req.Excludes)
	if err != nil {
		return &wire.ErrorResponse{Message: err.Error()}
	}

	if err := fs.MkdirAll(req.Root, 0755); err != nil {
		return &wire.ErrorResponse{
			Message:     errors.WithContext(err, "create destination root").Error(),
			Recoverable: true,
			NeedToWait:  true,
		}
	}

	s.engine = NewEngine(req.Root, matcher)
	log.WithFields(log.Fields{
		"root":          req.Root,
		"excludes":      len(matcher.Masks()),
		"sourceVersion": req.Version,
	}).Info("Initialized sync session")
	return &wire.InitResponse{Version: getVersion()}
}

func notInitialized() *wire.ErrorResponse {
	return &wire.ErrorResponse{Message: "session not initialized"}
}

func (e *Engine) Scan(ctx context.Context) wire.Packet {
	if _, err := lstat(e.root); err != nil {
		return &wire.ErrorResponse{
			Message:     errors.WithContext(err, "stat destination root").Error(),
			Recoverable: true,
			NeedToWait:  true,
		}
	}

	return &wire.ScanResponse{Walk: func(visit func(sync.Entry) error) error {
		return sync.Scan(ctx, e.root, "", e.matcher, visit)
	}}
}
