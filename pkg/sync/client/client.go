package client

//go:generate mockery -name Client

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	goSync "sync"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync"
	"github.com/sidkik/livesync/pkg/transport"
	"github.com/sidkik/livesync/pkg/version"
	"github.com/sidkik/livesync/pkg/wire"
)

// Client is the source side of a sync session with a destination.
type Client interface {
	Init(ctx context.Context, root string, excludes []string) error
	Scan(ctx context.Context) ([]sync.Entry, error)
	Apply(ctx context.Context, changes []sync.ResolvedChange) ([]sync.Result, error)
	Close() error
}

// Mocked out for unit testing.
var fs = afero.NewOsFs()

type client struct {
	stream transport.Stream
	conn   *wire.Conn
	source string

	// Only one request may be outstanding at a time.
	lock goSync.Mutex
}

// New returns a Client that talks to the destination over stream. File
// contents are read from the tree at source.
func New(stream transport.Stream, source string, compressor wire.Compressor) Client {
	return &client{
		stream: stream,
		conn:   wire.NewConn(stream, stream, compressor),
		source: source,
	}
}

// Dialer returns a sync.Dialer that starts a destination with starter, and
// initializes it to sync into destination.
func Dialer(starter transport.Starter, source, destination string, excludes []string) sync.Dialer {
	return func(ctx context.Context) (sync.Session, error) {
		compressor, err := wire.NewZstdCompressor()
		if err != nil {
			return nil, errors.WithContext(err, "create compressor")
		}

		stream, err := starter.Start(ctx)
		if err != nil {
			return nil, errors.WithContext(err, "start destination")
		}

		c := New(stream, source, compressor)
		if err := c.Init(ctx, destination, excludes); err != nil {
			c.Close()
			return nil, errors.WithContext(err, "init")
		}
		return c, nil
	}
}

func (c *client) Init(ctx context.Context, root string, excludes []string) error {
	reply, err := c.sendCommand(ctx, &wire.InitRequest{
		Root:     root,
		Excludes: excludes,
		Version:  version.Version,
	})
	if err != nil {
		return err
	}

	resp, ok := reply.(*wire.InitResponse)
	if !ok {
		return unexpectedReply(reply)
	}

	if err := version.CheckCompatible(resp.Version); err != nil {
		return err
	}
	log.WithField("version", resp.Version).Debug("Connected to destination")
	return nil
}

func (c *client) Scan(ctx context.Context) ([]sync.Entry, error) {
	reply, err := c.sendCommand(ctx, &wire.ScanRequest{})
	if err != nil {
		return nil, err
	}

	resp, ok := reply.(*wire.ScanResponse)
	if !ok {
		return nil, unexpectedReply(reply)
	}
	return resp.Entries, nil
}

func (c *client) Apply(ctx context.Context, changes []sync.ResolvedChange) ([]sync.Result, error) {
	before := c.conn.Stats()
	reply, err := c.sendCommand(ctx, &wire.ApplyRequest{
		Changes: changes,
		Bodies:  wire.BodySourceFunc(c.openSource),
	})
	if err != nil {
		return nil, err
	}

	resp, ok := reply.(*wire.ApplyResponse)
	if !ok {
		return nil, unexpectedReply(reply)
	}

	after := c.conn.Stats()
	log.WithFields(log.Fields{
		"changes": len(changes),
		"raw":     humanize.Bytes(uint64(after.SentRaw - before.SentRaw)),
		"sent":    humanize.Bytes(uint64(after.SentWire - before.SentWire)),
	}).Debug("Sent batch")
	return resp.Results, nil
}

func (c *client) openSource(path string) (io.ReadCloser, error) {
	return fs.Open(filepath.Join(c.source, filepath.FromSlash(path)))
}

func (c *client) Close() error {
	stats := c.conn.Stats()
	log.WithFields(log.Fields{
		"sent":     humanize.Bytes(uint64(stats.SentWire)),
		"received": humanize.Bytes(uint64(stats.ReceivedWire)),
	}).Debug("Closing sync session")
	return c.stream.Close()
}

func (c *client) sendCommand(ctx context.Context, req wire.Packet) (wire.Packet, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Reads from the stream can't be interrupted, so tear it down instead.
	stop := context.AfterFunc(ctx, func() {
		c.stream.Close()
	})
	defer stop()

	reply, err := c.conn.SendCommand(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		select {
		case <-c.stream.Done():
			if streamErr := c.stream.Err(); streamErr != nil {
				log.WithError(streamErr).Debug("Destination process failed")
			}
		default:
		}
		return nil, err
	}
	return reply, nil
}

func unexpectedReply(reply wire.Packet) error {
	return fmt.Errorf("unexpected reply %s", reply.Type())
}
