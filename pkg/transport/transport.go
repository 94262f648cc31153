// Package transport establishes the byte streams that sync sessions run
// over. The sync protocol doesn't care how the destination process is
// reached; it only needs its stdin and stdout.
package transport

import (
	"bufio"
	"context"
	"io"
	goSync "sync"

	log "github.com/sirupsen/logrus"
)

// A Stream is a connected, bidirectional byte stream to a destination
// process.
type Stream interface {
	io.Reader
	io.Writer

	// Close tears down the stream and stops the destination process.
	Close() error

	// Done is closed once the destination process exits.
	Done() <-chan struct{}

	// Err returns why the destination process exited. It's only valid once
	// Done is closed.
	Err() error
}

// A Starter starts destination processes.
type Starter interface {
	Start(ctx context.Context) (Stream, error)
}

// processStream is a Stream backed by a process's stdin and stdout.
type processStream struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser

	// stop forcibly ends the process. It's called if the process doesn't
	// exit on its own after its stdin is closed.
	stop func() error

	closeOnce goSync.Once
	done      chan struct{}
	err       error
}

func newProcessStream(stdout io.ReadCloser, stdin io.WriteCloser, stop func() error) *processStream {
	return &processStream{
		stdout: stdout,
		stdin:  stdin,
		stop:   stop,
		done:   make(chan struct{}),
	}
}

func (s *processStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *processStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// exited records the result of waiting on the process.
func (s *processStream) exited(err error) {
	s.err = err
	close(s.done)
}

func (s *processStream) Done() <-chan struct{} {
	return s.done
}

func (s *processStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *processStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Closing stdin is how the destination learns that the session is
		// over. Give it a moment to exit cleanly before killing it.
		err = s.stdin.Close()
		s.stdout.Close()
		select {
		case <-s.done:
		case <-afterShutdownGrace():
			if stopErr := s.stop(); stopErr != nil && err == nil {
				err = stopErr
			}
			<-s.done
		}
	})
	return err
}

// logStderr forwards the destination's diagnostic output to the local log.
func logStderr(stderr io.Reader, fields log.Fields) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.WithFields(fields).Info(scanner.Text())
	}
}
