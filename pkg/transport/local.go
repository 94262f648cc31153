package transport

import (
	"context"
	"io"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/livesync/pkg/errors"
)

// shutdownGrace is how long a destination process gets to exit after its
// stdin is closed.
const shutdownGrace = 5 * time.Second

// Mocked out for unit testing.
var afterShutdownGrace = func() <-chan time.Time {
	return time.After(shutdownGrace)
}

// Local runs the destination as a local subprocess. The command may itself
// reach a remote machine, e.g. `ssh host livesync serve` or
// `docker exec -i container livesync serve`.
type Local struct {
	Command []string
}

// Start launches the command.
func (l Local) Start(ctx context.Context) (Stream, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("unspecified command")
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WithContext(err, "create stdin pipe")
	}

	// Wait closes pipes created by StdoutPipe as soon as the process exits,
	// which could drop output that hasn't been read yet. Copying through an
	// io.Pipe makes Wait block until the output is consumed instead.
	stdout, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.WithContext(err, "create stderr pipe")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.WithContext(err, "start destination")
	}

	stream := newProcessStream(stdout, stdin, cmd.Process.Kill)
	go func() {
		logStderr(stderr, log.Fields{"destination": l.Command[0]})
		err := cmd.Wait()
		if err != nil {
			err = errors.WithContext(err, "destination exited")
		}
		stdoutWriter.CloseWithError(err)
		stream.exited(err)
	}()

	log.WithField("command", l.Command).Debug("Started destination")
	return stream, nil
}
