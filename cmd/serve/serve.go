package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/livesync/cmd/util"
	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync/server"
	"github.com/sidkik/livesync/pkg/wire"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use: "serve",
		Short: "Apply changes sent by `livesync watch` over stdin and stdout. " +
			"This command should not be used directly.",
		Args:   cobra.NoArgs,
		Hidden: true,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(errors.WithContext(err, "serve"))
			}
		},
	}
}

func run() error {
	// Stdout carries the protocol.
	log.SetOutput(os.Stderr)

	compressor, err := wire.NewZstdCompressor()
	if err != nil {
		return errors.WithContext(err, "create compressor")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.Serve(ctx, os.Stdin, os.Stdout, compressor)
}
