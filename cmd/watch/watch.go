package watch

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/livesync/cmd/util"
	"github.com/sidkik/livesync/pkg/config"
	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/fswatch"
	"github.com/sidkik/livesync/pkg/match"
	"github.com/sidkik/livesync/pkg/sync"
	syncClient "github.com/sidkik/livesync/pkg/sync/client"
	"github.com/sidkik/livesync/pkg/transport"
)

// New creates a new `watch` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [path_to_config]",
		Short: "Sync a directory to its destination, and keep it in sync as it changes",
		Long: `Sync the source directory described by the sync config to its destination.
"watch" keeps running, and sends every change made to the source until it's
interrupted.

If no config path is provided, "watch" uses livesync.yaml in the current directory.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			configPath := config.DefaultSyncConfigPath
			if len(args) == 1 {
				configPath = args[0]
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, configPath); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := parseConfig(configPath)
	if err != nil {
		return err
	}

	matcher, err := match.Compile(cfg.Excludes())
	if err != nil {
		return errors.NewFriendlyError("The exclude masks in %q are invalid: %s",
			cfg.GetPath(), err)
	}

	dial := syncClient.Dialer(newStarter(cfg.Transport), cfg.Source, cfg.Destination, cfg.Excludes())
	syncer := sync.NewSyncer(cfg.Source, matcher, dial, sync.SyncerOptions{
		RetryInterval: cfg.RetryInterval(),
		PollInterval:  cfg.PollInterval(),
	})

	watcher, err := fswatch.Watch(cfg.Source, matcher, syncer, clockwork.NewRealClock())
	switch {
	case err == nil:
		defer watcher.Close()
	case strings.Contains(errors.RootCause(err).Error(), "too many open files"),
		strings.Contains(errors.RootCause(err).Error(), "no space left on device"):
		log.Warnf("Too many files for livesync to automatically watch for changes. "+
			"livesync will poll for changes every %s instead.", cfg.PollInterval())
		log.Warn("Raise fs.inotify.max_user_watches to watch large trees.")
		syncer.EnablePolling()
	default:
		return errors.WithContext(err, "watch files")
	}

	log.WithFields(log.Fields{
		"source":      cfg.Source,
		"destination": cfg.Destination,
	}).Info("Starting sync")
	return syncer.Run(ctx)
}

func parseConfig(path string) (config.SyncConfig, error) {
	cfg, err := config.ParseSyncConfig(path)
	if err != nil {
		if dneErr, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return config.SyncConfig{}, errors.NewFriendlyError(
				"%q doesn't exist.\n\n"+
					"Is the sync config in %q correct?", dneErr.Path, path)
		}
		return config.SyncConfig{}, errors.WithContext(err, "parse sync config")
	}

	fi, err := os.Stat(cfg.Source)
	if err != nil || !fi.IsDir() {
		return config.SyncConfig{}, errors.NewFriendlyError(
			"The source directory %q doesn't exist.\n\n"+
				"Is the sync config in %q correct?", cfg.Source, path)
	}
	return cfg, nil
}

func newStarter(cfg config.Transport) transport.Starter {
	if cfg.SSH != nil {
		return transport.SSH{
			Host:         cfg.SSH.Host,
			User:         cfg.SSH.User,
			IdentityFile: cfg.SSH.IdentityFile,
			KnownHosts:   cfg.SSH.KnownHosts,
			Command:      cfg.SSH.Command,
		}
	}
	return transport.Local{Command: cfg.Command}
}
