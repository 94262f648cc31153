package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
)

const (
	// DefaultRetryInterval is how long to wait before reconnecting after a
	// session fails, and before retrying a change the destination rejected.
	DefaultRetryInterval = 5 * time.Second

	// DefaultIdleTimeout is how long the Syncer must have nothing to do
	// before it reports that the destination is up to date.
	DefaultIdleTimeout = 500 * time.Millisecond

	// gitLockFile exists while git is rewriting the index. Syncing in the
	// middle of a checkout would send a half-updated tree.
	gitLockFile    = ".git/index.lock"
	gitLockPoll    = 250 * time.Millisecond
	gitLockCeiling = 10 * time.Second
)

// A Session is a connection to an initialized destination.
type Session interface {
	DestinationLister

	// Apply sends a batch of changes and returns one result per change, in
	// the same order.
	Apply(ctx context.Context, changes []ResolvedChange) ([]Result, error)

	Close() error
}

// A Dialer establishes a new Session.
type Dialer func(ctx context.Context) (Session, error)

// SyncerOptions tunes a Syncer. Zero values select the defaults.
type SyncerOptions struct {
	Clock         clockwork.Clock
	RetryInterval time.Duration
	IdleTimeout   time.Duration

	// PollInterval is how often to run a full reconciliation once the
	// filesystem watcher has failed.
	PollInterval time.Duration

	// OnIdle is called each time the Syncer goes idle after doing work.
	OnIdle func()
}

// Syncer keeps the destination in sync with the source tree at root. It's
// fed filesystem events through Changed, Removed, Renamed and Rescan, and
// drains them to the destination in batches.
type Syncer struct {
	root    string
	matcher *match.Matcher
	dial    Dialer
	opts    SyncerOptions
	clock   clockwork.Clock

	table   *Table
	scanner *SubtreeScanner

	lock     sync.Mutex
	fullScan bool
	polling  bool
	nextPoll time.Time

	// Only accessed by the Run goroutine.
	idle        bool
	lockedSince time.Time
}

// NewSyncer creates a Syncer for the tree at root.
func NewSyncer(root string, matcher *match.Matcher, dial Dialer, opts SyncerOptions) *Syncer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	table := NewTable(opts.Clock, matcher)
	scanner := NewSubtreeScanner(root, matcher, table)
	table.OnRescan(scanner.Add)

	return &Syncer{
		root:     root,
		matcher:  matcher,
		dial:     dial,
		opts:     opts,
		clock:    opts.Clock,
		table:    table,
		scanner:  scanner,
		fullScan: true,
	}
}

// Table returns the pending changes.
func (s *Syncer) Table() *Table {
	return s.table
}

// Changed records that path was created or modified.
func (s *Syncer) Changed(path string) {
	s.table.Changed(path)
	s.notifyGitLock(path)
}

// Removed records that path was removed.
func (s *Syncer) Removed(path string) {
	s.table.Removed(path)
	s.notifyGitLock(path)
}

// Renamed records that oldPath was moved to newPath.
func (s *Syncer) Renamed(oldPath, newPath string) {
	s.table.Renamed(oldPath, newPath)
	s.notifyGitLock(oldPath)
}

// Rescan records that the directory at path may contain entries that were
// never reported individually.
func (s *Syncer) Rescan(path string) {
	path = NormalizePath(path)
	if path == "" {
		s.RequestFullScan()
		return
	}

	if s.matcher.IsMatch(path) {
		return
	}
	s.table.Put(Change{Kind: KindChange, Path: path, Rescan: true}, s.table.readyDelay)
}

// Failed reports that the filesystem watcher stopped working. Events may
// have been lost, so the tree is reconciled and then polled from now on.
func (s *Syncer) Failed(err error) {
	log.WithError(err).Warn("Filesystem watcher failed. Falling back to polling.")
	s.EnablePolling()
}

// EnablePolling makes the Syncer run a full reconciliation every poll
// interval.
func (s *Syncer) EnablePolling() {
	s.lock.Lock()
	if s.opts.PollInterval > 0 && !s.polling {
		s.polling = true
		s.nextPoll = s.clock.Now().Add(s.opts.PollInterval)
	}
	s.fullScan = true
	s.lock.Unlock()
	s.table.Notify()
}

// RequestFullScan schedules a full reconciliation.
func (s *Syncer) RequestFullScan() {
	s.lock.Lock()
	s.fullScan = true
	s.lock.Unlock()
	s.table.Notify()
}

func (s *Syncer) takeFullScan() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	fullScan := s.fullScan
	s.fullScan = false
	return fullScan
}

// The lock file is usually excluded, so the table doesn't wake the loop
// when it goes away.
func (s *Syncer) notifyGitLock(path string) {
	if NormalizePath(path) == gitLockFile {
		s.table.Notify()
	}
}

// Run syncs until ctx is cancelled or an unrecoverable error occurs. Failed
// sessions are re-established after a backoff, and the tree is fully
// reconciled at the start of each session.
func (s *Syncer) Run(ctx context.Context) error {
	s.scanner.Start()
	defer s.scanner.Stop()

	var retryingNow bool
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var remoteErr errors.RemoteError
		var friendlyErr errors.FriendlyError
		switch {
		case errors.As(err, &friendlyErr):
			return err
		case errors.As(err, &remoteErr) && !remoteErr.Recoverable:
			return err
		case errors.As(err, &remoteErr) && !remoteErr.NeedToWait && !retryingNow:
			log.WithError(err).Warn("Sync session failed. Retrying.")
			retryingNow = true
		default:
			log.WithError(err).WithField("retryIn", s.opts.RetryInterval).Warn(
				"Sync session failed. Reconnecting.")
			retryingNow = false
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(s.opts.RetryInterval):
			}
		}

		// Whatever was in flight may or may not have been applied.
		s.RequestFullScan()
	}
}

func (s *Syncer) runSession(ctx context.Context) error {
	session, err := s.dial(ctx)
	if err != nil {
		return errors.WithContext(err, "connect")
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Debug("Failed to close session")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.takeFullScan() {
			if err := s.reconcile(ctx, session); err != nil {
				s.RequestFullScan()
				return err
			}
		}

		batch, next := s.table.Ready()
		if len(batch) > 0 {
			wait := s.gitLockWait()
			if wait == 0 {
				if err := s.apply(ctx, session, batch); err != nil {
					return err
				}
				continue
			}

			if retry := s.clock.Now().Add(wait); next.IsZero() || retry.Before(next) {
				next = retry
			}
		}

		if !s.waitForWork(ctx, next) {
			return nil
		}
	}
}

func (s *Syncer) reconcile(ctx context.Context, session Session) error {
	start := s.clock.Now()
	queued, err := Reconciler{
		Root:    s.root,
		Matcher: s.matcher,
		Table:   s.table,
		Remote:  session,
	}.Run(ctx)
	if err != nil {
		return errors.WithContext(err, "full scan")
	}

	s.idle = false
	log.WithFields(log.Fields{
		"changes":  queued,
		"duration": s.clock.Since(start),
	}).Info("Finished full scan")
	return nil
}

func (s *Syncer) apply(ctx context.Context, session Session, batch []Pending) error {
	resolved := make([]ResolvedChange, len(batch))
	for i, p := range batch {
		resolved[i] = Resolve(s.root, p.Change)
	}

	results, err := session.Apply(ctx, resolved)
	if err != nil {
		return errors.WithContext(err, "apply")
	}
	if len(results) != len(batch) {
		return fmt.Errorf("sent %d changes but received %d results", len(batch), len(results))
	}

	var failed int
	var bytes uint64
	for i, p := range batch {
		if !s.handleResult(p, results[i]) {
			failed++
			continue
		}
		if c := resolved[i]; c.Kind == KindChange && !c.Entry.IsDir() {
			bytes += uint64(c.Entry.Size)
		}
	}

	s.idle = false
	log.WithFields(log.Fields{
		"changes": len(batch),
		"failed":  failed,
		"size":    humanize.Bytes(bytes),
	}).Info("Synced changes")
	return nil
}

// handleResult updates the table according to the destination's result
// for p, and returns whether the change was applied.
func (s *Syncer) handleResult(p Pending, result Result) bool {
	// If p was superseded while in flight, the newer change will be sent
	// regardless of what happened to this one.
	if !s.table.Complete(p) {
		return result.Code == ResultOK
	}

	logger := log.WithField("change", p.Change.String())
	switch result.Code {
	case ResultOK:
		logger.Debug("Applied change")
		return true

	case ResultSenderError:
		// The file was changing while it was being sent.
		logger.WithField("reason", result.Message).Debug("Resending change")
		s.table.Put(Change{Kind: KindChange, Path: p.Path}, s.table.readyDelay)

	default:
		logger = logger.WithField("retryIn", s.opts.RetryInterval)
		if p.Kind == KindRename {
			logger.WithField("reason", result.Message).Warn(
				"Failed to rename on destination. Syncing the new path from scratch.")
			s.table.Put(Change{Kind: KindChange, Path: p.Path, Rescan: true}, s.opts.RetryInterval)
		} else {
			logger.WithField("reason", result.Message).Error("Failed to apply change on destination")
			s.table.Put(Change{Kind: KindChange, Path: p.Path}, s.opts.RetryInterval)
		}
	}
	return false
}

// gitLockWait returns how long to hold off sending because git is busy, or
// zero if it's fine to send now.
func (s *Syncer) gitLockWait() time.Duration {
	if _, err := lstat(filepath.Join(s.root, filepath.FromSlash(gitLockFile))); err != nil {
		s.lockedSince = time.Time{}
		return 0
	}

	now := s.clock.Now()
	if s.lockedSince.IsZero() {
		s.lockedSince = now
		log.Info("Git is busy. Waiting for it to finish before syncing.")
	}

	remaining := gitLockCeiling - now.Sub(s.lockedSince)
	if remaining <= 0 {
		// Most likely a stale lock left behind by a crashed git process.
		return 0
	}
	if remaining > gitLockPoll {
		return gitLockPoll
	}
	return remaining
}

// waitForWork blocks until there might be something to do, or ctx is
// cancelled, in which case it returns false. next is when the earliest
// delayed change becomes ready.
func (s *Syncer) waitForWork(ctx context.Context, next time.Time) bool {
	var readyC <-chan time.Time
	if !next.IsZero() {
		timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
		defer timer.Stop()
		readyC = timer.Chan()
	}

	var idleC <-chan time.Time
	if !s.idle && s.table.Len() == 0 && s.scanner.Pending() == 0 {
		timer := s.clock.NewTimer(s.opts.IdleTimeout)
		defer timer.Stop()
		idleC = timer.Chan()
	}

	var pollC <-chan time.Time
	s.lock.Lock()
	if s.polling {
		timer := s.clock.NewTimer(s.nextPoll.Sub(s.clock.Now()))
		defer timer.Stop()
		pollC = timer.Chan()
	}
	s.lock.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-s.table.Wake():
	case <-readyC:
	case <-idleC:
		s.idle = true
		log.Info("Sync is up to date")
		if s.opts.OnIdle != nil {
			s.opts.OnIdle()
		}
	case <-pollC:
		s.lock.Lock()
		s.fullScan = true
		s.nextPoll = s.clock.Now().Add(s.opts.PollInterval)
		s.lock.Unlock()
	}
	return true
}
