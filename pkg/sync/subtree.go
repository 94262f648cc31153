package sync

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/livesync/pkg/match"
)

// SubtreeScanner expands "this directory needs a fresh scan" requests into
// individual changes in the Table. Filesystem events arrive in bursts and a
// recursive listing can be slow, so the listing happens on a dedicated
// worker rather than in the event handler.
type SubtreeScanner struct {
	root    string
	matcher *match.Matcher
	table   *Table

	lock    sync.Mutex
	pending mapset.Set[string]
	started bool
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubtreeScanner creates a scanner for the tree at root. Call Start to
// begin processing requests.
func NewSubtreeScanner(root string, matcher *match.Matcher, table *Table) *SubtreeScanner {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubtreeScanner{
		root:    root,
		matcher: matcher,
		table:   table,
		pending: mapset.NewThreadUnsafeSet[string](),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *SubtreeScanner) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Add requests a scan of the subtree at path. Requests for a path that is
// already waiting to be scanned are merged.
func (s *SubtreeScanner) Add(path string) {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return
	}
	s.pending.Add(NormalizePath(path))
	s.lock.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of subtrees waiting to be scanned.
func (s *SubtreeScanner) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.pending.Cardinality()
}

// Stop drops all queued requests, cancels the scan in progress, and waits
// for the worker to exit. Results of the cancelled scan are discarded.
func (s *SubtreeScanner) Stop() {
	s.lock.Lock()
	s.stopped = true
	s.pending.Clear()
	started := s.started
	s.lock.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
}

func (s *SubtreeScanner) run() {
	defer close(s.done)
	for {
		path, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		s.scan(path)
	}
}

func (s *SubtreeScanner) next() (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return "", false
	}
	return s.pending.Pop()
}

func (s *SubtreeScanner) scan(path string) {
	entries, err := ScanAll(s.ctx, s.root, path, s.matcher)
	if err != nil {
		if s.ctx.Err() == nil {
			log.WithError(err).WithField("path", path).Warn("Failed to rescan directory")
		}
		return
	}

	// Hold the lock while inserting so that a concurrent Stop either
	// happens before any results are inserted, or after all of them are.
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return
	}

	for _, e := range entries {
		s.table.Put(Change{Kind: KindChange, Path: e.Path}, 0)
	}
	log.WithField("path", path).WithField("entries", len(entries)).Debug("Rescanned directory")
}
