package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/livesync/pkg/match"
)

// DefaultReadyDelay is how long a freshly created or modified path waits
// before it's eligible to be sent. Successive writes to the same path within
// the delay are coalesced into a single transfer.
const DefaultReadyDelay = 100 * time.Millisecond

// A Pending is a change as taken out of the Table, stamped with the version
// it had when it was read. Inserting another change for the same path bumps
// the version, which is how in-flight changes detect that they've been
// superseded.
type Pending struct {
	Change
	Version uint64
}

type tableEntry struct {
	change  Change
	version uint64
	readyAt time.Time
}

// Table is the set of changes that haven't been confirmed by the destination
// yet. There is at most one current change per path; later insertions
// supersede earlier ones.
//
// Filesystem event handlers, the subtree scanner and the reconciler insert
// concurrently. Only the Syncer takes changes out.
type Table struct {
	clock      clockwork.Clock
	matcher    *match.Matcher
	readyDelay time.Duration

	lock     sync.Mutex
	entries  map[string]tableEntry
	version  uint64
	onRescan func(string)

	wake chan struct{}
}

// NewTable creates an empty Table. Paths matched by matcher are dropped by
// the filesystem event handlers.
func NewTable(clock clockwork.Clock, matcher *match.Matcher) *Table {
	return &Table{
		clock:      clock,
		matcher:    matcher,
		readyDelay: DefaultReadyDelay,
		entries:    map[string]tableEntry{},
		wake:       make(chan struct{}, 1),
	}
}

// OnRescan registers fn to be called whenever a change that requires a
// subtree rescan is inserted. fn is called without the table lock held.
func (t *Table) OnRescan(fn func(path string)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.onRescan = fn
}

// Wake returns a channel that receives a value whenever the table changes
// or Notify is called.
func (t *Table) Wake() <-chan struct{} {
	return t.wake
}

// Notify wakes up whoever is waiting on the table without changing it.
func (t *Table) Notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Changed records that path was created or modified on the source.
func (t *Table) Changed(path string) {
	path = NormalizePath(path)
	if path == "" || t.matcher.IsMatch(path) {
		return
	}

	t.lock.Lock()
	rescan := t.putLocked(Change{Kind: KindChange, Path: path}, t.readyDelay)
	t.lock.Unlock()
	t.afterPut(rescan)
}

// Removed records that path was removed from the source.
func (t *Table) Removed(path string) {
	path = NormalizePath(path)
	if path == "" || t.matcher.IsMatch(path) {
		return
	}

	t.lock.Lock()
	t.putLocked(Change{Kind: KindRemove, Path: path}, 0)
	t.lock.Unlock()
	t.afterPut(nil)
}

// Renamed records that oldPath was moved to newPath on the source.
func (t *Table) Renamed(oldPath, newPath string) {
	oldPath, newPath = NormalizePath(oldPath), NormalizePath(newPath)
	oldExcluded := oldPath == "" || t.matcher.IsMatch(oldPath)
	newExcluded := newPath == "" || t.matcher.IsMatch(newPath)

	var rescan []string
	t.lock.Lock()
	switch {
	case oldExcluded && newExcluded:
	case newExcluded:
		t.putLocked(Change{Kind: KindRemove, Path: oldPath}, 0)
	case oldExcluded:
		rescan = t.putLocked(Change{Kind: KindChange, Path: newPath, Rescan: true}, t.readyDelay)
	default:
		// If the old path was never confirmed by the destination, there's
		// nothing there to move.
		if prev, ok := t.entries[oldPath]; ok && prev.change.Kind != KindRemove {
			t.putLocked(Change{Kind: KindRemove, Path: oldPath}, 0)
			rescan = t.putLocked(Change{Kind: KindChange, Path: newPath, Rescan: true}, t.readyDelay)
		} else {
			t.putLocked(Change{Kind: KindRename, Path: newPath, OldPath: oldPath}, 0)
		}
	}
	t.lock.Unlock()
	t.afterPut(rescan)
}

// Put inserts c, superseding any current change for the same path. The
// change becomes eligible for sending after delay.
func (t *Table) Put(c Change, delay time.Duration) {
	c.Path = NormalizePath(c.Path)
	t.lock.Lock()
	rescan := t.putLocked(c, delay)
	t.lock.Unlock()
	t.afterPut(rescan)
}

// PutIfAbsent inserts c only if there is no current change for its path,
// and returns whether it did.
func (t *Table) PutIfAbsent(c Change) bool {
	c.Path = NormalizePath(c.Path)
	t.lock.Lock()
	if _, ok := t.entries[c.Path]; ok {
		t.lock.Unlock()
		return false
	}
	rescan := t.putLocked(c, 0)
	t.lock.Unlock()
	t.afterPut(rescan)
	return true
}

// putLocked installs c as the current change for its path and returns the
// paths that need a subtree rescan.
func (t *Table) putLocked(c Change, delay time.Duration) (rescan []string) {
	if prev, ok := t.entries[c.Path]; ok && prev.change.Kind == KindRename {
		sameRename := c.Kind == KindRename && c.OldPath == prev.change.OldPath
		if _, oldPending := t.entries[prev.change.OldPath]; !sameRename && !oldPending {
			// The destination may already have the old path, and nothing
			// else is going to remove it.
			t.version++
			t.entries[prev.change.OldPath] = tableEntry{
				change:  Change{Kind: KindRemove, Path: prev.change.OldPath},
				version: t.version,
				readyAt: t.clock.Now(),
			}
		}
	}

	t.version++
	t.entries[c.Path] = tableEntry{
		change:  c,
		version: t.version,
		readyAt: t.clock.Now().Add(delay),
	}

	if c.Rescan {
		rescan = append(rescan, c.Path)
	}
	return rescan
}

func (t *Table) afterPut(rescan []string) {
	t.Notify()
	if len(rescan) == 0 {
		return
	}

	t.lock.Lock()
	onRescan := t.onRescan
	t.lock.Unlock()
	if onRescan == nil {
		return
	}
	for _, path := range rescan {
		onRescan(path)
	}
}

// Get returns the current change for path.
func (t *Table) Get(path string) (Pending, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[NormalizePath(path)]
	if !ok {
		return Pending{}, false
	}
	return Pending{Change: e.change, Version: e.version}, true
}

// Len returns the number of paths with a current change.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

// Ready returns the changes that are eligible for sending. Renames come
// first, so that a path that was renamed away and then recreated is moved
// before its new contents arrive. Renames keep the order they happened in,
// since a chain like log.1 -> log.2, log -> log.1 only works front to back.
// The rest are sorted by path so that parent directories come before their
// children. If some changes are still waiting out their delay, next is the
// earliest time one becomes ready; otherwise it's the zero time.
func (t *Table) Ready() (batch []Pending, next time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.clock.Now()
	for _, e := range t.entries {
		if e.readyAt.After(now) {
			if next.IsZero() || e.readyAt.Before(next) {
				next = e.readyAt
			}
			continue
		}
		batch = append(batch, Pending{Change: e.change, Version: e.version})
	}

	sort.Slice(batch, func(i, j int) bool {
		iRename, jRename := batch[i].Kind == KindRename, batch[j].Kind == KindRename
		if iRename != jRename {
			return iRename
		}
		if iRename {
			return batch[i].Version < batch[j].Version
		}
		return batch[i].Path < batch[j].Path
	})
	return batch, next
}

// Complete removes p from the table if it's still the current change for its
// path, and returns whether it was.
func (t *Table) Complete(p Pending) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[p.Path]
	if !ok || e.version != p.Version {
		return false
	}
	delete(t.entries, p.Path)
	return true
}
