package sync

import (
	"context"
	"path"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
)

// A DestinationLister lists everything currently in the destination tree.
type DestinationLister interface {
	Scan(ctx context.Context) ([]Entry, error)
}

// Reconciler compares a full scan of the source with a listing of the
// destination and queues whatever differs. It never overwrites changes that
// are already in the table: those come from live events and are newer than
// the snapshot.
type Reconciler struct {
	Root    string
	Matcher *match.Matcher
	Table   *Table
	Remote  DestinationLister
}

// Run performs one reconciliation and returns the number of changes queued.
func (r Reconciler) Run(ctx context.Context) (int, error) {
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()

	var local []Entry
	group, groupCtx := errgroup.WithContext(scanCtx)
	group.Go(func() (err error) {
		local, err = ScanAll(groupCtx, r.Root, "", r.Matcher)
		return errors.WithContext(err, "scan source")
	})

	remote, err := r.Remote.Scan(ctx)
	if err != nil {
		// Abandon the source scan.
		cancelScan()
		_ = group.Wait()
		return 0, errors.WithContext(err, "scan destination")
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}
	return r.diff(local, remote), nil
}

func (r Reconciler) diff(local, remote []Entry) (queued int) {
	remaining := make(map[string]Entry, len(remote))
	for _, e := range remote {
		remaining[e.Path] = e
	}

	for _, src := range local {
		dst, ok := remaining[src.Path]
		delete(remaining, src.Path)
		if ok && src.Equal(dst) {
			continue
		}

		if r.Table.PutIfAbsent(Change{Kind: KindChange, Path: src.Path}) {
			queued++
		}
	}

	var toRemove []string
	for p := range remaining {
		// Excluded paths that only exist on the destination are left alone.
		if !r.Matcher.IsMatch(p) {
			toRemove = append(toRemove, p)
		}
	}
	sort.Strings(toRemove)

	removed := map[string]bool{}
	for _, p := range toRemove {
		// Removing a directory removes its children as well.
		if hasRemovedParent(removed, p) {
			continue
		}

		if r.Table.PutIfAbsent(Change{Kind: KindRemove, Path: p}) {
			queued++
			removed[p] = true
		}
	}
	return queued
}

func hasRemovedParent(removed map[string]bool, p string) bool {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if removed[dir] {
			return true
		}
	}
	return false
}
