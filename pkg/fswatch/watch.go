// Package fswatch reports changes to a directory tree. fsnotify only watches
// single directories, so every directory in the tree is watched
// individually, and watches are added as new directories appear.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
)

var fs = afero.NewOsFs()

// renameWindow is how long to wait for the creation half of a rename. If it
// doesn't arrive, the path was moved out of the tree.
const renameWindow = 50 * time.Millisecond

// Handler receives events. Paths are relative to the watched root, and use
// forward slashes.
type Handler interface {
	Changed(path string)
	Removed(path string)
	Renamed(oldPath, newPath string)

	// Rescan is called when the directory at path may contain entries that
	// were never reported. An empty path means the whole tree.
	Rescan(path string)

	// Failed is called if the watcher stops working. No more events are
	// delivered after it.
	Failed(err error)
}

// Watcher watches a directory tree.
type Watcher struct {
	root    string
	matcher *match.Matcher
	handler Handler
	clock   clockwork.Clock
	watcher *fsnotify.Watcher

	// The first half of a rename, waiting to be paired with a create.
	renameFrom  string
	renameTimer clockwork.Timer

	stop chan struct{}
	done chan struct{}
}

// Watch starts watching the tree at root, and reports events to handler
// until Close is called. Directories matched by matcher aren't watched.
func Watch(root string, matcher *match.Matcher, handler Handler, clock clockwork.Clock) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := newWatcher(root, matcher, handler, clock, watcher)
	if err := w.addTree(root); err != nil {
		// Close the watcher so that we release the file handlers for the
		// previously added paths.
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, err
	}

	go w.run()
	return w, nil
}

func newWatcher(root string, matcher *match.Matcher, handler Handler, clock clockwork.Clock,
	watcher *fsnotify.Watcher) *Watcher {
	return &Watcher{
		root:    root,
		matcher: matcher,
		handler: handler,
		clock:   clock,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		var renameC <-chan time.Time
		if w.renameTimer != nil {
			renameC = w.renameTimer.Chan()
		}

		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			if err == fsnotify.ErrEventOverflow {
				log.Warn("Missed filesystem events. Rescanning.")
				w.handler.Rescan("")
				continue
			}
			w.handler.Failed(err)
			return

		case <-renameC:
			w.flushRename()

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, ok := w.relPath(event.Name)
	if !ok {
		return
	}

	if rel == "" {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			w.handler.Failed(errors.NewFriendlyError("%s was removed", w.root))
		}
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		// Watch new directories before reporting them, so that nothing
		// created after the rescan is missed.
		isDir := w.isDir(event.Name)
		if isDir && !w.matcher.IsMatch(rel) {
			if err := w.addTree(event.Name); err != nil {
				log.WithError(err).WithField("path", rel).Warn("Failed to watch new directory")
			}
		}

		if w.renameFrom != "" {
			w.handler.Renamed(w.clearRename(), rel)
		} else {
			w.handler.Changed(rel)
			if isDir {
				w.handler.Rescan(rel)
			}
		}

	case event.Has(fsnotify.Rename):
		w.flushRename()
		w.renameFrom = rel
		w.renameTimer = w.clock.NewTimer(renameWindow)

	case event.Has(fsnotify.Remove):
		w.handler.Removed(rel)

	// Chmod covers modification time updates, which are synced.
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		w.handler.Changed(rel)
	}
}

// flushRename reports a rename that was never paired as a removal.
func (w *Watcher) flushRename() {
	if w.renameFrom != "" {
		w.handler.Removed(w.clearRename())
	}
}

func (w *Watcher) clearRename() string {
	from := w.renameFrom
	w.renameFrom = ""
	if w.renameTimer != nil {
		w.renameTimer.Stop()
		w.renameTimer = nil
	}
	return from
}

func (w *Watcher) relPath(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) isDir(path string) bool {
	fi, err := lstat(path)
	return err == nil && fi.IsDir()
}

// addTree watches dir and every directory beneath it.
func (w *Watcher) addTree(dir string) error {
	dirs, err := getDirsToWatch(w.root, dir, w.matcher)
	if err != nil {
		return errors.WithContext(err, "get directories")
	}

	for _, path := range dirs {
		if err := w.watcher.Add(path); err != nil {
			// The directory may have been removed since it was listed.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}
	return nil
}

// getDirsToWatch lists dir and the directories beneath it, skipping
// excluded directories and symbolic links.
func getDirsToWatch(root, dir string, matcher *match.Matcher) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != dir {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			return nil
		}

		if path != root {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return errors.WithContext(err, "normalize path")
			}
			if matcher.IsMatch(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}
