package sync

import (
	"context"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Scan walks the tree rooted at root/subpath depth first and calls visit for
// every entry beneath subpath. Directories are visited before their
// children. Symbolic links and paths matched by matcher are skipped, and a
// matched directory is pruned along with everything inside it.
//
// A subpath that has vanished yields no entries. Errors listing a directory
// below the root are logged and the directory is skipped. The walk stops
// early if ctx is cancelled or visit returns an error.
func Scan(ctx context.Context, root, subpath string, matcher *match.Matcher,
	visit func(Entry) error) error {

	subpath = NormalizePath(subpath)
	fi, err := lstat(filepath.Join(root, filepath.FromSlash(subpath)))
	if err != nil {
		if os.IsNotExist(err) && subpath != "" {
			return nil
		}
		return errors.WithContext(err, "stat scan root")
	}

	if !fi.IsDir() {
		if subpath == "" {
			return errors.NewFriendlyError("%q is not a directory", root)
		}
		return nil
	}
	return scanDir(ctx, root, subpath, matcher, visit)
}

// ScanAll is like Scan, but collects the entries into a slice.
func ScanAll(ctx context.Context, root, subpath string, matcher *match.Matcher) ([]Entry, error) {
	var entries []Entry
	err := Scan(ctx, root, subpath, matcher, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanDir(ctx context.Context, root, dir string, matcher *match.Matcher,
	visit func(Entry) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	children, err := afero.ReadDir(fs, filepath.Join(root, filepath.FromSlash(dir)))
	if err != nil {
		// The directory was most likely removed after its parent was listed.
		if os.IsNotExist(err) {
			return nil
		}
		log.WithError(err).WithField("path", dir).Warn(
			"Failed to list directory. Its contents won't be synced until the next scan.")
		return nil
	}

	for _, fi := range children {
		relPath := Join(dir, fi.Name())
		if fi.Mode()&os.ModeSymlink != 0 || matcher.IsMatch(relPath) {
			continue
		}

		if err := visit(toEntry(relPath, fi)); err != nil {
			return err
		}

		if fi.IsDir() {
			if err := scanDir(ctx, root, relPath, matcher, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func lstat(path string) (os.FileInfo, error) {
	if lstater, ok := fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return fs.Stat(path)
}
