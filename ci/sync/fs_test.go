//go:build ci

package sync

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
)

type file struct {
	path     string
	contents string
	modTime  time.Time
}

func (f file) WithPath(path string) file {
	f.path = path
	return f
}

func (f file) WithContents(contents string) file {
	f.contents = contents
	return f
}

func (f file) WithModTime(modTime time.Time) file {
	f.modTime = modTime
	return f
}

func randomFile(path string) file {
	randomTime := time.Date(2019, 11, 10, rand.Intn(23), rand.Intn(59), rand.Intn(59), 0, time.UTC)
	return file{
		path:     path,
		contents: strconv.Itoa(rand.Int()),
		modTime:  randomTime,
	}
}

// fsOp modifies the source tree rooted at the given directory.
type fsOp func(root string) error

func createFile(toCreate file) fsOp {
	return func(root string) error {
		path := filepath.Join(root, filepath.FromSlash(toCreate.path))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}

		f, err := os.Create(path)
		if err != nil {
			return errors.WithContext(err, "create")
		}
		defer f.Close()

		_, err = io.Copy(f, bytes.NewReader([]byte(toCreate.contents)))
		if err != nil {
			return errors.WithContext(err, "write")
		}

		if err := os.Chtimes(path, time.Now(), toCreate.modTime); err != nil {
			return errors.WithContext(err, "chtimes")
		}
		return nil
	}
}

func removeFile(f string) fsOp {
	return func(root string) error {
		return os.RemoveAll(filepath.Join(root, filepath.FromSlash(f)))
	}
}

func renameFile(from, to string) fsOp {
	return func(root string) error {
		return os.Rename(filepath.Join(root, filepath.FromSlash(from)),
			filepath.Join(root, filepath.FromSlash(to)))
	}
}

// moveIn creates files outside of the tree, and then moves their parent
// directory to dir in the tree in one step.
func moveIn(dir string, files ...file) fsOp {
	return func(root string) error {
		staging, err := os.MkdirTemp("", "livesync-staging")
		if err != nil {
			return errors.WithContext(err, "make staging dir")
		}
		defer os.RemoveAll(staging)

		for _, f := range files {
			if err := createFile(f)(staging); err != nil {
				return err
			}
		}
		return os.Rename(staging, filepath.Join(root, filepath.FromSlash(dir)))
	}
}

// snapshot describes every file and directory under root that isn't
// excluded. Directories map to an empty string.
func snapshot(root string, matcher *match.Matcher) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if matcher.IsMatch(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			files[rel] = ""
			return nil
		}

		contents, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = fmt.Sprintf("%q modified %d", contents,
			fi.ModTime().Truncate(time.Millisecond).UnixMilli())
		return nil
	})
	return files, err
}
