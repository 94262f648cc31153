package server

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/match"
	"github.com/sidkik/livesync/pkg/sync"
	"github.com/sidkik/livesync/pkg/wire"
)

// Engine applies changes to the destination tree.
type Engine struct {
	root    string
	matcher *match.Matcher
}

// NewEngine returns an Engine for the tree at root. Paths matched by matcher
// are left out of destination listings.
func NewEngine(root string, matcher *match.Matcher) *Engine {
	return &Engine{root: root, matcher: matcher}
}

// Apply applies every change in req and returns their results in order. A
// change that fails doesn't stop the rest of the batch. The returned error
// is only set if the request couldn't be read, in which case the stream is
// unusable.
func (e *Engine) Apply(req *wire.ApplyRequest) ([]sync.Result, error) {
	results := make([]sync.Result, 0, req.Len())
	for {
		c, err := req.Next()
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return nil, errors.WithContext(err, "read change")
		}

		result := e.applyOne(req, c)
		if err := req.Err(); err != nil {
			return nil, errors.WithContext(err, "read file contents")
		}

		logger := log.WithField("path", c.Entry.Path).WithField("kind", c.Kind)
		switch result.Code {
		case sync.ResultOK:
			logger.Debug("Applied change")
		case sync.ResultSenderError:
			logger.WithField("reason", result.Message).Debug("Source aborted change")
		default:
			logger.WithField("reason", result.Message).Warn("Failed to apply change")
		}
		results = append(results, result)
	}
}

func (e *Engine) applyOne(req *wire.ApplyRequest, c sync.ResolvedChange) sync.Result {
	result := sync.Result{Kind: c.Kind, Path: c.Entry.Path}

	var err error
	switch c.Kind {
	case sync.KindChange:
		if c.Entry.IsDir() {
			err = e.makeDir(c.Entry)
		} else {
			err = e.writeFile(req, c.Entry)
		}
	case sync.KindRemove:
		err = e.remove(c.Entry.Path)
	case sync.KindRename:
		err = e.rename(c.Prior.Path, c.Entry.Path)
	default:
		err = fmt.Errorf("unknown change kind %s", c.Kind)
	}

	switch {
	case err == nil:
		result.Code = sync.ResultOK
	case errors.Is(err, wire.ErrSenderAborted):
		result.Code = sync.ResultSenderError
		result.Message = err.Error()
	default:
		result.Code = sync.ResultError
		result.Message = err.Error()
	}
	return result
}

// localPath maps a relative path from the wire onto the destination tree.
// Paths that would land outside of the tree are rejected.
func (e *Engine) localPath(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("empty path")
	}
	if path.IsAbs(relPath) || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute path %q", relPath)
	}

	clean := path.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the destination root", relPath)
	}
	return filepath.Join(e.root, filepath.FromSlash(clean)), nil
}

func (e *Engine) makeDir(entry sync.Entry) error {
	dst, err := e.localPath(entry.Path)
	if err != nil {
		return err
	}

	// Replace whatever non-directory is in the way.
	if fi, err := lstat(dst); err == nil && !fi.IsDir() {
		if err := fs.Remove(dst); err != nil {
			return errors.WithContext(err, "remove existing file")
		}
	}

	if err := fs.MkdirAll(dst, 0755); err != nil {
		return errors.WithContext(err, "make directory")
	}

	if err := fs.Chtimes(dst, time.Now(), entry.ModTime); err != nil {
		return errors.WithContext(err, "set directory modtime")
	}
	return nil
}

// writeFile streams the file contents in req into a temporary file next to
// the destination, then renames it into place so that readers never see a
// partially written file.
func (e *Engine) writeFile(req *wire.ApplyRequest, entry sync.Entry) error {
	dst, err := e.localPath(entry.Path)
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	mode := os.FileMode(0644)
	if fi, err := lstat(dst); err == nil && fi.Mode().IsRegular() {
		mode = fi.Mode().Perm()
	}

	tmpPath := tempPath(dst)
	tmp, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	n, readErr := req.ReadBody(tmp)
	closeErr := tmp.Close()
	if err := firstError(readErr, closeErr); err != nil {
		discard(tmpPath)
		if err == wire.ErrSenderAborted {
			return err
		}
		return errors.WithContext(err, "write temp file")
	}

	if n != entry.Size {
		discard(tmpPath)
		return fmt.Errorf("received %s but expected %s",
			humanize.Bytes(uint64(n)), humanize.Bytes(uint64(entry.Size)))
	}

	if fi, err := lstat(dst); err == nil && fi.IsDir() {
		if err := fs.RemoveAll(dst); err != nil {
			discard(tmpPath)
			return errors.WithContext(err, "remove existing directory")
		}
	}

	if err := fs.Rename(tmpPath, dst); err != nil {
		discard(tmpPath)
		return errors.WithContext(err, "rename temp file")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := fs.Chtimes(dst, time.Now(), entry.ModTime); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}

func (e *Engine) remove(relPath string) error {
	dst, err := e.localPath(relPath)
	if err != nil {
		return err
	}

	// RemoveAll succeeds if the path is already gone.
	if err := fs.RemoveAll(dst); err != nil {
		return errors.WithContext(err, "remove")
	}
	return nil
}

func (e *Engine) rename(oldRelPath, newRelPath string) error {
	src, err := e.localPath(oldRelPath)
	if err != nil {
		return err
	}

	dst, err := e.localPath(newRelPath)
	if err != nil {
		return err
	}

	if _, err := lstat(src); err != nil {
		return errors.WithContext(err, "stat rename source")
	}

	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.WithContext(err, "make parent")
	}

	if src != dst {
		if err := fs.RemoveAll(dst); err != nil {
			return errors.WithContext(err, "remove rename target")
		}
	}

	if err := fs.Rename(src, dst); err != nil {
		return errors.WithContext(err, "rename")
	}
	return nil
}

func tempPath(dst string) string {
	dir, name := filepath.Split(dst)
	return filepath.Join(dir, "."+name+"."+newTempID()+TempSuffix)
}

func discard(tmpPath string) {
	if err := fs.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", tmpPath).Warn("Failed to remove temp file")
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
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

func humanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
