package server

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/livesync/pkg/errors"
	"github.com/sidkik/livesync/pkg/sync"
	"github.com/sidkik/livesync/pkg/wire"
)

var modTime = time.Date(2020, 5, 4, 3, 2, 1, 0, time.UTC)

type memBodies map[string]string

func (m memBodies) Open(path string) (io.ReadCloser, error) {
	contents, ok := m[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(contents)), nil
}

// startServer runs Serve against a pair of pipes and returns the source's
// end of the connection.
func startServer(t *testing.T) (*wire.Conn, <-chan error) {
	compressor, err := wire.NewZstdCompressor()
	require.NoError(t, err)

	toServer, clientWriter := io.Pipe()
	toClient, serverWriter := io.Pipe()

	errC := make(chan error, 1)
	go func() {
		errC <- Serve(context.Background(), toServer, serverWriter, compressor)
		serverWriter.Close()
	}()
	t.Cleanup(func() {
		clientWriter.Close()
		toClient.Close()
	})

	return wire.NewConn(toClient, clientWriter, compressor), errC
}

func initSession(t *testing.T, conn *wire.Conn, root string, excludes ...string) {
	reply, err := conn.SendCommand(&wire.InitRequest{Root: root, Excludes: excludes})
	require.NoError(t, err)
	assert.IsType(t, &wire.InitResponse{}, reply)
}

func apply(t *testing.T, conn *wire.Conn, bodies memBodies,
	changes ...sync.ResolvedChange) []sync.Result {

	reply, err := conn.SendCommand(&wire.ApplyRequest{Changes: changes, Bodies: bodies})
	require.NoError(t, err)
	require.IsType(t, &wire.ApplyResponse{}, reply)
	return reply.(*wire.ApplyResponse).Results
}

func fileChange(path string, contents string) sync.ResolvedChange {
	return sync.ResolvedChange{
		Kind:  sync.KindChange,
		Entry: sync.Entry{Path: path, Size: int64(len(contents)), ModTime: modTime},
	}
}

func dirChange(path string) sync.ResolvedChange {
	return sync.ResolvedChange{
		Kind:  sync.KindChange,
		Entry: sync.Entry{Path: path, Size: sync.DirSize, ModTime: modTime},
	}
}

func removeChange(path string) sync.ResolvedChange {
	return sync.ResolvedChange{Kind: sync.KindRemove, Entry: sync.Entry{Path: path}}
}

func renameChange(oldPath, newPath string) sync.ResolvedChange {
	return sync.ResolvedChange{
		Kind:  sync.KindRename,
		Entry: sync.Entry{Path: newPath},
		Prior: sync.Entry{Path: oldPath},
	}
}

func ok(c sync.ResolvedChange) sync.Result {
	return sync.Result{Kind: c.Kind, Path: c.Entry.Path, Code: sync.ResultOK}
}

func readFile(t *testing.T, path string) string {
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(contents)
}

// assertNoTempFiles checks that no temporary files were left behind.
func assertNoTempFiles(t *testing.T, root string) {
	err := filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		assert.False(t, strings.HasSuffix(path, TempSuffix), path)
		return err
	})
	assert.NoError(t, err)
}

func TestApplyWritesAtomically(t *testing.T) {
	root := t.TempDir()
	conn, _ := startServer(t)
	initSession(t, conn, root)

	big := strings.Repeat("0123456789", 200*1024)
	changes := []sync.ResolvedChange{
		dirChange("dir"),
		fileChange("dir/small", "hello"),
		fileChange("big", big),
		fileChange("empty", ""),
		fileChange("nested/deep/file", "x"),
	}
	bodies := memBodies{
		"dir/small":        "hello",
		"big":              big,
		"empty":            "",
		"nested/deep/file": "x",
	}

	results := apply(t, conn, bodies, changes...)
	var exp []sync.Result
	for _, c := range changes {
		exp = append(exp, ok(c))
	}
	assert.Equal(t, exp, results)

	assert.Equal(t, "hello", readFile(t, filepath.Join(root, "dir/small")))
	assert.Equal(t, big, readFile(t, filepath.Join(root, "big")))
	assert.Equal(t, "", readFile(t, filepath.Join(root, "empty")))
	assert.Equal(t, "x", readFile(t, filepath.Join(root, "nested/deep/file")))

	fi, err := os.Stat(filepath.Join(root, "dir/small"))
	require.NoError(t, err)
	assert.True(t, modTime.Equal(fi.ModTime()))

	assertNoTempFiles(t, root)
}

func TestApplyAbortedBodyLeavesFileUntouched(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "keep")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	conn, _ := startServer(t)
	initSession(t, conn, root)

	// The body source doesn't know about "keep", so the sender aborts it.
	changes := []sync.ResolvedChange{
		fileChange("keep", "replacement"),
		fileChange("after", "ok"),
	}
	results := apply(t, conn, memBodies{"after": "ok"}, changes...)

	require.Len(t, results, 2)
	assert.Equal(t, sync.ResultSenderError, results[0].Code)
	assert.Equal(t, ok(changes[1]), results[1])
	assert.Equal(t, "original", readFile(t, target))
	assert.Equal(t, "ok", readFile(t, filepath.Join(root, "after")))
	assertNoTempFiles(t, root)
}

func TestApplyRemoveAndRename(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir/sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir/sub/f"), []byte("f"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "old"), []byte("moved"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "target"), []byte("overwritten"), 0644))

	conn, _ := startServer(t)
	initSession(t, conn, root)

	changes := []sync.ResolvedChange{
		removeChange("dir"),
		removeChange("never-existed"),
		renameChange("old", "target"),
		renameChange("vanished", "elsewhere"),
	}
	results := apply(t, conn, nil, changes...)

	require.Len(t, results, 4)
	assert.Equal(t, ok(changes[0]), results[0])
	assert.Equal(t, ok(changes[1]), results[1])
	assert.Equal(t, ok(changes[2]), results[2])
	assert.Equal(t, sync.ResultError, results[3].Code)
	assert.NotEmpty(t, results[3].Message)

	_, err := os.Stat(filepath.Join(root, "dir"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "moved", readFile(t, filepath.Join(root, "target")))
}

func TestApplyTypeConflicts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "was-file"), []byte("f"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "was-dir/child"), 0755))

	conn, _ := startServer(t)
	initSession(t, conn, root)

	changes := []sync.ResolvedChange{
		dirChange("was-file"),
		fileChange("was-dir", "now a file"),
	}
	results := apply(t, conn, memBodies{"was-dir": "now a file"}, changes...)
	assert.Equal(t, []sync.Result{ok(changes[0]), ok(changes[1])}, results)

	fi, err := os.Stat(filepath.Join(root, "was-file"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, "now a file", readFile(t, filepath.Join(root, "was-dir")))
}

func TestApplyRejectsEscapingPaths(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")

	conn, _ := startServer(t)
	initSession(t, conn, root)

	changes := []sync.ResolvedChange{
		fileChange("../escaped", "x"),
		fileChange("a/../../escaped", "x"),
		removeChange("/etc"),
		renameChange("../outside", "inside"),
		fileChange("fine", "x"),
	}
	bodies := memBodies{"../escaped": "x", "a/../../escaped": "x", "fine": "x"}
	results := apply(t, conn, bodies, changes...)

	require.Len(t, results, 5)
	for _, result := range results[:4] {
		assert.Equal(t, sync.ResultError, result.Code, result.Path)
	}
	assert.Equal(t, ok(changes[4]), results[4])

	_, err := os.Stat(filepath.Join(parent, "escaped"))
	assert.True(t, os.IsNotExist(err))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir/a"), []byte("abc"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("x"), 0644))

	conn, _ := startServer(t)
	initSession(t, conn, root, "*.tmp")

	reply, err := conn.SendCommand(&wire.ScanRequest{})
	require.NoError(t, err)
	entries := reply.(*wire.ScanResponse).Entries

	require.Len(t, entries, 2)
	assert.Equal(t, "dir", entries[0].Path)
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "dir/a", entries[1].Path)
	assert.Equal(t, int64(3), entries[1].Size)
}

func TestRequestsBeforeInit(t *testing.T) {
	root := t.TempDir()
	conn, _ := startServer(t)

	_, err := conn.SendCommand(&wire.ScanRequest{})
	assert.Equal(t, errors.RemoteError{Message: "session not initialized"}, err)

	// The request, including its file contents, must be drained so that
	// later requests are still understood.
	_, err = conn.SendCommand(&wire.ApplyRequest{
		Changes: []sync.ResolvedChange{fileChange("a", "contents")},
		Bodies:  memBodies{"a": "contents"},
	})
	assert.Equal(t, errors.RemoteError{Message: "session not initialized"}, err)

	initSession(t, conn, root)
	results := apply(t, conn, memBodies{"a": "contents"}, fileChange("a", "contents"))
	assert.Equal(t, []sync.Result{ok(fileChange("a", "contents"))}, results)
}

func TestInitErrors(t *testing.T) {
	conn, _ := startServer(t)

	_, err := conn.SendCommand(&wire.InitRequest{})
	var remoteErr errors.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.False(t, remoteErr.Recoverable)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = conn.SendCommand(&wire.InitRequest{Root: filepath.Join(file, "root")})
	require.True(t, errors.As(err, &remoteErr))
	assert.True(t, remoteErr.Recoverable)
	assert.True(t, remoteErr.NeedToWait)
}

func TestServeStopsOnDisconnect(t *testing.T) {
	compressor, err := wire.NewZstdCompressor()
	require.NoError(t, err)

	err = Serve(context.Background(), bytes.NewReader(nil), io.Discard, compressor)
	assert.NoError(t, err)
}

func TestServeFailsOnGarbage(t *testing.T) {
	compressor, err := wire.NewZstdCompressor()
	require.NoError(t, err)

	// A valid chunk containing an unregistered packet type.
	stream := []byte{2, 0, 0, 0, 99, 0}
	err = Serve(context.Background(), bytes.NewReader(stream), io.Discard, compressor)
	assert.Error(t, err)
}

func TestTempPath(t *testing.T) {
	newTempID = func() string { return "id" }
	defer func() { newTempID = uuid.NewString }()

	assert.Equal(t, filepath.Join("dir", ".file.id"+TempSuffix), tempPath(filepath.Join("dir", "file")))
}
