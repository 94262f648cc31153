package sync

import (
	"path"
	"strings"
	"time"
)

// DirSize is the Size of an Entry that describes a directory.
const DirSize int64 = -1

// mtimeTolerance is how far apart two file modification times may be while
// still being considered equal. Filesystems and the wire format don't agree
// on timestamp precision, so exact comparison would cause spurious resyncs.
const mtimeTolerance = time.Second

// An Entry describes a single filesystem object in a synced tree.
type Entry struct {
	// Path is the normalized path relative to the root of the tree.
	Path string

	// Size is the file length in bytes, or DirSize for directories.
	Size int64

	// ModTime is the time of the last modification.
	ModTime time.Time
}

// IsDir returns whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Size == DirSize
}

// Equal returns whether two entries describe the same content (i.e. whether
// a sync is unnecessary). Directory modification times are never compared
// since they change whenever a child does.
func (e Entry) Equal(other Entry) bool {
	if e.Path != other.Path || e.Size != other.Size {
		return false
	}

	if e.IsDir() {
		return true
	}

	diff := e.ModTime.Sub(other.ModTime)
	if diff < 0 {
		diff = -diff
	}
	return diff < mtimeTolerance
}

// NormalizePath converts a relative path to the form used for keys in the
// pending change table and on the wire: forward slashes, no leading `./` or
// `/` segments, and no trailing slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			p = strings.TrimRight(p, "/")
			if p == "." {
				return ""
			}
			return p
		}
	}
}

// Join returns the path of name relative to the root, given the normalized
// path of the directory that contains it.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
