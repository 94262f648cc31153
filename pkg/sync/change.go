package sync

import (
	"fmt"
	"os"
	"path/filepath"
)

// ChangeKind identifies what should happen to a path on the destination.
// The values are part of the wire format.
type ChangeKind byte

const (
	// KindEnd terminates a streamed sequence of results on the wire. It is
	// never the kind of a real change.
	KindEnd ChangeKind = 0

	// KindChange creates or updates a file or directory.
	KindChange ChangeKind = 1

	// KindRemove deletes a path, recursively for directories.
	KindRemove ChangeKind = 2

	// KindRename moves OldPath onto Path.
	KindRename ChangeKind = 3
)

func (k ChangeKind) String() string {
	switch k {
	case KindEnd:
		return "end"
	case KindChange:
		return "change"
	case KindRemove:
		return "remove"
	case KindRename:
		return "rename"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// A Change is the unresolved intent to update a path on the destination.
// It doesn't say anything about the file's contents; those are read from the
// source filesystem by Resolve right before the change is sent.
type Change struct {
	Kind ChangeKind
	Path string

	// OldPath is the path that was renamed to Path. Only set for KindRename.
	OldPath string

	// Rescan is set when the path may contain children that were never
	// individually reported, so the whole subtree must be scanned.
	Rescan bool
}

func (c Change) String() string {
	if c.Kind == KindRename {
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.OldPath, c.Path)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// A ResolvedChange is an immutable snapshot of a Change taken against the
// source filesystem. It's what actually gets sent to the destination.
type ResolvedChange struct {
	Kind ChangeKind

	// Entry describes Path on the source at resolution time. Only the path is
	// meaningful for removals.
	Entry Entry

	// Prior is the old entry of a rename.
	Prior Entry
}

// Resolve stats the path of c under basePath and returns what should be
// sent. A Change whose path no longer exists (or is now a symbolic link,
// which is never synced) becomes a removal.
func Resolve(basePath string, c Change) ResolvedChange {
	switch c.Kind {
	case KindRemove:
		return ResolvedChange{Kind: KindRemove, Entry: Entry{Path: c.Path}}
	case KindRename:
		return ResolvedChange{
			Kind:  KindRename,
			Entry: Entry{Path: c.Path},
			Prior: Entry{Path: c.OldPath},
		}
	}

	fi, err := lstat(filepath.Join(basePath, filepath.FromSlash(c.Path)))
	if err != nil || fi.Mode()&os.ModeSymlink != 0 {
		return ResolvedChange{Kind: KindRemove, Entry: Entry{Path: c.Path}}
	}
	return ResolvedChange{Kind: KindChange, Entry: toEntry(c.Path, fi)}
}

// ResultCode is the outcome of applying one change on the destination. The
// values are part of the wire format.
type ResultCode byte

const (
	// ResultOK means the change was applied.
	ResultOK ResultCode = 0

	// ResultError means the destination failed to apply the change.
	ResultError ResultCode = 1

	// ResultSenderError means the source couldn't supply valid contents for
	// the change, e.g. because the file changed while it was being read.
	ResultSenderError ResultCode = 2
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultSenderError:
		return "sender-error"
	default:
		return fmt.Sprintf("code(%d)", byte(c))
	}
}

// A Result reports what happened to a single applied change.
type Result struct {
	Kind    ChangeKind
	Path    string
	Code    ResultCode
	Message string
}

func toEntry(relPath string, fi os.FileInfo) Entry {
	if fi.IsDir() {
		return Entry{Path: relPath, Size: DirSize, ModTime: fi.ModTime()}
	}
	return Entry{Path: relPath, Size: fi.Size(), ModTime: fi.ModTime()}
}
