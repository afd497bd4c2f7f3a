package gridmount

import (
	"time"
)

// EntryID is the stable, store-assigned identifier of a directory entry.
// For the Mongo-backed metadata store this is an ObjectID in hex form;
// callers treat it as opaque.
type EntryID string

// RootEntryID is the sentinel identifier of the filesystem root. The root
// entry has no parent and cannot be renamed or deleted.
const RootEntryID EntryID = "root"

// EntryKind distinguishes directories from regular files.
type EntryKind int

const (
	KindDir EntryKind = iota
	KindFile
)

func (k EntryKind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ContentRef is the opaque handle identifying a finalized blob in the
// content store. An empty ref means "no content" (empty file).
type ContentRef string

// WriteState tracks a file through its write-once lifecycle.
// The only legal transitions are Empty -> Writing -> Sealed and
// Empty -> Sealed (zero-length close). Nothing leaves Sealed.
type WriteState int

const (
	StateEmpty WriteState = iota
	StateWriting
	StateSealed
)

func (s WriteState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWriting:
		return "writing"
	case StateSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// DirectoryEntry is one name inside one parent directory. No two entries
// share (Parent, Name); the uniqueness is enforced by the metadata store.
type DirectoryEntry struct {
	ID     EntryID
	Parent EntryID // empty only for the root entry
	Name   string
	Kind   EntryKind

	Mode uint32 // permission bits only; the kind bits come from Kind
	UID  uint32
	GID  uint32

	CTime time.Time
	MTime time.Time

	// File is the content-bearing counterpart of a file-kind entry.
	// Zero value (StateEmpty) for directories and never-written files.
	File FileRecord
}

// IsRoot reports whether the entry is the root sentinel.
func (e *DirectoryEntry) IsRoot() bool {
	return e.Parent == "" && e.ID == RootEntryID
}

// FileRecord is the content-bearing metadata attached to a file-kind
// entry. Size, Ref and Checksum are only meaningful once State is
// StateSealed; after sealing they are immutable.
type FileRecord struct {
	State    WriteState
	Size     int64
	Ref      ContentRef
	Checksum string // hex blake3 of the sealed content
}
