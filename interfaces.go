package gridmount

import (
	"context"
)

// MetadataStore is the boundary to the document collection holding the
// directory tree. Implementations keep one document per entry; cross-
// entry invariants (name uniqueness, empty-directory checks) are
// enforced with a check immediately before the mutating write. Two
// concurrent creates of the same name can both observe "absent" and
// both proceed; the narrow race is accepted rather than closed with
// multi-document transactions.
type MetadataStore interface {
	// Root returns the sentinel root entry, creating it if the store
	// is empty.
	Root(ctx context.Context) (*DirectoryEntry, error)

	// Get returns the entry with the given identifier or ErrNotFound.
	Get(ctx context.Context, id EntryID) (*DirectoryEntry, error)

	// LookupChild returns the entry named name inside parent, or
	// ErrNotFound.
	LookupChild(ctx context.Context, parent EntryID, name string) (*DirectoryEntry, error)

	// ListChildren returns the children of parent in insertion order.
	ListChildren(ctx context.Context, parent EntryID) ([]*DirectoryEntry, error)

	// CreateEntry inserts a new entry under parent. Fails with ErrExist
	// if the name is taken, ErrNotFound if the parent is missing and
	// ErrNotDir if it is not a directory.
	CreateEntry(ctx context.Context, parent EntryID, name string, kind EntryKind, mode, uid, gid uint32) (*DirectoryEntry, error)

	// DeleteEntry removes the entry. Directories must be empty
	// (ErrNotEmpty otherwise); the root cannot be deleted
	// (ErrUnsupported). Content cleanup is the caller's job.
	DeleteEntry(ctx context.Context, id EntryID) error

	// RenameEntry moves id under newParent as newName. Fails with
	// ErrExist if the target name is taken and ErrNotFound if id or
	// newParent are missing. The entry identifier is stable across the
	// move.
	RenameEntry(ctx context.Context, id EntryID, newParent EntryID, newName string) error

	// SetEntryMeta updates permission bits, ownership and timestamps.
	// Nil fields are left untouched.
	SetEntryMeta(ctx context.Context, id EntryID, meta EntryMetaUpdate) (*DirectoryEntry, error)

	// SealEntry attaches the finalized file record to a file-kind
	// entry. Fails with ErrAlreadyWritten if the entry is already
	// sealed.
	SealEntry(ctx context.Context, id EntryID, rec FileRecord) error

	Close(ctx context.Context) error
}

// EntryMetaUpdate carries the mutable attribute fields for SetEntryMeta.
// Pointer fields distinguish "leave alone" from zero values, mirroring
// the config override pattern.
type EntryMetaUpdate struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	MTime *int64 // unix seconds
}

// ContentStore is the boundary to chunked blob storage. Blobs are
// streamed in fixed-size chunks, append-only, and immutable once
// committed; there is no byte-range overwrite operation.
type ContentStore interface {
	// NewWriter starts a new blob. The returned writer accumulates a
	// running checksum across chunks; Commit finalizes the blob and
	// returns its record, Abort discards everything written so far.
	NewWriter(ctx context.Context) (ContentWriter, error)

	// ReadAt copies blob bytes starting at off into p and returns the
	// number of bytes copied. Reading at or past the end returns 0;
	// io.EOF is not used. Unknown refs fail with ErrNotFound.
	ReadAt(ctx context.Context, ref ContentRef, p []byte, off int64) (int, error)

	// Stat returns the size and checksum of a committed blob, or
	// ErrNotFound.
	Stat(ctx context.Context, ref ContentRef) (FileRecord, error)

	// Delete removes a blob. Deleting an absent ref is a no-op.
	Delete(ctx context.Context, ref ContentRef) error

	Close(ctx context.Context) error
}

// ContentWriter is a single-use, append-only blob writer.
type ContentWriter interface {
	// Write appends p to the blob. Chunking is internal; callers just
	// stream bytes.
	Write(ctx context.Context, p []byte) (int, error)

	// Size returns the number of bytes written so far.
	Size() int64

	// Commit flushes the final chunk, stores the blob document and
	// returns the sealed record (size, ref, checksum).
	Commit(ctx context.Context) (FileRecord, error)

	// Abort drops all chunks written so far. Safe to call after a
	// failed Commit; calling it after a successful Commit is an error.
	Abort(ctx context.Context) error
}
