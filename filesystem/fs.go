package filesystem

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/internal/util"
)

// FileSystem is the protocol-agnostic core: it resolves inode numbers
// to store entries, tracks open handles and drives the write-once file
// lifecycle against the metadata and content stores. The FUSE layer on
// top only translates wire structs and maps errors to status codes.
type FileSystem struct {
	cfg     *config.Config
	meta    gridmount.MetadataStore
	blobs   gridmount.ContentStore
	inodes  *InodeTable
	handles *HandleTable
	writes  *writeTable
}

// New resolves the root entry and builds the session tables.
func New(ctx context.Context, cfg *config.Config, meta gridmount.MetadataStore, blobs gridmount.ContentStore) (*FileSystem, error) {
	root, err := meta.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving root entry: %w", err)
	}
	return &FileSystem{
		cfg:     cfg,
		meta:    meta,
		blobs:   blobs,
		inodes:  NewInodeTable(root.ID),
		handles: NewHandleTable(),
		writes:  newWriteTable(),
	}, nil
}

// applyLiveSize overlays the in-flight writer's byte count onto a file
// entry so stat during a write reports progress instead of the stored
// zero size.
func (fs *FileSystem) applyLiveSize(e *gridmount.DirectoryEntry) {
	if e.Kind != gridmount.KindFile {
		return
	}
	fh, ok := fs.writes.owner(e.ID)
	if !ok {
		return
	}
	h, ok := fs.handles.Get(fh)
	if !ok || h.kind != handleWrite {
		return
	}
	e.File.State = gridmount.StateWriting
	e.File.Size = h.writer.Size()
}

// Lookup resolves name within the directory at parentIno and registers
// a kernel lookup reference for the result. "." and ".." resolve
// without touching the child index; the root is its own parent.
func (fs *FileSystem) Lookup(ctx context.Context, parentIno uint64, name string) (*gridmount.DirectoryEntry, uint64, error) {
	parentID, err := fs.inodes.Resolve(parentIno)
	if err != nil {
		return nil, 0, err
	}

	var entry *gridmount.DirectoryEntry
	switch name {
	case ".":
		entry, err = fs.meta.Get(ctx, parentID)
	case "..":
		parent, perr := fs.meta.Get(ctx, parentID)
		if perr != nil {
			return nil, 0, perr
		}
		if parent.IsRoot() {
			entry = parent
		} else {
			entry, err = fs.meta.Get(ctx, parent.Parent)
		}
	default:
		entry, err = fs.meta.LookupChild(ctx, parentID, name)
	}
	if err != nil {
		return nil, 0, err
	}

	fs.applyLiveSize(entry)
	return entry, fs.inodes.Acquire(entry.ID), nil
}

// Forget releases nlookup kernel references on ino.
func (fs *FileSystem) Forget(ino, nlookup uint64) {
	fs.inodes.Forget(ino, nlookup)
}

// GetAttr returns the entry behind ino.
func (fs *FileSystem) GetAttr(ctx context.Context, ino uint64) (*gridmount.DirectoryEntry, error) {
	id, err := fs.inodes.Resolve(ino)
	if err != nil {
		return nil, err
	}
	entry, err := fs.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fs.applyLiveSize(entry)
	return entry, nil
}

// SetAttr applies the attribute update to the entry behind ino.
// Truncation and resizing never reach this point; the protocol layer
// rejects size changes outright.
func (fs *FileSystem) SetAttr(ctx context.Context, ino uint64, upd gridmount.EntryMetaUpdate) (*gridmount.DirectoryEntry, error) {
	id, err := fs.inodes.Resolve(ino)
	if err != nil {
		return nil, err
	}
	entry, err := fs.meta.SetEntryMeta(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	fs.applyLiveSize(entry)
	return entry, nil
}

// Mkdir creates a directory entry under parentIno.
func (fs *FileSystem) Mkdir(ctx context.Context, parentIno uint64, name string, mode, uid, gid uint32) (*gridmount.DirectoryEntry, uint64, error) {
	logger := util.GetLogger("Mkdir")

	parentID, err := fs.inodes.Resolve(parentIno)
	if err != nil {
		return nil, 0, err
	}
	entry, err := fs.meta.CreateEntry(ctx, parentID, name, gridmount.KindDir, mode, uid, gid)
	if err != nil {
		return nil, 0, err
	}
	logger.Debug().Str("name", name).Str("id", string(entry.ID)).Msg("Created directory")
	return entry, fs.inodes.Acquire(entry.ID), nil
}

// Create makes a new file entry under parentIno and opens it for
// writing in one step. This is the only path that yields a write
// handle for a file that does not exist yet.
func (fs *FileSystem) Create(ctx context.Context, parentIno uint64, name string, mode, uid, gid uint32) (*gridmount.DirectoryEntry, uint64, uint64, error) {
	logger := util.GetLogger("Create")

	parentID, err := fs.inodes.Resolve(parentIno)
	if err != nil {
		return nil, 0, 0, err
	}
	entry, err := fs.meta.CreateEntry(ctx, parentID, name, gridmount.KindFile, mode, uid, gid)
	if err != nil {
		return nil, 0, 0, err
	}

	fh, err := fs.openWrite(ctx, entry)
	if err != nil {
		// The entry is already visible; leave it and surface the error.
		logger.Error().Err(err).Str("name", name).Msg("Failed to open writer for new file")
		return nil, 0, 0, err
	}
	logger.Debug().Str("name", name).Str("id", string(entry.ID)).Uint64("fh", fh).Msg("Created file")
	entry.File.State = gridmount.StateWriting
	return entry, fs.inodes.Acquire(entry.ID), fh, nil
}

// Open opens the file behind ino. Write handles are only granted for
// never-written files with no writer attached; read handles only for
// sealed files.
func (fs *FileSystem) Open(ctx context.Context, ino uint64, write bool) (*gridmount.DirectoryEntry, uint64, error) {
	id, err := fs.inodes.Resolve(ino)
	if err != nil {
		return nil, 0, err
	}
	entry, err := fs.meta.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if entry.Kind != gridmount.KindFile {
		return nil, 0, gridmount.ErrIsDir
	}

	if write {
		if err := checkOpenWrite(entry.File); err != nil {
			return nil, 0, err
		}
		fh, err := fs.openWrite(ctx, entry)
		if err != nil {
			return nil, 0, err
		}
		entry.File.State = gridmount.StateWriting
		return entry, fh, nil
	}

	if _, busy := fs.writes.owner(id); busy {
		return nil, 0, gridmount.ErrBusy
	}
	if err := checkOpenRead(entry.File); err != nil {
		return nil, 0, err
	}
	h := &Handle{fh: fs.handles.Reserve(), ino: ino, id: id, kind: handleRead, rec: entry.File}
	fs.handles.Put(h)
	return entry, h.fh, nil
}

// openWrite claims the write gate, starts a blob writer and publishes
// the handle. The gate is claimed before the writer starts so a losing
// racer never leaves an orphan blob behind.
func (fs *FileSystem) openWrite(ctx context.Context, entry *gridmount.DirectoryEntry) (uint64, error) {
	fh := fs.handles.Reserve()
	if err := fs.writes.acquire(entry.ID, fh); err != nil {
		return 0, err
	}
	writer, err := fs.blobs.NewWriter(ctx)
	if err != nil {
		fs.writes.release(entry.ID)
		return 0, fmt.Errorf("starting blob writer: %w", err)
	}
	fs.handles.Put(&Handle{fh: fh, id: entry.ID, kind: handleWrite, writer: writer})
	return fh, nil
}

// Read copies up to len(p) bytes at off from the sealed content behind
// fh. Reading at or past the end returns 0 bytes.
func (fs *FileSystem) Read(ctx context.Context, fh uint64, p []byte, off int64) (int, error) {
	h, ok := fs.handles.Get(fh)
	if !ok {
		return 0, gridmount.ErrStale
	}
	if h.kind != handleRead {
		return 0, gridmount.ErrUnsupported
	}
	if off >= h.rec.Size || h.rec.Ref == "" {
		return 0, nil
	}
	return fs.blobs.ReadAt(ctx, h.rec.Ref, p, off)
}

// Write appends p to the handle's blob. Only the next sequential
// offset is accepted; anything else is a seek, and seeking within a
// write-once stream is not supported.
func (fs *FileSystem) Write(ctx context.Context, fh uint64, p []byte, off int64) (int, error) {
	h, ok := fs.handles.Get(fh)
	if !ok {
		return 0, gridmount.ErrStale
	}
	if h.kind != handleWrite {
		return 0, gridmount.ErrUnsupported
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if off != h.writer.Size() {
		return 0, gridmount.ErrUnsupported
	}
	return h.writer.Write(ctx, p)
}

// Flush is called once per descriptor close. Data is durable per chunk
// as it streams, so there is nothing extra to push here.
func (fs *FileSystem) Flush(ctx context.Context, fh uint64) error {
	if _, ok := fs.handles.Get(fh); !ok {
		return gridmount.ErrStale
	}
	return nil
}

// Release closes the handle behind fh. For write handles this is the
// seal point: the blob is committed and its record attached to the
// entry, making the bytes visible to readers in one step. Releasing an
// already-released handle is a no-op.
func (fs *FileSystem) Release(ctx context.Context, fh uint64) error {
	logger := util.GetLogger("Release")

	h, ok := fs.handles.Remove(fh)
	if !ok || h.kind != handleWrite {
		return nil
	}
	defer fs.writes.release(h.id)

	rec, err := h.writer.Commit(ctx)
	if err != nil {
		logger.Error().Err(err).Str("id", string(h.id)).Msg("Failed to commit blob; discarding chunks")
		if aerr := h.writer.Abort(ctx); aerr != nil {
			logger.Error().Err(aerr).Str("id", string(h.id)).Msg("Failed to abort blob writer")
		}
		return err
	}

	if err := fs.meta.SealEntry(ctx, h.id, rec); err != nil {
		// Unlinked while being written: the entry is gone, so the
		// committed blob has no owner. Drop it and treat the close as
		// clean.
		logger.Warn().Err(err).Str("id", string(h.id)).Msg("Seal failed; deleting committed blob")
		if derr := fs.blobs.Delete(ctx, rec.Ref); derr != nil {
			logger.Error().Err(derr).Str("ref", string(rec.Ref)).Msg("Failed to delete unowned blob")
		}
		if errors.Is(err, gridmount.ErrNotFound) {
			return nil
		}
		return err
	}
	logger.Debug().Str("id", string(h.id)).Int64("size", rec.Size).Msg("Sealed file")
	return nil
}

// OpenDir snapshots the directory listing behind ino into a new
// directory handle. Entries created or removed after opendir do not
// affect an in-progress readdir.
func (fs *FileSystem) OpenDir(ctx context.Context, ino uint64) (uint64, error) {
	id, err := fs.inodes.Resolve(ino)
	if err != nil {
		return 0, err
	}
	entry, err := fs.meta.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if entry.Kind != gridmount.KindDir {
		return 0, gridmount.ErrNotDir
	}
	children, err := fs.meta.ListChildren(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, c := range children {
		fs.applyLiveSize(c)
	}
	h := &Handle{fh: fs.handles.Reserve(), ino: ino, id: id, kind: handleDir, entries: children}
	fs.handles.Put(h)
	return h.fh, nil
}

// ReadDir returns the snapshot held by the directory handle.
func (fs *FileSystem) ReadDir(ctx context.Context, fh uint64) ([]*gridmount.DirectoryEntry, error) {
	h, ok := fs.handles.Get(fh)
	if !ok || h.kind != handleDir {
		return nil, gridmount.ErrStale
	}
	return h.entries, nil
}

// ReleaseDir drops the directory handle.
func (fs *FileSystem) ReleaseDir(fh uint64) {
	fs.handles.Remove(fh)
}

// Unlink removes the file entry named name under parentIno and, for
// sealed files, cascades to the content store. A file being written
// loses its entry immediately; the in-flight blob is discarded when
// its writer closes.
func (fs *FileSystem) Unlink(ctx context.Context, parentIno uint64, name string) error {
	logger := util.GetLogger("Unlink")

	parentID, err := fs.inodes.Resolve(parentIno)
	if err != nil {
		return err
	}
	child, err := fs.meta.LookupChild(ctx, parentID, name)
	if err != nil {
		return err
	}
	if child.Kind == gridmount.KindDir {
		return gridmount.ErrIsDir
	}
	if err := fs.meta.DeleteEntry(ctx, child.ID); err != nil {
		return err
	}
	if child.File.Ref != "" {
		// Metadata is already gone; a failed content delete leaves an
		// orphan for the sweep rather than a half-deleted file.
		if err := fs.blobs.Delete(ctx, child.File.Ref); err != nil {
			logger.Error().Err(err).Str("ref", string(child.File.Ref)).Msg("Failed to delete content; orphan left for sweep")
		}
	}
	logger.Debug().Str("name", name).Str("id", string(child.ID)).Msg("Unlinked file")
	return nil
}

// Rmdir removes the empty directory named name under parentIno.
func (fs *FileSystem) Rmdir(ctx context.Context, parentIno uint64, name string) error {
	parentID, err := fs.inodes.Resolve(parentIno)
	if err != nil {
		return err
	}
	child, err := fs.meta.LookupChild(ctx, parentID, name)
	if err != nil {
		return err
	}
	if child.Kind != gridmount.KindDir {
		return gridmount.ErrNotDir
	}
	return fs.meta.DeleteEntry(ctx, child.ID)
}

// Rename moves oldName under oldParentIno to newName under
// newParentIno. The entry keeps its identifier, so open handles and
// inode mappings survive the move. An existing target name blocks the
// rename; nothing is replaced implicitly.
func (fs *FileSystem) Rename(ctx context.Context, oldParentIno uint64, oldName string, newParentIno uint64, newName string) error {
	oldParentID, err := fs.inodes.Resolve(oldParentIno)
	if err != nil {
		return err
	}
	newParentID, err := fs.inodes.Resolve(newParentIno)
	if err != nil {
		return err
	}
	entry, err := fs.meta.LookupChild(ctx, oldParentID, oldName)
	if err != nil {
		return err
	}
	return fs.meta.RenameEntry(ctx, entry.ID, newParentID, newName)
}

// Close shuts down both stores.
func (fs *FileSystem) Close(ctx context.Context) error {
	var firstErr error
	if err := fs.blobs.Close(ctx); err != nil {
		firstErr = err
	}
	if err := fs.meta.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
