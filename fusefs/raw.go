// Package fusefs adapts the core filesystem to the low-level FUSE wire
// protocol. It only translates wire structs and maps taxonomy errors to
// status codes; every decision about entries, handles and the
// write-once lifecycle lives in the filesystem package.
// See https://www.man7.org/linux/man-pages/man4/fuse.4.html
package fusefs

import (
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/filesystem"
	"github.com/gridmount/gridmount/internal/util"
)

// unknownIno marks advisory directory-listing inode numbers for entries
// the kernel has not looked up yet.
const unknownIno = ^uint64(0)

type Raw struct {
	fuse.RawFileSystem
	fs     *filesystem.FileSystem
	cfg    *config.Config
	server *fuse.Server
}

func NewRaw(fs *filesystem.FileSystem, cfg *config.Config) *Raw {
	return &Raw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		cfg:           cfg,
	}
}

func (r *Raw) String() string {
	return "gridmount"
}

func (r *Raw) Init(s *fuse.Server) {
	logger := util.GetLogger("Fuse.Init")
	r.server = s
	logger.Debug().Msg("FUSE initialized")
}

func (r *Raw) OnUnmount() {
	logger := util.GetLogger("Fuse.OnUnmount")
	logger.Info().Msg("FUSE unmounted")
}

func newContext(cancel <-chan struct{}, caller fuse.Caller) *fuse.Context {
	return &fuse.Context{Caller: caller, Cancel: cancel}
}

// fillAttr converts a directory entry to wire attributes. Block counts
// use the conventional 512-byte unit regardless of the preferred I/O
// size.
func fillAttr(attr *fuse.Attr, ino uint64, e *gridmount.DirectoryEntry) {
	attr.Ino = ino
	attr.Mode = entryMode(e)
	attr.Nlink = 1
	attr.Owner = fuse.Owner{Uid: e.UID, Gid: e.GID}
	attr.Blksize = 512

	if e.Kind == gridmount.KindFile {
		attr.Size = uint64(e.File.Size)
	} else {
		// Directories have no stored content; report a nominal block.
		attr.Size = 4096
	}
	attr.Blocks = attr.Size/512 + 1

	attr.Ctime = uint64(e.CTime.Unix())
	attr.Ctimensec = uint32(e.CTime.Nanosecond())
	attr.Mtime = uint64(e.MTime.Unix())
	attr.Mtimensec = uint32(e.MTime.Nanosecond())
	attr.Atime = attr.Mtime
	attr.Atimensec = attr.Mtimensec
}

func entryMode(e *gridmount.DirectoryEntry) uint32 {
	if e.Kind == gridmount.KindDir {
		return uint32(syscall.S_IFDIR) | e.Mode
	}
	return uint32(syscall.S_IFREG) | e.Mode
}

func (r *Raw) fillEntryOut(out *fuse.EntryOut, ino uint64, e *gridmount.DirectoryEntry) {
	out.NodeId = ino
	fillAttr(&out.Attr, ino, e)
	out.SetEntryTimeout(time.Duration(r.cfg.EntryTimeout * float64(time.Second)))
	out.SetAttrTimeout(time.Duration(r.cfg.AttrTimeout * float64(time.Second)))
}

// Lookup is called by the kernel when the VFS wants to know about a
// file inside a directory. Many lookup calls can occur in parallel,
// but only one call happens for each (dir, name) pair.
func (r *Raw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx := newContext(cancel, header.Caller)
	entry, ino, err := r.fs.Lookup(ctx, header.NodeId, name)
	if err != nil {
		return errToStatus(err)
	}
	r.fillEntryOut(out, ino, entry)
	return fuse.OK
}

// Forget is called when the kernel discards entries from its dentry
// cache. There is no return value, so Forget must not do I/O.
func (r *Raw) Forget(nodeid, nlookup uint64) {
	r.fs.Forget(nodeid, nlookup)
}

func (r *Raw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	entry, err := r.fs.GetAttr(ctx, input.NodeId)
	if err != nil {
		return errToStatus(err)
	}
	fillAttr(&out.Attr, input.NodeId, entry)
	out.SetTimeout(time.Duration(r.cfg.AttrTimeout * float64(time.Second)))
	return fuse.OK
}

// SetAttr applies chmod/chown/utimens. Resizing is rejected outright:
// content is write-once, so there is no truncate path.
func (r *Raw) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	if input.Valid&fuse.FATTR_SIZE != 0 {
		return fuse.EINVAL
	}

	var upd gridmount.EntryMetaUpdate
	if input.Valid&fuse.FATTR_MODE != 0 {
		upd.Mode = util.Pointer(input.Mode & 0o7777)
	}
	if input.Valid&fuse.FATTR_UID != 0 {
		upd.UID = util.Pointer(input.Owner.Uid)
	}
	if input.Valid&fuse.FATTR_GID != 0 {
		upd.GID = util.Pointer(input.Owner.Gid)
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		upd.MTime = util.Pointer(int64(input.Mtime))
	}

	ctx := newContext(cancel, input.Caller)
	entry, err := r.fs.SetAttr(ctx, input.NodeId, upd)
	if err != nil {
		return errToStatus(err)
	}
	fillAttr(&out.Attr, input.NodeId, entry)
	out.SetTimeout(time.Duration(r.cfg.AttrTimeout * float64(time.Second)))
	return fuse.OK
}

// Access is not called when the 'default_permissions' mount option is
// given; otherwise permission checking is left to the kernel's own
// attribute-based checks.
func (r *Raw) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return fuse.OK
}

func (r *Raw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	entry, ino, err := r.fs.Mkdir(ctx, input.NodeId, name, input.Mode&0o7777, input.Caller.Uid, input.Caller.Gid)
	if err != nil {
		return errToStatus(err)
	}
	r.fillEntryOut(out, ino, entry)
	return fuse.OK
}

// Create makes the entry and opens it for writing in one step. This is
// the only way to obtain a write handle for a name that does not exist
// yet; open(2) with O_CREAT on a missing name lands here.
func (r *Raw) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	entry, ino, fh, err := r.fs.Create(ctx, input.NodeId, name, input.Mode&0o7777, input.Caller.Uid, input.Caller.Gid)
	if err != nil {
		return errToStatus(err)
	}
	r.fillEntryOut(&out.EntryOut, ino, entry)
	out.Fh = fh
	return fuse.OK
}

func (r *Raw) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	write := input.Flags&uint32(syscall.O_ACCMODE) != uint32(syscall.O_RDONLY)
	_, fh, err := r.fs.Open(ctx, input.NodeId, write)
	if err != nil {
		return errToStatus(err)
	}
	out.Fh = fh
	return fuse.OK
}

func (r *Raw) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	ctx := newContext(cancel, input.Caller)
	n, err := r.fs.Read(ctx, input.Fh, buf[:input.Size], int64(input.Offset))
	if err != nil {
		return nil, errToStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (r *Raw) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	ctx := newContext(cancel, input.Caller)
	n, err := r.fs.Write(ctx, input.Fh, data, int64(input.Offset))
	if err != nil {
		return 0, errToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (r *Raw) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	return errToStatus(r.fs.Flush(ctx, input.Fh))
}

// Release seals the file when it closes a write handle. Errors here
// are mostly invisible to applications; the real commit/seal failures
// are logged by the core.
func (r *Raw) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	ctx := newContext(cancel, input.Caller)
	if err := r.fs.Release(ctx, input.Fh); err != nil {
		logger := util.GetLogger("Fuse.Release")
		logger.Error().Err(err).Uint64("fh", input.Fh).Msg("Release failed")
	}
}

func (r *Raw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	fh, err := r.fs.OpenDir(ctx, input.NodeId)
	if err != nil {
		return errToStatus(err)
	}
	out.Fh = fh
	return fuse.OK
}

func (r *Raw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	entries, err := r.fs.ReadDir(ctx, input.Fh)
	if err != nil {
		return errToStatus(err)
	}

	// The stream is "." and ".." followed by the snapshot; the offset
	// indexes into it absolutely, so a full buffer resumes cleanly.
	for idx := input.Offset; idx < uint64(len(entries))+2; idx++ {
		var de fuse.DirEntry
		switch idx {
		case 0:
			de = fuse.DirEntry{Name: ".", Mode: uint32(syscall.S_IFDIR), Ino: input.NodeId}
		case 1:
			de = fuse.DirEntry{Name: "..", Mode: uint32(syscall.S_IFDIR), Ino: unknownIno}
		default:
			e := entries[idx-2]
			de = fuse.DirEntry{Name: e.Name, Mode: entryMode(e), Ino: unknownIno}
		}
		if !out.AddDirEntry(de) {
			return fuse.OK
		}
	}
	return fuse.OK
}

func (r *Raw) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	entries, err := r.fs.ReadDir(ctx, input.Fh)
	if err != nil {
		return errToStatus(err)
	}

	for idx := input.Offset; idx < uint64(len(entries))+2; idx++ {
		if idx == 0 || idx == 1 {
			// "." and ".." carry no attributes; the kernel looks them
			// up separately if it cares.
			name := "."
			if idx == 1 {
				name = ".."
			}
			if out.AddDirLookupEntry(fuse.DirEntry{Name: name, Mode: uint32(syscall.S_IFDIR), Ino: unknownIno}) == nil {
				return fuse.OK
			}
			continue
		}

		e := entries[idx-2]
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Mode: entryMode(e), Ino: unknownIno})
		if entryOut == nil {
			return fuse.OK
		}
		// A returned entry counts as a kernel lookup, reference
		// included.
		_, ino, lerr := r.fs.Lookup(ctx, input.NodeId, e.Name)
		if lerr != nil {
			// Raced with a concurrent remove; leave the slot empty.
			*entryOut = fuse.EntryOut{}
			continue
		}
		r.fillEntryOut(entryOut, ino, e)
	}
	return fuse.OK
}

func (r *Raw) ReleaseDir(input *fuse.ReleaseIn) {
	r.fs.ReleaseDir(input.Fh)
}

func (r *Raw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := newContext(cancel, header.Caller)
	return errToStatus(r.fs.Unlink(ctx, header.NodeId, name))
}

func (r *Raw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := newContext(cancel, header.Caller)
	return errToStatus(r.fs.Rmdir(ctx, header.NodeId, name))
}

func (r *Raw) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	ctx := newContext(cancel, input.Caller)
	return errToStatus(r.fs.Rename(ctx, input.NodeId, oldName, input.Newdir, newName))
}

func (r *Raw) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.Bsize = 4096
	out.NameLen = 255
	return fuse.OK
}
