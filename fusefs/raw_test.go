package fusefs

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/blobstore"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/filesystem"
	"github.com/gridmount/gridmount/metastore"
)

func newRaw(t *testing.T) *Raw {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.ChunkSize = 16
	fs, err := filesystem.New(context.Background(), cfg, metastore.NewMemoryStore(), blobstore.NewMemoryStore(cfg.ChunkSize))
	require.NoError(t, err)
	return NewRaw(fs, cfg)
}

func header(ino uint64) fuse.InHeader {
	return fuse.InHeader{
		NodeId: ino,
		Caller: fuse.Caller{Owner: fuse.Owner{Uid: 1000, Gid: 1000}},
	}
}

// create makes a file through the wire layer and returns its inode and
// write handle.
func create(t *testing.T, r *Raw, parent uint64, name string) (uint64, uint64) {
	t.Helper()
	var out fuse.CreateOut
	in := fuse.CreateIn{InHeader: header(parent), Flags: uint32(syscall.O_WRONLY | syscall.O_CREAT), Mode: 0o644}
	require.Equal(t, fuse.OK, r.Create(nil, &in, name, &out))
	return out.NodeId, out.Fh
}

func TestRawCreateWriteReadCycle(t *testing.T) {
	r := newRaw(t)

	ino, fh := create(t, r, filesystem.RootInode, "wire.txt")
	assert.NotZero(t, ino)

	payload := []byte("written through the wire structs")
	n, status := r.Write(nil, &fuse.WriteIn{InHeader: header(ino), Fh: fh, Offset: 0, Size: uint32(len(payload))}, payload)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, uint32(len(payload)), n)

	// Non-sequential offsets are rejected at the wire as EINVAL.
	_, status = r.Write(nil, &fuse.WriteIn{InHeader: header(ino), Fh: fh, Offset: 999, Size: 3}, []byte("abc"))
	assert.Equal(t, fuse.EINVAL, status)

	assert.Equal(t, fuse.OK, r.Flush(nil, &fuse.FlushIn{InHeader: header(ino), Fh: fh}))
	r.Release(nil, &fuse.ReleaseIn{InHeader: header(ino), Fh: fh})

	// Attributes after seal: regular file bits plus the real size.
	var attrOut fuse.AttrOut
	require.Equal(t, fuse.OK, r.GetAttr(nil, &fuse.GetAttrIn{InHeader: header(ino)}, &attrOut))
	assert.Equal(t, uint64(len(payload)), attrOut.Attr.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), attrOut.Attr.Mode)
	assert.Equal(t, uint32(1000), attrOut.Attr.Owner.Uid)

	var openOut fuse.OpenOut
	require.Equal(t, fuse.OK, r.Open(nil, &fuse.OpenIn{InHeader: header(ino), Flags: uint32(syscall.O_RDONLY)}, &openOut))

	buf := make([]byte, 64)
	res, status := r.Read(nil, &fuse.ReadIn{InHeader: header(ino), Fh: openOut.Fh, Offset: 8, Size: 64}, buf)
	require.Equal(t, fuse.OK, status)
	got, _ := res.Bytes(nil)
	assert.Equal(t, "through the wire structs", string(got))

	r.Release(nil, &fuse.ReleaseIn{InHeader: header(ino), Fh: openOut.Fh})
}

func TestRawWriteOnceStatuses(t *testing.T) {
	r := newRaw(t)

	ino, fh := create(t, r, filesystem.RootInode, "once.txt")

	// Second writer while the first is open.
	var openOut fuse.OpenOut
	status := r.Open(nil, &fuse.OpenIn{InHeader: header(ino), Flags: uint32(syscall.O_WRONLY)}, &openOut)
	assert.Equal(t, fuse.EBUSY, status)

	r.Release(nil, &fuse.ReleaseIn{InHeader: header(ino), Fh: fh})

	// Rewrite after seal.
	status = r.Open(nil, &fuse.OpenIn{InHeader: header(ino), Flags: uint32(syscall.O_WRONLY)}, &openOut)
	assert.Equal(t, fuse.EACCES, status)
	status = r.Open(nil, &fuse.OpenIn{InHeader: header(ino), Flags: uint32(syscall.O_RDWR)}, &openOut)
	assert.Equal(t, fuse.EACCES, status)
}

func TestRawLookupAndEntryTimeouts(t *testing.T) {
	r := newRaw(t)

	var mkdirOut fuse.EntryOut
	require.Equal(t, fuse.OK, r.Mkdir(nil, &fuse.MkdirIn{InHeader: header(filesystem.RootInode), Mode: 0o755}, "sub", &mkdirOut))
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), mkdirOut.Attr.Mode)
	assert.Equal(t, uint64(4096), mkdirOut.Attr.Size)
	assert.Equal(t, uint64(4096/512+1), mkdirOut.Attr.Blocks)

	var out fuse.EntryOut
	require.Equal(t, fuse.OK, r.Lookup(nil, ptr(header(filesystem.RootInode)), "sub", &out))
	assert.Equal(t, mkdirOut.NodeId, out.NodeId)
	assert.NotZero(t, out.AttrValid)
	assert.NotZero(t, out.EntryValid)

	status := r.Lookup(nil, ptr(header(filesystem.RootInode)), "missing", &out)
	assert.Equal(t, fuse.ENOENT, status)
}

func TestRawSetAttrRejectsResize(t *testing.T) {
	r := newRaw(t)

	ino, fh := create(t, r, filesystem.RootInode, "fixed.txt")
	r.Release(nil, &fuse.ReleaseIn{InHeader: header(ino), Fh: fh})

	var out fuse.AttrOut
	in := fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{InHeader: header(ino), Valid: fuse.FATTR_SIZE, Size: 10}}
	assert.Equal(t, fuse.EINVAL, r.SetAttr(nil, &in, &out))

	// chmod still works.
	in = fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{InHeader: header(ino), Valid: fuse.FATTR_MODE, Mode: 0o600}}
	require.Equal(t, fuse.OK, r.SetAttr(nil, &in, &out))
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), out.Attr.Mode)
}

func TestRawUnlinkRmdirRename(t *testing.T) {
	r := newRaw(t)

	var dirOut fuse.EntryOut
	require.Equal(t, fuse.OK, r.Mkdir(nil, &fuse.MkdirIn{InHeader: header(filesystem.RootInode), Mode: 0o755}, "dir", &dirOut))
	ino, fh := create(t, r, filesystem.RootInode, "file")
	r.Release(nil, &fuse.ReleaseIn{InHeader: header(ino), Fh: fh})

	assert.Equal(t, fuse.Status(syscall.EISDIR), r.Unlink(nil, ptr(header(filesystem.RootInode)), "dir"))
	assert.Equal(t, fuse.ENOTDIR, r.Rmdir(nil, ptr(header(filesystem.RootInode)), "file"))

	renameIn := fuse.RenameIn{InHeader: header(filesystem.RootInode), Newdir: dirOut.NodeId}
	require.Equal(t, fuse.OK, r.Rename(nil, &renameIn, "file", "moved"))

	assert.Equal(t, fuse.Status(syscall.ENOTEMPTY), r.Rmdir(nil, ptr(header(filesystem.RootInode)), "dir"))
	require.Equal(t, fuse.OK, r.Unlink(nil, ptr(header(dirOut.NodeId)), "moved"))
	require.Equal(t, fuse.OK, r.Rmdir(nil, ptr(header(filesystem.RootInode)), "dir"))
}

func TestErrToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want fuse.Status
	}{
		{nil, fuse.OK},
		{gridmount.ErrNotFound, fuse.ENOENT},
		{gridmount.ErrExist, fuse.Status(syscall.EEXIST)},
		{gridmount.ErrNotEmpty, fuse.Status(syscall.ENOTEMPTY)},
		{gridmount.ErrNotDir, fuse.ENOTDIR},
		{gridmount.ErrIsDir, fuse.Status(syscall.EISDIR)},
		{gridmount.ErrInvalidState, fuse.EACCES},
		{gridmount.ErrAlreadyWritten, fuse.EACCES},
		{gridmount.ErrBusy, fuse.EBUSY},
		{gridmount.ErrUnsupported, fuse.EINVAL},
		{gridmount.ErrStale, fuse.Status(syscall.ESTALE)},
		{errors.New("driver exploded"), fuse.EIO},
		{fmt.Errorf("lookup: %w", gridmount.ErrNotFound), fuse.ENOENT},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errToStatus(tc.err), "error %v", tc.err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
