package filesystem

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/blobstore"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/internal/util"
	"github.com/gridmount/gridmount/metastore"
)

func newTestFS(t *testing.T) (*FileSystem, gridmount.MetadataStore, gridmount.ContentStore) {
	t.Helper()
	meta := metastore.NewMemoryStore()
	blobs := blobstore.NewMemoryStore(8) // tiny chunks so tests cross boundaries
	fs, err := New(context.Background(), config.NewDefaultConfig(), meta, blobs)
	require.NoError(t, err)
	return fs, meta, blobs
}

// createSealed writes content through the full create/write/release
// path and returns the entry's inode number.
func createSealed(t *testing.T, fs *FileSystem, parentIno uint64, name string, content []byte) uint64 {
	t.Helper()
	ctx := context.Background()
	_, ino, fh, err := fs.Create(ctx, parentIno, name, 0o644, 1000, 1000)
	require.NoError(t, err)
	if len(content) > 0 {
		n, err := fs.Write(ctx, fh, content, 0)
		require.NoError(t, err)
		require.Equal(t, len(content), n)
	}
	require.NoError(t, fs.Release(ctx, fh))
	return ino
}

func TestCreateWriteSealRead(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	entry, ino, fh, err := fs.Create(ctx, RootInode, "notes.txt", 0o644, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateWriting, entry.File.State)

	// Two sequential appends, each crossing the 8-byte chunk boundary.
	n, err := fs.Write(ctx, fh, []byte("hello, chunked "), 0)
	require.NoError(t, err)
	require.Equal(t, 15, n)
	n, err = fs.Write(ctx, fh, []byte("world"), 15)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.NoError(t, fs.Release(ctx, fh))

	sealed, err := fs.GetAttr(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateSealed, sealed.File.State)
	assert.Equal(t, int64(20), sealed.File.Size)
	assert.NotEmpty(t, sealed.File.Checksum)

	_, rfh, err := fs.Open(ctx, ino, false)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err = fs.Read(ctx, rfh, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello, chunked world", string(buf[:n]))

	// Reads at and past the end return empty, not an error.
	n, err = fs.Read(ctx, rfh, buf, 20)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = fs.Read(ctx, rfh, buf, 1000)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, fs.Release(ctx, rfh))
}

func TestWriteRejectsNonSequentialOffset(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, _, fh, err := fs.Create(ctx, RootInode, "gap.bin", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = fs.Write(ctx, fh, []byte("abc"), 0)
	require.NoError(t, err)

	_, err = fs.Write(ctx, fh, []byte("xyz"), 10)
	assert.ErrorIs(t, err, gridmount.ErrUnsupported)
	_, err = fs.Write(ctx, fh, []byte("xyz"), 1)
	assert.ErrorIs(t, err, gridmount.ErrUnsupported)

	// The stream is still usable at the real offset.
	_, err = fs.Write(ctx, fh, []byte("def"), 3)
	assert.NoError(t, err)
	require.NoError(t, fs.Release(ctx, fh))
}

func TestSecondWriterIsBusy(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, ino, fh, err := fs.Create(ctx, RootInode, "locked.txt", 0o644, 0, 0)
	require.NoError(t, err)

	_, _, err = fs.Open(ctx, ino, true)
	assert.ErrorIs(t, err, gridmount.ErrBusy)

	// Readers are also held off while the writer is attached.
	_, _, err = fs.Open(ctx, ino, false)
	assert.ErrorIs(t, err, gridmount.ErrBusy)

	require.NoError(t, fs.Release(ctx, fh))
	_, _, err = fs.Open(ctx, ino, true)
	assert.ErrorIs(t, err, gridmount.ErrAlreadyWritten)
}

func TestOpenWriteSealedFile(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ino := createSealed(t, fs, RootInode, "done.txt", []byte("final"))

	_, _, err := fs.Open(context.Background(), ino, true)
	assert.ErrorIs(t, err, gridmount.ErrAlreadyWritten)
}

func TestOpenReadUnsealedFile(t *testing.T) {
	fs, meta, _ := newTestFS(t)
	ctx := context.Background()

	// An entry created out-of-band stays in the never-written state.
	root, err := meta.Root(ctx)
	require.NoError(t, err)
	_, err = meta.CreateEntry(ctx, root.ID, "pending.txt", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	_, ino, err := fs.Lookup(ctx, RootInode, "pending.txt")
	require.NoError(t, err)
	_, _, err = fs.Open(ctx, ino, false)
	assert.ErrorIs(t, err, gridmount.ErrInvalidState)
}

func TestCloseWithoutWriteSealsZeroLength(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	ino := createSealed(t, fs, RootInode, "empty.txt", nil)

	entry, err := fs.GetAttr(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateSealed, entry.File.State)
	assert.Zero(t, entry.File.Size)

	_, fh, err := fs.Open(ctx, ino, false)
	require.NoError(t, err)
	n, err := fs.Read(ctx, fh, make([]byte, 16), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatDuringWriteShowsLiveSize(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, ino, fh, err := fs.Create(ctx, RootInode, "growing.log", 0o644, 0, 0)
	require.NoError(t, err)
	_, err = fs.Write(ctx, fh, []byte("0123456789"), 0)
	require.NoError(t, err)

	entry, err := fs.GetAttr(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateWriting, entry.File.State)
	assert.Equal(t, int64(10), entry.File.Size)

	require.NoError(t, fs.Release(ctx, fh))
}

func TestStatDuringWriteIsConcurrencySafe(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, ino, fh, err := fs.Create(ctx, RootInode, "hammered.log", 0o644, 0, 0)
	require.NoError(t, err)

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		off := int64(0)
		for i := 0; i < rounds; i++ {
			n, werr := fs.Write(ctx, fh, []byte("0123456789"), off)
			assert.NoError(t, werr)
			off += int64(n)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			entry, gerr := fs.GetAttr(ctx, ino)
			assert.NoError(t, gerr)
			// The observed size is whatever the writer had streamed at
			// that instant; it only ever grows.
			assert.GreaterOrEqual(t, entry.File.Size, int64(0))
			assert.LessOrEqual(t, entry.File.Size, int64(rounds*10))
		}
	}()
	wg.Wait()

	require.NoError(t, fs.Release(ctx, fh))
	entry, err := fs.GetAttr(ctx, ino)
	require.NoError(t, err)
	assert.Equal(t, int64(rounds*10), entry.File.Size)
}

func TestUnlinkCascadesToContent(t *testing.T) {
	fs, _, blobs := newTestFS(t)
	ctx := context.Background()

	ino := createSealed(t, fs, RootInode, "doomed.txt", []byte("bytes to reclaim"))
	entry, err := fs.GetAttr(ctx, ino)
	require.NoError(t, err)
	ref := entry.File.Ref
	require.NotEmpty(t, ref)

	require.NoError(t, fs.Unlink(ctx, RootInode, "doomed.txt"))

	_, _, err = fs.Lookup(ctx, RootInode, "doomed.txt")
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
	_, err = blobs.Stat(ctx, ref)
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func TestUnlinkWhileWriting(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, _, fh, err := fs.Create(ctx, RootInode, "vanishing.txt", 0o644, 0, 0)
	require.NoError(t, err)
	_, err = fs.Write(ctx, fh, []byte("in flight"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(ctx, RootInode, "vanishing.txt"))

	// The writer's close finds its entry gone and discards the blob.
	require.NoError(t, fs.Release(ctx, fh))
	_, _, err = fs.Lookup(ctx, RootInode, "vanishing.txt")
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func TestUnlinkAndRmdirKindChecks(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, _, err := fs.Mkdir(ctx, RootInode, "dir", 0o755, 0, 0)
	require.NoError(t, err)
	createSealed(t, fs, RootInode, "file", nil)

	assert.ErrorIs(t, fs.Unlink(ctx, RootInode, "dir"), gridmount.ErrIsDir)
	assert.ErrorIs(t, fs.Rmdir(ctx, RootInode, "file"), gridmount.ErrNotDir)
}

func TestRmdirNotEmpty(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, dirIno, err := fs.Mkdir(ctx, RootInode, "crowded", 0o755, 0, 0)
	require.NoError(t, err)
	createSealed(t, fs, dirIno, "occupant", nil)

	assert.ErrorIs(t, fs.Rmdir(ctx, RootInode, "crowded"), gridmount.ErrNotEmpty)

	require.NoError(t, fs.Unlink(ctx, dirIno, "occupant"))
	assert.NoError(t, fs.Rmdir(ctx, RootInode, "crowded"))
}

func TestRenameKeepsIdentity(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	ino := createSealed(t, fs, RootInode, "old-name", []byte("payload"))
	_, destIno, err := fs.Mkdir(ctx, RootInode, "dest", 0o755, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, RootInode, "old-name", destIno, "new-name"))

	moved, movedIno, err := fs.Lookup(ctx, destIno, "new-name")
	require.NoError(t, err)
	assert.Equal(t, ino, movedIno)
	assert.Equal(t, int64(7), moved.File.Size)

	_, _, err = fs.Lookup(ctx, RootInode, "old-name")
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func TestRenameRefusesOverwrite(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	createSealed(t, fs, RootInode, "a", []byte("a"))
	createSealed(t, fs, RootInode, "b", []byte("b"))

	assert.ErrorIs(t, fs.Rename(ctx, RootInode, "a", RootInode, "b"), gridmount.ErrExist)
}

func TestReaddirSnapshot(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	createSealed(t, fs, RootInode, "first", nil)
	createSealed(t, fs, RootInode, "second", nil)

	fh, err := fs.OpenDir(ctx, RootInode)
	require.NoError(t, err)

	createSealed(t, fs, RootInode, "third", nil)

	entries, err := fs.ReadDir(ctx, fh)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"first", "second"}, names)
	fs.ReleaseDir(fh)

	fh, err = fs.OpenDir(ctx, RootInode)
	require.NoError(t, err)
	entries, err = fs.ReadDir(ctx, fh)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	fs.ReleaseDir(fh)
}

func TestLookupDotAndDotDot(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	self, selfIno, err := fs.Lookup(ctx, RootInode, ".")
	require.NoError(t, err)
	assert.Equal(t, RootInode, selfIno)
	assert.True(t, self.IsRoot())

	// The root is its own parent.
	_, upIno, err := fs.Lookup(ctx, RootInode, "..")
	require.NoError(t, err)
	assert.Equal(t, RootInode, upIno)

	_, dirIno, err := fs.Mkdir(ctx, RootInode, "nested", 0o755, 0, 0)
	require.NoError(t, err)
	_, parentIno, err := fs.Lookup(ctx, dirIno, "..")
	require.NoError(t, err)
	assert.Equal(t, RootInode, parentIno)
}

func TestForgetInvalidatesInode(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	createSealed(t, fs, RootInode, "fleeting", nil)

	// Two lookups, one combined forget.
	_, ino, err := fs.Lookup(ctx, RootInode, "fleeting")
	require.NoError(t, err)
	_, again, err := fs.Lookup(ctx, RootInode, "fleeting")
	require.NoError(t, err)
	require.Equal(t, ino, again)

	fs.Forget(ino, 1)
	_, err = fs.GetAttr(ctx, ino)
	require.NoError(t, err)

	// createSealed's Create added one more reference.
	fs.Forget(ino, 2)
	_, err = fs.GetAttr(ctx, ino)
	assert.ErrorIs(t, err, gridmount.ErrStale)

	// A fresh lookup must mint a new number, never recycle.
	_, fresh, err := fs.Lookup(ctx, RootInode, "fleeting")
	require.NoError(t, err)
	assert.NotEqual(t, ino, fresh)
}

func TestReleaseTwice(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	_, _, fh, err := fs.Create(ctx, RootInode, "once.txt", 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Release(ctx, fh))
	assert.NoError(t, fs.Release(ctx, fh))
}

func TestSetAttrUpdatesMeta(t *testing.T) {
	fs, _, _ := newTestFS(t)
	ctx := context.Background()

	ino := createSealed(t, fs, RootInode, "chmod-me", nil)

	entry, err := fs.SetAttr(ctx, ino, gridmount.EntryMetaUpdate{
		Mode: util.Pointer(uint32(0o600)),
		UID:  util.Pointer(uint32(2000)),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), entry.Mode)
	assert.Equal(t, uint32(2000), entry.UID)
}
