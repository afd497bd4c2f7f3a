// Package storetest holds a conformance suite every MetadataStore
// implementation must pass. The in-memory store runs it in unit tests;
// the Mongo store runs the same suite behind the integration build tag.
package storetest

import (
	"context"
	"os"
	"testing"

	"github.com/gridmount/gridmount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for each subtest.
type Factory func(t *testing.T) gridmount.MetadataStore

// Run exercises the full MetadataStore contract against the given
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("RootIsStable", func(t *testing.T) { testRootIsStable(t, factory) })
	t.Run("CreateLookupRoundtrip", func(t *testing.T) { testCreateLookupRoundtrip(t, factory) })
	t.Run("CreateDuplicateName", func(t *testing.T) { testCreateDuplicateName(t, factory) })
	t.Run("CreateUnderFile", func(t *testing.T) { testCreateUnderFile(t, factory) })
	t.Run("CreateUnderMissingParent", func(t *testing.T) { testCreateUnderMissingParent(t, factory) })
	t.Run("ListChildrenInsertionOrder", func(t *testing.T) { testListChildrenInsertionOrder(t, factory) })
	t.Run("DeleteEntry", func(t *testing.T) { testDeleteEntry(t, factory) })
	t.Run("DeleteNonEmptyDir", func(t *testing.T) { testDeleteNonEmptyDir(t, factory) })
	t.Run("DeleteRoot", func(t *testing.T) { testDeleteRoot(t, factory) })
	t.Run("Rename", func(t *testing.T) { testRename(t, factory) })
	t.Run("RenameOntoExisting", func(t *testing.T) { testRenameOntoExisting(t, factory) })
	t.Run("SealEntry", func(t *testing.T) { testSealEntry(t, factory) })
	t.Run("SetEntryMeta", func(t *testing.T) { testSetEntryMeta(t, factory) })
}

func newRoot(t *testing.T, store gridmount.MetadataStore) *gridmount.DirectoryEntry {
	t.Helper()
	root, err := store.Root(context.Background())
	require.NoError(t, err)
	require.NotNil(t, root)
	return root
}

func testRootIsStable(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	first := newRoot(t, store)
	second := newRoot(t, store)

	assert.Equal(t, first.ID, second.ID, "root identifier must be stable across calls")
	assert.Equal(t, gridmount.KindDir, first.Kind)
	assert.Empty(t, string(first.Parent), "root has no parent")
	assert.Equal(t, uint32(os.Getuid()), first.UID, "root belongs to the mounting process")
	assert.Equal(t, uint32(os.Getgid()), first.GID, "root belongs to the mounting process")

	fetched, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, fetched.IsRoot())
}

func testCreateLookupRoundtrip(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	created, err := store.CreateEntry(ctx, root.ID, "docs", gridmount.KindDir, 0o755, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, "docs", created.Name)
	assert.Equal(t, root.ID, created.Parent)
	assert.Equal(t, gridmount.KindDir, created.Kind)
	assert.NotEmpty(t, string(created.ID))

	found, err := store.LookupChild(ctx, root.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "docs", found.Name)

	_, err = store.LookupChild(ctx, root.ID, "missing")
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func testCreateDuplicateName(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	_, err := store.CreateEntry(ctx, root.ID, "a", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = store.CreateEntry(ctx, root.ID, "a", gridmount.KindFile, 0o644, 0, 0)
	assert.ErrorIs(t, err, gridmount.ErrExist)

	// Same name under a different parent is fine.
	dir, err := store.CreateEntry(ctx, root.ID, "sub", gridmount.KindDir, 0o755, 0, 0)
	require.NoError(t, err)
	_, err = store.CreateEntry(ctx, dir.ID, "a", gridmount.KindFile, 0o644, 0, 0)
	assert.NoError(t, err)
}

func testCreateUnderFile(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	file, err := store.CreateEntry(ctx, root.ID, "file", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	_, err = store.CreateEntry(ctx, file.ID, "child", gridmount.KindFile, 0o644, 0, 0)
	assert.ErrorIs(t, err, gridmount.ErrNotDir)
}

func testCreateUnderMissingParent(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	newRoot(t, store)

	_, err := store.CreateEntry(ctx, gridmount.EntryID("nope"), "child", gridmount.KindFile, 0o644, 0, 0)
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func testListChildrenInsertionOrder(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		_, err := store.CreateEntry(ctx, root.ID, name, gridmount.KindFile, 0o644, 0, 0)
		require.NoError(t, err)
	}

	children, err := store.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, len(names))
	for i, name := range names {
		assert.Equal(t, name, children[i].Name, "directory order is insertion order")
	}

	_, err = store.ListChildren(ctx, gridmount.EntryID("nope"))
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func testDeleteEntry(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	file, err := store.CreateEntry(ctx, root.ID, "gone", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, store.DeleteEntry(ctx, file.ID))

	_, err = store.LookupChild(ctx, root.ID, "gone")
	assert.ErrorIs(t, err, gridmount.ErrNotFound)

	assert.ErrorIs(t, store.DeleteEntry(ctx, file.ID), gridmount.ErrNotFound)
}

func testDeleteNonEmptyDir(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	dir, err := store.CreateEntry(ctx, root.ID, "docs", gridmount.KindDir, 0o755, 0, 0)
	require.NoError(t, err)
	file, err := store.CreateEntry(ctx, dir.ID, "readme", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, store.DeleteEntry(ctx, dir.ID), gridmount.ErrNotEmpty)

	require.NoError(t, store.DeleteEntry(ctx, file.ID))
	assert.NoError(t, store.DeleteEntry(ctx, dir.ID),
		"empty directory must delete cleanly once the last child is gone")
}

func testDeleteRoot(t *testing.T, factory Factory) {
	store := factory(t)
	root := newRoot(t, store)

	assert.ErrorIs(t, store.DeleteEntry(context.Background(), root.ID), gridmount.ErrUnsupported)
}

func testRename(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	src, err := store.CreateEntry(ctx, root.ID, "p1", gridmount.KindDir, 0o755, 0, 0)
	require.NoError(t, err)
	dst, err := store.CreateEntry(ctx, root.ID, "p2", gridmount.KindDir, 0o755, 0, 0)
	require.NoError(t, err)
	entry, err := store.CreateEntry(ctx, src.ID, "a", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, store.RenameEntry(ctx, entry.ID, dst.ID, "b"))

	_, err = store.LookupChild(ctx, src.ID, "a")
	assert.ErrorIs(t, err, gridmount.ErrNotFound, "old name must stop resolving")

	moved, err := store.LookupChild(ctx, dst.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, moved.ID, "identifier must survive the rename")
	assert.Equal(t, dst.ID, moved.Parent)

	assert.ErrorIs(t, store.RenameEntry(ctx, gridmount.EntryID("nope"), dst.ID, "c"), gridmount.ErrNotFound)
	assert.ErrorIs(t, store.RenameEntry(ctx, entry.ID, gridmount.EntryID("nope"), "c"), gridmount.ErrNotFound)
	assert.ErrorIs(t, store.RenameEntry(ctx, root.ID, dst.ID, "c"), gridmount.ErrUnsupported)
}

func testRenameOntoExisting(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	a, err := store.CreateEntry(ctx, root.ID, "a", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)
	_, err = store.CreateEntry(ctx, root.ID, "b", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)

	// No implicit overwrite-replace.
	assert.ErrorIs(t, store.RenameEntry(ctx, a.ID, root.ID, "b"), gridmount.ErrExist)

	// Renaming onto itself is a no-op, not a conflict.
	assert.NoError(t, store.RenameEntry(ctx, a.ID, root.ID, "a"))
}

func testSealEntry(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	file, err := store.CreateEntry(ctx, root.ID, "data", gridmount.KindFile, 0o644, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateEmpty, file.File.State)

	rec := gridmount.FileRecord{Size: 5, Ref: "ref-1", Checksum: "abc"}
	require.NoError(t, store.SealEntry(ctx, file.ID, rec))

	sealed, err := store.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, gridmount.StateSealed, sealed.File.State)
	assert.Equal(t, int64(5), sealed.File.Size)
	assert.Equal(t, gridmount.ContentRef("ref-1"), sealed.File.Ref)
	assert.Equal(t, "abc", sealed.File.Checksum)

	// Sealed is terminal.
	err = store.SealEntry(ctx, file.ID, gridmount.FileRecord{Size: 9, Ref: "ref-2"})
	assert.ErrorIs(t, err, gridmount.ErrAlreadyWritten)

	dir, err := store.CreateEntry(ctx, root.ID, "dir", gridmount.KindDir, 0o755, 0, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, store.SealEntry(ctx, dir.ID, rec), gridmount.ErrIsDir)

	assert.ErrorIs(t, store.SealEntry(ctx, gridmount.EntryID("nope"), rec), gridmount.ErrNotFound)
}

func testSetEntryMeta(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()
	root := newRoot(t, store)

	file, err := store.CreateEntry(ctx, root.ID, "meta", gridmount.KindFile, 0o644, 1000, 1000)
	require.NoError(t, err)

	mode := uint32(0o600)
	mtime := int64(1_700_000_000)
	updated, err := store.SetEntryMeta(ctx, file.ID, gridmount.EntryMetaUpdate{
		Mode:  &mode,
		MTime: &mtime,
	})
	require.NoError(t, err)
	assert.Equal(t, mode, updated.Mode)
	assert.Equal(t, mtime, updated.MTime.Unix())
	assert.Equal(t, uint32(1000), updated.UID, "unset fields stay put")

	_, err = store.SetEntryMeta(ctx, gridmount.EntryID("nope"), gridmount.EntryMetaUpdate{Mode: &mode})
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}
