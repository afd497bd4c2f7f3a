package filesystem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmount/gridmount"
)

func TestInodeTableRootIsPermanent(t *testing.T) {
	table := NewInodeTable(gridmount.RootEntryID)

	id, err := table.Resolve(RootInode)
	require.NoError(t, err)
	assert.Equal(t, gridmount.RootEntryID, id)

	// Kernels forget the root too; the mapping must survive it.
	table.Forget(RootInode, 100)
	id, err = table.Resolve(RootInode)
	require.NoError(t, err)
	assert.Equal(t, gridmount.RootEntryID, id)
}

func TestInodeTableAcquireIsStable(t *testing.T) {
	table := NewInodeTable(gridmount.RootEntryID)

	a := table.Acquire("entry-a")
	b := table.Acquire("entry-b")
	assert.NotEqual(t, a, b)
	assert.Greater(t, a, RootInode)

	// Re-acquiring returns the same number.
	assert.Equal(t, a, table.Acquire("entry-a"))

	ino, ok := table.Peek("entry-a")
	require.True(t, ok)
	assert.Equal(t, a, ino)
	_, ok = table.Peek("entry-unknown")
	assert.False(t, ok)
}

func TestInodeTableForgetCounts(t *testing.T) {
	table := NewInodeTable(gridmount.RootEntryID)

	ino := table.Acquire("entry")
	table.Acquire("entry")
	table.Acquire("entry")

	table.Forget(ino, 2)
	_, err := table.Resolve(ino)
	require.NoError(t, err)

	table.Forget(ino, 1)
	_, err = table.Resolve(ino)
	assert.ErrorIs(t, err, gridmount.ErrStale)

	// Forgetting a dead inode is harmless.
	table.Forget(ino, 1)

	// No number reuse after the mapping dies.
	assert.NotEqual(t, ino, table.Acquire("entry"))
}

func TestInodeTableConcurrentAcquire(t *testing.T) {
	table := NewInodeTable(gridmount.RootEntryID)

	var wg sync.WaitGroup
	inos := make([]uint64, 32)
	for i := range inos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inos[i] = table.Acquire("shared-entry")
		}(i)
	}
	wg.Wait()

	for _, ino := range inos[1:] {
		assert.Equal(t, inos[0], ino)
	}
	assert.Equal(t, 2, table.Len()) // root + shared-entry
}

func TestHandleTableNumbersNeverReused(t *testing.T) {
	table := NewHandleTable()

	h := &Handle{fh: table.Reserve(), kind: handleRead}
	table.Put(h)

	got, ok := table.Get(h.fh)
	require.True(t, ok)
	assert.Same(t, h, got)

	_, ok = table.Remove(h.fh)
	require.True(t, ok)
	_, ok = table.Remove(h.fh)
	assert.False(t, ok)

	assert.Greater(t, table.Reserve(), h.fh)
	assert.Zero(t, table.Len())
}
