// Package storetest holds a conformance suite every ContentStore
// implementation must pass, mirroring the metadata-store suite.
package storetest

import (
	"bytes"
	"context"
	"testing"

	"github.com/gridmount/gridmount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh store configured with the given chunk size.
type Factory func(t *testing.T, chunkSize int) gridmount.ContentStore

// Run exercises the full ContentStore contract against the given
// factory. Small chunk sizes are used throughout so multi-chunk paths
// are hit with little data.
func Run(t *testing.T, factory Factory) {
	t.Run("RoundtripSingleChunk", func(t *testing.T) { testRoundtrip(t, factory, 64, []byte("hello")) })
	t.Run("RoundtripExactChunk", func(t *testing.T) { testRoundtrip(t, factory, 8, []byte("12345678")) })
	t.Run("RoundtripMultiChunk", func(t *testing.T) {
		testRoundtrip(t, factory, 8, bytes.Repeat([]byte("abcdefg"), 10))
	})
	t.Run("RoundtripEmpty", func(t *testing.T) { testRoundtrip(t, factory, 8, nil) })
	t.Run("StreamedWrites", func(t *testing.T) { testStreamedWrites(t, factory) })
	t.Run("ReadAtOffsets", func(t *testing.T) { testReadAtOffsets(t, factory) })
	t.Run("ReadUnknownRef", func(t *testing.T) { testReadUnknownRef(t, factory) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("AbortDiscards", func(t *testing.T) { testAbortDiscards(t, factory) })
	t.Run("ChecksumDeterministic", func(t *testing.T) { testChecksumDeterministic(t, factory) })
}

func commit(t *testing.T, store gridmount.ContentStore, content []byte) gridmount.FileRecord {
	t.Helper()
	ctx := context.Background()
	w, err := store.NewWriter(ctx)
	require.NoError(t, err)
	if len(content) > 0 {
		n, err := w.Write(ctx, content)
		require.NoError(t, err)
		require.Equal(t, len(content), n)
	}
	rec, err := w.Commit(ctx)
	require.NoError(t, err)
	return rec
}

func testRoundtrip(t *testing.T, factory Factory, chunkSize int, content []byte) {
	store := factory(t, chunkSize)
	ctx := context.Background()

	rec := commit(t, store, content)
	assert.Equal(t, gridmount.StateSealed, rec.State)
	assert.Equal(t, int64(len(content)), rec.Size)
	assert.NotEmpty(t, rec.Checksum)
	assert.NotEmpty(t, string(rec.Ref))

	buf := make([]byte, len(content)+16)
	n, err := store.ReadAt(ctx, rec.Ref, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(content), n)
	assert.Equal(t, content, append([]byte(nil), buf[:n]...))

	stat, err := store.Stat(ctx, rec.Ref)
	require.NoError(t, err)
	assert.Equal(t, rec, stat)
}

func testStreamedWrites(t *testing.T, factory Factory) {
	store := factory(t, 8)
	ctx := context.Background()

	// Write sizes chosen to straddle chunk boundaries unevenly.
	w, err := store.NewWriter(ctx)
	require.NoError(t, err)
	var want []byte
	for _, piece := range [][]byte{
		[]byte("abc"), []byte("defghijkl"), []byte("m"), []byte("nopqrstuvwxyz0123"),
	} {
		n, err := w.Write(ctx, piece)
		require.NoError(t, err)
		require.Equal(t, len(piece), n)
		want = append(want, piece...)
		assert.Equal(t, int64(len(want)), w.Size())
	}
	rec, err := w.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), rec.Size)

	got := make([]byte, len(want))
	n, err := store.ReadAt(ctx, rec.Ref, got, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got[:n])
}

func testReadAtOffsets(t *testing.T, factory Factory) {
	store := factory(t, 8)
	ctx := context.Background()
	content := []byte("0123456789abcdefghij") // 20 bytes, 3 chunks of 8

	rec := commit(t, store, content)

	cases := []struct {
		name string
		off  int64
		len  int
		want string
	}{
		{"mid_first_chunk", 2, 4, "2345"},
		{"spanning_chunks", 6, 6, "6789ab"},
		{"second_chunk", 8, 8, "89abcdef"},
		{"tail_clamped", 16, 10, "ghij"},
		{"at_eof", 20, 5, ""},
		{"past_eof", 100, 5, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.len)
			n, err := store.ReadAt(ctx, rec.Ref, buf, tc.off)
			require.NoError(t, err, "EOF reads return empty, not an error")
			assert.Equal(t, tc.want, string(buf[:n]))
		})
	}
}

func testReadUnknownRef(t *testing.T, factory Factory) {
	store := factory(t, 8)
	ctx := context.Background()

	buf := make([]byte, 4)
	_, err := store.ReadAt(ctx, gridmount.ContentRef("nope"), buf, 0)
	assert.ErrorIs(t, err, gridmount.ErrNotFound)

	_, err = store.Stat(ctx, gridmount.ContentRef("nope"))
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, factory Factory) {
	store := factory(t, 8)
	ctx := context.Background()

	rec := commit(t, store, []byte("doomed bytes"))
	require.NoError(t, store.Delete(ctx, rec.Ref))

	buf := make([]byte, 4)
	_, err := store.ReadAt(ctx, rec.Ref, buf, 0)
	assert.ErrorIs(t, err, gridmount.ErrNotFound)

	assert.NoError(t, store.Delete(ctx, rec.Ref), "double delete is a no-op")
	assert.NoError(t, store.Delete(ctx, gridmount.ContentRef("never-existed")))
}

func testAbortDiscards(t *testing.T, factory Factory) {
	store := factory(t, 8)
	ctx := context.Background()

	w, err := store.NewWriter(ctx)
	require.NoError(t, err)
	_, err = w.Write(ctx, []byte("partial content spanning chunks"))
	require.NoError(t, err)
	require.NoError(t, w.Abort(ctx))

	// Nothing must remain readable and the writer is dead.
	_, err = w.Write(ctx, []byte("more"))
	assert.Error(t, err)
	_, err = w.Commit(ctx)
	assert.Error(t, err)
}

func testChecksumDeterministic(t *testing.T, factory Factory) {
	store := factory(t, 8)
	content := []byte("the same bytes twice over")

	first := commit(t, store, content)
	second := commit(t, store, content)

	assert.NotEqual(t, first.Ref, second.Ref, "refs are unique per blob")
	assert.Equal(t, first.Checksum, second.Checksum, "checksum depends only on content")
}
