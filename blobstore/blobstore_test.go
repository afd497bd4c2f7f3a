package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		off       int64
		n         int
		chunkSize int
		first     int
		last      int
	}{
		{"within_first", 0, 4, 8, 0, 0},
		{"to_boundary", 0, 8, 8, 0, 0},
		{"across_boundary", 6, 4, 8, 0, 1},
		{"aligned_second", 8, 8, 8, 1, 1},
		{"three_chunks", 7, 10, 8, 0, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first, last := chunkRange(tc.off, tc.n, tc.chunkSize)
			assert.Equal(t, tc.first, first)
			assert.Equal(t, tc.last, last)
		})
	}
}

// TestChunker_FlushBoundaries verifies chunks are emitted exactly at the
// chunk-size boundary and the tail only on finish.
func TestChunker_FlushBoundaries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var flushed [][]byte
	c := newChunker(4, func(ctx context.Context, n int, data []byte) error {
		dup := make([]byte, len(data))
		copy(dup, data)
		require.Equal(t, len(flushed), n, "chunk indexes are sequential")
		flushed = append(flushed, dup)
		return nil
	})

	_, err := c.write(ctx, []byte("abcde"))
	require.NoError(t, err)
	assert.Len(t, flushed, 1, "only the full chunk is flushed")
	assert.Equal(t, "abcd", string(flushed[0]))

	_, err = c.write(ctx, []byte("fgh"))
	require.NoError(t, err)
	assert.Len(t, flushed, 2)

	sum, err := c.finish(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sum)
	assert.Len(t, flushed, 2, "no trailing bytes were buffered")
	assert.Equal(t, int64(8), c.size.Load())
}

func TestChunker_EmptyFinish(t *testing.T) {
	t.Parallel()

	c := newChunker(4, func(ctx context.Context, n int, data []byte) error {
		t.Fatal("no chunk should be flushed for an empty stream")
		return nil
	})
	sum, err := c.finish(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sum, "even the empty stream has a digest")
	assert.Equal(t, int64(0), c.size.Load())
}
