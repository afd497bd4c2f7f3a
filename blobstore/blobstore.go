// Package blobstore provides the chunked content-store implementations:
// a GridFS-compatible MongoDB store and an in-memory store for tests.
// Blobs are append-only and immutable once committed; there is no
// partial-overwrite path.
package blobstore

import (
	"context"
	"encoding/hex"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// DefaultChunkSize matches the GridFS default so blobs written by this
// store stay readable with stock GridFS tooling.
const DefaultChunkSize = 255 * 1024

// flushFunc persists one full or final chunk at index n.
type flushFunc func(ctx context.Context, n int, data []byte) error

// chunker accumulates streamed writes into fixed-size chunks and keeps
// a running checksum across them. It bounds memory to one chunk no
// matter how large the blob gets. Writes are single-owner, but size is
// atomic: stat paths read it while a write is in flight.
type chunker struct {
	chunkSize int
	buf       []byte
	next      int // next chunk index
	size      atomic.Int64
	hash      *blake3.Hasher
	flush     flushFunc
}

func newChunker(chunkSize int, flush flushFunc) *chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &chunker{
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
		hash:      blake3.New(),
		flush:     flush,
	}
}

func (c *chunker) write(ctx context.Context, p []byte) (int, error) {
	total := len(p)
	c.hash.Write(p) // never returns an error
	c.size.Add(int64(total))

	for len(p) > 0 {
		room := c.chunkSize - len(c.buf)
		take := min(room, len(p))
		c.buf = append(c.buf, p[:take]...)
		p = p[take:]

		if len(c.buf) == c.chunkSize {
			if err := c.flush(ctx, c.next, c.buf); err != nil {
				return 0, err
			}
			c.next++
			c.buf = c.buf[:0]
		}
	}
	return total, nil
}

// finish flushes any buffered tail chunk and returns the hex checksum.
func (c *chunker) finish(ctx context.Context) (string, error) {
	if len(c.buf) > 0 {
		if err := c.flush(ctx, c.next, c.buf); err != nil {
			return "", err
		}
		c.next++
		c.buf = c.buf[:0]
	}
	return hex.EncodeToString(c.hash.Sum(nil)), nil
}

// chunkRange returns the chunk indexes covering [off, off+n) for the
// given chunk size.
func chunkRange(off int64, n int, chunkSize int) (first, last int) {
	first = int(off / int64(chunkSize))
	last = int((off + int64(n) - 1) / int64(chunkSize))
	return first, last
}
