package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gridmount/gridmount"
)

type memoryBlob struct {
	chunks   [][]byte
	size     int64
	checksum string
}

// MemoryStore is an in-process ContentStore with the same chunking
// policy as the Mongo store. It backs the unit tests.
type MemoryStore struct {
	chunkSize int
	mu        sync.Mutex
	blobs     map[gridmount.ContentRef]*memoryBlob
	pending   map[gridmount.ContentRef][][]byte
}

var _ gridmount.ContentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory content store. chunkSize <= 0
// selects DefaultChunkSize.
func NewMemoryStore(chunkSize int) *MemoryStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MemoryStore{
		chunkSize: chunkSize,
		blobs:     make(map[gridmount.ContentRef]*memoryBlob),
		pending:   make(map[gridmount.ContentRef][][]byte),
	}
}

func (s *MemoryStore) NewWriter(ctx context.Context) (gridmount.ContentWriter, error) {
	ref := gridmount.ContentRef(uuid.NewString())
	s.mu.Lock()
	s.pending[ref] = nil
	s.mu.Unlock()

	w := &memoryWriter{store: s, ref: ref}
	w.chunker = newChunker(s.chunkSize, w.flushChunk)
	return w, nil
}

func (s *MemoryStore) ReadAt(ctx context.Context, ref gridmount.ContentRef, p []byte, off int64) (int, error) {
	s.mu.Lock()
	blob, ok := s.blobs[ref]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("blob %s: %w", ref, gridmount.ErrNotFound)
	}
	if off < 0 || off >= blob.size || len(p) == 0 {
		return 0, nil
	}
	want := int64(len(p))
	if off+want > blob.size {
		want = blob.size - off
	}

	copied := 0
	first, last := chunkRange(off, int(want), s.chunkSize)
	for n := first; n <= last && n < len(blob.chunks); n++ {
		chunkStart := int64(n) * int64(s.chunkSize)
		data := blob.chunks[n]
		from := int64(0)
		if off > chunkStart {
			from = off - chunkStart
		}
		take := min(int64(len(data))-from, want-int64(copied))
		copied += copy(p[copied:], data[from:from+take])
	}
	return copied, nil
}

func (s *MemoryStore) Stat(ctx context.Context, ref gridmount.ContentRef) (gridmount.FileRecord, error) {
	s.mu.Lock()
	blob, ok := s.blobs[ref]
	s.mu.Unlock()
	if !ok {
		return gridmount.FileRecord{}, fmt.Errorf("blob %s: %w", ref, gridmount.ErrNotFound)
	}
	return gridmount.FileRecord{
		State:    gridmount.StateSealed,
		Size:     blob.size,
		Ref:      ref,
		Checksum: blob.checksum,
	}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref gridmount.ContentRef) error {
	s.mu.Lock()
	delete(s.blobs, ref)
	delete(s.pending, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

type memoryWriter struct {
	store   *MemoryStore
	ref     gridmount.ContentRef
	chunker *chunker
	done    bool
}

func (w *memoryWriter) flushChunk(ctx context.Context, n int, data []byte) error {
	dup := make([]byte, len(data))
	copy(dup, data)
	w.store.mu.Lock()
	w.store.pending[w.ref] = append(w.store.pending[w.ref], dup)
	w.store.mu.Unlock()
	return nil
}

func (w *memoryWriter) Write(ctx context.Context, p []byte) (int, error) {
	if w.done {
		return 0, gridmount.ErrAlreadyWritten
	}
	return w.chunker.write(ctx, p)
}

func (w *memoryWriter) Size() int64 {
	return w.chunker.size.Load()
}

func (w *memoryWriter) Commit(ctx context.Context) (gridmount.FileRecord, error) {
	if w.done {
		return gridmount.FileRecord{}, gridmount.ErrAlreadyWritten
	}
	checksum, err := w.chunker.finish(ctx)
	if err != nil {
		return gridmount.FileRecord{}, err
	}
	w.done = true

	size := w.chunker.size.Load()
	w.store.mu.Lock()
	chunks := w.store.pending[w.ref]
	delete(w.store.pending, w.ref)
	w.store.blobs[w.ref] = &memoryBlob{
		chunks:   chunks,
		size:     size,
		checksum: checksum,
	}
	w.store.mu.Unlock()

	return gridmount.FileRecord{
		State:    gridmount.StateSealed,
		Size:     size,
		Ref:      w.ref,
		Checksum: checksum,
	}, nil
}

func (w *memoryWriter) Abort(ctx context.Context) error {
	if w.done {
		return fmt.Errorf("abort after commit: %w", gridmount.ErrUnsupported)
	}
	w.done = true
	w.store.mu.Lock()
	delete(w.store.pending, w.ref)
	w.store.mu.Unlock()
	return nil
}
