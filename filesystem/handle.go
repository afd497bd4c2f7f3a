package filesystem

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gridmount/gridmount"
)

type handleKind int

const (
	handleRead handleKind = iota
	handleWrite
	handleDir
)

// Handle is one open file or directory descriptor. Handles carry the
// entry identifier directly so close paths keep working after the
// kernel forgets the inode mapping.
type Handle struct {
	fh   uint64
	ino  uint64
	id   gridmount.EntryID
	kind handleKind

	// read handles snapshot the sealed record at open time; the record
	// is immutable so the snapshot never goes stale.
	rec gridmount.FileRecord

	// write handles own the blob writer. The mutex serializes the
	// offset check against the append.
	mu     sync.Mutex
	writer gridmount.ContentWriter

	// directory handles snapshot the listing at opendir time.
	entries []*gridmount.DirectoryEntry
}

// HandleTable maps protocol file-handle numbers to open handles.
// Numbers are never reused within a session.
type HandleTable struct {
	handles *xsync.Map[uint64, *Handle]
	lastFh  atomic.Uint64
}

func NewHandleTable() *HandleTable {
	return &HandleTable{handles: xsync.NewMap[uint64, *Handle]()}
}

// Reserve allocates a handle number without publishing a handle,
// letting callers claim the write gate under the final number before
// the handle becomes visible.
func (t *HandleTable) Reserve() uint64 {
	return t.lastFh.Add(1)
}

func (t *HandleTable) Put(h *Handle) {
	t.handles.Store(h.fh, h)
}

func (t *HandleTable) Get(fh uint64) (*Handle, bool) {
	return t.handles.Load(fh)
}

// Remove unpublishes the handle. The second removal of the same number
// returns false, which release paths treat as "already closed".
func (t *HandleTable) Remove(fh uint64) (*Handle, bool) {
	return t.handles.LoadAndDelete(fh)
}

func (t *HandleTable) Len() int {
	return t.handles.Size()
}
