package filesystem

import (
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gridmount/gridmount"
)

// RootInode is the fixed protocol inode number of the filesystem root.
const RootInode uint64 = fuse.FUSE_ROOT_ID

// InodeTable maintains the session-scoped bidirectional mapping between
// protocol inode numbers and store entry identifiers. Inode numbers are
// allocated on demand, never reused within a session, and carry a
// lookup reference count in kernel style: every positive lookup
// increments, FORGET decrements by nlookup, and the mapping is dropped
// when the count reaches zero. The root mapping is permanent.
//
// Both maps plus the per-inode counts must move together, so the table
// uses one mutex instead of lock-free maps.
type InodeTable struct {
	mu      sync.Mutex
	byIno   map[uint64]gridmount.EntryID
	byID    map[gridmount.EntryID]uint64
	refs    map[uint64]uint64
	lastIno atomic.Uint64
}

func NewInodeTable(root gridmount.EntryID) *InodeTable {
	t := &InodeTable{
		byIno: map[uint64]gridmount.EntryID{RootInode: root},
		byID:  map[gridmount.EntryID]uint64{root: RootInode},
		refs:  map[uint64]uint64{},
	}
	t.lastIno.Store(RootInode)
	return t
}

// Acquire returns the inode number for id, allocating one if the entry
// has never been seen this session, and increments its lookup count.
func (t *InodeTable) Acquire(id gridmount.EntryID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino, ok := t.byID[id]
	if !ok {
		ino = t.lastIno.Add(1)
		t.byID[id] = ino
		t.byIno[ino] = id
	}
	if ino != RootInode {
		t.refs[ino]++
	}
	return ino
}

// Peek returns the inode number already assigned to id without touching
// the lookup count. Used for directory listings, which are advisory.
func (t *InodeTable) Peek(id gridmount.EntryID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ino, ok := t.byID[id]
	return ino, ok
}

// Resolve maps an inode number back to its entry identifier. Numbers
// the kernel remembers from before a FORGET resolve to ErrStale.
func (t *InodeTable) Resolve(ino uint64) (gridmount.EntryID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byIno[ino]
	if !ok {
		return "", gridmount.ErrStale
	}
	return id, nil
}

// Forget decrements the lookup count by nlookup and drops the mapping
// when it reaches zero. Forgetting the root or an unknown inode is a
// no-op; the kernel may legitimately send both.
func (t *InodeTable) Forget(ino, nlookup uint64) {
	if ino == RootInode {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.refs[ino]
	if !ok {
		return
	}
	if nlookup >= n {
		id := t.byIno[ino]
		delete(t.refs, ino)
		delete(t.byIno, ino)
		delete(t.byID, id)
		return
	}
	t.refs[ino] = n - nlookup
}

// Len reports the number of live mappings, the permanent root included.
func (t *InodeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIno)
}
