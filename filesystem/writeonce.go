package filesystem

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/gridmount/gridmount"
)

// writeTable enforces the single-writer half of the write-once
// lifecycle: at most one open write handle per entry, session-wide.
// The map value is the owning handle number so attribute reads can
// find the in-flight writer and report its live size.
type writeTable struct {
	active *xsync.Map[gridmount.EntryID, uint64]
}

func newWriteTable() *writeTable {
	return &writeTable{active: xsync.NewMap[gridmount.EntryID, uint64]()}
}

// acquire claims the write slot for fh. ErrBusy if another handle
// already holds it.
func (w *writeTable) acquire(id gridmount.EntryID, fh uint64) error {
	if _, loaded := w.active.LoadOrStore(id, fh); loaded {
		return gridmount.ErrBusy
	}
	return nil
}

// release frees the slot. Only the owning handle's close path calls
// this, so no ownership check is needed.
func (w *writeTable) release(id gridmount.EntryID) {
	w.active.Delete(id)
}

// owner returns the handle number of the active writer, if any.
func (w *writeTable) owner(id gridmount.EntryID) (uint64, bool) {
	return w.active.Load(id)
}

// checkOpenWrite validates the entry state for a new write handle. The
// write slot itself is claimed separately through acquire.
func checkOpenWrite(rec gridmount.FileRecord) error {
	if rec.State == gridmount.StateSealed {
		return gridmount.ErrAlreadyWritten
	}
	return nil
}

// checkOpenRead validates the entry state for a new read handle.
// Content becomes readable only once sealed.
func checkOpenRead(rec gridmount.FileRecord) error {
	if rec.State != gridmount.StateSealed {
		return gridmount.ErrInvalidState
	}
	return nil
}
