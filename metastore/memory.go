// Package metastore provides the metadata-store implementations backing
// the directory tree: a MongoDB-backed store for real deployments and an
// in-memory store with identical semantics for tests.
package metastore

import (
	"context"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gridmount/gridmount"
)

// MemoryStore is an in-process MetadataStore. It mirrors the Mongo
// store's semantics, including insertion-order child listings, so the
// conformance suite runs against both.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[gridmount.EntryID]*gridmount.DirectoryEntry
	// children preserves insertion order per parent
	children map[gridmount.EntryID][]gridmount.EntryID
}

var _ gridmount.MetadataStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. The root entry is
// created lazily by Root.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[gridmount.EntryID]*gridmount.DirectoryEntry),
		children: make(map[gridmount.EntryID][]gridmount.EntryID),
	}
}

func (s *MemoryStore) Root(ctx context.Context) (*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if root, ok := s.entries[gridmount.RootEntryID]; ok {
		return copyEntry(root), nil
	}
	now := time.Now()
	root := &gridmount.DirectoryEntry{
		ID:    gridmount.RootEntryID,
		Name:  "",
		Kind:  gridmount.KindDir,
		Mode:  0o755,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		CTime: now,
		MTime: now,
	}
	s.entries[root.ID] = root
	return copyEntry(root), nil
}

func (s *MemoryStore) Get(ctx context.Context, id gridmount.EntryID) (*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id gridmount.EntryID) (*gridmount.DirectoryEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, gridmount.ErrNotFound
	}
	return copyEntry(entry), nil
}

func (s *MemoryStore) LookupChild(ctx context.Context, parent gridmount.EntryID, name string) (*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupChildLocked(parent, name)
}

func (s *MemoryStore) lookupChildLocked(parent gridmount.EntryID, name string) (*gridmount.DirectoryEntry, error) {
	for _, id := range s.children[parent] {
		if child := s.entries[id]; child != nil && child.Name == name {
			return copyEntry(child), nil
		}
	}
	return nil, gridmount.ErrNotFound
}

func (s *MemoryStore) ListChildren(ctx context.Context, parent gridmount.EntryID) ([]*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[parent]; !ok {
		return nil, gridmount.ErrNotFound
	}
	ids := s.children[parent]
	out := make([]*gridmount.DirectoryEntry, 0, len(ids))
	for _, id := range ids {
		if child := s.entries[id]; child != nil {
			out = append(out, copyEntry(child))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, parent gridmount.EntryID, name string, kind gridmount.EntryKind, mode, uid, gid uint32) (*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentEntry, ok := s.entries[parent]
	if !ok {
		return nil, gridmount.ErrNotFound
	}
	if parentEntry.Kind != gridmount.KindDir {
		return nil, gridmount.ErrNotDir
	}
	if _, err := s.lookupChildLocked(parent, name); err == nil {
		return nil, gridmount.ErrExist
	}

	now := time.Now()
	entry := &gridmount.DirectoryEntry{
		ID:     gridmount.EntryID(uuid.NewString()),
		Parent: parent,
		Name:   name,
		Kind:   kind,
		Mode:   mode,
		UID:    uid,
		GID:    gid,
		CTime:  now,
		MTime:  now,
	}
	s.entries[entry.ID] = entry
	s.children[parent] = append(s.children[parent], entry.ID)
	return copyEntry(entry), nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id gridmount.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return gridmount.ErrNotFound
	}
	if entry.IsRoot() {
		return gridmount.ErrUnsupported
	}
	if entry.Kind == gridmount.KindDir && len(s.children[id]) > 0 {
		return gridmount.ErrNotEmpty
	}

	delete(s.entries, id)
	delete(s.children, id)
	s.children[entry.Parent] = slices.DeleteFunc(s.children[entry.Parent],
		func(child gridmount.EntryID) bool { return child == id })
	return nil
}

func (s *MemoryStore) RenameEntry(ctx context.Context, id gridmount.EntryID, newParent gridmount.EntryID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return gridmount.ErrNotFound
	}
	if entry.IsRoot() {
		return gridmount.ErrUnsupported
	}
	parentEntry, ok := s.entries[newParent]
	if !ok {
		return gridmount.ErrNotFound
	}
	if parentEntry.Kind != gridmount.KindDir {
		return gridmount.ErrNotDir
	}
	if existing, err := s.lookupChildLocked(newParent, newName); err == nil && existing.ID != id {
		return gridmount.ErrExist
	}

	s.children[entry.Parent] = slices.DeleteFunc(s.children[entry.Parent],
		func(child gridmount.EntryID) bool { return child == id })
	s.children[newParent] = append(s.children[newParent], id)
	entry.Parent = newParent
	entry.Name = newName
	entry.MTime = time.Now()
	return nil
}

func (s *MemoryStore) SetEntryMeta(ctx context.Context, id gridmount.EntryID, meta gridmount.EntryMetaUpdate) (*gridmount.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, gridmount.ErrNotFound
	}
	if meta.Mode != nil {
		entry.Mode = *meta.Mode
	}
	if meta.UID != nil {
		entry.UID = *meta.UID
	}
	if meta.GID != nil {
		entry.GID = *meta.GID
	}
	if meta.MTime != nil {
		entry.MTime = time.Unix(*meta.MTime, 0)
	} else {
		entry.MTime = time.Now()
	}
	return copyEntry(entry), nil
}

func (s *MemoryStore) SealEntry(ctx context.Context, id gridmount.EntryID, rec gridmount.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return gridmount.ErrNotFound
	}
	if entry.Kind != gridmount.KindFile {
		return gridmount.ErrIsDir
	}
	if entry.File.State == gridmount.StateSealed {
		return gridmount.ErrAlreadyWritten
	}
	rec.State = gridmount.StateSealed
	entry.File = rec
	entry.MTime = time.Now()
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// copyEntry hands out copies so callers can't mutate store state behind
// the lock.
func copyEntry(e *gridmount.DirectoryEntry) *gridmount.DirectoryEntry {
	dup := *e
	return &dup
}
