package metastore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/internal/util"
)

// entryDoc is the wire form of a DirectoryEntry in the metadata
// collection. File-record fields are only present on file-kind docs and
// only meaningful once state is "sealed".
type entryDoc struct {
	ID     string `bson:"_id"`
	Parent string `bson:"parent"`
	Name   string `bson:"name"`
	Kind   string `bson:"kind"`
	Mode   uint32 `bson:"mode"`
	UID    uint32 `bson:"uid"`
	GID    uint32 `bson:"gid"`
	CTime  int64  `bson:"ctime"`
	MTime  int64  `bson:"mtime"`

	State    string `bson:"state,omitempty"`
	Size     int64  `bson:"size,omitempty"`
	Ref      string `bson:"ref,omitempty"`
	Checksum string `bson:"checksum,omitempty"`
}

const (
	kindDir  = "dir"
	kindFile = "file"

	stateSealed = "sealed"
)

// MongoStore implements gridmount.MetadataStore over a single metadata
// collection, one document per entry. Name uniqueness within a parent is
// checked before every insert/rename; a unique (parent, name) index
// backstops the known check-then-act window.
type MongoStore struct {
	col    *mongo.Collection
	logger util.Logger
}

var _ gridmount.MetadataStore = (*MongoStore)(nil)

// NewMongoStore returns a store over <prefix>.metadata in db. Call
// Bootstrap once before use to ensure the root document and indexes.
func NewMongoStore(db *mongo.Database, prefix string) *MongoStore {
	return &MongoStore{
		col:    db.Collection(prefix + ".metadata"),
		logger: util.GetLogger("metastore"),
	}
}

// Bootstrap ensures the root sentinel document and the unique
// (parent, name) index exist. Safe to run on every startup.
func (s *MongoStore) Bootstrap(ctx context.Context) error {
	if _, err := s.Root(ctx); err != nil {
		return err
	}

	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "parent", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.col.Indexes().CreateOne(ctx, index); err != nil {
		return fmt.Errorf("creating (parent, name) index: %w", err)
	}
	s.logger.Debug().Str("collection", s.col.Name()).Msg("Metadata store bootstrapped")
	return nil
}

func (s *MongoStore) Root(ctx context.Context) (*gridmount.DirectoryEntry, error) {
	root, err := s.Get(ctx, gridmount.RootEntryID)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, gridmount.ErrNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	doc := entryDoc{
		ID:    string(gridmount.RootEntryID),
		Name:  "",
		Kind:  kindDir,
		Mode:  0o755,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		CTime: now,
		MTime: now,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		// Another process may have bootstrapped concurrently.
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("inserting root entry: %w", err)
		}
	}
	return s.Get(ctx, gridmount.RootEntryID)
}

func (s *MongoStore) Get(ctx context.Context, id gridmount.EntryID) (*gridmount.DirectoryEntry, error) {
	var doc entryDoc
	err := s.col.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("entry %s: %w", id, gridmount.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entry %s: %w", id, err)
	}
	return docToEntry(&doc), nil
}

func (s *MongoStore) LookupChild(ctx context.Context, parent gridmount.EntryID, name string) (*gridmount.DirectoryEntry, error) {
	var doc entryDoc
	err := s.col.FindOne(ctx, bson.M{"parent": string(parent), "name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s in %s: %w", name, parent, gridmount.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s in %s: %w", name, parent, err)
	}
	return docToEntry(&doc), nil
}

func (s *MongoStore) ListChildren(ctx context.Context, parent gridmount.EntryID) ([]*gridmount.DirectoryEntry, error) {
	if _, err := s.Get(ctx, parent); err != nil {
		return nil, err
	}

	// ObjectID order is insertion order, which is the directory order
	// the protocol layer exposes.
	cursor, err := s.col.Find(ctx, bson.M{"parent": string(parent)},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}
	defer cursor.Close(ctx)

	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("draining children of %s: %w", parent, err)
	}
	out := make([]*gridmount.DirectoryEntry, 0, len(docs))
	for i := range docs {
		out = append(out, docToEntry(&docs[i]))
	}
	return out, nil
}

func (s *MongoStore) CreateEntry(ctx context.Context, parent gridmount.EntryID, name string, kind gridmount.EntryKind, mode, uid, gid uint32) (*gridmount.DirectoryEntry, error) {
	parentEntry, err := s.Get(ctx, parent)
	if err != nil {
		return nil, err
	}
	if parentEntry.Kind != gridmount.KindDir {
		return nil, gridmount.ErrNotDir
	}

	// Check-then-act: two concurrent creates of the same name can both
	// observe "absent" here. The unique index turns the losing insert
	// into a duplicate-key error.
	if _, err := s.LookupChild(ctx, parent, name); err == nil {
		return nil, fmt.Errorf("%s in %s: %w", name, parent, gridmount.ErrExist)
	} else if !errors.Is(err, gridmount.ErrNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	doc := entryDoc{
		ID:     primitive.NewObjectID().Hex(),
		Parent: string(parent),
		Name:   name,
		Kind:   kindString(kind),
		Mode:   mode,
		UID:    uid,
		GID:    gid,
		CTime:  now,
		MTime:  now,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s in %s: %w", name, parent, gridmount.ErrExist)
		}
		return nil, fmt.Errorf("inserting entry %s: %w", name, err)
	}
	return docToEntry(&doc), nil
}

func (s *MongoStore) DeleteEntry(ctx context.Context, id gridmount.EntryID) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.IsRoot() {
		return gridmount.ErrUnsupported
	}
	if entry.Kind == gridmount.KindDir {
		count, err := s.col.CountDocuments(ctx, bson.M{"parent": string(id)},
			options.Count().SetLimit(1))
		if err != nil {
			return fmt.Errorf("checking children of %s: %w", id, err)
		}
		if count > 0 {
			return fmt.Errorf("directory %s: %w", id, gridmount.ErrNotEmpty)
		}
	}

	res, err := s.col.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("entry %s: %w", id, gridmount.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) RenameEntry(ctx context.Context, id gridmount.EntryID, newParent gridmount.EntryID, newName string) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.IsRoot() {
		return gridmount.ErrUnsupported
	}
	parentEntry, err := s.Get(ctx, newParent)
	if err != nil {
		return err
	}
	if parentEntry.Kind != gridmount.KindDir {
		return gridmount.ErrNotDir
	}
	if existing, err := s.LookupChild(ctx, newParent, newName); err == nil {
		if existing.ID != id {
			return fmt.Errorf("%s in %s: %w", newName, newParent, gridmount.ErrExist)
		}
	} else if !errors.Is(err, gridmount.ErrNotFound) {
		return err
	}

	update := bson.M{"$set": bson.M{
		"parent": string(newParent),
		"name":   newName,
		"mtime":  time.Now().Unix(),
	}}
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": string(id)}, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s in %s: %w", newName, newParent, gridmount.ErrExist)
		}
		return fmt.Errorf("renaming entry %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("entry %s: %w", id, gridmount.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) SetEntryMeta(ctx context.Context, id gridmount.EntryID, meta gridmount.EntryMetaUpdate) (*gridmount.DirectoryEntry, error) {
	set := bson.M{}
	if meta.Mode != nil {
		set["mode"] = *meta.Mode
	}
	if meta.UID != nil {
		set["uid"] = *meta.UID
	}
	if meta.GID != nil {
		set["gid"] = *meta.GID
	}
	if meta.MTime != nil {
		set["mtime"] = *meta.MTime
	} else {
		set["mtime"] = time.Now().Unix()
	}

	var doc entryDoc
	err := s.col.FindOneAndUpdate(ctx, bson.M{"_id": string(id)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("entry %s: %w", id, gridmount.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("updating entry %s: %w", id, err)
	}
	return docToEntry(&doc), nil
}

func (s *MongoStore) SealEntry(ctx context.Context, id gridmount.EntryID, rec gridmount.FileRecord) error {
	// Filter on state so a double seal can't clobber an existing record.
	filter := bson.M{
		"_id":   string(id),
		"kind":  kindFile,
		"state": bson.M{"$ne": stateSealed},
	}
	update := bson.M{"$set": bson.M{
		"state":    stateSealed,
		"size":     rec.Size,
		"ref":      string(rec.Ref),
		"checksum": rec.Checksum,
		"mtime":    time.Now().Unix(),
	}}
	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("sealing entry %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		entry, err := s.Get(ctx, id)
		switch {
		case err != nil:
			return err
		case entry.Kind != gridmount.KindFile:
			return gridmount.ErrIsDir
		default:
			return gridmount.ErrAlreadyWritten
		}
	}
	return nil
}

// LiveRefs returns the content references of all sealed files. The
// orphan sweep uses this to decide which blobs are still reachable.
func (s *MongoStore) LiveRefs(ctx context.Context) (map[gridmount.ContentRef]bool, error) {
	cursor, err := s.col.Find(ctx, bson.M{"state": stateSealed},
		options.Find().SetProjection(bson.M{"ref": 1}))
	if err != nil {
		return nil, fmt.Errorf("listing sealed entries: %w", err)
	}
	defer cursor.Close(ctx)

	live := make(map[gridmount.ContentRef]bool)
	for cursor.Next(ctx) {
		var doc struct {
			Ref string `bson:"ref"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding sealed entry: %w", err)
		}
		if doc.Ref != "" {
			live[gridmount.ContentRef(doc.Ref)] = true
		}
	}
	return live, cursor.Err()
}

func (s *MongoStore) Close(ctx context.Context) error {
	return nil // the shared client is owned by the caller
}

func kindString(kind gridmount.EntryKind) string {
	if kind == gridmount.KindFile {
		return kindFile
	}
	return kindDir
}

func docToEntry(doc *entryDoc) *gridmount.DirectoryEntry {
	entry := &gridmount.DirectoryEntry{
		ID:     gridmount.EntryID(doc.ID),
		Parent: gridmount.EntryID(doc.Parent),
		Name:   doc.Name,
		Mode:   doc.Mode,
		UID:    doc.UID,
		GID:    doc.GID,
		CTime:  time.Unix(doc.CTime, 0),
		MTime:  time.Unix(doc.MTime, 0),
	}
	if doc.Kind == kindFile {
		entry.Kind = gridmount.KindFile
		if doc.State == stateSealed {
			entry.File = gridmount.FileRecord{
				State:    gridmount.StateSealed,
				Size:     doc.Size,
				Ref:      gridmount.ContentRef(doc.Ref),
				Checksum: doc.Checksum,
			}
		}
	}
	return entry
}
