package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/internal/util"
)

// fileDoc mirrors the GridFS files-collection schema. The checksum field
// replaces the legacy md5 field with a blake3 digest.
type fileDoc struct {
	ID         string    `bson:"_id"`
	Length     int64     `bson:"length"`
	ChunkSize  int32     `bson:"chunkSize"`
	UploadDate time.Time `bson:"uploadDate"`
	Checksum   string    `bson:"checksum"`
}

// chunkDoc mirrors the GridFS chunks-collection schema.
type chunkDoc struct {
	FilesID string           `bson:"files_id"`
	N       int32            `bson:"n"`
	Data    primitive.Binary `bson:"data"`
}

// MongoStore implements gridmount.ContentStore over the GridFS-shaped
// <prefix>.files and <prefix>.chunks collections. Chunks are inserted as
// the writer fills them, so memory use stays bounded by one chunk; the
// files document appears only on Commit, which is why readers on other
// processes see nothing until a blob is finalized.
type MongoStore struct {
	files     *mongo.Collection
	chunks    *mongo.Collection
	chunkSize int
	logger    util.Logger
}

var _ gridmount.ContentStore = (*MongoStore)(nil)

// NewMongoStore returns a content store over db. chunkSize <= 0 selects
// DefaultChunkSize. Call Bootstrap once before use.
func NewMongoStore(db *mongo.Database, prefix string, chunkSize int) *MongoStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MongoStore{
		files:     db.Collection(prefix + ".files"),
		chunks:    db.Collection(prefix + ".chunks"),
		chunkSize: chunkSize,
		logger:    util.GetLogger("blobstore"),
	}
}

// Bootstrap ensures the (files_id, n) chunk index exists, the same index
// GridFS drivers create.
func (s *MongoStore) Bootstrap(ctx context.Context) error {
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "files_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.chunks.Indexes().CreateOne(ctx, index); err != nil {
		return fmt.Errorf("creating (files_id, n) index: %w", err)
	}
	return nil
}

func (s *MongoStore) NewWriter(ctx context.Context) (gridmount.ContentWriter, error) {
	w := &mongoWriter{
		store: s,
		ref:   gridmount.ContentRef(uuid.NewString()),
	}
	w.chunker = newChunker(s.chunkSize, w.flushChunk)
	return w, nil
}

func (s *MongoStore) ReadAt(ctx context.Context, ref gridmount.ContentRef, p []byte, off int64) (int, error) {
	var file fileDoc
	err := s.files.FindOne(ctx, bson.M{"_id": string(ref)}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("blob %s: %w", ref, gridmount.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("fetching blob %s: %w", ref, err)
	}
	if off < 0 || off >= file.Length || len(p) == 0 {
		return 0, nil
	}
	want := int64(len(p))
	if off+want > file.Length {
		want = file.Length - off
	}

	chunkSize := int(file.ChunkSize)
	first, last := chunkRange(off, int(want), chunkSize)
	cursor, err := s.chunks.Find(ctx, bson.M{
		"files_id": string(ref),
		"n":        bson.M{"$gte": int32(first), "$lte": int32(last)},
	}, options.Find().SetSort(bson.D{{Key: "n", Value: 1}}))
	if err != nil {
		return 0, fmt.Errorf("fetching chunks of %s: %w", ref, err)
	}
	defer cursor.Close(ctx)

	copied := 0
	for cursor.Next(ctx) {
		var chunk chunkDoc
		if err := cursor.Decode(&chunk); err != nil {
			return copied, fmt.Errorf("decoding chunk of %s: %w", ref, err)
		}
		chunkStart := int64(chunk.N) * int64(chunkSize)
		data := chunk.Data.Data
		from := int64(0)
		if off > chunkStart {
			from = off - chunkStart
		}
		if from >= int64(len(data)) {
			continue
		}
		take := min(int64(len(data))-from, want-int64(copied))
		copied += copy(p[copied:], data[from:from+take])
	}
	return copied, cursor.Err()
}

func (s *MongoStore) Stat(ctx context.Context, ref gridmount.ContentRef) (gridmount.FileRecord, error) {
	var file fileDoc
	err := s.files.FindOne(ctx, bson.M{"_id": string(ref)}).Decode(&file)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return gridmount.FileRecord{}, fmt.Errorf("blob %s: %w", ref, gridmount.ErrNotFound)
	}
	if err != nil {
		return gridmount.FileRecord{}, fmt.Errorf("fetching blob %s: %w", ref, err)
	}
	return gridmount.FileRecord{
		State:    gridmount.StateSealed,
		Size:     file.Length,
		Ref:      ref,
		Checksum: file.Checksum,
	}, nil
}

func (s *MongoStore) Delete(ctx context.Context, ref gridmount.ContentRef) error {
	// Files doc first: once it is gone the blob is unreachable even if
	// chunk deletion is interrupted.
	if _, err := s.files.DeleteOne(ctx, bson.M{"_id": string(ref)}); err != nil {
		return fmt.Errorf("deleting blob %s: %w", ref, err)
	}
	if _, err := s.chunks.DeleteMany(ctx, bson.M{"files_id": string(ref)}); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", ref, err)
	}
	return nil
}

// SweepOrphans deletes blobs whose refs are absent from live, plus chunk
// groups left behind by interrupted writes. A crash between content
// finalize and metadata seal leaves such orphans; this makes startup
// with -sweep reclaim them.
func (s *MongoStore) SweepOrphans(ctx context.Context, live map[gridmount.ContentRef]bool) (int, error) {
	swept := 0

	cursor, err := s.files.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}
	defer cursor.Close(ctx)
	var refs []gridmount.ContentRef
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return swept, err
		}
		refs = append(refs, gridmount.ContentRef(doc.ID))
	}
	if err := cursor.Err(); err != nil {
		return swept, err
	}

	for _, ref := range refs {
		if live[ref] {
			continue
		}
		if err := s.Delete(ctx, ref); err != nil {
			return swept, err
		}
		s.logger.Info().Str("ref", string(ref)).Msg("Swept orphaned blob")
		swept++
	}

	// Chunk groups without a files doc come from writers that died
	// before Commit.
	ids, err := s.chunks.Distinct(ctx, "files_id", bson.M{})
	if err != nil {
		return swept, fmt.Errorf("listing chunk groups: %w", err)
	}
	known := make(map[gridmount.ContentRef]bool, len(refs))
	for _, ref := range refs {
		known[ref] = true
	}
	for _, id := range ids {
		ref, ok := id.(string)
		if !ok || known[gridmount.ContentRef(ref)] || live[gridmount.ContentRef(ref)] {
			continue
		}
		if _, err := s.chunks.DeleteMany(ctx, bson.M{"files_id": ref}); err != nil {
			return swept, fmt.Errorf("deleting orphaned chunks of %s: %w", ref, err)
		}
		s.logger.Info().Str("ref", ref).Msg("Swept orphaned chunk group")
		swept++
	}
	return swept, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return nil // the shared client is owned by the caller
}

type mongoWriter struct {
	store   *MongoStore
	ref     gridmount.ContentRef
	chunker *chunker
	done    bool
}

func (w *mongoWriter) flushChunk(ctx context.Context, n int, data []byte) error {
	doc := chunkDoc{
		FilesID: string(w.ref),
		N:       int32(n),
		Data:    primitive.Binary{Subtype: 0x00, Data: data},
	}
	if _, err := w.store.chunks.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting chunk %d of %s: %w", n, w.ref, err)
	}
	return nil
}

func (w *mongoWriter) Write(ctx context.Context, p []byte) (int, error) {
	if w.done {
		return 0, gridmount.ErrAlreadyWritten
	}
	return w.chunker.write(ctx, p)
}

func (w *mongoWriter) Size() int64 {
	return w.chunker.size.Load()
}

func (w *mongoWriter) Commit(ctx context.Context) (gridmount.FileRecord, error) {
	if w.done {
		return gridmount.FileRecord{}, gridmount.ErrAlreadyWritten
	}
	checksum, err := w.chunker.finish(ctx)
	if err != nil {
		return gridmount.FileRecord{}, err
	}

	size := w.chunker.size.Load()
	doc := fileDoc{
		ID:         string(w.ref),
		Length:     size,
		ChunkSize:  int32(w.store.chunkSize),
		UploadDate: time.Now().UTC(),
		Checksum:   checksum,
	}
	if _, err := w.store.files.InsertOne(ctx, doc); err != nil {
		return gridmount.FileRecord{}, fmt.Errorf("finalizing blob %s: %w", w.ref, err)
	}
	w.done = true

	return gridmount.FileRecord{
		State:    gridmount.StateSealed,
		Size:     size,
		Ref:      w.ref,
		Checksum: checksum,
	}, nil
}

func (w *mongoWriter) Abort(ctx context.Context) error {
	if w.done {
		return fmt.Errorf("abort after commit: %w", gridmount.ErrUnsupported)
	}
	w.done = true
	if _, err := w.store.chunks.DeleteMany(ctx, bson.M{"files_id": string(w.ref)}); err != nil {
		return fmt.Errorf("aborting blob %s: %w", w.ref, err)
	}
	return nil
}
