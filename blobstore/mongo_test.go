//go:build integration

package blobstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/blobstore"
	"github.com/gridmount/gridmount/blobstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func testClient(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://127.0.0.1:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	return client
}

func testDB(t *testing.T, client *mongo.Client, seq int) *mongo.Database {
	t.Helper()
	db := client.Database(fmt.Sprintf("gridmount_blob_test_%d_%d", time.Now().UnixNano(), seq))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
	})
	return db
}

func TestMongoStore_Conformance(t *testing.T) {
	client := testClient(t)
	seq := 0
	storetest.Run(t, func(t *testing.T, chunkSize int) gridmount.ContentStore {
		seq++
		store := blobstore.NewMongoStore(testDB(t, client, seq), "fs", chunkSize)
		require.NoError(t, store.Bootstrap(context.Background()))
		return store
	})
}

// TestMongoStore_SweepOrphans covers the crash-recovery sweep: blobs not
// referenced by any sealed entry are removed, referenced ones survive.
func TestMongoStore_SweepOrphans(t *testing.T) {
	client := testClient(t)
	store := blobstore.NewMongoStore(testDB(t, client, 0), "fs", 8)
	ctx := context.Background()
	require.NoError(t, store.Bootstrap(ctx))

	write := func(content string) gridmount.FileRecord {
		w, err := store.NewWriter(ctx)
		require.NoError(t, err)
		_, err = w.Write(ctx, []byte(content))
		require.NoError(t, err)
		rec, err := w.Commit(ctx)
		require.NoError(t, err)
		return rec
	}

	keep := write("still referenced")
	drop := write("orphaned by a crash")

	// A writer that dies before Commit leaves bare chunks behind.
	dead, err := store.NewWriter(ctx)
	require.NoError(t, err)
	_, err = dead.Write(ctx, []byte("chunks without a files doc"))
	require.NoError(t, err)

	swept, err := store.SweepOrphans(ctx, map[gridmount.ContentRef]bool{keep.Ref: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, swept, 1)

	_, err = store.Stat(ctx, keep.Ref)
	assert.NoError(t, err, "referenced blob must survive the sweep")
	_, err = store.Stat(ctx, drop.Ref)
	assert.ErrorIs(t, err, gridmount.ErrNotFound)
}
