package cascade

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docucore/internal/content"
	"docucore/internal/ratelimit"
	"docucore/internal/storage"
	"docucore/internal/txn"
	"docucore/internal/types"
)

// testSchema mirrors the real migrations, with chunks_fts as a plain
// table: the cascade only deletes from it, so FTS5 is not needed here.
const testSchema = `
CREATE TABLE collections (id TEXT PRIMARY KEY, name TEXT NOT NULL, description TEXT, created_at BIGINT NOT NULL, updated_at BIGINT NOT NULL, deleted INTEGER NOT NULL DEFAULT 0);
CREATE TABLE docs (id TEXT PRIMARY KEY, collection_id TEXT NOT NULL, key TEXT NOT NULL, name TEXT NOT NULL, mime TEXT, size_bytes BIGINT NOT NULL, content_hash TEXT NOT NULL, created_at BIGINT NOT NULL, updated_at BIGINT NOT NULL, status TEXT NOT NULL);
CREATE TABLE chunks (point_id TEXT PRIMARY KEY, doc_id TEXT NOT NULL, collection_id TEXT NOT NULL, chunk_index INTEGER NOT NULL, title_chain TEXT, content TEXT NOT NULL);
CREATE TABLE chunk_meta (point_id TEXT PRIMARY KEY, doc_id TEXT NOT NULL, collection_id TEXT NOT NULL, chunk_index INTEGER NOT NULL, title_chain TEXT, content_hash TEXT NOT NULL, embedding_status TEXT NOT NULL, synced_at BIGINT, error TEXT);
CREATE TABLE chunks_fts (point_id TEXT, content TEXT, title_chain TEXT);
CREATE TABLE sync_jobs (doc_id TEXT PRIMARY KEY, status TEXT NOT NULL, attempts INTEGER NOT NULL DEFAULT 0, last_error TEXT, error_category TEXT, created_at BIGINT NOT NULL, updated_at BIGINT NOT NULL);
CREATE TABLE system_metrics (id INTEGER PRIMARY KEY AUTOINCREMENT, component TEXT NOT NULL, name TEXT NOT NULL, value REAL NOT NULL, recorded_at BIGINT NOT NULL);
CREATE TABLE system_health (component TEXT PRIMARY KEY, status TEXT NOT NULL, detail TEXT, checked_at BIGINT NOT NULL);
`

type fixture struct {
	db      *sql.DB
	store   *storage.SQLRelationalStore
	vectors *storage.MemoryVectorStore
	deleter *Deleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	store := storage.NewSQLRelationalStore(db, "sqlite")
	vectors := storage.NewMemoryVectorStore()
	limiter := ratelimit.NewTokenBucket(nil)
	t.Cleanup(func() { _ = limiter.Close() })

	return &fixture{
		db:      db,
		store:   store,
		vectors: vectors,
		deleter: NewDeleter(store, vectors, txn.NewManager(db), limiter),
	}
}

// seed creates a collection with one synced document of n chunks, with
// matching vector points.
func (f *fixture) seed(t *testing.T, collectionID types.CollectionID, docID types.DocumentID, n int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.CreateCollection(ctx, &types.Collection{ID: collectionID, Name: string(collectionID)}))
	require.NoError(t, f.store.CreateDocument(ctx, &types.Document{
		ID: docID, CollectionID: collectionID, Key: string(docID) + ".md", Name: "doc",
		SizeBytes: 1, ContentHash: "h", Status: types.DocumentStatusSynced,
	}))
	require.NoError(t, f.store.UpsertSyncJob(ctx, &types.SyncJob{DocID: docID, Status: types.SyncStatusSynced}))

	chunks := make([]types.Chunk, n)
	metas := make([]types.ChunkMeta, n)
	fts := make([]types.FullTextEntry, n)
	points := make([]storage.VectorPoint, n)
	for i := 0; i < n; i++ {
		pointID := content.PointID(docID, i)
		chunks[i] = types.Chunk{PointID: pointID, DocID: docID, CollectionID: collectionID, ChunkIndex: i, Content: "c"}
		metas[i] = types.ChunkMeta{PointID: pointID, DocID: docID, CollectionID: collectionID, ChunkIndex: i, ContentHash: "h", EmbeddingStatus: types.EmbeddingStatusCompleted}
		fts[i] = types.FullTextEntry{PointID: pointID, Content: "c"}
		points[i] = storage.VectorPoint{ID: pointID, Vector: []float32{1, 0}, Payload: storage.VectorPayload{
			DocID: docID, CollectionID: collectionID, ChunkIndex: i,
		}}
	}
	require.NoError(t, f.store.ReplaceChunks(ctx, docID, chunks, metas, fts))
	require.NoError(t, f.vectors.Upsert(ctx, points))
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestDeleteCollection_RemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "col_1", "doc_1", 3)

	require.NoError(t, f.deleter.DeleteCollection(ctx, "col_1"))

	for _, table := range []string{"docs", "chunks", "chunk_meta", "chunks_fts", "sync_jobs"} {
		assert.Zero(t, f.count(t, table), table)
	}
	assert.Zero(t, f.vectors.PointCount(nil))

	// Soft-deleted, not removed: the row survives but reads as absent.
	assert.Equal(t, 1, f.count(t, "collections"))
	col, err := f.store.GetCollection(ctx, "col_1")
	require.NoError(t, err)
	assert.Nil(t, col)

	// Deletion audit metrics were recorded.
	assert.Greater(t, f.count(t, "system_metrics"), 0)
}

func TestDeleteCollection_VectorFailureLeavesDatabaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "col_1", "doc_1", 3)

	f.vectors.DeleteHook = func() error { return errors.New("connection refused") }
	err := f.deleter.DeleteCollection(ctx, "col_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPENDENCY_UNAVAILABLE")

	// Vectors-first: nothing in the database was removed.
	assert.Equal(t, 1, f.count(t, "docs"))
	assert.Equal(t, 3, f.count(t, "chunks"))
	assert.Equal(t, 3, f.count(t, "chunk_meta"))
	assert.Equal(t, 3, f.count(t, "chunks_fts"))
	col, err := f.store.GetCollection(ctx, "col_1")
	require.NoError(t, err)
	require.NotNil(t, col)

	// Second call with the vector store healed completes the delete.
	f.vectors.DeleteHook = nil
	require.NoError(t, f.deleter.DeleteCollection(ctx, "col_1"))
	assert.Zero(t, f.count(t, "docs"))
	assert.Zero(t, f.vectors.PointCount(nil))
}

func TestDeleteCollection_AbsentIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deleter.DeleteCollection(context.Background(), "col_missing"))
}

func TestDeleteDocument_RemovesScopedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "col_1", "doc_1", 2)
	f.seed(t, "col_2", "doc_2", 3)

	require.NoError(t, f.deleter.DeleteDocument(ctx, "doc_1"))

	assert.Equal(t, 1, f.count(t, "docs"))
	assert.Equal(t, 3, f.count(t, "chunks"))
	assert.Equal(t, 3, f.count(t, "chunk_meta"))
	assert.Equal(t, 3, f.count(t, "chunks_fts"))
	assert.Equal(t, 1, f.count(t, "sync_jobs"))
	assert.Equal(t, 3, f.vectors.PointCount(nil))

	// The untouched document's rows are intact.
	other, err := f.store.GetDocument(ctx, "doc_2")
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestDeleteDocument_AbsentIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deleter.DeleteDocument(context.Background(), "doc_missing"))
}

func TestDeleteDocument_VectorFailureLeavesDatabaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "col_1", "doc_1", 2)

	f.vectors.DeleteHook = func() error { return errors.New("service unavailable") }
	require.Error(t, f.deleter.DeleteDocument(ctx, "doc_1"))

	assert.Equal(t, 1, f.count(t, "docs"))
	assert.Equal(t, 2, f.count(t, "chunks"))
}
