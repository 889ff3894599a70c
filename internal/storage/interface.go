// Package storage provides the relational store and vector store
// client the ingestion and retrieval pipeline depends on.
package storage

import (
	"context"
	"database/sql"

	"docucore/internal/types"
)

// VectorPoint is the unit of work exchanged with the vector store:
// id = pointId, payload carries enough to hydrate a search hit without a
// relational round trip, vector is the embedding.
type VectorPoint struct {
	ID      types.PointID
	Vector  []float32
	Payload VectorPayload
}

// VectorPayload is the wire shape stored alongside each point.
type VectorPayload struct {
	Content      string
	TitleChain   []string
	Source       string
	ContentHash  string
	DocID        types.DocumentID
	CollectionID types.CollectionID
	ChunkIndex   int
}

// VectorFilter narrows a vector search or delete to points matching a
// field equality, e.g. {Key: "collectionId", Equals: "col_123"}.
type VectorFilter struct {
	Key    string
	Equals string
}

// VectorSearchResult is one scored hit from a vector similarity search.
type VectorSearchResult struct {
	ID      types.PointID
	Score   float64
	Payload VectorPayload
}

// VectorStore is a thin wrapper over the external vector
// database. Implementations must create their collection with the
// configured vector size and Cosine distance if it does not already exist,
// and treat a size mismatch on an existing collection as a fatal error.
type VectorStore interface {
	Initialize(ctx context.Context) error

	// Upsert writes points, replacing any existing point with the same ID.
	// wait=true is implied so a subsequent Search observes the write.
	Upsert(ctx context.Context, points []VectorPoint) error

	Search(ctx context.Context, vector []float32, limit int, filter *VectorFilter) ([]VectorSearchResult, error)

	// Delete removes points by id. Deleting an absent id is a no-op success.
	Delete(ctx context.Context, ids []types.PointID) error

	// DeleteByFilter removes every point matching filter. The cascade
	// deleter does not call it; it deletes by id list instead.
	DeleteByFilter(ctx context.Context, filter VectorFilter) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// KeywordHit is one result of a full-text search, joined back to a chunk
// by PointID.
type KeywordHit struct {
	PointID types.PointID
	Score   float64
}

// Execer is the subset of *sql.Tx / *sql.DB the cascade-delete methods
// execute against, so the cascade deleter can run them inside a
// transaction-manager envelope without this package importing it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RelationalStore is the relational persistence contract. A single interface covers both the
// sqlite and postgres backends; full-text search is a method on the same
// interface so callers never branch on backend.
type RelationalStore interface {
	// Collections

	CreateCollection(ctx context.Context, c *types.Collection) error
	GetCollection(ctx context.Context, id types.CollectionID) (*types.Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*types.Collection, error)
	ListCollections(ctx context.Context, page, limit int, sort, order string) ([]types.Collection, int, error)
	UpdateCollection(ctx context.Context, c *types.Collection) error
	SoftDeleteCollection(ctx context.Context, id types.CollectionID) error

	// Documents

	CreateDocument(ctx context.Context, d *types.Document) error
	GetDocument(ctx context.Context, id types.DocumentID) (*types.Document, error)
	GetDocumentByKey(ctx context.Context, collectionID types.CollectionID, key string) (*types.Document, error)
	ListDocuments(ctx context.Context, f DocumentFilter) ([]types.Document, int, error)
	UpdateDocument(ctx context.Context, d *types.Document) error
	UpdateDocumentStatus(ctx context.Context, id types.DocumentID, status types.DocumentStatus) error
	DeleteDocument(ctx context.Context, id types.DocumentID) error

	// Chunks, ChunkMeta and FullTextEntry are always mutated together:
	// a chunk without its meta and full-text row is an integrity bug.

	ReplaceChunks(ctx context.Context, docID types.DocumentID, chunks []types.Chunk, metas []types.ChunkMeta, fts []types.FullTextEntry) error
	GetChunksByDocument(ctx context.Context, docID types.DocumentID) ([]types.Chunk, error)
	GetChunkMeta(ctx context.Context, pointID types.PointID) (*types.ChunkMeta, error)
	UpdateChunkMeta(ctx context.Context, meta *types.ChunkMeta) error
	DeleteChunksByDocument(ctx context.Context, docID types.DocumentID) error
	DeleteChunksByCollection(ctx context.Context, collectionID types.CollectionID) error

	HydrateByPointIDs(ctx context.Context, ids []types.PointID) (map[types.PointID]types.Chunk, error)

	GetPointIDsByDocument(ctx context.Context, docID types.DocumentID) ([]types.PointID, error)
	GetPointIDsByCollection(ctx context.Context, collectionID types.CollectionID) ([]types.PointID, error)

	KeywordSearch(ctx context.Context, collectionID types.CollectionID, query string, limit int) ([]KeywordHit, error)

	// Cascade deletes run against exec (a *sql.Tx from the transaction
	// manager, or the store's own connection) so the deleter can guard them with a
	// savepoint. They remove chunks, chunk meta and full-text entries, plus
	// sync jobs and document rows; a collection cascade soft-deletes the
	// collection row itself, since collections are never resurrected.
	CascadeDeleteCollection(ctx context.Context, exec Execer, id types.CollectionID) error
	CascadeDeleteDocument(ctx context.Context, exec Execer, id types.DocumentID) error

	// Sync jobs (state machine persistence)

	UpsertSyncJob(ctx context.Context, job *types.SyncJob) error
	GetSyncJob(ctx context.Context, docID types.DocumentID) (*types.SyncJob, error)
	ListSyncJobsByStatus(ctx context.Context, status types.SyncStatus) ([]types.SyncJob, error)
	DeleteSyncJob(ctx context.Context, docID types.DocumentID) error

	// Monitoring: the core records metrics and health for its own
	// components; the management surface around them lives elsewhere.

	RecordMetric(ctx context.Context, component, name string, value float64) error
	RecordHealth(ctx context.Context, component, status, detail string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// DocumentFilter narrows ListDocuments, mirroring the HTTP surface's
// GET /docs query parameters.
type DocumentFilter struct {
	CollectionID types.CollectionID
	Search       string
	Status       types.DocumentStatus
	Page         int
	Limit        int
	Sort         string // "name", "created_at", "size"
	Order        string // "asc", "desc"
}
