package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docucore/internal/types"
)

// SQLRelationalStore implements RelationalStore against either a
// sqlite or postgres database. The two backends differ in placeholder
// syntax, boolean literals and the full-text search query; UpsertSyncJob
// keeps one statement per dialect, and every other query is shared.
type SQLRelationalStore struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

// NewSQLRelationalStore wraps an already-opened, already-migrated
// connection. dialect must be "sqlite" or "postgres".
func NewSQLRelationalStore(db *sql.DB, dialect string) *SQLRelationalStore {
	return &SQLRelationalStore{db: db, dialect: dialect}
}

// ph returns the n-th placeholder for this dialect (1-indexed).
func (s *SQLRelationalStore) ph(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// phList builds a comma-separated placeholder list starting at position
// start, e.g. phList(1, 3) -> "?, ?, ?" or "$1, $2, $3".
func (s *SQLRelationalStore) phList(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = s.ph(start + i)
	}
	return strings.Join(parts, ", ")
}

func marshalTitleChain(chain []string) (string, error) {
	if len(chain) == 0 {
		return "", nil
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTitleChain(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var chain []string
	if err := json.Unmarshal([]byte(raw.String), &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// Collections

func (s *SQLRelationalStore) CreateCollection(ctx context.Context, c *types.Collection) error {
	query := fmt.Sprintf(
		`INSERT INTO collections (id, name, description, created_at, updated_at, deleted) VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6),
	)
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Description, c.CreatedAt, c.UpdatedAt, c.Deleted)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) GetCollection(ctx context.Context, id types.CollectionID) (*types.Collection, error) {
	query := fmt.Sprintf(`SELECT id, name, description, created_at, updated_at, deleted FROM collections WHERE id = %s AND deleted = %s`, s.ph(1), s.boolLiteral(false))
	row := s.db.QueryRowContext(ctx, query, id)
	return s.scanCollection(row)
}

func (s *SQLRelationalStore) GetCollectionByName(ctx context.Context, name string) (*types.Collection, error) {
	lowerFn := "LOWER"
	query := fmt.Sprintf(
		`SELECT id, name, description, created_at, updated_at, deleted FROM collections WHERE %s(name) = %s(%s) AND deleted = %s`,
		lowerFn, lowerFn, s.ph(1), s.boolLiteral(false),
	)
	row := s.db.QueryRowContext(ctx, query, name)
	return s.scanCollection(row)
}

func (s *SQLRelationalStore) scanCollection(row *sql.Row) (*types.Collection, error) {
	var c types.Collection
	var desc sql.NullString
	err := row.Scan(&c.ID, &c.Name, &desc, &c.CreatedAt, &c.UpdatedAt, &c.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}
	c.Description = desc.String
	return &c, nil
}

func (s *SQLRelationalStore) ListCollections(ctx context.Context, page, limit int, sortCol, order string) ([]types.Collection, int, error) {
	sortCol = sanitizeSortColumn(sortCol, map[string]string{
		"name": "name", "created_at": "created_at", "updated_at": "updated_at",
	}, "name")
	order = sanitizeOrder(order)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE deleted = `+s.boolLiteral(false)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count collections: %w", err)
	}

	offset := (page - 1) * limit
	query := fmt.Sprintf(
		`SELECT id, name, description, created_at, updated_at, deleted FROM collections WHERE deleted = %s ORDER BY %s %s LIMIT %s OFFSET %s`,
		s.boolLiteral(false), sortCol, order, s.ph(1), s.ph(2),
	)
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Collection
	for rows.Next() {
		var c types.Collection
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.CreatedAt, &c.UpdatedAt, &c.Deleted); err != nil {
			return nil, 0, fmt.Errorf("failed to scan collection row: %w", err)
		}
		c.Description = desc.String
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *SQLRelationalStore) UpdateCollection(ctx context.Context, c *types.Collection) error {
	query := fmt.Sprintf(
		`UPDATE collections SET name = %s, description = %s, updated_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
	)
	res, err := s.db.ExecContext(ctx, query, c.Name, c.Description, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}
	return s.requireRowsAffected(res, "collection", string(c.ID))
}

func (s *SQLRelationalStore) SoftDeleteCollection(ctx context.Context, id types.CollectionID) error {
	query := fmt.Sprintf(`UPDATE collections SET deleted = %s, updated_at = %s WHERE id = %s`, s.boolLiteral(true), s.ph(1), s.ph(2))
	res, err := s.db.ExecContext(ctx, query, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete collection: %w", err)
	}
	return s.requireRowsAffected(res, "collection", string(id))
}

// Documents

func (s *SQLRelationalStore) CreateDocument(ctx context.Context, d *types.Document) error {
	query := fmt.Sprintf(
		`INSERT INTO docs (id, collection_id, key, name, mime, size_bytes, content_hash, created_at, updated_at, status)
		 VALUES (%s)`, s.phList(1, 10),
	)
	_, err := s.db.ExecContext(ctx, query, d.ID, d.CollectionID, d.Key, d.Name, d.MIME, d.SizeBytes, d.ContentHash, d.CreatedAt, d.UpdatedAt, d.Status)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) GetDocument(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	query := fmt.Sprintf(
		`SELECT id, collection_id, key, name, mime, size_bytes, content_hash, created_at, updated_at, status FROM docs WHERE id = %s`,
		s.ph(1),
	)
	return s.scanDocument(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLRelationalStore) GetDocumentByKey(ctx context.Context, collectionID types.CollectionID, key string) (*types.Document, error) {
	query := fmt.Sprintf(
		`SELECT id, collection_id, key, name, mime, size_bytes, content_hash, created_at, updated_at, status FROM docs WHERE collection_id = %s AND key = %s`,
		s.ph(1), s.ph(2),
	)
	return s.scanDocument(s.db.QueryRowContext(ctx, query, collectionID, key))
}

func (s *SQLRelationalStore) scanDocument(row *sql.Row) (*types.Document, error) {
	var d types.Document
	var mime sql.NullString
	err := row.Scan(&d.ID, &d.CollectionID, &d.Key, &d.Name, &mime, &d.SizeBytes, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt, &d.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	d.MIME = mime.String
	return &d, nil
}

func (s *SQLRelationalStore) ListDocuments(ctx context.Context, f DocumentFilter) ([]types.Document, int, error) {
	var where []string
	var args []interface{}
	pos := 1

	if !f.CollectionID.IsEmpty() {
		where = append(where, fmt.Sprintf("collection_id = %s", s.ph(pos)))
		args = append(args, f.CollectionID)
		pos++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = %s", s.ph(pos)))
		args = append(args, f.Status)
		pos++
	}
	if f.Search != "" {
		where = append(where, fmt.Sprintf("name LIKE %s", s.ph(pos)))
		args = append(args, "%"+f.Search+"%")
		pos++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM docs " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	sortCol := sanitizeSortColumn(f.Sort, map[string]string{
		"name": "name", "created_at": "created_at", "size": "size_bytes",
	}, "created_at")
	order := sanitizeOrder(f.Order)

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT id, collection_id, key, name, mime, size_bytes, content_hash, created_at, updated_at, status FROM docs %s ORDER BY %s %s LIMIT %s OFFSET %s`,
		whereClause, sortCol, order, s.ph(pos), s.ph(pos+1),
	)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Document
	for rows.Next() {
		var d types.Document
		var mime sql.NullString
		if err := rows.Scan(&d.ID, &d.CollectionID, &d.Key, &d.Name, &mime, &d.SizeBytes, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt, &d.Status); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document row: %w", err)
		}
		d.MIME = mime.String
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// UpdateDocument rewrites a document's mutable metadata. The id never
// changes here: content changes go through content-addressed replacement
// instead (delete old id, create new id).
func (s *SQLRelationalStore) UpdateDocument(ctx context.Context, d *types.Document) error {
	query := fmt.Sprintf(
		`UPDATE docs SET name = %s, mime = %s, size_bytes = %s, content_hash = %s, status = %s, updated_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7),
	)
	res, err := s.db.ExecContext(ctx, query, d.Name, d.MIME, d.SizeBytes, d.ContentHash, d.Status, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return s.requireRowsAffected(res, "document", string(d.ID))
}

func (s *SQLRelationalStore) UpdateDocumentStatus(ctx context.Context, id types.DocumentID, status types.DocumentStatus) error {
	query := fmt.Sprintf(`UPDATE docs SET status = %s, updated_at = %s WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return s.requireRowsAffected(res, "document", string(id))
}

func (s *SQLRelationalStore) DeleteDocument(ctx context.Context, id types.DocumentID) error {
	query := fmt.Sprintf(`DELETE FROM docs WHERE id = %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return s.requireRowsAffected(res, "document", string(id))
}

// Chunks / ChunkMeta / FullTextEntry

// ReplaceChunks atomically drops and rewrites a document's chunk triple:
// chunks, chunk meta and full-text entries never diverge.
func (s *SQLRelationalStore) ReplaceChunks(ctx context.Context, docID types.DocumentID, chunks []types.Chunk, metas []types.ChunkMeta, fts []types.FullTextEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Full-text entries go first: their delete resolves point ids through
	// chunk_meta, which must still hold this document's rows.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunk_meta WHERE doc_id = %s)`, s.ph(1),
	), docID); err != nil {
		return fmt.Errorf("failed to clear full-text entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunk_meta WHERE doc_id = %s`, s.ph(1)), docID); err != nil {
		return fmt.Errorf("failed to clear chunk meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE doc_id = %s`, s.ph(1)), docID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	for _, c := range chunks {
		chain, err := marshalTitleChain(c.TitleChain)
		if err != nil {
			return fmt.Errorf("failed to marshal title chain: %w", err)
		}
		query := fmt.Sprintf(
			`INSERT INTO chunks (point_id, doc_id, collection_id, chunk_index, title_chain, content) VALUES (%s)`,
			s.phList(1, 6),
		)
		if _, err := tx.ExecContext(ctx, query, c.PointID, c.DocID, c.CollectionID, c.ChunkIndex, chain, c.Content); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	for _, m := range metas {
		chain, err := marshalTitleChain(m.TitleChain)
		if err != nil {
			return fmt.Errorf("failed to marshal title chain: %w", err)
		}
		query := fmt.Sprintf(
			`INSERT INTO chunk_meta (point_id, doc_id, collection_id, chunk_index, title_chain, content_hash, embedding_status, synced_at, error)
			 VALUES (%s)`, s.phList(1, 9),
		)
		if _, err := tx.ExecContext(ctx, query, m.PointID, m.DocID, m.CollectionID, m.ChunkIndex, chain, m.ContentHash, m.EmbeddingStatus, m.SyncedAt, m.Error); err != nil {
			return fmt.Errorf("failed to insert chunk meta: %w", err)
		}
	}

	for _, f := range fts {
		chain, err := marshalTitleChain(f.TitleChain)
		if err != nil {
			return fmt.Errorf("failed to marshal title chain: %w", err)
		}
		query := fmt.Sprintf(`INSERT INTO chunks_fts (point_id, content, title_chain) VALUES (%s)`, s.phList(1, 3))
		if _, err := tx.ExecContext(ctx, query, f.PointID, f.Content, chain); err != nil {
			return fmt.Errorf("failed to insert full-text entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) GetChunksByDocument(ctx context.Context, docID types.DocumentID) ([]types.Chunk, error) {
	query := fmt.Sprintf(
		`SELECT point_id, doc_id, collection_id, chunk_index, title_chain, content FROM chunks WHERE doc_id = %s ORDER BY chunk_index ASC`,
		s.ph(1),
	)
	rows, err := s.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var chain sql.NullString
		if err := rows.Scan(&c.PointID, &c.DocID, &c.CollectionID, &c.ChunkIndex, &chain, &c.Content); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if c.TitleChain, err = unmarshalTitleChain(chain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal title chain: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLRelationalStore) GetChunkMeta(ctx context.Context, pointID types.PointID) (*types.ChunkMeta, error) {
	query := fmt.Sprintf(
		`SELECT point_id, doc_id, collection_id, chunk_index, title_chain, content_hash, embedding_status, synced_at, error FROM chunk_meta WHERE point_id = %s`,
		s.ph(1),
	)
	row := s.db.QueryRowContext(ctx, query, pointID)
	var m types.ChunkMeta
	var chain sql.NullString
	var errField sql.NullString
	err := row.Scan(&m.PointID, &m.DocID, &m.CollectionID, &m.ChunkIndex, &chain, &m.ContentHash, &m.EmbeddingStatus, &m.SyncedAt, &errField)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chunk meta: %w", err)
	}
	if m.TitleChain, err = unmarshalTitleChain(chain); err != nil {
		return nil, fmt.Errorf("failed to unmarshal title chain: %w", err)
	}
	m.Error = errField.String
	return &m, nil
}

func (s *SQLRelationalStore) UpdateChunkMeta(ctx context.Context, meta *types.ChunkMeta) error {
	query := fmt.Sprintf(
		`UPDATE chunk_meta SET embedding_status = %s, synced_at = %s, error = %s WHERE point_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
	)
	res, err := s.db.ExecContext(ctx, query, meta.EmbeddingStatus, meta.SyncedAt, meta.Error, meta.PointID)
	if err != nil {
		return fmt.Errorf("failed to update chunk meta: %w", err)
	}
	return s.requireRowsAffected(res, "chunk_meta", string(meta.PointID))
}

func (s *SQLRelationalStore) DeleteChunksByDocument(ctx context.Context, docID types.DocumentID) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunk_meta WHERE doc_id = %s)`, s.ph(1),
	), docID); err != nil {
		return fmt.Errorf("failed to delete full-text entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunk_meta WHERE doc_id = %s`, s.ph(1)), docID); err != nil {
		return fmt.Errorf("failed to delete chunk meta: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE doc_id = %s`, s.ph(1)), docID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) DeleteChunksByCollection(ctx context.Context, collectionID types.CollectionID) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunk_meta WHERE collection_id = %s)`, s.ph(1),
	), collectionID); err != nil {
		return fmt.Errorf("failed to delete full-text entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunk_meta WHERE collection_id = %s`, s.ph(1)), collectionID); err != nil {
		return fmt.Errorf("failed to delete chunk meta: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE collection_id = %s`, s.ph(1)), collectionID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// HydrateByPointIDs joins vector search hits back to their chunk rows.
func (s *SQLRelationalStore) HydrateByPointIDs(ctx context.Context, ids []types.PointID) (map[types.PointID]types.Chunk, error) {
	out := make(map[types.PointID]types.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT point_id, doc_id, collection_id, chunk_index, title_chain, content FROM chunks WHERE point_id IN (%s)`,
		s.phList(1, len(ids)),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c types.Chunk
		var chain sql.NullString
		if err := rows.Scan(&c.PointID, &c.DocID, &c.CollectionID, &c.ChunkIndex, &chain, &c.Content); err != nil {
			return nil, fmt.Errorf("failed to scan hydrated chunk: %w", err)
		}
		if c.TitleChain, err = unmarshalTitleChain(chain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal title chain: %w", err)
		}
		out[c.PointID] = c
	}
	return out, rows.Err()
}

// KeywordSearch runs full-text search scoped to a collection. sqlite uses
// the chunks_fts FTS5 virtual table's bm25() ranking; postgres uses
// ts_rank over the chunks_fts.document tsvector column.
func (s *SQLRelationalStore) KeywordSearch(ctx context.Context, collectionID types.CollectionID, query string, limit int) ([]KeywordHit, error) {
	var rows *sql.Rows
	var err error

	if s.dialect == "sqlite" {
		sqlQuery := `
			SELECT cm.point_id, bm25(chunks_fts) AS rank
			FROM chunks_fts
			JOIN chunk_meta cm ON cm.point_id = chunks_fts.point_id
			WHERE chunks_fts MATCH ? AND cm.collection_id = ?
			ORDER BY rank LIMIT ?`
		rows, err = s.db.QueryContext(ctx, sqlQuery, query, collectionID, limit)
	} else {
		sqlQuery := `
			SELECT cm.point_id, ts_rank(chunks_fts.document, plainto_tsquery($1)) AS rank
			FROM chunks_fts
			JOIN chunk_meta cm ON cm.point_id = chunks_fts.point_id
			WHERE chunks_fts.document @@ plainto_tsquery($1) AND cm.collection_id = $2
			ORDER BY rank DESC LIMIT $3`
		rows, err = s.db.QueryContext(ctx, sqlQuery, query, collectionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run keyword search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.PointID, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan keyword hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Sync jobs

func (s *SQLRelationalStore) UpsertSyncJob(ctx context.Context, job *types.SyncJob) error {
	if s.dialect == "sqlite" {
		query := `
			INSERT INTO sync_jobs (doc_id, status, attempts, last_error, error_category, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(doc_id) DO UPDATE SET
				status = excluded.status, attempts = excluded.attempts, last_error = excluded.last_error,
				error_category = excluded.error_category, updated_at = excluded.updated_at`
		_, err := s.db.ExecContext(ctx, query, job.DocID, job.Status, job.Attempts, job.LastError, job.ErrorCategory, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert sync job: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO sync_jobs (doc_id, status, attempts, last_error, error_category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (doc_id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error,
			error_category = EXCLUDED.error_category, updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, query, job.DocID, job.Status, job.Attempts, job.LastError, job.ErrorCategory, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sync job: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) GetSyncJob(ctx context.Context, docID types.DocumentID) (*types.SyncJob, error) {
	query := fmt.Sprintf(
		`SELECT doc_id, status, attempts, last_error, error_category, created_at, updated_at FROM sync_jobs WHERE doc_id = %s`,
		s.ph(1),
	)
	row := s.db.QueryRowContext(ctx, query, docID)
	var j types.SyncJob
	var lastErr, category sql.NullString
	err := row.Scan(&j.DocID, &j.Status, &j.Attempts, &lastErr, &category, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	j.LastError = lastErr.String
	j.ErrorCategory = category.String
	return &j, nil
}

func (s *SQLRelationalStore) ListSyncJobsByStatus(ctx context.Context, status types.SyncStatus) ([]types.SyncJob, error) {
	query := fmt.Sprintf(
		`SELECT doc_id, status, attempts, last_error, error_category, created_at, updated_at FROM sync_jobs WHERE status = %s ORDER BY updated_at ASC`,
		s.ph(1),
	)
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.SyncJob
	for rows.Next() {
		var j types.SyncJob
		var lastErr, category sql.NullString
		if err := rows.Scan(&j.DocID, &j.Status, &j.Attempts, &lastErr, &category, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		j.LastError = lastErr.String
		j.ErrorCategory = category.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLRelationalStore) DeleteSyncJob(ctx context.Context, docID types.DocumentID) error {
	query := fmt.Sprintf(`DELETE FROM sync_jobs WHERE doc_id = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, query, docID)
	if err != nil {
		return fmt.Errorf("failed to delete sync job: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("relational store health check failed: %w", err)
	}
	return nil
}

func (s *SQLRelationalStore) Close() error {
	return s.db.Close()
}

// boolLiteral renders a bool the way each dialect's driver expects it in
// an interpolated (non-bound) position.
func (s *SQLRelationalStore) boolLiteral(v bool) string {
	if s.dialect == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

func (s *SQLRelationalStore) requireRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func sanitizeSortColumn(col string, allowed map[string]string, fallback string) string {
	if mapped, ok := allowed[col]; ok {
		return mapped
	}
	return allowed[fallback]
}

func sanitizeOrder(order string) string {
	if strings.EqualFold(order, "desc") {
		return "DESC"
	}
	return "ASC"
}
