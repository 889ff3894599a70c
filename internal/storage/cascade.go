package storage

import (
	"context"
	"fmt"
	"time"

	"docucore/internal/types"
)

// Cascade deletes and the point-id gathering queries the cascade deleter
// drives. The deletes take an Execer rather than using s.db so the caller
// can run them inside a single transaction-manager envelope and roll the
// whole cascade back to a savepoint on failure.

func (s *SQLRelationalStore) GetPointIDsByDocument(ctx context.Context, docID types.DocumentID) ([]types.PointID, error) {
	query := fmt.Sprintf(`SELECT point_id FROM chunks WHERE doc_id = %s ORDER BY chunk_index ASC`, s.ph(1))
	return s.queryPointIDs(ctx, query, docID)
}

func (s *SQLRelationalStore) GetPointIDsByCollection(ctx context.Context, collectionID types.CollectionID) ([]types.PointID, error) {
	query := fmt.Sprintf(`SELECT point_id FROM chunks WHERE collection_id = %s`, s.ph(1))
	return s.queryPointIDs(ctx, query, collectionID)
}

func (s *SQLRelationalStore) queryPointIDs(ctx context.Context, query string, arg interface{}) ([]types.PointID, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query point ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.PointID
	for rows.Next() {
		var id types.PointID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan point id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CascadeDeleteCollection removes every row owned by the collection in
// dependency order (full-text entries, chunk meta, chunks, sync jobs,
// documents) and soft-deletes the collection row itself.
func (s *SQLRelationalStore) CascadeDeleteCollection(ctx context.Context, exec Execer, id types.CollectionID) error {
	steps := []struct {
		desc  string
		query string
	}{
		{"full-text entries", fmt.Sprintf(`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunk_meta WHERE collection_id = %s)`, s.ph(1))},
		{"chunk meta", fmt.Sprintf(`DELETE FROM chunk_meta WHERE collection_id = %s`, s.ph(1))},
		{"chunks", fmt.Sprintf(`DELETE FROM chunks WHERE collection_id = %s`, s.ph(1))},
		{"sync jobs", fmt.Sprintf(`DELETE FROM sync_jobs WHERE doc_id IN (SELECT id FROM docs WHERE collection_id = %s)`, s.ph(1))},
		{"documents", fmt.Sprintf(`DELETE FROM docs WHERE collection_id = %s`, s.ph(1))},
	}
	for _, step := range steps {
		if _, err := exec.ExecContext(ctx, step.query, id); err != nil {
			return fmt.Errorf("failed to cascade-delete %s: %w", step.desc, err)
		}
	}

	query := fmt.Sprintf(
		`UPDATE collections SET deleted = %s, updated_at = %s WHERE id = %s`,
		s.boolLiteral(true), s.ph(1), s.ph(2),
	)
	if _, err := exec.ExecContext(ctx, query, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to soft-delete collection: %w", err)
	}
	return nil
}

// CascadeDeleteDocument removes one document and its dependent rows. The
// document row is hard-deleted: content-addressed replacement mints a new
// id for changed content, so the old row must not linger.
func (s *SQLRelationalStore) CascadeDeleteDocument(ctx context.Context, exec Execer, id types.DocumentID) error {
	steps := []struct {
		desc  string
		query string
	}{
		{"full-text entries", fmt.Sprintf(`DELETE FROM chunks_fts WHERE point_id IN (SELECT point_id FROM chunk_meta WHERE doc_id = %s)`, s.ph(1))},
		{"chunk meta", fmt.Sprintf(`DELETE FROM chunk_meta WHERE doc_id = %s`, s.ph(1))},
		{"chunks", fmt.Sprintf(`DELETE FROM chunks WHERE doc_id = %s`, s.ph(1))},
		{"sync job", fmt.Sprintf(`DELETE FROM sync_jobs WHERE doc_id = %s`, s.ph(1))},
		{"document", fmt.Sprintf(`DELETE FROM docs WHERE id = %s`, s.ph(1))},
	}
	for _, step := range steps {
		if _, err := exec.ExecContext(ctx, step.query, id); err != nil {
			return fmt.Errorf("failed to cascade-delete %s: %w", step.desc, err)
		}
	}
	return nil
}
