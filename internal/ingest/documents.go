package ingest

import (
	"context"
	"fmt"
	"time"

	"docucore/internal/content"
	mcperrors "docucore/internal/errors"
	"docucore/internal/types"
)

// SubmitInput describes one document submission.
type SubmitInput struct {
	CollectionID types.CollectionID
	Key          string
	Name         string
	MIME         string
	Content      []byte
}

// Submit ingests a document into a collection. Documents are
// content-addressed: the id is derived from the content, so resubmitting
// the same key with unchanged content is a metadata-only update that
// keeps the id stable, while changed content mints a new id and
// cascade-deletes the old document everywhere first. Returns the stored
// document; the sync pipeline runs asynchronously in its own worker.
func (c *Coordinator) Submit(ctx context.Context, in SubmitInput) (*types.Document, error) {
	if in.Key == "" {
		return nil, mcperrors.NewRequiredFieldError("key")
	}
	if len(in.Content) == 0 {
		return nil, mcperrors.NewValidationError("content", "cannot be empty", nil)
	}
	if in.Name == "" {
		in.Name = in.Key
	}

	col, err := c.store.GetCollection(ctx, in.CollectionID)
	if err != nil {
		return nil, mcperrors.NewInternalError("failed to look up collection", err)
	}
	if col == nil {
		return nil, mcperrors.NewNotFoundError("collection", string(in.CollectionID))
	}

	docID := content.DocID(in.Content)
	hash := content.Hash(in.Content)

	existing, err := c.store.GetDocumentByKey(ctx, in.CollectionID, in.Key)
	if err != nil {
		return nil, mcperrors.NewInternalError("failed to look up document", err)
	}

	if existing != nil && existing.ID == docID {
		// Same content under the same key: metadata-only update, id stable.
		existing.Name = in.Name
		existing.MIME = in.MIME
		existing.UpdatedAt = time.Now().UnixMilli()
		if err := c.store.UpdateDocument(ctx, existing); err != nil {
			return nil, mcperrors.NewInternalError("failed to update document", err)
		}
		return existing, nil
	}

	// Content-addressed ids are global: identical content submitted under
	// another key or collection would collide on the primary key.
	if clash, err := c.store.GetDocument(ctx, docID); err != nil {
		return nil, mcperrors.NewInternalError("failed to check for id clash", err)
	} else if clash != nil {
		return nil, mcperrors.NewConflictError(
			fmt.Sprintf("identical content already ingested as document %s", docID),
			map[string]string{"doc_id": string(docID)})
	}

	if existing != nil {
		// Changed content under an existing key: remove the old document
		// and its chunks/points before minting the replacement.
		if err := c.deleter.DeleteDocument(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to remove replaced document: %w", err)
		}
	}

	if err := c.source.Write(ctx, in.Key, in.Content); err != nil {
		return nil, mcperrors.NewInternalError("failed to store content", err)
	}

	now := time.Now().UnixMilli()
	doc := &types.Document{
		ID:           docID,
		CollectionID: in.CollectionID,
		Key:          in.Key,
		Name:         in.Name,
		MIME:         in.MIME,
		SizeBytes:    int64(len(in.Content)),
		ContentHash:  hash,
		CreatedAt:    now,
		UpdatedAt:    now,
		Status:       types.DocumentStatusNew,
	}
	if err := c.store.CreateDocument(ctx, doc); err != nil {
		return nil, mcperrors.NewInternalError("failed to create document", err)
	}
	if _, err := c.machine.Ensure(ctx, docID); err != nil {
		return nil, mcperrors.NewInternalError("failed to create sync job", err)
	}

	go c.triggerAsync(docID)
	return doc, nil
}

// UpdateMeta rewrites a document's name and mime type. The id never
// changes here; content changes go through Submit.
func (c *Coordinator) UpdateMeta(ctx context.Context, docID types.DocumentID, name, mime string) (*types.Document, error) {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, mcperrors.NewInternalError("failed to load document", err)
	}
	if doc == nil {
		return nil, mcperrors.NewNotFoundError("document", string(docID))
	}

	if name != "" {
		doc.Name = name
	}
	if mime != "" {
		doc.MIME = mime
	}
	doc.UpdatedAt = time.Now().UnixMilli()
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return nil, mcperrors.NewInternalError("failed to update document", err)
	}
	return doc, nil
}

// Resync forces a full re-run of the pipeline for docID, regardless of
// its current sync state.
func (c *Coordinator) Resync(ctx context.Context, docID types.DocumentID) error {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return mcperrors.NewInternalError("failed to load document", err)
	}
	if doc == nil {
		return mcperrors.NewNotFoundError("document", string(docID))
	}

	if err := c.machine.Reset(ctx, docID); err != nil {
		return mcperrors.NewInternalError("failed to reset sync job", err)
	}
	if err := c.store.UpdateDocumentStatus(ctx, docID, types.DocumentStatusSyncing); err != nil {
		return mcperrors.NewInternalError("failed to mark document syncing", err)
	}

	go c.triggerAsync(docID)
	return nil
}

// TriggerSync runs the pipeline for docID synchronously, coalescing with
// any execution already in flight.
func (c *Coordinator) TriggerSync(ctx context.Context, docID types.DocumentID) error {
	return c.machine.TriggerSync(ctx, docID)
}

func (c *Coordinator) triggerAsync(docID types.DocumentID) {
	if err := c.machine.TriggerSync(context.Background(), docID); err != nil {
		c.logger.Warn("background sync failed", "doc_id", string(docID), "error", err.Error())
	}
}
