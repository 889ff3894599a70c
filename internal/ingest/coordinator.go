// Package ingest implements the ingestion coordinator: one document
// at a time, split -> embed -> upsert, under the sync state machine.
// Every stage re-checks durable state before doing work, so re-running an
// interrupted sync converges on the same chunks, metadata and vector
// points.
package ingest

import (
	"context"
	"fmt"
	"time"

	"docucore/internal/cascade"
	"docucore/internal/chunking"
	"docucore/internal/content"
	"docucore/internal/embeddings"
	mcperrors "docucore/internal/errors"
	"docucore/internal/logging"
	"docucore/internal/ratelimit"
	"docucore/internal/storage"
	"docucore/internal/syncjob"
	"docucore/internal/types"
)

// vectorUpsertBatch caps one vector-store upsert call.
const vectorUpsertBatch = 100

// Rate-limit bucket keys the coordinator consumes from.
const (
	embeddingRateKey = "embedding"
	upsertRateKey    = "vector_upsert"
)

// Coordinator orchestrates the split/embed/upsert pipeline for single
// documents and owns the document lifecycle operations built on it
// (submit, metadata update, resync).
type Coordinator struct {
	store    storage.RelationalStore
	vectors  storage.VectorStore
	embedder embeddings.EmbeddingService
	splitter *chunking.Service
	limiter  ratelimit.Limiter
	machine  *syncjob.Machine
	deleter  *cascade.Deleter
	source   ContentSource

	batchSize int
	logger    *logging.EnhancedLogger
}

// Config carries the coordinator's collaborators.
type Config struct {
	Store    storage.RelationalStore
	Vectors  storage.VectorStore
	Embedder embeddings.EmbeddingService
	Splitter *chunking.Service
	Limiter  ratelimit.Limiter
	Machine  *syncjob.Machine
	Deleter  *cascade.Deleter
	Source   ContentSource

	// EmbedBatchSize groups pending chunks per embedding call. Defaults
	// to 64 when unset.
	EmbedBatchSize int
}

func NewCoordinator(cfg Config) *Coordinator {
	batch := cfg.EmbedBatchSize
	if batch <= 0 {
		batch = 64
	}
	c := &Coordinator{
		store:     cfg.Store,
		vectors:   cfg.Vectors,
		embedder:  cfg.Embedder,
		splitter:  cfg.Splitter,
		limiter:   cfg.Limiter,
		machine:   cfg.Machine,
		deleter:   cfg.Deleter,
		source:    cfg.Source,
		batchSize: batch,
		logger:    logging.IngestLogger,
	}
	cfg.Machine.SetExecutor(c)
	return c
}

// ExecuteSync runs the pipeline for docID from its last durably-recorded
// stage. Called by the sync machine, which guarantees at most one
// execution per document at a time.
func (c *Coordinator) ExecuteSync(ctx context.Context, docID types.DocumentID) error {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return c.fail(ctx, docID, fmt.Errorf("failed to load document: %w", err), mcperrors.CategoryDependencyUnavailable)
	}
	if doc == nil {
		return c.fail(ctx, docID, fmt.Errorf("document %s not found", docID), mcperrors.CategoryTerminal)
	}

	job, err := c.store.GetSyncJob(ctx, docID)
	if err != nil {
		return c.fail(ctx, docID, fmt.Errorf("failed to load sync job: %w", err), mcperrors.CategoryDependencyUnavailable)
	}
	if job == nil {
		return fmt.Errorf("no sync job for document %s", docID)
	}
	if job.Status.Terminal() {
		return nil
	}

	if err := c.store.UpdateDocumentStatus(ctx, docID, types.DocumentStatusSyncing); err != nil {
		return c.fail(ctx, docID, fmt.Errorf("failed to mark document syncing: %w", err), mcperrors.CategoryDependencyUnavailable)
	}

	progress, err := c.progress(ctx, job)
	if err != nil {
		return c.fail(ctx, docID, err, mcperrors.CategoryDependencyUnavailable)
	}

	if progress < 1 {
		if err := c.splitStage(ctx, doc); err != nil {
			return err
		}
	}
	if progress < 2 {
		if err := c.embedStage(ctx, doc); err != nil {
			return err
		}
	}

	if err := c.store.UpdateDocumentStatus(ctx, docID, types.DocumentStatusSynced); err != nil {
		return c.fail(ctx, docID, fmt.Errorf("failed to mark document synced: %w", err), mcperrors.CategoryDependencyUnavailable)
	}
	if err := c.machine.MarkSynced(ctx, docID); err != nil {
		return err
	}

	c.logger.Info("document synced", "doc_id", string(docID))
	return nil
}

// progress maps the job's status to the index of the next stage to run:
// 0 = split, 1 = embed, 2 = finish. For FAILED/RETRYING jobs the answer
// is derived from durable evidence rather than the status itself, so a
// resumed job skips exactly the stages whose results already persist.
func (c *Coordinator) progress(ctx context.Context, job *types.SyncJob) (int, error) {
	switch job.Status {
	case types.SyncStatusNew:
		return 0, nil
	case types.SyncStatusSplitOK:
		return 1, nil
	case types.SyncStatusEmbedOK, types.SyncStatusSynced:
		return 2, nil
	}

	chunks, err := c.store.GetChunksByDocument(ctx, job.DocID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	for _, chunk := range chunks {
		meta, err := c.store.GetChunkMeta(ctx, chunk.PointID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect chunk meta: %w", err)
		}
		if meta == nil || meta.EmbeddingStatus != types.EmbeddingStatusCompleted || meta.SyncedAt == nil {
			return 1, nil
		}
	}
	return 2, nil
}

// splitStage reads the document's content from its source locator, splits
// it, and persists the chunk triple in one atomic replacement keyed on
// deterministic point ids.
func (c *Coordinator) splitStage(ctx context.Context, doc *types.Document) error {
	raw, err := c.source.Read(ctx, doc.Key)
	if err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("failed to read source content: %w", err), mcperrors.CategoryTerminal)
	}

	pieces, err := c.splitter.Split(string(raw))
	if err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("failed to split content: %w", err), mcperrors.CategoryInvalidInput)
	}

	chunks := make([]types.Chunk, len(pieces))
	metas := make([]types.ChunkMeta, len(pieces))
	fts := make([]types.FullTextEntry, len(pieces))
	for i, piece := range pieces {
		pointID := content.PointID(doc.ID, i)
		chunks[i] = types.Chunk{
			PointID:      pointID,
			DocID:        doc.ID,
			CollectionID: doc.CollectionID,
			ChunkIndex:   i,
			TitleChain:   piece.TitleChain,
			Content:      piece.Content,
		}
		metas[i] = types.ChunkMeta{
			PointID:         pointID,
			DocID:           doc.ID,
			CollectionID:    doc.CollectionID,
			ChunkIndex:      i,
			TitleChain:      piece.TitleChain,
			ContentHash:     content.Hash([]byte(piece.Content)),
			EmbeddingStatus: types.EmbeddingStatusPending,
		}
		fts[i] = types.FullTextEntry{
			PointID:    pointID,
			Content:    piece.Content,
			TitleChain: piece.TitleChain,
		}
	}

	if err := c.store.ReplaceChunks(ctx, doc.ID, chunks, metas, fts); err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("failed to persist chunks: %w", err), mcperrors.CategoryDependencyUnavailable)
	}

	c.logger.Debug("split complete", "doc_id", string(doc.ID), "chunks", len(chunks))
	return c.machine.MarkSplitOK(ctx, doc.ID)
}

// embedStage embeds every chunk still pending, in chunk-index order, and
// upserts the vectors. A chunk's meta is marked completed only after its
// point is known upserted, so the meta rows are the durable record of
// exactly how far the stage got.
func (c *Coordinator) embedStage(ctx context.Context, doc *types.Document) error {
	chunks, err := c.store.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("failed to load chunks: %w", err), mcperrors.CategoryDependencyUnavailable)
	}

	var pending []pendingChunk
	for _, chunk := range chunks {
		meta, err := c.store.GetChunkMeta(ctx, chunk.PointID)
		if err != nil {
			return c.fail(ctx, doc.ID, fmt.Errorf("failed to load chunk meta: %w", err), mcperrors.CategoryDependencyUnavailable)
		}
		if meta == nil {
			return c.fail(ctx, doc.ID,
				fmt.Errorf("chunk %s has no metadata row", chunk.PointID),
				mcperrors.CategoryTerminal)
		}
		if meta.EmbeddingStatus == types.EmbeddingStatusCompleted && meta.SyncedAt != nil {
			continue
		}
		pending = append(pending, pendingChunk{chunk: chunk, meta: *meta})
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := c.embedBatch(ctx, doc, pending[start:end]); err != nil {
			return err
		}
	}

	return c.machine.MarkEmbedOK(ctx, doc.ID)
}

type pendingChunk struct {
	chunk types.Chunk
	meta  types.ChunkMeta
}

func (c *Coordinator) embedBatch(ctx context.Context, doc *types.Document, batch []pendingChunk) error {
	if err := c.consume(ctx, embeddingRateKey); err != nil {
		return c.fail(ctx, doc.ID, err, mcperrors.CategoryRateLimited)
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.chunk.Content
	}

	vectors, err := c.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("embedding failed: %w", err), embeddings.ClassifyError(err))
	}
	if len(vectors) != len(batch) {
		return c.fail(ctx, doc.ID,
			fmt.Errorf("embedding returned %d vectors for %d texts", len(vectors), len(batch)),
			mcperrors.CategoryTerminal)
	}

	for start := 0; start < len(batch); start += vectorUpsertBatch {
		end := start + vectorUpsertBatch
		if end > len(batch) {
			end = len(batch)
		}
		if err := c.upsertSlice(ctx, doc, batch[start:end], vectors[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// upsertSlice writes one vector-store batch, then marks its chunk metas
// completed. Order matters: a crash between the two leaves metas pending
// and the next run re-upserts the same point ids, which is idempotent.
func (c *Coordinator) upsertSlice(ctx context.Context, doc *types.Document, batch []pendingChunk, vectors [][]float64) error {
	if err := c.consume(ctx, upsertRateKey); err != nil {
		return c.fail(ctx, doc.ID, err, mcperrors.CategoryRateLimited)
	}

	points := make([]storage.VectorPoint, len(batch))
	for i, p := range batch {
		points[i] = storage.VectorPoint{
			ID:     p.chunk.PointID,
			Vector: toFloat32(vectors[i]),
			Payload: storage.VectorPayload{
				Content:      p.chunk.Content,
				TitleChain:   p.chunk.TitleChain,
				Source:       doc.Key,
				ContentHash:  p.meta.ContentHash,
				DocID:        doc.ID,
				CollectionID: doc.CollectionID,
				ChunkIndex:   p.chunk.ChunkIndex,
			},
		}
	}

	if err := c.vectors.Upsert(ctx, points); err != nil {
		return c.fail(ctx, doc.ID, fmt.Errorf("vector upsert failed: %w", err), mcperrors.CategoryDependencyUnavailable)
	}

	now := time.Now().UnixMilli()
	for i := range batch {
		meta := batch[i].meta
		meta.EmbeddingStatus = types.EmbeddingStatusCompleted
		meta.SyncedAt = &now
		meta.Error = ""
		if err := c.store.UpdateChunkMeta(ctx, &meta); err != nil {
			return c.fail(ctx, doc.ID, fmt.Errorf("failed to mark chunk completed: %w", err), mcperrors.CategoryDependencyUnavailable)
		}
	}
	return nil
}

// consume takes one token from the named bucket, converting a denial into
// a rate-limit error for the retry scheduler.
func (c *Coordinator) consume(ctx context.Context, key string) error {
	allowed, retryAfter, err := c.limiter.Allow(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("rate limiter failed: %w", err)
	}
	if !allowed {
		stats := c.limiter.Stats(key)
		return mcperrors.NewRateLimitError(key, stats.MaxTokens, retryAfter, int(stats.Tokens))
	}
	return nil
}

// fail records the failure on the state machine and returns the cause so
// the executor's caller sees it too.
func (c *Coordinator) fail(ctx context.Context, docID types.DocumentID, cause error, category mcperrors.ErrorCategory) error {
	if err := c.machine.Fail(ctx, docID, cause, category); err != nil {
		c.logger.Error("failed to record sync failure", "doc_id", string(docID), "error", err.Error())
	}
	return cause
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
