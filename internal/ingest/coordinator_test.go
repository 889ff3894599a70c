package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docucore/internal/cascade"
	"docucore/internal/chunking"
	"docucore/internal/content"
	"docucore/internal/ratelimit"
	"docucore/internal/scheduler"
	"docucore/internal/storage"
	"docucore/internal/syncjob"
	"docucore/internal/types"
)

const testDoc = `# Guide

Intro paragraph.

## Install

Run the installer.

## Configure

Edit the settings file.
`

// stubEmbedder returns deterministic vectors and can be programmed to
// fail the next N batch calls with given errors.
type stubEmbedder struct {
	mu         sync.Mutex
	batchCalls int
	textsSeen  []string
	failures   []error
}

func (s *stubEmbedder) Generate(ctx context.Context, text string) ([]float64, error) {
	vecs, err := s.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) GenerateBatch(_ context.Context, texts []string) ([][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		s.textsSeen = append(s.textsSeen, text)
		out[i] = vectorFor(text)
	}
	return out, nil
}

func (s *stubEmbedder) GetDimensions() int                { return 4 }
func (s *stubEmbedder) HealthCheck(context.Context) error { return nil }

func (s *stubEmbedder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchCalls
}

func (s *stubEmbedder) embedded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.textsSeen...)
}

func (s *stubEmbedder) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func vectorFor(text string) []float64 {
	vec := make([]float64, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float64(b) / 255
	}
	return vec
}

type rig struct {
	coordinator *Coordinator
	machine     *syncjob.Machine
	store       *storage.MemoryRelationalStore
	vectors     *storage.MemoryVectorStore
	source      *MemorySource
	embedder    *stubEmbedder
}

func newRig(t *testing.T, limiterBuckets map[string]ratelimit.BucketConfig) *rig {
	t.Helper()
	store := storage.NewMemoryRelationalStore()
	vectors := storage.NewMemoryVectorStore()
	source := NewMemorySource()
	embedder := &stubEmbedder{}
	limiter := ratelimit.NewTokenBucket(limiterBuckets)
	t.Cleanup(func() { _ = limiter.Close() })

	strategy := scheduler.Strategy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 1, MaxDelay: 10 * time.Millisecond}
	machine := syncjob.NewMachine(store, scheduler.New(nil), strategy)
	deleter := cascade.NewDeleter(store, vectors, nil, limiter)

	coordinator := NewCoordinator(Config{
		Store:          store,
		Vectors:        vectors,
		Embedder:       embedder,
		Splitter:       chunking.NewService(nil),
		Limiter:        limiter,
		Machine:        machine,
		Deleter:        deleter,
		Source:         source,
		EmbedBatchSize: 2,
	})

	return &rig{coordinator: coordinator, machine: machine, store: store, vectors: vectors, source: source, embedder: embedder}
}

func (r *rig) seedCollection(t *testing.T, id types.CollectionID) {
	t.Helper()
	require.NoError(t, r.store.CreateCollection(context.Background(), &types.Collection{ID: id, Name: string(id)}))
}

func (r *rig) seedDocument(t *testing.T, collectionID types.CollectionID, key, body string) types.DocumentID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.source.Write(ctx, key, []byte(body)))
	docID := content.DocID([]byte(body))
	require.NoError(t, r.store.CreateDocument(ctx, &types.Document{
		ID:           docID,
		CollectionID: collectionID,
		Key:          key,
		Name:         key,
		SizeBytes:    int64(len(body)),
		ContentHash:  content.Hash([]byte(body)),
		Status:       types.DocumentStatusNew,
	}))
	_, err := r.machine.Ensure(ctx, docID)
	require.NoError(t, err)
	return docID
}

func (r *rig) jobStatus(t *testing.T, docID types.DocumentID) types.SyncStatus {
	t.Helper()
	job, err := r.store.GetSyncJob(context.Background(), docID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.Status
}

func TestExecuteSync_HappyPath(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	require.NoError(t, r.machine.TriggerSync(ctx, docID))

	assert.Equal(t, types.SyncStatusSynced, r.jobStatus(t, docID))

	doc, err := r.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, types.DocumentStatusSynced, doc.Status)

	chunks, err := r.store.GetChunksByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// Chunk ordering: indexes are exactly 0..N-1, dense, with stable
	// deterministic point ids.
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, content.PointID(docID, i), chunk.PointID)
	}
	assert.Equal(t, []string{"Guide", "Install"}, chunks[1].TitleChain)

	_, chunkCount, metaCount, ftsCount := r.store.Counts()
	assert.Equal(t, 3, chunkCount)
	assert.Equal(t, 3, metaCount)
	assert.Equal(t, 3, ftsCount)
	assert.Equal(t, 3, r.vectors.PointCount(nil))

	for _, chunk := range chunks {
		meta, err := r.store.GetChunkMeta(ctx, chunk.PointID)
		require.NoError(t, err)
		assert.Equal(t, types.EmbeddingStatusCompleted, meta.EmbeddingStatus)
		require.NotNil(t, meta.SyncedAt)

		point, ok := r.vectors.Point(chunk.PointID)
		require.True(t, ok)
		assert.Equal(t, docID, point.Payload.DocID)
		assert.Equal(t, types.CollectionID("col_corpus"), point.Payload.CollectionID)
		assert.Equal(t, chunk.ChunkIndex, point.Payload.ChunkIndex)
	}
}

func TestExecuteSync_RetryThenSucceed(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	r.embedder.failNext(errors.New("service unavailable"))

	require.Error(t, r.machine.TriggerSync(ctx, docID))

	assert.Eventually(t, func() bool {
		return r.jobStatus(t, docID) == types.SyncStatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	job, err := r.store.GetSyncJob(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)

	// No duplicate chunks from the re-run.
	chunks, err := r.store.GetChunksByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.Equal(t, 3, r.vectors.PointCount(nil))
}

func TestExecuteSync_InvalidInputDeadLetters(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	r.embedder.failNext(errors.New("invalid api key"))

	require.Error(t, r.machine.TriggerSync(ctx, docID))

	assert.Equal(t, types.SyncStatusDead, r.jobStatus(t, docID))

	doc, err := r.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, types.DocumentStatusFailed, doc.Status)
	assert.Zero(t, r.vectors.PointCount(nil))
	assert.Equal(t, 1, r.embedder.calls())
}

func TestExecuteSync_ResumesAfterSplitOK(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	// Durable state as left by a crash right after SPLIT_OK was recorded:
	// chunks and pending metas persisted, no vectors yet.
	pieces, err := chunking.NewService(nil).Split(testDoc)
	require.NoError(t, err)
	chunks := make([]types.Chunk, len(pieces))
	metas := make([]types.ChunkMeta, len(pieces))
	fts := make([]types.FullTextEntry, len(pieces))
	for i, piece := range pieces {
		pointID := content.PointID(docID, i)
		chunks[i] = types.Chunk{PointID: pointID, DocID: docID, CollectionID: "col_corpus", ChunkIndex: i, TitleChain: piece.TitleChain, Content: piece.Content}
		metas[i] = types.ChunkMeta{PointID: pointID, DocID: docID, CollectionID: "col_corpus", ChunkIndex: i, ContentHash: content.Hash([]byte(piece.Content)), EmbeddingStatus: types.EmbeddingStatusPending}
		fts[i] = types.FullTextEntry{PointID: pointID, Content: piece.Content}
	}
	require.NoError(t, r.store.ReplaceChunks(ctx, docID, chunks, metas, fts))
	require.NoError(t, r.store.UpsertSyncJob(ctx, &types.SyncJob{DocID: docID, Status: types.SyncStatusSplitOK}))

	require.NoError(t, r.machine.TriggerSync(ctx, docID))

	assert.Equal(t, types.SyncStatusSynced, r.jobStatus(t, docID))
	// Each chunk was embedded exactly once across the resume.
	assert.Len(t, r.embedder.embedded(), len(pieces))
}

func TestExecuteSync_IdempotentReRunConvergence(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	require.NoError(t, r.machine.TriggerSync(ctx, docID))
	_, chunksBefore, metasBefore, ftsBefore := r.store.Counts()
	pointsBefore := r.vectors.PointCount(nil)
	embeddedBefore := len(r.embedder.embedded())

	// Force a second full pass over a document whose durable state is
	// already complete.
	require.NoError(t, r.store.UpsertSyncJob(ctx, &types.SyncJob{DocID: docID, Status: types.SyncStatusSplitOK}))
	require.NoError(t, r.machine.TriggerSync(ctx, docID))

	_, chunksAfter, metasAfter, ftsAfter := r.store.Counts()
	assert.Equal(t, chunksBefore, chunksAfter)
	assert.Equal(t, metasBefore, metasAfter)
	assert.Equal(t, ftsBefore, ftsAfter)
	assert.Equal(t, pointsBefore, r.vectors.PointCount(nil))
	// Completed chunks were skipped, not re-embedded.
	assert.Equal(t, embeddedBefore, len(r.embedder.embedded()))
}

func TestExecuteSync_MissingDocumentIsTerminal(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	_, err := r.machine.Ensure(ctx, "doc_ghost")
	require.NoError(t, err)
	require.Error(t, r.machine.TriggerSync(ctx, "doc_ghost"))

	assert.Equal(t, types.SyncStatusDead, r.jobStatus(t, "doc_ghost"))
}

func TestExecuteSync_RateLimitDenialIsRetried(t *testing.T) {
	r := newRig(t, map[string]ratelimit.BucketConfig{
		"embedding": {MaxTokens: 0, RefillPerSec: 0, Enabled: true},
	})
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	require.Error(t, r.machine.TriggerSync(ctx, docID))

	// Every attempt is denied, so the job burns through its retries and
	// dead-letters; the retry bound caps total executions at maxRetries+1.
	assert.Eventually(t, func() bool {
		return r.jobStatus(t, docID) == types.SyncStatusDead
	}, 2*time.Second, 10*time.Millisecond)

	job, err := r.store.GetSyncJob(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Zero(t, r.embedder.calls())
}

func TestSubmit_ContentAddressedReplacement(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")

	first, err := r.coordinator.Submit(ctx, SubmitInput{
		CollectionID: "col_corpus", Key: "guide.md", Name: "Guide", Content: []byte(testDoc),
	})
	require.NoError(t, err)
	assert.Equal(t, content.DocID([]byte(testDoc)), first.ID)

	assert.Eventually(t, func() bool {
		return r.jobStatus(t, first.ID) == types.SyncStatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	// Metadata-only resubmission keeps the id stable.
	same, err := r.coordinator.Submit(ctx, SubmitInput{
		CollectionID: "col_corpus", Key: "guide.md", Name: "Renamed", Content: []byte(testDoc),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)
	assert.Equal(t, "Renamed", same.Name)

	// Changed content mints a new id and removes the old document and its
	// points everywhere.
	updated := testDoc + "\n## Uninstall\n\nRemove the settings file.\n"
	second, err := r.coordinator.Submit(ctx, SubmitInput{
		CollectionID: "col_corpus", Key: "guide.md", Name: "Guide", Content: []byte(updated),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	gone, err := r.store.GetDocument(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.Eventually(t, func() bool {
		return r.jobStatus(t, second.ID) == types.SyncStatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	oldFilter := storage.VectorFilter{Key: "docId", Equals: string(first.ID)}
	assert.Zero(t, r.vectors.PointCount(&oldFilter))
	newFilter := storage.VectorFilter{Key: "docId", Equals: string(second.ID)}
	assert.Equal(t, 4, r.vectors.PointCount(&newFilter))
}

func TestSubmit_DuplicateContentConflicts(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")

	_, err := r.coordinator.Submit(ctx, SubmitInput{
		CollectionID: "col_corpus", Key: "a.md", Content: []byte(testDoc),
	})
	require.NoError(t, err)

	_, err = r.coordinator.Submit(ctx, SubmitInput{
		CollectionID: "col_corpus", Key: "b.md", Content: []byte(testDoc),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT")
}

func TestSubmit_UnknownCollection(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.coordinator.Submit(context.Background(), SubmitInput{
		CollectionID: "col_missing", Key: "a.md", Content: []byte("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestResync_ForcesFullReRun(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	require.NoError(t, r.machine.TriggerSync(ctx, docID))
	require.Equal(t, types.SyncStatusSynced, r.jobStatus(t, docID))

	// The source changed in place; resync picks it up under the same key.
	require.NoError(t, r.source.Write(ctx, "guide.md", []byte("# Guide\n\nRewritten.\n")))
	require.NoError(t, r.coordinator.Resync(ctx, docID))

	assert.Eventually(t, func() bool {
		chunks, err := r.store.GetChunksByDocument(ctx, docID)
		if err != nil || r.jobStatus(t, docID) != types.SyncStatusSynced {
			return false
		}
		return len(chunks) == 1 && chunks[0].Content != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProgressDerivation(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	r.seedCollection(t, "col_corpus")
	docID := r.seedDocument(t, "col_corpus", "guide.md", testDoc)

	cases := []struct {
		status types.SyncStatus
		want   int
	}{
		{types.SyncStatusNew, 0},
		{types.SyncStatusSplitOK, 1},
		{types.SyncStatusEmbedOK, 2},
	}
	for _, tc := range cases {
		got, err := r.coordinator.progress(ctx, &types.SyncJob{DocID: docID, Status: tc.status})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, fmt.Sprintf("status %s", tc.status))
	}

	// FAILED with no chunks persisted: start over from split.
	got, err := r.coordinator.progress(ctx, &types.SyncJob{DocID: docID, Status: types.SyncStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
