package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"docucore/internal/types"
)

// MemoryRelationalStore is a map-backed RelationalStore for tests and
// local experimentation. It implements the full RelationalStore contract, including
// cascade deletes and a naive substring KeywordSearch, but persists
// nothing.
type MemoryRelationalStore struct {
	mu          sync.RWMutex
	collections map[types.CollectionID]types.Collection
	documents   map[types.DocumentID]types.Document
	chunks      map[types.PointID]types.Chunk
	metas       map[types.PointID]types.ChunkMeta
	fts         map[types.PointID]types.FullTextEntry
	jobs        map[types.DocumentID]types.SyncJob
	metrics     []MemoryMetric
	health      map[string]string
}

// MemoryMetric is one recorded metric sample, kept for test assertions.
type MemoryMetric struct {
	Component string
	Name      string
	Value     float64
}

func NewMemoryRelationalStore() *MemoryRelationalStore {
	return &MemoryRelationalStore{
		collections: make(map[types.CollectionID]types.Collection),
		documents:   make(map[types.DocumentID]types.Document),
		chunks:      make(map[types.PointID]types.Chunk),
		metas:       make(map[types.PointID]types.ChunkMeta),
		fts:         make(map[types.PointID]types.FullTextEntry),
		jobs:        make(map[types.DocumentID]types.SyncJob),
		health:      make(map[string]string),
	}
}

func (m *MemoryRelationalStore) CreateCollection(_ context.Context, c *types.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.ID] = *c
	return nil
}

func (m *MemoryRelationalStore) GetCollection(_ context.Context, id types.CollectionID) (*types.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok || c.Deleted {
		return nil, nil
	}
	out := c
	return &out, nil
}

func (m *MemoryRelationalStore) GetCollectionByName(_ context.Context, name string) (*types.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := types.NormalizeCollectionName(name)
	for _, c := range m.collections {
		if !c.Deleted && types.NormalizeCollectionName(c.Name) == want {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryRelationalStore) ListCollections(_ context.Context, page, limit int, sortCol, order string) ([]types.Collection, int, error) {
	m.mu.RLock()
	var all []types.Collection
	for _, c := range m.collections {
		if !c.Deleted {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		var less bool
		switch sortCol {
		case "name":
			less = strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		default:
			less = all[i].CreatedAt < all[j].CreatedAt
		}
		if strings.EqualFold(order, "desc") {
			return !less
		}
		return less
	})
	total := len(all)
	return pageSlice(all, page, limit), total, nil
}

func (m *MemoryRelationalStore) UpdateCollection(_ context.Context, c *types.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[c.ID]; !ok {
		return errNotFound("collection", string(c.ID))
	}
	m.collections[c.ID] = *c
	return nil
}

func (m *MemoryRelationalStore) SoftDeleteCollection(_ context.Context, id types.CollectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return errNotFound("collection", string(id))
	}
	c.Deleted = true
	c.UpdatedAt = time.Now().UnixMilli()
	m.collections[id] = c
	return nil
}

func (m *MemoryRelationalStore) CreateDocument(_ context.Context, d *types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = *d
	return nil
}

func (m *MemoryRelationalStore) GetDocument(_ context.Context, id types.DocumentID) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, nil
	}
	out := d
	return &out, nil
}

func (m *MemoryRelationalStore) GetDocumentByKey(_ context.Context, collectionID types.CollectionID, key string) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.CollectionID == collectionID && d.Key == key {
			out := d
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryRelationalStore) ListDocuments(_ context.Context, f DocumentFilter) ([]types.Document, int, error) {
	m.mu.RLock()
	var all []types.Document
	for _, d := range m.documents {
		if !f.CollectionID.IsEmpty() && d.CollectionID != f.CollectionID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, d)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		var less bool
		switch f.Sort {
		case "name":
			less = strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		case "size":
			less = all[i].SizeBytes < all[j].SizeBytes
		default:
			less = all[i].CreatedAt < all[j].CreatedAt
		}
		if strings.EqualFold(f.Order, "desc") {
			return !less
		}
		return less
	})
	total := len(all)
	return pageSlice(all, f.Page, f.Limit), total, nil
}

func (m *MemoryRelationalStore) UpdateDocument(_ context.Context, d *types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; !ok {
		return errNotFound("document", string(d.ID))
	}
	m.documents[d.ID] = *d
	return nil
}

func (m *MemoryRelationalStore) UpdateDocumentStatus(_ context.Context, id types.DocumentID, status types.DocumentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return errNotFound("document", string(id))
	}
	d.Status = status
	d.UpdatedAt = time.Now().UnixMilli()
	m.documents[id] = d
	return nil
}

func (m *MemoryRelationalStore) DeleteDocument(_ context.Context, id types.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return errNotFound("document", string(id))
	}
	delete(m.documents, id)
	return nil
}

func (m *MemoryRelationalStore) ReplaceChunks(_ context.Context, docID types.DocumentID, chunks []types.Chunk, metas []types.ChunkMeta, fts []types.FullTextEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksWhere(func(c types.Chunk) bool { return c.DocID == docID })
	for _, c := range chunks {
		m.chunks[c.PointID] = c
	}
	for _, meta := range metas {
		m.metas[meta.PointID] = meta
	}
	for _, f := range fts {
		m.fts[f.PointID] = f
	}
	return nil
}

func (m *MemoryRelationalStore) GetChunksByDocument(_ context.Context, docID types.DocumentID) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Chunk
	for _, c := range m.chunks {
		if c.DocID == docID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *MemoryRelationalStore) GetChunkMeta(_ context.Context, pointID types.PointID) (*types.ChunkMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[pointID]
	if !ok {
		return nil, nil
	}
	out := meta
	return &out, nil
}

func (m *MemoryRelationalStore) UpdateChunkMeta(_ context.Context, meta *types.ChunkMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[meta.PointID]; !ok {
		return errNotFound("chunk_meta", string(meta.PointID))
	}
	m.metas[meta.PointID] = *meta
	return nil
}

func (m *MemoryRelationalStore) DeleteChunksByDocument(_ context.Context, docID types.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksWhere(func(c types.Chunk) bool { return c.DocID == docID })
	return nil
}

func (m *MemoryRelationalStore) DeleteChunksByCollection(_ context.Context, collectionID types.CollectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksWhere(func(c types.Chunk) bool { return c.CollectionID == collectionID })
	return nil
}

// deleteChunksWhere removes the chunk triple for every chunk matching the
// predicate. Callers hold m.mu.
func (m *MemoryRelationalStore) deleteChunksWhere(match func(types.Chunk) bool) {
	for id, c := range m.chunks {
		if match(c) {
			delete(m.chunks, id)
			delete(m.metas, id)
			delete(m.fts, id)
		}
	}
}

func (m *MemoryRelationalStore) HydrateByPointIDs(_ context.Context, ids []types.PointID) (map[types.PointID]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.PointID]types.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *MemoryRelationalStore) GetPointIDsByDocument(_ context.Context, docID types.DocumentID) ([]types.PointID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chunks []types.Chunk
	for _, c := range m.chunks {
		if c.DocID == docID {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	out := make([]types.PointID, len(chunks))
	for i, c := range chunks {
		out[i] = c.PointID
	}
	return out, nil
}

func (m *MemoryRelationalStore) GetPointIDsByCollection(_ context.Context, collectionID types.CollectionID) ([]types.PointID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PointID
	for id, c := range m.chunks {
		if c.CollectionID == collectionID {
			out = append(out, id)
		}
	}
	return out, nil
}

// KeywordSearch scores by naive term-occurrence count, enough to exercise
// the search orchestrator's rescoring path in tests.
func (m *MemoryRelationalStore) KeywordSearch(_ context.Context, collectionID types.CollectionID, query string, limit int) ([]KeywordHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	var hits []KeywordHit
	for id, f := range m.fts {
		meta, ok := m.metas[id]
		if !ok || (!collectionID.IsEmpty() && meta.CollectionID != collectionID) {
			continue
		}
		content := strings.ToLower(f.Content)
		score := 0.0
		for _, t := range terms {
			score += float64(strings.Count(content, t))
		}
		if score > 0 {
			hits = append(hits, KeywordHit{PointID: id, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryRelationalStore) CascadeDeleteCollection(_ context.Context, _ Execer, id types.CollectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksWhere(func(c types.Chunk) bool { return c.CollectionID == id })
	for docID, d := range m.documents {
		if d.CollectionID == id {
			delete(m.documents, docID)
			delete(m.jobs, docID)
		}
	}
	if c, ok := m.collections[id]; ok {
		c.Deleted = true
		m.collections[id] = c
	}
	return nil
}

func (m *MemoryRelationalStore) CascadeDeleteDocument(_ context.Context, _ Execer, id types.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteChunksWhere(func(c types.Chunk) bool { return c.DocID == id })
	delete(m.documents, id)
	delete(m.jobs, id)
	return nil
}

func (m *MemoryRelationalStore) UpsertSyncJob(_ context.Context, job *types.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.DocID] = *job
	return nil
}

func (m *MemoryRelationalStore) GetSyncJob(_ context.Context, docID types.DocumentID) (*types.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[docID]
	if !ok {
		return nil, nil
	}
	out := j
	return &out, nil
}

func (m *MemoryRelationalStore) ListSyncJobsByStatus(_ context.Context, status types.SyncStatus) ([]types.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.SyncJob
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryRelationalStore) DeleteSyncJob(_ context.Context, docID types.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, docID)
	return nil
}

func (m *MemoryRelationalStore) RecordMetric(_ context.Context, component, name string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, MemoryMetric{Component: component, Name: name, Value: value})
	return nil
}

func (m *MemoryRelationalStore) RecordHealth(_ context.Context, component, status, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[component] = status
	return nil
}

// Metrics returns a copy of the recorded metric samples.
func (m *MemoryRelationalStore) Metrics() []MemoryMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemoryMetric, len(m.metrics))
	copy(out, m.metrics)
	return out
}

// Counts reports how many rows of each kind the store holds, for test
// assertions against the cascade invariants.
func (m *MemoryRelationalStore) Counts() (docs, chunks, metas, fts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents), len(m.chunks), len(m.metas), len(m.fts)
}

func (m *MemoryRelationalStore) HealthCheck(context.Context) error { return nil }
func (m *MemoryRelationalStore) Close() error                      { return nil }

func pageSlice[T any](all []T, page, limit int) []T {
	if limit <= 0 {
		return all
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func errNotFound(entity, id string) error {
	return &notFoundError{entity: entity, id: id}
}

type notFoundError struct{ entity, id string }

func (e *notFoundError) Error() string { return e.entity + " " + e.id + " not found" }

// MemoryVectorStore is a map-backed VectorStore for tests. The hook
// fields, when set, run before the matching operation and can inject
// failures (returning their error without touching state).
type MemoryVectorStore struct {
	mu     sync.RWMutex
	points map[types.PointID]VectorPoint

	UpsertHook func() error
	DeleteHook func() error
	SearchHook func() error
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{points: make(map[types.PointID]VectorPoint)}
}

func (m *MemoryVectorStore) Initialize(context.Context) error { return nil }

func (m *MemoryVectorStore) Upsert(_ context.Context, points []VectorPoint) error {
	if m.UpsertHook != nil {
		if err := m.UpsertHook(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

// Search scores by cosine similarity over the stored vectors.
func (m *MemoryVectorStore) Search(_ context.Context, vector []float32, limit int, filter *VectorFilter) ([]VectorSearchResult, error) {
	if m.SearchHook != nil {
		if err := m.SearchHook(); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VectorSearchResult
	for _, p := range m.points {
		if filter != nil && !matchesFilter(p.Payload, *filter) {
			continue
		}
		out = append(out, VectorSearchResult{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryVectorStore) Delete(_ context.Context, ids []types.PointID) error {
	if m.DeleteHook != nil {
		if err := m.DeleteHook(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *MemoryVectorStore) DeleteByFilter(_ context.Context, filter VectorFilter) error {
	if m.DeleteHook != nil {
		if err := m.DeleteHook(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if matchesFilter(p.Payload, filter) {
			delete(m.points, id)
		}
	}
	return nil
}

// PointCount reports how many points the store holds, optionally filtered.
func (m *MemoryVectorStore) PointCount(filter *VectorFilter) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if filter == nil {
		return len(m.points)
	}
	n := 0
	for _, p := range m.points {
		if matchesFilter(p.Payload, *filter) {
			n++
		}
	}
	return n
}

// Point returns the stored point for id, if any.
func (m *MemoryVectorStore) Point(id types.PointID) (VectorPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.points[id]
	return p, ok
}

func (m *MemoryVectorStore) HealthCheck(context.Context) error { return nil }
func (m *MemoryVectorStore) Close() error                      { return nil }

func matchesFilter(p VectorPayload, f VectorFilter) bool {
	switch f.Key {
	case "collectionId":
		return string(p.CollectionID) == f.Equals
	case "docId":
		return string(p.DocID) == f.Equals
	default:
		return false
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
