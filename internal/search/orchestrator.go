// Package search implements the retrieval orchestrator: embed the
// query (rate-limited), run a vector similarity search, hydrate the hits
// from the relational store and blend in a keyword rescore.
package search

import (
	"context"
	"sort"
	"strings"

	"docucore/internal/embeddings"
	mcperrors "docucore/internal/errors"
	"docucore/internal/logging"
	"docucore/internal/ratelimit"
	"docucore/internal/storage"
	"docucore/internal/types"
)

// maxLimit caps a single search's result count, mirroring the HTTP
// surface's limit <= 100 rule.
const maxLimit = 100

// defaultLimit applies when the caller leaves the limit unset.
const defaultLimit = 10

// keywordWeight scales the reciprocal-rank bonus a hit earns for also
// matching the keyword index. Small on purpose: vector similarity stays
// the primary signal, the keyword pass only breaks ties toward exact
// term matches.
const keywordWeight = 0.05

// embeddingRateKey is the rate-limit bucket guarding query embedding.
const embeddingRateKey = "embedding"

// Orchestrator answers search queries against the dual store.
type Orchestrator struct {
	store    storage.RelationalStore
	vectors  storage.VectorStore
	embedder embeddings.EmbeddingService
	limiter  ratelimit.Limiter
	logger   *logging.EnhancedLogger
}

func NewOrchestrator(store storage.RelationalStore, vectors storage.VectorStore, embedder embeddings.EmbeddingService, limiter ratelimit.Limiter) *Orchestrator {
	return &Orchestrator{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		limiter:  limiter,
		logger:   logging.SearchLogger,
	}
}

// Search embeds the query, retrieves the nearest points (filtered to the
// collection at the vector store when one is given), hydrates their text
// and returns hits in descending score order.
func (o *Orchestrator) Search(ctx context.Context, q types.SearchQuery) ([]types.SearchHit, error) {
	query := strings.TrimSpace(q.QueryText)
	if query == "" {
		return nil, mcperrors.NewRequiredFieldError("q")
	}
	limit := clampLimit(q.Limit)

	allowed, retryAfter, err := o.limiter.Allow(ctx, embeddingRateKey, 1)
	if err != nil {
		return nil, mcperrors.NewInternalError("rate limiter failed", err)
	}
	if !allowed {
		stats := o.limiter.Stats(embeddingRateKey)
		return nil, mcperrors.NewRateLimitError(embeddingRateKey, stats.MaxTokens, retryAfter, int(stats.Tokens))
	}

	vector, err := o.embedder.Generate(ctx, query)
	if err != nil {
		return nil, mcperrors.NewDependencyUnavailableError("embedding provider", err)
	}

	var filter *storage.VectorFilter
	if !q.CollectionID.IsEmpty() {
		filter = &storage.VectorFilter{Key: "collectionId", Equals: string(q.CollectionID)}
	}

	results, err := o.vectors.Search(ctx, toFloat32(vector), limit, filter)
	if err != nil {
		return nil, mcperrors.NewDependencyUnavailableError("vector store", err)
	}

	hits, err := o.hydrate(ctx, results)
	if err != nil {
		return nil, err
	}

	o.rescore(ctx, q.CollectionID, query, limit, hits)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	o.logger.Debug("search completed", "query_len", len(query), "hits", len(hits))
	return hits, nil
}

// SearchPaginated runs Search over a window large enough to cover the
// requested page, applies client-side ordering when the sort key is not
// the score, and wraps the page in the list envelope.
func (o *Orchestrator) SearchPaginated(ctx context.Context, q types.SearchQuery) (*types.ListResult[types.SearchHit], error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := clampLimit(q.Limit)

	fetch := q
	fetch.Limit = maxLimit
	hits, err := o.Search(ctx, fetch)
	if err != nil {
		return nil, err
	}

	if q.Sort != "" && q.Sort != "score" {
		sortHits(hits, q.Sort, q.Order)
	} else if strings.EqualFold(q.Order, "asc") {
		reverse(hits)
	}

	total := len(hits)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &types.ListResult[types.SearchHit]{
		Data:       hits[start:end],
		Pagination: types.NewPagination(page, limit, total),
	}, nil
}

// hydrate joins vector hits back to chunk rows. Hits with no relational
// row are dropped: invariant 3 says such points should not exist, and
// surfacing text from the vector payload alone would mask the drift.
func (o *Orchestrator) hydrate(ctx context.Context, results []storage.VectorSearchResult) ([]types.SearchHit, error) {
	ids := make([]types.PointID, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	rows, err := o.store.HydrateByPointIDs(ctx, ids)
	if err != nil {
		return nil, mcperrors.NewInternalError("failed to hydrate search hits", err)
	}

	hits := make([]types.SearchHit, 0, len(results))
	for _, r := range results {
		chunk, ok := rows[r.ID]
		if !ok {
			o.logger.Warn("vector hit has no chunk row, dropping", "point_id", string(r.ID))
			continue
		}
		hits = append(hits, types.SearchHit{
			PointID:      chunk.PointID,
			Score:        r.Score,
			Content:      chunk.Content,
			TitleChain:   chunk.TitleChain,
			DocID:        chunk.DocID,
			CollectionID: chunk.CollectionID,
			ChunkIndex:   chunk.ChunkIndex,
		})
	}
	return hits, nil
}

// rescore adds a reciprocal-rank keyword bonus to hits that also match
// the full-text index. Keyword search failures are logged and ignored:
// the vector results alone are a complete answer.
func (o *Orchestrator) rescore(ctx context.Context, collectionID types.CollectionID, query string, limit int, hits []types.SearchHit) {
	if collectionID.IsEmpty() || len(hits) == 0 {
		return
	}
	keywordHits, err := o.store.KeywordSearch(ctx, collectionID, query, limit)
	if err != nil {
		o.logger.Warn("keyword rescore failed", "error", err.Error())
		return
	}
	rank := make(map[types.PointID]int, len(keywordHits))
	for i, kh := range keywordHits {
		rank[kh.PointID] = i
	}
	for i := range hits {
		if r, ok := rank[hits[i].PointID]; ok {
			hits[i].Score += keywordWeight / float64(r+1)
		}
	}
}

func sortHits(hits []types.SearchHit, key, order string) {
	desc := !strings.EqualFold(order, "asc")
	sort.SliceStable(hits, func(i, j int) bool {
		var less bool
		switch key {
		case "chunk_index":
			less = hits[i].ChunkIndex < hits[j].ChunkIndex
		case "doc_id":
			less = hits[i].DocID < hits[j].DocID
		case "content":
			less = hits[i].Content < hits[j].Content
		default:
			less = hits[i].Score < hits[j].Score
		}
		if desc {
			return !less
		}
		return less
	})
}

func reverse(hits []types.SearchHit) {
	for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
		hits[i], hits[j] = hits[j], hits[i]
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
