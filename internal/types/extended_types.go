package types

// SearchHit is one result row returned by the search orchestrator.
type SearchHit struct {
	PointID      PointID      `json:"point_id"`
	Score        float64      `json:"score"`
	Content      string       `json:"content"`
	TitleChain   []string     `json:"title_chain,omitempty"`
	DocID        DocumentID   `json:"doc_id"`
	CollectionID CollectionID `json:"collection_id"`
	ChunkIndex   int          `json:"chunk_index"`
}

// SearchQuery is the input to a search, covering both the plain and
// paginated entry points.
type SearchQuery struct {
	QueryText    string
	CollectionID CollectionID // empty means "search across all collections"
	Limit        int

	// Paginated-search additions; zero values mean "use the plain path".
	Page  int
	Sort  string // "score" (default) or a hydrated-field name
	Order string // "asc" or "desc"
}

// Pagination describes the envelope the HTTP surface wraps list responses
// in: {data:[...], pagination:{...}}.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPagination computes the pagination envelope for a page/limit/total.
func NewPagination(page, limit, total int) Pagination {
	if limit <= 0 {
		limit = 1
	}
	totalPages := (total + limit - 1) / limit
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// ListResult is the generic {data, pagination} envelope for list endpoints.
type ListResult[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}
