package api

import (
	"net/http"

	"docucore/internal/types"
)

func (s *Server) searchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hits, err := s.searcher.Search(r.Context(), types.SearchQuery{
		QueryText:    q.Get("q"),
		CollectionID: types.CollectionID(q.Get("collectionId")),
		Limit:        queryInt(r, "limit", 0),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"data": hits})
}

func (s *Server) searchPaginated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.searcher.SearchPaginated(r.Context(), types.SearchQuery{
		QueryText:    q.Get("q"),
		CollectionID: types.CollectionID(q.Get("collectionId")),
		Limit:        queryInt(r, "limit", 0),
		Page:         queryInt(r, "page", 1),
		Sort:         q.Get("sort"),
		Order:        q.Get("order"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type searchRequest struct {
	Query        string `json:"q"`
	CollectionID string `json:"collection_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Page         int    `json:"page,omitempty"`
	Sort         string `json:"sort,omitempty"`
	Order        string `json:"order,omitempty"`
}

// searchPost is the JSON-body equivalent of the GET endpoints: with a
// page it behaves like /search/paginated, without one like /search.
func (s *Server) searchPost(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	query := types.SearchQuery{
		QueryText:    req.Query,
		CollectionID: types.CollectionID(req.CollectionID),
		Limit:        req.Limit,
		Page:         req.Page,
		Sort:         req.Sort,
		Order:        req.Order,
	}

	if req.Page > 0 {
		result, err := s.searcher.SearchPaginated(r.Context(), query)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	hits, err := s.searcher.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"data": hits})
}

// health probes both stores, records the results for the monitoring
// tables and reports them.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := http.StatusOK
	out := map[string]string{"relational": "ok", "vector": "ok"}

	if err := s.store.HealthCheck(ctx); err != nil {
		out["relational"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.vectors.HealthCheck(ctx); err != nil {
		out["vector"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	for component, detail := range out {
		state := "healthy"
		if detail != "ok" {
			state = "unhealthy"
		}
		if err := s.store.RecordHealth(ctx, component, state, detail); err != nil {
			s.logger.Warn("failed to record health", "component", component, "error", err.Error())
		}
	}

	s.writeJSON(w, status, out)
}
