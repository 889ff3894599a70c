package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mcperrors "docucore/internal/errors"
	"docucore/internal/ingest"
	"docucore/internal/storage"
	"docucore/internal/types"
)

// Collections

type collectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := types.ValidateCollectionName(req.Name); err != nil {
		s.writeError(w, mcperrors.NewValidationError("name", err.Error(), req.Name))
		return
	}

	existing, err := s.store.GetCollectionByName(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to check collection name", err))
		return
	}
	if existing != nil {
		s.writeError(w, mcperrors.NewConflictError("collection name already in use", map[string]string{"name": req.Name}))
		return
	}

	now := time.Now().UnixMilli()
	col := &types.Collection{
		ID:          types.CollectionID("col_" + uuid.New().String()),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCollection(r.Context(), col); err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to create collection", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, col)
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	sort := r.URL.Query().Get("sort")
	order := r.URL.Query().Get("order")

	cols, total, err := s.store.ListCollections(r.Context(), page, limit, sort, order)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to list collections", err))
		return
	}
	s.writeJSON(w, http.StatusOK, types.ListResult[types.Collection]{
		Data:       cols,
		Pagination: types.NewPagination(page, limit, total),
	})
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	id := types.CollectionID(chi.URLParam(r, "id"))
	col, err := s.store.GetCollection(r.Context(), id)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to load collection", err))
		return
	}
	if col == nil {
		s.writeError(w, mcperrors.NewNotFoundError("collection", string(id)))
		return
	}
	s.writeJSON(w, http.StatusOK, col)
}

func (s *Server) updateCollection(w http.ResponseWriter, r *http.Request) {
	id := types.CollectionID(chi.URLParam(r, "id"))
	var req collectionRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	col, err := s.store.GetCollection(r.Context(), id)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to load collection", err))
		return
	}
	if col == nil {
		s.writeError(w, mcperrors.NewNotFoundError("collection", string(id)))
		return
	}

	if req.Name != "" && !strings.EqualFold(req.Name, col.Name) {
		if err := types.ValidateCollectionName(req.Name); err != nil {
			s.writeError(w, mcperrors.NewValidationError("name", err.Error(), req.Name))
			return
		}
		clash, err := s.store.GetCollectionByName(r.Context(), req.Name)
		if err != nil {
			s.writeError(w, mcperrors.NewInternalError("failed to check collection name", err))
			return
		}
		if clash != nil && clash.ID != id {
			s.writeError(w, mcperrors.NewConflictError("collection name already in use", map[string]string{"name": req.Name}))
			return
		}
		col.Name = req.Name
	}
	if req.Description != "" {
		col.Description = req.Description
	}
	col.UpdatedAt = time.Now().UnixMilli()

	if err := s.store.UpdateCollection(r.Context(), col); err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to update collection", err))
		return
	}
	s.writeJSON(w, http.StatusOK, col)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	id := types.CollectionID(chi.URLParam(r, "id"))
	if err := s.deleter.DeleteCollection(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// Documents

type submitDocumentRequest struct {
	CollectionID string `json:"collection_id"`
	Key          string `json:"key"`
	Name         string `json:"name,omitempty"`
	MIME         string `json:"mime,omitempty"`
	Content      string `json:"content"`
}

func (s *Server) submitDocument(w http.ResponseWriter, r *http.Request) {
	var req submitDocumentRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.coordinator.Submit(r.Context(), ingest.SubmitInput{
		CollectionID: types.CollectionID(req.CollectionID),
		Key:          req.Key,
		Name:         req.Name,
		MIME:         req.MIME,
		Content:      []byte(req.Content),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	q := r.URL.Query()

	filter := storage.DocumentFilter{
		CollectionID: types.CollectionID(q.Get("collectionId")),
		Search:       q.Get("search"),
		Status:       types.DocumentStatus(q.Get("status")),
		Page:         page,
		Limit:        limit,
		Sort:         q.Get("sort"),
		Order:        q.Get("order"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, mcperrors.NewValidationError("status", "unknown document status", string(filter.Status)))
		return
	}

	docs, total, err := s.store.ListDocuments(r.Context(), filter)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to list documents", err))
		return
	}
	s.writeJSON(w, http.StatusOK, types.ListResult[types.Document]{
		Data:       docs,
		Pagination: types.NewPagination(page, limit, total),
	})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := types.DocumentID(chi.URLParam(r, "id"))
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, mcperrors.NewInternalError("failed to load document", err))
		return
	}
	if doc == nil {
		s.writeError(w, mcperrors.NewNotFoundError("document", string(id)))
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

type updateDocumentRequest struct {
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	id := types.DocumentID(chi.URLParam(r, "id"))
	var req updateDocumentRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.coordinator.UpdateMeta(r.Context(), id, req.Name, req.MIME)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := types.DocumentID(chi.URLParam(r, "id"))
	if err := s.deleter.DeleteDocument(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) resyncDocument(w http.ResponseWriter, r *http.Request) {
	id := types.DocumentID(chi.URLParam(r, "id"))
	if err := s.coordinator.Resync(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"doc_id": string(id), "status": "resync_started"})
}
