package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"packaging-coordinator/internal/models"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.store.GetHistoryByUserID(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": nonNil(recs)})
}

// handleCreateHistory seeds history for deployments made outside this system.
func (s *Server) handleCreateHistory(w http.ResponseWriter, r *http.Request) {
	var rec models.UploadHistoryRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.store.CreateHistory(r.Context(), &rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
