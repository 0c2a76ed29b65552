package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierr "github.com/nmr-relax/relax-sub027/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleMinimise handles POST /api/v1/minimise.
func (s *Server) handleMinimise(w http.ResponseWriter, r *http.Request) {
	var req MinimiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, badRequest("invalid request body: %v", err))
		return
	}
	view, err := s.StartMinimise(&req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleGrid handles POST /api/v1/grid.
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	var req GridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, badRequest("invalid request body: %v", err))
		return
	}
	view, err := s.StartGrid(&req)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// handleStatus handles GET /api/v1/runs/{id}. ?history=true includes the
// accepted iterations.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	withHistory, _ := strconv.ParseBool(r.URL.Query().Get("history"))
	view, err := s.Status(chi.URLParam(r, "id"), withHistory)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/runs/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Cancel(chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancellation requested",
	})
}
