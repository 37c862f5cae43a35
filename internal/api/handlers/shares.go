package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ClaimShare — GET /api/v1/shares/{code}
// Использует код доступа и возвращает метаданные файла.
func (h *APIHandler) ClaimShare(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	rec, err := h.shares.Claim(r.Context(), chi.URLParam(r, "code"), a.UserID, h.clock.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

// DownloadShare — GET /api/v1/shares/{code}/download
func (h *APIHandler) DownloadShare(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	dl, err := h.downloads.ByCode(r.Context(), a, chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.stream(w, r, dl)
}
