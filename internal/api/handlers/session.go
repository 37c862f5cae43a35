package handlers

import (
	"net/http"
	"time"
)

type secretRequest struct {
	Secret string `json:"secret"`
}

type sessionResponse struct {
	HasToken      bool       `json:"has_token"`
	Active        bool       `json:"active"`
	VerifiedUntil *time.Time `json:"verified_until,omitempty"`
}

// SetSessionToken — PUT /api/v1/session/token
// Задаёт новый секрет; текущая сессия при этом завершается.
func (h *APIHandler) SetSessionToken(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req secretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sessions.SetToken(r.Context(), a.UserID, req.Secret, h.clock.Now()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifySession — POST /api/v1/session/verify
func (h *APIHandler) VerifySession(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req secretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	until, err := h.sessions.Verify(r.Context(), a.UserID, req.Secret, h.clock.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		HasToken:      true,
		Active:        true,
		VerifiedUntil: &until,
	})
}

// GetSession — GET /api/v1/session
func (h *APIHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	st, err := h.sessions.Status(r.Context(), a.UserID, h.clock.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		HasToken:      st.HasToken,
		Active:        st.Active,
		VerifiedUntil: st.VerifiedUntil,
	})
}
