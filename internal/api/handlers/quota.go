package handlers

import "net/http"

// GetQuota — GET /api/v1/quota
// Использование квоты текущим пользователем за сегодня (UTC).
func (h *APIHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	u, err := h.quotas.ReadUsage(r.Context(), a.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(u))
}
