package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/filevault/internal/api/errors"
)

// quotaListLimit — максимальное число записей в обзоре квот.
const quotaListLimit = 100

// ForceDeleteFile — DELETE /api/v1/admin/files/{id}
func (h *APIHandler) ForceDeleteFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.files.ForceDelete(r.Context(), a, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListQuotas — GET /api/v1/admin/quotas
// Использование за сегодня по убыванию трафика.
func (h *APIHandler) ListQuotas(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", quotaListLimit)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	usages, err := h.quotas.ListUsage(r.Context(), min(max(limit, 1), quotaListLimit))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items := make([]usageResponse, 0, len(usages))
	for _, u := range usages {
		items = append(items, toUsageResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetUserQuota — GET /api/v1/admin/quotas/{user_id}
func (h *APIHandler) GetUserQuota(w http.ResponseWriter, r *http.Request) {
	u, err := h.quotas.ReadUsage(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(u))
}

type setLimitsRequest struct {
	BandwidthLimit int64 `json:"bandwidth_limit"`
	DownloadLimit  int64 `json:"download_limit"`
}

// SetUserQuota — PUT /api/v1/admin/quotas/{user_id}
// Лимиты 0 означают отсутствие ограничения.
func (h *APIHandler) SetUserQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	var req setLimitsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.quotas.SetLimits(r.Context(), userID, req.BandwidthLimit, req.DownloadLimit); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	u, err := h.quotas.ReadUsage(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(u))
}

// ResetUserQuota — POST /api/v1/admin/quotas/{user_id}/reset
func (h *APIHandler) ResetUserQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if err := h.quotas.ResetUsage(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	u, err := h.quotas.ReadUsage(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(u))
}

type statsResponse struct {
	TotalFiles  int64 `json:"total_files"`
	TotalBytes  int64 `json:"total_bytes"`
	TotalOwners int64 `json:"total_owners"`
}

// GetStats — GET /api/v1/admin/stats
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.files.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		TotalFiles:  st.TotalFiles,
		TotalBytes:  st.TotalBytes,
		TotalOwners: st.TotalOwners,
	})
}

type sweepResponse struct {
	DeletedCount  int    `json:"deleted_count"`
	GrantsDeleted int64  `json:"grants_deleted"`
	WarnedCount   int    `json:"warned_count"`
	Errors        int    `json:"errors"`
	Duration      string `json:"duration"`
}

// RunSweep — POST /api/v1/admin/sweep
// Внеочередной запуск очистки; ждёт завершения текущего запуска, если он идёт.
func (h *APIHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res := h.sweeper.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, sweepResponse{
		DeletedCount:  res.DeletedCount,
		GrantsDeleted: res.GrantsDeleted,
		WarnedCount:   res.WarnedCount,
		Errors:        res.Errors,
		Duration:      res.Duration.String(),
	})
}
