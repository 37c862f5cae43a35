// handler.go — APIHandler: общие зависимости обработчиков,
// преобразование ошибок сервисов в HTTP-ответы, DTO.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/bigkaa/filevault/internal/api/errors"
	"github.com/bigkaa/filevault/internal/api/middleware"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/service"
)

// Параметры пагинации.
const (
	defaultPageSize = 50
)

// APIHandler — обработчики /api/v1.
type APIHandler struct {
	files     *service.FileService
	shares    *service.ShareService
	sessions  *service.SessionService
	quotas    *service.QuotaService
	downloads *service.DownloadService
	sweeper   *service.SweeperService
	clock     clock.Clock
	// maxUploadSize — ограничение тела запроса загрузки
	maxUploadSize int64
	logger        *slog.Logger
}

// Services — сервисы, которые использует API.
type Services struct {
	Files     *service.FileService
	Shares    *service.ShareService
	Sessions  *service.SessionService
	Quotas    *service.QuotaService
	Downloads *service.DownloadService
	Sweeper   *service.SweeperService
}

// NewAPIHandler создаёт обработчики API.
// maxFileSize — максимальный размер файла (0 — без ограничения).
func NewAPIHandler(svc Services, clk clock.Clock, maxFileSize int64, logger *slog.Logger) *APIHandler {
	maxUpload := int64(0)
	if maxFileSize > 0 {
		// запас на multipart-заголовки и поля формы
		maxUpload = maxFileSize + 1<<20
	}
	return &APIHandler{
		files:         svc.Files,
		shares:        svc.Shares,
		sessions:      svc.Sessions,
		quotas:        svc.Quotas,
		downloads:     svc.Downloads,
		sweeper:       svc.Sweeper,
		clock:         clk,
		maxUploadSize: maxUpload,
		logger:        logger.With(slog.String("component", "api")),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// actor возвращает инициатора запроса; при отсутствии пишет 401.
func actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	a, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Требуется аутентификация")
	}
	return a, ok
}

// decodeJSON разбирает тело запроса; при ошибке пишет 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError преобразует ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *service.DuplicateError
	var quota *service.QuotaError

	switch {
	case errors.As(err, &dup):
		apierrors.WriteErrorDetails(w, http.StatusConflict, apierrors.CodeDuplicateUpload,
			"Файл с таким содержимым уже загружен",
			map[string]any{"existing": toFileResponse(dup.Existing)})
	case errors.As(err, &quota):
		apierrors.WriteErrorDetails(w, http.StatusTooManyRequests, apierrors.CodeQuotaExceeded,
			"Суточная квота исчерпана", map[string]any{"reason": quota.Reason})
	case errors.Is(err, service.ErrSessionNotVerified):
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeSessionNotVerified,
			"Сессия не подтверждена: выполните POST /api/v1/session/verify")
	case errors.Is(err, service.ErrTokenNotSet):
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeTokenNotSet,
			"Секрет не задан: выполните PUT /api/v1/session/token")
	case errors.Is(err, service.ErrInvalidToken):
		apierrors.WriteError(w, http.StatusForbidden, apierrors.CodeInvalidToken, "Неверный секрет")
	case errors.Is(err, service.ErrRecordNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, service.ErrGrantExpiredOrConsumed):
		apierrors.WriteError(w, http.StatusGone, apierrors.CodeGrantExpired, "Код доступа истёк или уже использован")
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, "Недостаточно прав")
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		apierrors.PayloadTooLarge(w, err.Error())
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// queryInt читает неотрицательный целый параметр запроса.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("параметр " + name + " должен быть неотрицательным целым")
	}
	return n, nil
}

// parseTTL разбирает длительность вида "24h"; пустая строка — nil.
func parseTTL(s string) (*time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, errors.New("некорректная длительность " + strconv.Quote(s))
	}
	if d <= 0 {
		return nil, errors.New("длительность должна быть положительной")
	}
	return &d, nil
}

// --- DTO ---

type fileResponse struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Filename    string     `json:"filename"`
	DisplayName *string    `json:"display_name,omitempty"`
	Name        string     `json:"name"`
	ContentType string     `json:"content_type"`
	Tags        []string   `json:"tags"`
	Fingerprint string     `json:"fingerprint"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ShareCode   *string    `json:"share_code,omitempty"`
}

func toFileResponse(f *model.FileRecord) fileResponse {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return fileResponse{
		ID:          f.ID,
		OwnerID:     f.OwnerID,
		Filename:    f.Filename,
		DisplayName: f.DisplayName,
		Name:        f.Name(),
		ContentType: f.ContentType,
		Tags:        tags,
		Fingerprint: f.Fingerprint,
		Size:        f.Size,
		CreatedAt:   f.CreatedAt,
		ExpiresAt:   f.ExpiresAt,
		ShareCode:   f.ShareCode,
	}
}

func toFileList(files []*model.FileRecord) []fileResponse {
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toFileResponse(f))
	}
	return out
}

type fileListResponse struct {
	Items  []fileResponse `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type shareResponse struct {
	Code      string     `json:"code"`
	RecordID  string     `json:"record_id"`
	SingleUse bool       `json:"single_use"`
	UseCount  int64      `json:"use_count"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toShareResponse(g *model.ShareGrant) shareResponse {
	return shareResponse{
		Code:      g.Code,
		RecordID:  g.RecordID,
		SingleUse: g.SingleUse,
		UseCount:  g.UseCount,
		CreatedAt: g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
	}
}

type usageResponse struct {
	UserID             string    `json:"user_id"`
	Day                string    `json:"day"`
	BytesUsed          int64     `json:"bytes_used"`
	DownloadCount      int64     `json:"download_count"`
	BandwidthLimit     int64     `json:"bandwidth_limit"`
	DownloadLimit      int64     `json:"download_limit"`
	RemainingBytes     int64     `json:"remaining_bytes"`
	RemainingDownloads int64     `json:"remaining_downloads"`
	ResetsAt           time.Time `json:"resets_at"`
}

func toUsageResponse(u *model.QuotaUsage) usageResponse {
	return usageResponse{
		UserID:             u.UserID,
		Day:                u.Day,
		BytesUsed:          u.BytesUsed,
		DownloadCount:      u.DownloadCount,
		BandwidthLimit:     u.BandwidthLimit,
		DownloadLimit:      u.DownloadLimit,
		RemainingBytes:     u.RemainingBytes(),
		RemainingDownloads: u.RemainingDownloads(),
		ResetsAt:           u.ResetsAt,
	}
}
