package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/filevault/internal/api/errors"
	"github.com/bigkaa/filevault/internal/service"
)

// multipartMemory — объём формы, который держится в памяти; остальное
// уходит во временные файлы.
const multipartMemory = 8 << 20

// UploadFile — POST /api/v1/files (multipart/form-data: file, tags, ttl).
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if !a.IsAdmin {
		apierrors.Forbidden(w, "Загрузка файлов доступна только администратору")
		return
	}

	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, "Превышен максимальный размер файла")
			return
		}
		apierrors.ValidationError(w, "Некорректная multipart-форма: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле file обязательно")
		return
	}
	defer file.Close()

	ttl, err := parseTTL(r.FormValue("ttl"))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	rec, err := h.files.Upload(r.Context(), a, service.UploadRequest{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Tags:        splitTags(r.FormValue("tags")),
		TTL:         ttl,
		Body:        file,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFileResponse(rec))
}

// ListFiles — GET /api/v1/files?owner_id=&limit=&offset=
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	limit = min(max(limit, 1), service.MaxPageSize)

	files, total, err := h.files.List(r.Context(), a, r.URL.Query().Get("owner_id"), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileListResponse{
		Items:  toFileList(files),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// SearchFiles — GET /api/v1/files/search?q=
func (h *APIHandler) SearchFiles(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	files, err := h.files.Search(r.Context(), a, r.URL.Query().Get("q"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toFileList(files)})
}

// FilesByTag — GET /api/v1/files/tags/{tag}
func (h *APIHandler) FilesByTag(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	files, err := h.files.ByTag(r.Context(), a, chi.URLParam(r, "tag"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toFileList(files)})
}

// GetFile — GET /api/v1/files/{id}
func (h *APIHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	rec, err := h.files.Get(r.Context(), a, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

type updateFileRequest struct {
	DisplayName *string   `json:"display_name"`
	Tags        *[]string `json:"tags"`
}

// UpdateFile — PATCH /api/v1/files/{id}
func (h *APIHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req updateFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := h.files.Update(r.Context(), a, chi.URLParam(r, "id"), service.UpdateRequest{
		DisplayName: req.DisplayName,
		Tags:        req.Tags,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

type expiryRequest struct {
	// TTL — длительность вида "72h"; пусто — снять срок хранения
	TTL string `json:"ttl"`
}

// SetFileExpiry — PUT /api/v1/files/{id}/expiry
func (h *APIHandler) SetFileExpiry(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req expiryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	rec, err := h.files.SetExpiry(r.Context(), a, chi.URLParam(r, "id"), ttl)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

// DeleteFile — DELETE /api/v1/files/{id}
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.files.Delete(r.Context(), a, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile — GET /api/v1/files/{id}/download
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	dl, err := h.downloads.ByID(r.Context(), a, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.stream(w, r, dl)
}

type createShareRequest struct {
	SingleUse bool `json:"single_use"`
	// TTL — срок действия кода; пусто — до удаления файла
	TTL string `json:"ttl"`
}

// CreateShare — POST /api/v1/files/{id}/shares
func (h *APIHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req createShareRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	grant, err := h.shares.CreateGrant(r.Context(), a, chi.URLParam(r, "id"), service.GrantOptions{
		SingleUse: req.SingleUse,
		TTL:       ttl,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toShareResponse(grant))
}

// RevokeShares — DELETE /api/v1/files/{id}/shares
func (h *APIHandler) RevokeShares(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	n, err := h.shares.RevokeForRecord(r.Context(), a, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

// stream передаёт содержимое файла клиенту.
func (h *APIHandler) stream(w http.ResponseWriter, r *http.Request, dl *service.Download) {
	defer dl.Body.Close()

	rec := dl.Record
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name()}))
	w.Header().Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		// заголовки уже отправлены, остаётся только залогировать
		h.logger.Warn("Передача файла прервана",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// splitTags разбирает теги из строки "a, #b c".
func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
