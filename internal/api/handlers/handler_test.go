package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/filevault/internal/api/middleware"
	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository/memstore"
	"github.com/bigkaa/filevault/internal/service"
)

var (
	testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	admin   = model.Actor{UserID: "admin-1", IsAdmin: true}
	alice   = model.Actor{UserID: "alice"}
	bob     = model.Actor{UserID: "bob"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestRouter собирает обработчики поверх memstore и локального blob-хранилища.
// Актор передаётся заголовком X-Test-User ("admin-1" — администратор).
func newTestRouter(t *testing.T, limits model.QuotaLimits) http.Handler {
	t.Helper()

	clk := clock.Func(func() time.Time { return testNow })
	store := memstore.New(clk.Now)
	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() ошибка: %v", err)
	}
	logger := testLogger()
	pub := events.Noop{}

	files := service.NewFileService(store, blobs, pub, clk, service.FileConfig{MaxFileSize: 1024}, logger)
	sessions := service.NewSessionService(store.Sessions, service.DefaultSessionTTL, bcrypt.MinCost, logger)
	quotas := service.NewQuotaService(store.Quotas, clk, limits, logger)
	shares, err := service.NewShareService(store, clk, logger)
	if err != nil {
		t.Fatalf("NewShareService() ошибка: %v", err)
	}

	h := NewAPIHandler(Services{
		Files:     files,
		Shares:    shares,
		Sessions:  sessions,
		Quotas:    quotas,
		Downloads: service.NewDownloadService(files, shares, sessions, quotas, blobs, clk, logger),
		Sweeper:   service.NewSweeperService(store, blobs, pub, clk, service.SweepConfig{Interval: time.Hour}, logger),
	}, clk, 1024, logger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get("X-Test-User"); id != "" {
				a := model.Actor{UserID: id, IsAdmin: id == admin.UserID}
				r = r.WithContext(middleware.WithActor(r.Context(), a))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/files", h.UploadFile)
	r.Get("/files", h.ListFiles)
	r.Get("/files/{id}", h.GetFile)
	r.Put("/files/{id}/expiry", h.SetFileExpiry)
	r.Delete("/files/{id}", h.DeleteFile)
	r.Get("/files/{id}/download", h.DownloadFile)
	r.Post("/files/{id}/shares", h.CreateShare)
	r.Get("/shares/{code}", h.ClaimShare)
	r.Get("/shares/{code}/download", h.DownloadShare)
	r.Put("/session/token", h.SetSessionToken)
	r.Post("/session/verify", h.VerifySession)
	r.Get("/session", h.GetSession)
	r.Get("/quota", h.GetQuota)
	r.Put("/admin/quotas/{user_id}", h.SetUserQuota)
	r.Post("/admin/sweep", h.RunSweep)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, as model.Actor, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if as.UserID != "" {
		req.Header.Set("X-Test-User", as.UserID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func doJSON(t *testing.T, h http.Handler, method, path string, as model.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() ошибка: %v", err)
		}
	}
	return do(t, h, method, path, as, &buf, "application/json")
}

// uploadForm формирует multipart-форму загрузки.
func uploadForm(t *testing.T, filename, content string, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() ошибка: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() ошибка: %v", err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() ошибка: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, filename, content string) fileResponse {
	t.Helper()
	body, ct := uploadForm(t, filename, content, nil)
	rr := do(t, h, http.MethodPost, "/files", admin, body, ct)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: статус %d, тело %s", rr.Code, rr.Body.String())
	}
	var rec fileResponse
	decode(t, rr, &rec)
	return rec
}

func verifySession(t *testing.T, h http.Handler, as model.Actor) {
	t.Helper()
	if rr := doJSON(t, h, http.MethodPut, "/session/token", as, secretRequest{Secret: "s3cret"}); rr.Code != http.StatusNoContent {
		t.Fatalf("set token: статус %d, тело %s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(t, h, http.MethodPost, "/session/verify", as, secretRequest{Secret: "s3cret"}); rr.Code != http.StatusOK {
		t.Fatalf("verify: статус %d, тело %s", rr.Code, rr.Body.String())
	}
}

func createShare(t *testing.T, h http.Handler, recordID string, singleUse bool) shareResponse {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/files/"+recordID+"/shares", admin, createShareRequest{SingleUse: singleUse})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create share: статус %d, тело %s", rr.Code, rr.Body.String())
	}
	var g shareResponse
	decode(t, rr, &g)
	return g
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("Decode() ошибка: %v", err)
	}
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("статус %d, ожидается %d (тело %s)", rr.Code, status, rr.Body.String())
	}
	var body errorBody
	decode(t, rr, &body)
	if body.Error.Code != code {
		t.Errorf("error.code = %q, ожидается %q", body.Error.Code, code)
	}
	return body
}

// --- Загрузка ---

func TestUploadFile_Created(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})

	body, ct := uploadForm(t, "report.txt", "hello", map[string]string{
		"tags": "#Work, docs",
		"ttl":  "48h",
	})
	rr := do(t, h, http.MethodPost, "/files", admin, body, ct)
	if rr.Code != http.StatusCreated {
		t.Fatalf("статус %d, тело %s", rr.Code, rr.Body.String())
	}

	var rec fileResponse
	decode(t, rr, &rec)
	if rec.Filename != "report.txt" || rec.Size != 5 || rec.OwnerID != admin.UserID {
		t.Errorf("неожиданная запись: %+v", rec)
	}
	if strings.Join(rec.Tags, ",") != "work,docs" {
		t.Errorf("Tags = %v, ожидается [work docs]", rec.Tags)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(testNow.Add(48*time.Hour)) {
		t.Errorf("ExpiresAt = %v, ожидается now+48h", rec.ExpiresAt)
	}
}

func TestUploadFile_Duplicate(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	first := upload(t, h, "a.txt", "same")

	body, ct := uploadForm(t, "b.txt", "same", nil)
	rr := do(t, h, http.MethodPost, "/files", admin, body, ct)

	resp := assertError(t, rr, http.StatusConflict, "DUPLICATE_UPLOAD")
	existing, _ := resp.Error.Details["existing"].(map[string]any)
	if existing["id"] != first.ID {
		t.Errorf("details.existing.id = %v, ожидается %s", existing["id"], first.ID)
	}
}

func TestUploadFile_Rejects(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})

	tests := []struct {
		name     string
		as       model.Actor
		filename string
		content  string
		fields   map[string]string
		status   int
		code     string
	}{
		{"не администратор", alice, "a.txt", "x", nil, http.StatusForbidden, "FORBIDDEN"},
		{"нет файла", admin, "", "", map[string]string{"tags": "x"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"некорректный ttl", admin, "a.txt", "x", map[string]string{"ttl": "завтра"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"слишком большой", admin, "big.bin", strings.Repeat("z", 2048), nil, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := uploadForm(t, tt.filename, tt.content, tt.fields)
			rr := do(t, h, http.MethodPost, "/files", tt.as, body, ct)
			assertError(t, rr, tt.status, tt.code)
		})
	}
}

func TestUploadFile_Unauthenticated(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	body, ct := uploadForm(t, "a.txt", "x", nil)
	rr := do(t, h, http.MethodPost, "/files", model.Actor{}, body, ct)
	assertError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

// --- Метаданные ---

func TestGetFile_ForeignIsNotFound(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rec := upload(t, h, "a.txt", "x")

	rr := do(t, h, http.MethodGet, "/files/"+rec.ID, alice, nil, "")
	assertError(t, rr, http.StatusNotFound, "NOT_FOUND")

	rr = do(t, h, http.MethodGet, "/files/"+rec.ID, admin, nil, "")
	if rr.Code != http.StatusOK {
		t.Errorf("администратор: статус %d", rr.Code)
	}
}

func TestGetFile_MalformedID(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})

	for _, path := range []string{"/files/abc", "/files/abc/download"} {
		rr := do(t, h, http.MethodGet, path, admin, nil, "")
		assertError(t, rr, http.StatusNotFound, "NOT_FOUND")
	}
	rr := do(t, h, http.MethodDelete, "/files/abc", admin, nil, "")
	assertError(t, rr, http.StatusNotFound, "NOT_FOUND")
	rr = doJSON(t, h, http.MethodPost, "/files/abc/shares", admin, createShareRequest{})
	assertError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestListFiles(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	upload(t, h, "a.txt", "1")
	upload(t, h, "b.txt", "2")

	rr := do(t, h, http.MethodGet, "/files?limit=1", admin, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("статус %d", rr.Code)
	}
	var list fileListResponse
	decode(t, rr, &list)
	if list.Total != 2 || len(list.Items) != 1 || list.Limit != 1 {
		t.Errorf("total=%d items=%d limit=%d, ожидается 2/1/1", list.Total, len(list.Items), list.Limit)
	}

	rr = do(t, h, http.MethodGet, "/files?owner_id=admin-1", alice, nil, "")
	assertError(t, rr, http.StatusForbidden, "FORBIDDEN")

	rr = do(t, h, http.MethodGet, "/files?limit=-5", admin, nil, "")
	assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestSetFileExpiry_Clear(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	body, ct := uploadForm(t, "a.txt", "x", map[string]string{"ttl": "1h"})
	rr := do(t, h, http.MethodPost, "/files", admin, body, ct)
	var rec fileResponse
	decode(t, rr, &rec)

	rr = do(t, h, http.MethodPut, "/files/"+rec.ID+"/expiry", admin, strings.NewReader(`{"ttl":null}`), "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &rec)
	if rec.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, ожидается nil", rec.ExpiresAt)
	}
}

// --- Скачивание ---

func TestDownloadFile_AdminBypass(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{BandwidthLimit: 1})
	rec := upload(t, h, "отчёт.txt", "hello")

	rr := do(t, h, http.MethodGet, "/files/"+rec.ID+"/download", admin, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "hello" {
		t.Errorf("тело = %q, ожидается hello", rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rr.Header().Get("Content-Length") != "5" {
		t.Errorf("Content-Length = %q, ожидается 5", rr.Header().Get("Content-Length"))
	}
}

func TestDownloadShare_Gates(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{BandwidthLimit: 8})
	rec := upload(t, h, "a.txt", "12345")
	g := createShare(t, h, rec.ID, false)

	// без сессии
	rr := do(t, h, http.MethodGet, "/shares/"+g.Code+"/download", alice, nil, "")
	assertError(t, rr, http.StatusForbidden, "SESSION_NOT_VERIFIED")

	verifySession(t, h, alice)

	// код в нижнем регистре тоже принимается
	rr = do(t, h, http.MethodGet, "/shares/"+strings.ToLower(g.Code)+"/download", alice, nil, "")
	if rr.Code != http.StatusOK || rr.Body.String() != "12345" {
		t.Fatalf("статус %d, тело %q", rr.Code, rr.Body.String())
	}

	// 5 + 5 > 8
	rr = do(t, h, http.MethodGet, "/shares/"+g.Code+"/download", alice, nil, "")
	body := assertError(t, rr, http.StatusTooManyRequests, "QUOTA_EXCEEDED")
	if body.Error.Details["reason"] != model.QuotaReasonBandwidth {
		t.Errorf("reason = %v, ожидается %s", body.Error.Details["reason"], model.QuotaReasonBandwidth)
	}

	rr = do(t, h, http.MethodGet, "/quota", alice, nil, "")
	var u usageResponse
	decode(t, rr, &u)
	if u.BytesUsed != 5 || u.DownloadCount != 1 || u.RemainingBytes != 3 {
		t.Errorf("usage = %+v, ожидается 5 байт / 1 скачивание / остаток 3", u)
	}
}

// --- Коды доступа ---

func TestClaimShare_SingleUse(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rec := upload(t, h, "a.txt", "x")
	g := createShare(t, h, rec.ID, true)

	rr := do(t, h, http.MethodGet, "/shares/"+g.Code, bob, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("первый claim: статус %d, тело %s", rr.Code, rr.Body.String())
	}
	var got fileResponse
	decode(t, rr, &got)
	if got.ID != rec.ID {
		t.Errorf("ID = %s, ожидается %s", got.ID, rec.ID)
	}

	rr = do(t, h, http.MethodGet, "/shares/"+g.Code, alice, nil, "")
	assertError(t, rr, http.StatusGone, "GRANT_EXPIRED")
}

func TestClaimShare_Unknown(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rr := do(t, h, http.MethodGet, "/shares/NOSUCHCODE", bob, nil, "")
	assertError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateShare_ForeignRecord(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rec := upload(t, h, "a.txt", "x")
	rr := doJSON(t, h, http.MethodPost, "/files/"+rec.ID+"/shares", alice, createShareRequest{})
	assertError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

// --- Сессия ---

func TestSession_Flow(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})

	rr := doJSON(t, h, http.MethodPost, "/session/verify", alice, secretRequest{Secret: "s3cret"})
	assertError(t, rr, http.StatusForbidden, "TOKEN_NOT_SET")

	rr = doJSON(t, h, http.MethodPut, "/session/token", alice, secretRequest{Secret: "s3cret"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("set token: статус %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/session/verify", alice, secretRequest{Secret: "wrong"})
	assertError(t, rr, http.StatusForbidden, "INVALID_TOKEN")

	rr = doJSON(t, h, http.MethodPost, "/session/verify", alice, secretRequest{Secret: "s3cret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: статус %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/session", alice, nil, "")
	var st sessionResponse
	decode(t, rr, &st)
	if !st.HasToken || !st.Active || st.VerifiedUntil == nil {
		t.Fatalf("session = %+v, ожидается активная", st)
	}
	if !st.VerifiedUntil.Equal(testNow.Add(30 * time.Minute)) {
		t.Errorf("VerifiedUntil = %v, ожидается now+30m", st.VerifiedUntil)
	}
}

func TestSetSessionToken_InvalidJSON(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rr := do(t, h, http.MethodPut, "/session/token", alice, strings.NewReader(`{"secret":`), "application/json")
	assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")

	rr = do(t, h, http.MethodPut, "/session/token", alice, strings.NewReader(`{"password":"x"}`), "application/json")
	assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestSetSessionToken_MultibyteSecretTooLong(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rr := doJSON(t, h, http.MethodPut, "/session/token", alice, secretRequest{Secret: strings.Repeat("ж", 64)})
	assertError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

// --- Администрирование ---

func TestSetUserQuota(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{BandwidthLimit: 100, DownloadLimit: 10})

	rr := doJSON(t, h, http.MethodPut, "/admin/quotas/alice", admin, setLimitsRequest{BandwidthLimit: 0, DownloadLimit: 3})
	if rr.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", rr.Code, rr.Body.String())
	}
	var u usageResponse
	decode(t, rr, &u)
	if u.BandwidthLimit != 0 || u.DownloadLimit != 3 || u.RemainingBytes != -1 || u.RemainingDownloads != 3 {
		t.Errorf("usage = %+v", u)
	}
	if !u.ResetsAt.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ResetsAt = %v, ожидается начало следующих суток", u.ResetsAt)
	}
}

func TestRunSweep(t *testing.T) {
	h := newTestRouter(t, model.QuotaLimits{})
	rr := do(t, h, http.MethodPost, "/admin/sweep", admin, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("статус %d", rr.Code)
	}
	var res sweepResponse
	decode(t, rr, &res)
	if res.DeletedCount != 0 || res.Errors != 0 {
		t.Errorf("результат = %+v, ожидается пустой", res)
	}
}

// --- Преобразование ошибок ---

func TestWriteServiceError_Internal(t *testing.T) {
	h := &APIHandler{logger: testLogger()}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files", nil)

	h.writeServiceError(rr, req, errors.New("соединение потеряно"))

	body := assertError(t, rr, http.StatusInternalServerError, "INTERNAL_ERROR")
	if strings.Contains(body.Error.Message, "соединение") {
		t.Error("текст внутренней ошибки не должен попадать в ответ")
	}
}

func TestWriteServiceError_Wrapped(t *testing.T) {
	h := &APIHandler{logger: testLogger()}
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrGrantExpiredOrConsumed, http.StatusGone, "GRANT_EXPIRED"},
		{&service.QuotaError{Reason: model.QuotaReasonCount}, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{errors.Join(errors.New("контекст"), service.ErrRecordNotFound), http.StatusNotFound, "NOT_FOUND"},
		{service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.writeServiceError(rr, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()), tt.err)
			assertError(t, rr, tt.status, tt.code)
		})
	}
}
