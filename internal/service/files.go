// files.go — загрузка, просмотр, изменение и удаление записей файлов.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository"
)

// Лимиты выдачи списков.
const (
	SearchLimit = 20
	TagLimit    = 50
	MaxPageSize = 100
)

const maxFilenameLength = 255

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fv_uploads_total",
	Help: "Загрузки файлов по результату: created, duplicate, too_large, error",
}, []string{"result"})

// FileConfig — параметры загрузки.
type FileConfig struct {
	// MaxFileSize — максимальный размер файла в байтах (0 — без ограничения)
	MaxFileSize int64
	// DefaultExpiry — срок хранения по умолчанию (0 — бессрочно)
	DefaultExpiry time.Duration
}

// UploadRequest — параметры загрузки файла.
type UploadRequest struct {
	Filename    string
	ContentType string
	Tags        []string
	// TTL — срок хранения; nil — FileConfig.DefaultExpiry
	TTL  *time.Duration
	Body io.Reader
}

// UpdateRequest — изменяемые метаданные. nil — поле не меняется.
type UpdateRequest struct {
	DisplayName *string
	Tags        *[]string
}

// FileService — операции над записями файлов.
type FileService struct {
	store   *repository.Store
	blobs   blob.Store
	events  events.Publisher
	retirer *retirer
	clock   clock.Clock
	cfg     FileConfig
	logger  *slog.Logger
}

// NewFileService создаёт сервис файлов.
func NewFileService(
	store *repository.Store,
	blobs blob.Store,
	publisher events.Publisher,
	clk clock.Clock,
	cfg FileConfig,
	logger *slog.Logger,
) *FileService {
	logger = logger.With(slog.String("component", "file_service"))
	return &FileService{
		store:   store,
		blobs:   blobs,
		events:  publisher,
		retirer: newRetirer(store, blobs, publisher, clk, logger),
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// Upload сохраняет файл от имени администратора.
//
// Содержимое записывается в blob-хранилище с подсчётом SHA-256, затем
// проверяется индекс дедупликации. Запись и элемент индекса создаются
// в одной единице работы; при гонке двух одинаковых загрузок вторая
// получает DuplicateError с записью первой.
func (s *FileService) Upload(ctx context.Context, actor model.Actor, req UploadRequest) (*model.FileRecord, error) {
	if !actor.IsAdmin {
		return nil, fmt.Errorf("%w: загрузка доступна только администраторам", ErrForbidden)
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" || len(filename) > maxFilenameLength {
		return nil, fmt.Errorf("%w: имя файла обязательно и не длиннее %d байт", ErrValidation, maxFilenameLength)
	}
	if req.TTL != nil && *req.TTL <= 0 {
		return nil, fmt.Errorf("%w: срок хранения должен быть положительным", ErrValidation)
	}

	body := req.Body
	if s.cfg.MaxFileSize > 0 {
		body = io.LimitReader(body, s.cfg.MaxFileSize+1)
	}
	put, err := s.blobs.Put(ctx, body, blob.PutRequest{
		Filename:    filename,
		OwnerID:     actor.UserID,
		ContentType: req.ContentType,
	})
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("запись содержимого: %w", err)
	}
	if s.cfg.MaxFileSize > 0 && put.Size > s.cfg.MaxFileSize {
		s.discardBlob(put.Ref)
		uploadsTotal.WithLabelValues("too_large").Inc()
		return nil, fmt.Errorf("%w: максимум %d байт", ErrFileTooLarge, s.cfg.MaxFileSize)
	}

	existing, err := s.store.Dedup.FindDuplicate(ctx, actor.UserID, put.Checksum)
	switch {
	case err == nil:
		s.discardBlob(put.Ref)
		uploadsTotal.WithLabelValues("duplicate").Inc()
		return nil, &DuplicateError{Existing: existing}
	case !errors.Is(err, repository.ErrNotFound):
		s.discardBlob(put.Ref)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("проверка дубликата: %w", err)
	}

	now := s.clock.Now()
	rec := &model.FileRecord{
		ID:          uuid.New().String(),
		OwnerID:     actor.UserID,
		Filename:    filename,
		ContentType: contentTypeOrDefault(req.ContentType),
		Tags:        model.NormalizeTags(req.Tags),
		Fingerprint: put.Checksum,
		Size:        put.Size,
		StorageRef:  put.Ref,
		CreatedAt:   now,
	}
	ttl := s.cfg.DefaultExpiry
	if req.TTL != nil {
		ttl = *req.TTL
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		rec.ExpiresAt = &expires
	}

	err = s.store.Units.Do(ctx, func(r repository.Repos) error {
		if err := r.Files.Create(ctx, rec); err != nil {
			return err
		}
		return r.Dedup.Register(ctx, rec.OwnerID, rec.Fingerprint, rec.ID)
	})
	if err != nil {
		s.discardBlob(put.Ref)
		if errors.Is(err, repository.ErrConflict) {
			if winner, findErr := s.store.Dedup.FindDuplicate(ctx, rec.OwnerID, rec.Fingerprint); findErr == nil {
				uploadsTotal.WithLabelValues("duplicate").Inc()
				return nil, &DuplicateError{Existing: winner}
			}
		}
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("создание записи файла: %w", err)
	}

	uploadsTotal.WithLabelValues("created").Inc()
	s.logger.Info("Файл загружен",
		slog.String("record_id", rec.ID),
		slog.String("owner_id", rec.OwnerID),
		slog.String("filename", rec.Filename),
		slog.Int64("size", rec.Size),
	)
	s.publish(ctx, events.TypeUploaded, rec, actor.UserID)
	return rec, nil
}

// Get возвращает запись владельцу или администратору.
// Чужая запись неотличима от отсутствующей.
func (s *FileService) Get(ctx context.Context, actor model.Actor, recordID string) (*model.FileRecord, error) {
	recordID, err := canonicalID(recordID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Files.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("получение файла: %w", err)
	}
	if !actor.CanAccess(rec) {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// List возвращает файлы владельца ownerID (пусто — свои) и их общее число.
// Чужие списки доступны только администратору.
func (s *FileService) List(ctx context.Context, actor model.Actor, ownerID string, limit, offset int) ([]*model.FileRecord, int, error) {
	if ownerID == "" {
		ownerID = actor.UserID
	}
	if ownerID != actor.UserID && !actor.IsAdmin {
		return nil, 0, ErrForbidden
	}

	files, err := s.store.Files.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка файлов: %w", err)
	}
	total, err := s.store.Files.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт файлов: %w", err)
	}
	return files, total, nil
}

// Search ищет свои файлы по подстроке имени.
func (s *FileService) Search(ctx context.Context, actor model.Actor, query string) ([]*model.FileRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: пустой поисковый запрос", ErrValidation)
	}
	files, err := s.store.Files.SearchByName(ctx, actor.UserID, query, SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("поиск файлов: %w", err)
	}
	return files, nil
}

// ByTag возвращает свои файлы с тегом.
func (s *FileService) ByTag(ctx context.Context, actor model.Actor, tag string) ([]*model.FileRecord, error) {
	tag = model.NormalizeTag(tag)
	if tag == "" {
		return nil, fmt.Errorf("%w: пустой тег", ErrValidation)
	}
	files, err := s.store.Files.ListByTag(ctx, actor.UserID, tag, TagLimit)
	if err != nil {
		return nil, fmt.Errorf("поиск по тегу: %w", err)
	}
	return files, nil
}

// Update меняет отображаемое имя и теги.
// Пишутся только переданные поля; срок хранения не затрагивается.
func (s *FileService) Update(ctx context.Context, actor model.Actor, recordID string, req UpdateRequest) (*model.FileRecord, error) {
	rec, err := s.Get(ctx, actor, recordID)
	if err != nil {
		return nil, err
	}

	var name *string
	if req.DisplayName != nil {
		trimmed := strings.TrimSpace(*req.DisplayName)
		if len(trimmed) > maxFilenameLength {
			return nil, fmt.Errorf("%w: имя не длиннее %d байт", ErrValidation, maxFilenameLength)
		}
		if trimmed != "" {
			name = &trimmed
		}
	}

	err = s.store.Units.Do(ctx, func(u repository.Repos) error {
		if req.DisplayName != nil {
			if err := u.Files.SetDisplayName(ctx, rec.ID, name); err != nil {
				return err
			}
		}
		if req.Tags != nil {
			return u.Files.SetTags(ctx, rec.ID, model.NormalizeTags(*req.Tags))
		}
		return nil
	})
	if err != nil {
		return nil, updateError(err)
	}

	s.logger.Info("Метаданные файла обновлены",
		slog.String("record_id", rec.ID),
		slog.String("actor", actor.UserID),
	)
	return s.reload(ctx, rec.ID)
}

// SetExpiry задаёт срок хранения now + ttl; nil — бессрочно.
func (s *FileService) SetExpiry(ctx context.Context, actor model.Actor, recordID string, ttl *time.Duration) (*model.FileRecord, error) {
	if ttl != nil && *ttl <= 0 {
		return nil, fmt.Errorf("%w: срок хранения должен быть положительным", ErrValidation)
	}
	rec, err := s.Get(ctx, actor, recordID)
	if err != nil {
		return nil, err
	}

	var expires *time.Time
	if ttl != nil {
		t := s.clock.Now().Add(*ttl)
		expires = &t
	}
	if err := s.store.Files.SetExpiry(ctx, rec.ID, expires); err != nil {
		return nil, updateError(err)
	}

	s.logger.Info("Срок хранения изменён",
		slog.String("record_id", rec.ID),
		slog.Any("expires_at", expires),
	)
	return s.reload(ctx, rec.ID)
}

// reload перечитывает запись после изменения.
func (s *FileService) reload(ctx context.Context, recordID string) (*model.FileRecord, error) {
	rec, err := s.store.Files.GetByID(ctx, recordID)
	if err != nil {
		return nil, updateError(err)
	}
	return rec, nil
}

// canonicalID приводит идентификатор записи к каноническому виду UUID.
// Строка, не являющаяся UUID, не может быть записью.
func canonicalID(recordID string) (string, error) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return "", ErrRecordNotFound
	}
	return id.String(), nil
}

func updateError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRecordNotFound
	}
	return fmt.Errorf("обновление файла: %w", err)
}

// Delete удаляет свою запись (или любую — для администратора).
func (s *FileService) Delete(ctx context.Context, actor model.Actor, recordID string) error {
	rec, err := s.Get(ctx, actor, recordID)
	if err != nil {
		return err
	}
	return s.remove(ctx, rec.ID, actor.UserID)
}

// ForceDelete удаляет запись любого владельца. Только для администратора.
func (s *FileService) ForceDelete(ctx context.Context, actor model.Actor, recordID string) error {
	if !actor.IsAdmin {
		return ErrForbidden
	}
	recordID, err := canonicalID(recordID)
	if err != nil {
		return err
	}
	return s.remove(ctx, recordID, actor.UserID)
}

func (s *FileService) remove(ctx context.Context, recordID, actorID string) error {
	rec, _, err := s.retirer.retire(ctx, recordID, events.TypeDeleted, actorID, nil)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("удаление файла: %w", err)
	}
	s.logger.Info("Файл удалён",
		slog.String("record_id", rec.ID),
		slog.String("owner_id", rec.OwnerID),
		slog.String("actor", actorID),
	)
	return nil
}

// Stats возвращает сводную статистику хранилища.
func (s *FileService) Stats(ctx context.Context) (*model.StorageStats, error) {
	st, err := s.store.Files.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("статистика хранилища: %w", err)
	}
	return st, nil
}

// discardBlob удаляет содержимое, для которого не появилось записи.
// Ошибка только журналируется: осиротевшее содержимое не влияет на метаданные.
func (s *FileService) discardBlob(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.logger.Warn("Не удалось удалить содержимое без записи",
			slog.String("storage_ref", ref),
			slog.String("error", err.Error()),
		)
	}
}

func (s *FileService) publish(ctx context.Context, typ string, rec *model.FileRecord, actorID string) {
	_ = publishRecordEvent(ctx, s.events, s.logger, typ, rec, actorID, s.clock.Now())
}

func contentTypeOrDefault(ct string) string {
	if strings.TrimSpace(ct) == "" {
		return "application/octet-stream"
	}
	return ct
}
