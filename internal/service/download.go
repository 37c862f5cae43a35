// download.go — выдача содержимого с проверкой сессии и квоты.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
)

var downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fv_download_bytes_total",
	Help: "Объём выданного содержимого (по размеру записей)",
})

// Download — запись и поток её содержимого. Body закрывает вызывающий.
type Download struct {
	Record *model.FileRecord
	Body   io.ReadCloser
}

// DownloadService проверяет сессию и квоту перед выдачей содержимого.
//
// Квота списывается до передачи байтов и не возвращается, если клиент
// прервал скачивание.
type DownloadService struct {
	files    *FileService
	shares   *ShareService
	sessions *SessionService
	quotas   *QuotaService
	blobs    blob.Store
	clock    clock.Clock
	logger   *slog.Logger
}

// NewDownloadService создаёт сервис скачивания.
func NewDownloadService(
	files *FileService,
	shares *ShareService,
	sessions *SessionService,
	quotas *QuotaService,
	blobs blob.Store,
	clk clock.Clock,
	logger *slog.Logger,
) *DownloadService {
	return &DownloadService{
		files:    files,
		shares:   shares,
		sessions: sessions,
		quotas:   quotas,
		blobs:    blobs,
		clock:    clk,
		logger:   logger.With(slog.String("component", "download_service")),
	}
}

// ByID выдаёт свой файл (или любой — администратору).
func (s *DownloadService) ByID(ctx context.Context, actor model.Actor, recordID string) (*Download, error) {
	rec, err := s.files.Get(ctx, actor, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, actor, rec); err != nil {
		return nil, err
	}
	return s.open(ctx, actor, rec)
}

// ByCode использует код доступа и выдаёт файл.
// Код расходуется только после успешной проверки сессии и квоты.
func (s *DownloadService) ByCode(ctx context.Context, actor model.Actor, code string) (*Download, error) {
	_, rec, err := s.shares.Peek(ctx, code, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, actor, rec); err != nil {
		return nil, err
	}
	claimed, err := s.shares.Claim(ctx, code, actor.UserID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.open(ctx, actor, claimed)
}

// admit проверяет сессию и списывает квоту. Администраторы не проверяются.
func (s *DownloadService) admit(ctx context.Context, actor model.Actor, rec *model.FileRecord) error {
	if actor.IsAdmin {
		return nil
	}
	if err := s.sessions.RequireActive(ctx, actor.UserID, s.clock.Now()); err != nil {
		return err
	}
	d, err := s.quotas.CheckAndConsume(ctx, actor.UserID, rec.Size)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &QuotaError{Reason: d.Reason}
	}
	return nil
}

func (s *DownloadService) open(ctx context.Context, actor model.Actor, rec *model.FileRecord) (*Download, error) {
	body, err := s.blobs.Open(ctx, rec.StorageRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.logger.Error("Содержимое записи отсутствует в хранилище",
				slog.String("record_id", rec.ID),
				slog.String("storage_ref", rec.StorageRef),
			)
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("открытие содержимого: %w", err)
	}

	downloadBytesTotal.Add(float64(rec.Size))
	s.logger.Info("Файл выдан",
		slog.String("record_id", rec.ID),
		slog.String("user_id", actor.UserID),
		slog.Int64("size", rec.Size),
	)
	return &Download{Record: rec, Body: body}, nil
}
