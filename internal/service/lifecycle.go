// lifecycle.go — удаление записи вместе с индексом, кодами и содержимым.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/filevault/internal/blob"
	"github.com/bigkaa/filevault/internal/clock"
	"github.com/bigkaa/filevault/internal/domain/model"
	"github.com/bigkaa/filevault/internal/events"
	"github.com/bigkaa/filevault/internal/repository"
)

// errRetireSkipped — запись изменилась и больше не подлежит удалению.
var errRetireSkipped = errors.New("запись не подлежит удалению")

// retirer удаляет запись файла. Используется явным удалением и очисткой.
type retirer struct {
	store  *repository.Store
	blobs  blob.Store
	events events.Publisher
	clock  clock.Clock
	logger *slog.Logger
}

func newRetirer(store *repository.Store, blobs blob.Store, publisher events.Publisher, clk clock.Clock, logger *slog.Logger) *retirer {
	return &retirer{store: store, blobs: blobs, events: publisher, clock: clk, logger: logger}
}

// retire удаляет запись recordID, если она ещё существует и eligible
// (если задан) её допускает.
//
// В одной единице работы: блокировка записи, коды доступа, затем элемент
// индекса, затем запись. eligible проверяется под блокировкой строки.
// Повторное удаление возвращает repository.ErrNotFound и ничего не меняет.
// Содержимое удаляется после метаданных; blobDeleted == false означает,
// что запись удалена, а содержимое осталось в хранилище.
func (r *retirer) retire(
	ctx context.Context,
	recordID, eventType, actorID string,
	eligible func(*model.FileRecord) bool,
) (rec *model.FileRecord, blobDeleted bool, err error) {
	var removed *model.FileRecord
	err = r.store.Units.Do(ctx, func(u repository.Repos) error {
		cur, err := u.Files.GetForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if eligible != nil && !eligible(cur) {
			return errRetireSkipped
		}
		if _, err := u.Shares.DeleteByRecord(ctx, cur.ID); err != nil {
			return err
		}
		if err := u.Dedup.Unregister(ctx, cur.OwnerID, cur.Fingerprint); err != nil {
			return err
		}
		removed, err = u.Files.DeleteIfPresent(ctx, cur.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	blobErr := r.blobs.Delete(ctx, removed.StorageRef)
	if blobErr != nil && !errors.Is(blobErr, blob.ErrNotFound) {
		r.logger.Error("Не удалось удалить содержимое файла",
			slog.String("record_id", removed.ID),
			slog.String("storage_ref", removed.StorageRef),
			slog.String("error", blobErr.Error()),
		)
	}

	_ = publishRecordEvent(ctx, r.events, r.logger, eventType, removed, actorID, r.clock.Now())
	return removed, blobErr == nil || errors.Is(blobErr, blob.ErrNotFound), nil
}

// publishRecordEvent публикует событие и возвращает ошибку публикации.
// Ошибка также журналируется.
func publishRecordEvent(ctx context.Context, p events.Publisher, logger *slog.Logger, typ string, rec *model.FileRecord, actorID string, now time.Time) error {
	err := p.Publish(ctx, events.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		RecordID:   rec.ID,
		OwnerID:    rec.OwnerID,
		Filename:   rec.Name(),
		Size:       rec.Size,
		ExpiresAt:  rec.ExpiresAt,
		Actor:      actorID,
		OccurredAt: now,
	})
	if err != nil {
		logger.Warn("Не удалось опубликовать событие",
			slog.String("type", typ),
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	return err
}
