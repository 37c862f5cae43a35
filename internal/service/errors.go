// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"

	"github.com/bigkaa/filevault/internal/domain/model"
)

var (
	// ErrDuplicateUpload — владелец уже загружал это содержимое.
	ErrDuplicateUpload = errors.New("файл с таким содержимым уже загружен")
	// ErrQuotaExceeded — суточная квота исчерпана.
	ErrQuotaExceeded = errors.New("суточная квота исчерпана")
	// ErrSessionNotVerified — сессия не подтверждена или истекла.
	ErrSessionNotVerified = errors.New("сессия не подтверждена")
	// ErrTokenNotSet — пользователь не задал секрет.
	ErrTokenNotSet = errors.New("секрет не задан")
	// ErrInvalidToken — неверный секрет.
	ErrInvalidToken = errors.New("неверный секрет")
	// ErrRecordNotFound — запись не найдена или принадлежит другому владельцу.
	ErrRecordNotFound = errors.New("файл не найден")
	// ErrGrantExpiredOrConsumed — код доступа истёк или уже использован.
	ErrGrantExpiredOrConsumed = errors.New("код доступа истёк или уже использован")
	// ErrForbidden — операция доступна только администратору.
	ErrForbidden = errors.New("недостаточно прав")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrFileTooLarge — превышен максимальный размер файла.
	ErrFileTooLarge = errors.New("превышен максимальный размер файла")
)

// DuplicateError несёт существующую запись с тем же содержимым.
type DuplicateError struct {
	Existing *model.FileRecord
}

func (e *DuplicateError) Error() string {
	return ErrDuplicateUpload.Error() + ": " + e.Existing.ID
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateUpload }

// QuotaError несёт причину отказа: model.QuotaReasonBandwidth или model.QuotaReasonCount.
type QuotaError struct {
	Reason string
}

func (e *QuotaError) Error() string {
	return ErrQuotaExceeded.Error() + ": " + e.Reason
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }
