package model

import (
	"strings"
	"time"
)

// FileRecord — метаданные хранимого файла.
// Хранится в таблице file_records.
type FileRecord struct {
	// ID — UUID записи
	ID string
	// OwnerID — идентификатор владельца (sub из JWT)
	OwnerID string
	// Filename — исходное имя файла
	Filename string
	// DisplayName — отображаемое имя после переименования (опционально)
	DisplayName *string
	// ContentType — MIME-тип содержимого
	ContentType string
	// Tags — теги в нижнем регистре, без '#'
	Tags []string
	// Fingerprint — SHA-256 содержимого (hex), ключ дедупликации
	Fingerprint string
	// Size — размер в байтах
	Size int64
	// StorageRef — непрозрачная ссылка на содержимое в blob-хранилище
	StorageRef string
	// CreatedAt — время загрузки
	CreatedAt time.Time
	// ExpiresAt — время истечения срока хранения (nil — бессрочно)
	ExpiresAt *time.Time
	// ShareCode — код последней активной ссылки (только чтение)
	ShareCode *string
	// ExpiryWarned — предупреждение об истечении уже отправлено
	ExpiryWarned bool
}

// Name возвращает отображаемое имя файла.
func (f *FileRecord) Name() string {
	if f.DisplayName != nil && *f.DisplayName != "" {
		return *f.DisplayName
	}
	return f.Filename
}

// IsExpired проверяет, истёк ли срок хранения на момент now.
func (f *FileRecord) IsExpired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// NormalizeTag приводит тег к каноническому виду: без '#', в нижнем регистре.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(tag), "#"))
}

// NormalizeTags нормализует теги, убирая пустые и повторяющиеся.
func NormalizeTags(tags []string) []string {
	result := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		result = append(result, n)
	}
	return result
}

// StorageStats — сводная статистика хранилища для администратора.
type StorageStats struct {
	TotalFiles  int64
	TotalBytes  int64
	TotalOwners int64
}
