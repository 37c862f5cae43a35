// Пакет blob — хранилище содержимого файлов.
// Содержимое адресуется непрозрачной ссылкой (ref), выданной при записи.
// SHA-256 считается на лету при записи и служит отпечатком для дедупликации.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound — содержимое по ссылке отсутствует.
var ErrNotFound = errors.New("содержимое не найдено")

// Store — контракт хранилища содержимого.
type Store interface {
	// Put записывает содержимое и возвращает ссылку, размер и SHA-256.
	Put(ctx context.Context, r io.Reader, req PutRequest) (*PutResult, error)
	// Open открывает содержимое для чтения. Вызывающий обязан закрыть reader.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete удаляет содержимое; отсутствие содержимого ошибкой не является.
	Delete(ctx context.Context, ref string) error
}

// PutRequest — атрибуты записываемого содержимого.
type PutRequest struct {
	Filename    string
	OwnerID     string
	ContentType string
}

// PutResult — результат записи.
type PutResult struct {
	// Ref — ссылка для Open и Delete
	Ref string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 содержимого (hex)
	Checksum string
}

// hashingReader считает SHA-256 и размер прочитанных данных
// и прерывает чтение при отмене контекста.
type hashingReader struct {
	ctx  context.Context
	r    io.Reader
	h    hash.Hash
	size int64
}

func newHashingReader(ctx context.Context, r io.Reader) *hashingReader {
	return &hashingReader{ctx: ctx, r: r, h: sha256.New()}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	if err := hr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := hr.r.Read(p)
	hr.h.Write(p[:n])
	hr.size += int64(n)
	return n, err
}

func (hr *hashingReader) checksum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// generateRef генерирует ссылку на содержимое.
// Формат: {name}_{owner}_{timestamp}_{uuid}.{ext}
func generateRef(filename, ownerID string) string {
	ext := sanitizeExt(filepath.Ext(filename))
	name := strings.TrimSuffix(filename, filepath.Ext(filename))

	name = sanitize(name)
	owner := sanitize(ownerID)

	// Ограничиваем длину имени для предотвращения проблем с FS
	name = truncateRunes(name, 50)
	owner = truncateRunes(owner, 20)

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	return fmt.Sprintf("%s_%s_%s_%s%s", name, owner, ts, uid, ext)
}

// sanitize оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

func sanitizeExt(ext string) string {
	clean := sanitize(strings.TrimPrefix(ext, "."))
	if ext == "" || clean == "file" {
		return ""
	}
	return "." + truncateRunes(clean, 10)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// validRef отклоняет ссылки, выходящие за пределы хранилища.
func validRef(ref string) bool {
	return ref != "" && ref != "." && ref != ".." &&
		!strings.ContainsAny(ref, `/\`) && filepath.Base(ref) == ref
}
