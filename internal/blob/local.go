package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore хранит содержимое в директории на диске.
type LocalStore struct {
	// dataDir — корневая директория хранения (FV_BLOB_DIR)
	dataDir string
}

// NewLocalStore создаёт хранилище; директория создаётся при отсутствии.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &LocalStore{dataDir: dataDir}, nil
}

// Put: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *LocalStore) Put(ctx context.Context, r io.Reader, req PutRequest) (*PutResult, error) {
	ref := generateRef(req.Filename, req.OwnerID)
	fullPath := filepath.Join(s.dataDir, ref)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hr := newHashingReader(ctx, r)
	if _, err := io.Copy(f, hr); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &PutResult{Ref: ref, Size: hr.size, Checksum: hr.checksum()}, nil
}

// Open открывает файл по ссылке.
func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("%w: недопустимая ссылка %q", ErrNotFound, ref)
	}
	f, err := os.Open(filepath.Join(s.dataDir, ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка открытия файла %s: %w", ref, err)
	}
	return f, nil
}

// Delete удаляет файл; отсутствующий файл не считается ошибкой.
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	if !validRef(ref) {
		return fmt.Errorf("недопустимая ссылка %q", ref)
	}
	err := os.Remove(filepath.Join(s.dataDir, ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", ref, err)
	}
	return nil
}

// Name — имя зависимости в ответе /health/ready.
func (s *LocalStore) Name() string { return "blob" }

// CheckReady проверяет доступность директории данных.
func (s *LocalStore) CheckReady() (status string, message string) {
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return "fail", fmt.Sprintf("директория данных недоступна: %v", err)
	}
	if !info.IsDir() {
		return "fail", fmt.Sprintf("%s не является директорией", s.dataDir)
	}
	return "ok", s.dataDir
}
