package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig — параметры подключения к S3-совместимому хранилищу.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore хранит содержимое объектами в бакете MinIO.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore подключается к MinIO и создаёт бакет при отсутствии.
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания клиента MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки бакета %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("ошибка создания бакета %s: %w", cfg.Bucket, err)
		}
		logger.Info("Бакет создан", slog.String("bucket", cfg.Bucket))
	}

	logger.Info("Подключение к MinIO установлено",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put загружает объект потоком неизвестной длины (multipart).
func (s *MinioStore) Put(ctx context.Context, r io.Reader, req PutRequest) (*PutResult, error) {
	ref := generateRef(req.Filename, req.OwnerID)
	hr := newHashingReader(ctx, r)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, ref, hr, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки объекта %s: %w", ref, err)
	}
	return &PutResult{Ref: ref, Size: hr.size, Checksum: hr.checksum()}, nil
}

// Open возвращает поток объекта. GetObject ленивый, поэтому
// существование проверяется через Stat до передачи потока вызывающему.
func (s *MinioStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(ref, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.wrapErr(ref, err)
	}
	return obj, nil
}

// Delete удаляет объект. Удаление отсутствующего объекта в S3 успешно.
func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("ошибка удаления объекта %s: %w", ref, err)
	}
	return nil
}

func (s *MinioStore) wrapErr(ref string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return fmt.Errorf("ошибка чтения объекта %s: %w", ref, err)
}

// Name — имя зависимости в ответе /health/ready.
func (s *MinioStore) Name() string { return "minio" }

// CheckReady проверяет доступность бакета.
func (s *MinioStore) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "fail", fmt.Sprintf("MinIO недоступен: %v", err)
	}
	if !exists {
		return "fail", fmt.Sprintf("бакет %s не найден", s.bucket)
	}
	return "ok", s.bucket
}
