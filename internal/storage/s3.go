package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bigkaa/filestorm/internal/config"
)

// S3Uploader выгружает файлы в S3-совместимое хранилище
// (AWS S3, Cloudflare R2, MinIO).
type S3Uploader struct {
	client        *minio.Client
	bucket        string
	region        string
	endpoint      string
	useSSL        bool
	publicBaseURL string
	logger        *slog.Logger
}

// NewS3Uploader создаёт uploader для S3-совместимого хранилища.
// При пустом endpoint используется AWS S3.
func NewS3Uploader(cfg *config.Config, logger *slog.Logger) (*S3Uploader, error) {
	endpoint := cfg.S3Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.S3Region)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания S3-клиента: %w", err)
	}

	return &S3Uploader{
		client:        client,
		bucket:        cfg.S3Bucket,
		region:        cfg.S3Region,
		endpoint:      cfg.S3Endpoint,
		useSSL:        cfg.S3UseSSL,
		publicBaseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/"),
		logger:        logger.With(slog.String("component", "s3_storage")),
	}, nil
}

// Upload выгружает файл в bucket под уникальным именем объекта.
func (u *S3Uploader) Upload(ctx context.Context, localPath, originalFilename string) (string, error) {
	name := objectName(originalFilename)

	contentType := mime.TypeByExtension(filepath.Ext(originalFilename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := u.client.FPutObject(ctx, u.bucket, name, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка выгрузки в S3 (bucket=%s, object=%s): %w", u.bucket, name, err)
	}

	u.logger.Debug("Файл выгружен в S3",
		slog.String("bucket", u.bucket),
		slog.String("object", name),
		slog.Int64("size", info.Size),
	)

	return u.objectURL(name), nil
}

// objectURL строит публичный URL объекта. Приоритет:
//  1. Явный IC_S3_PUBLIC_BASE_URL (CDN, custom domain)
//  2. Кастомный endpoint (R2, MinIO): <scheme>://<endpoint>/<bucket>/<object>
//  3. Стандартный AWS: https://<bucket>.s3.<region>.amazonaws.com/<object>
func (u *S3Uploader) objectURL(name string) string {
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + name
	}
	if u.endpoint != "" {
		scheme := "https"
		if !u.useSSL {
			scheme = "http"
		}
		return fmt.Sprintf("%s://%s/%s/%s", scheme, u.endpoint, u.bucket, name)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, name)
}
