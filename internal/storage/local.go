package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalUploader копирует файлы в директорию на локальной ФС.
// Используется в разработке и в окружениях без объектного хранилища.
type LocalUploader struct {
	baseDir string
	logger  *slog.Logger
}

// NewLocalUploader создаёт uploader с базовой директорией.
// Директория создаётся, если отсутствует.
func NewLocalUploader(baseDir string, logger *slog.Logger) (*LocalUploader, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории хранилища %s: %w", baseDir, err)
	}
	return &LocalUploader{
		baseDir: baseDir,
		logger:  logger.With(slog.String("component", "local_storage")),
	}, nil
}

// Upload копирует localPath в базовую директорию под уникальным именем.
// Возвращает путь к сохранённому файлу в формате file://.
func (u *LocalUploader) Upload(ctx context.Context, localPath, originalFilename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", localPath, err)
	}
	defer src.Close()

	name := objectName(originalFilename)
	dstPath := filepath.Join(u.baseDir, name)

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("ошибка создания файла %s: %w", dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("ошибка копирования в %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("ошибка закрытия файла %s: %w", dstPath, err)
	}

	u.logger.Debug("Файл сохранён в локальное хранилище",
		slog.String("source", localPath),
		slog.String("destination", dstPath),
	)

	return "file://" + dstPath, nil
}
