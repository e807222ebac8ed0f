// Пакет storage — выгрузка файлов из временной директории
// в постоянное хранилище (локальная ФС или S3-совместимое).
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/filestorm/internal/config"
)

// Uploader переносит локальный файл в постоянное хранилище и
// возвращает итоговый URL.
type Uploader interface {
	// Upload выгружает файл localPath, сохраняя расширение
	// оригинального имени. Возвращает URL сохранённого объекта.
	Upload(ctx context.Context, localPath, originalFilename string) (string, error)
}

// New создаёт Uploader в соответствии с режимом из конфигурации.
func New(cfg *config.Config, logger *slog.Logger) (Uploader, error) {
	switch cfg.StorageMode {
	case config.StorageModeLocal:
		return NewLocalUploader(cfg.LocalStorageDir, logger)
	case config.StorageModeS3:
		return NewS3Uploader(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный режим хранилища: %s", cfg.StorageMode)
	}
}

// objectName строит имя объекта: уникальный UUID плюс расширение
// оригинального файла. Исключает коллизии одноимённых загрузок.
func objectName(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	return uuid.New().String() + ext
}
