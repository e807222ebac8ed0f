// Пакет model — доменные модели событий загрузки файлов.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Операции над файлами, переносимые в событиях.
const (
	// OperationUpload — загрузка файла (единственная операция на текущий момент).
	OperationUpload = "UPLOAD"
)

// Значения по умолчанию для необязательных полей события.
const (
	DefaultMimeType   = "application/octet-stream"
	AnonymousUploader = "anonymous"
)

// UploadEvent — сырое событие загрузки, как оно лежит в stream.
// Поля провалидированы и типизированы один раз при разборе;
// дальше по коду неоднозначность не распространяется.
type UploadEvent struct {
	// Operation — тип операции (по умолчанию UPLOAD)
	Operation string
	// Filename — оригинальное имя файла
	Filename string
	// Size — размер файла в байтах (>= 0)
	Size int64
	// MimeType — MIME-тип (по умолчанию application/octet-stream)
	MimeType string
	// StorageURL — локатор в объектном хранилище (cloud-путь)
	StorageURL string
	// UploaderID — идентификатор загрузившего (по умолчанию anonymous)
	UploaderID string
	// EventTime — время события
	EventTime time.Time
	// AlreadyStored — байты уже лежат в объектном хранилище
	AlreadyStored bool
	// TmpPath — путь к временному файлу (legacy-путь, AlreadyStored=false)
	TmpPath string
}

// FileEvent — нормализованная запись для таблицы file_events.
// Конструируется только из события с пригодным локатором хранилища.
type FileEvent struct {
	EventTime  time.Time
	Operation  string
	Filename   string
	FileSize   int64
	MimeType   string
	StorageURL string
	UploaderID string
	// StreamMessageID — ID сообщения в stream, ключ дедупликации.
	// nil для legacy-записей, созданных до ввода дедупликации.
	StreamMessageID *string
}

// ParseUploadEvent разбирает поля сообщения stream в типизированное событие.
// Отсутствующие необязательные поля заменяются значениями по умолчанию.
// Возвращает ошибку только при неразборчивых значениях (например, size не число):
// такие сообщения классифицируются как error и уходят в retry.
func ParseUploadEvent(fields map[string]string) (*UploadEvent, error) {
	ev := &UploadEvent{
		Operation:  valueOrDefault(fields, "operation", OperationUpload),
		Filename:   fields["filename"],
		MimeType:   valueOrDefault(fields, "mime_type", DefaultMimeType),
		StorageURL: fields["storage_url"],
		UploaderID: valueOrDefault(fields, "uploader_id", AnonymousUploader),
		TmpPath:    fields["tmp_path"],
	}

	if raw, ok := fields["size"]; ok && raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("некорректное поле size %q: %w", raw, err)
		}
		if size < 0 {
			return nil, fmt.Errorf("отрицательное поле size: %d", size)
		}
		ev.Size = size
	}

	// already_stored — строковый флаг ('true'/'false'), отсутствие = legacy
	if raw, ok := fields["already_stored"]; ok && raw != "" {
		stored, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("некорректное поле already_stored %q: %w", raw, err)
		}
		ev.AlreadyStored = stored
	}

	ev.EventTime = ParseEventTime(fields["ts"])

	return ev, nil
}

// ParseEventTime разбирает ISO-8601 timestamp события.
// Поддерживает полный RFC3339 (включая суффикс Z) и наивный формат
// "2006-01-02 15:04:05" (интерпретируется как UTC).
// При пустом или неразборчивом значении возвращает текущее время UTC:
// кривой timestamp не должен ронять обработку события.
func ParseEventTime(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	if strings.Contains(raw, "T") {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	} else if t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC); err == nil {
		return t
	}

	return time.Now().UTC()
}

// valueOrDefault возвращает значение поля или default при пустом/отсутствующем.
func valueOrDefault(fields map[string]string, key, defaultVal string) string {
	if v, ok := fields[key]; ok && v != "" {
		return v
	}
	return defaultVal
}
