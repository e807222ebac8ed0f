// normalizer.go — классификация и нормализация сырых событий stream.
//
// Каждое сообщение получает один из трёх исходов:
//   - success: событие нормализовано и готово к записи в базу
//   - skip: событие непригодно навсегда (нет локатора, файл исчез) —
//     подтверждается без записи
//   - error: временный сбой (неразборчивые поля, ошибка выгрузки) —
//     сообщение остаётся pending и будет доставлено повторно
package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/bigkaa/filestorm/internal/domain/model"
	"github.com/bigkaa/filestorm/internal/eventlog"
	"github.com/bigkaa/filestorm/internal/storage"
)

// Outcome — исход классификации сообщения.
type Outcome int

const (
	// OutcomeSuccess — событие пригодно, FileEvent построен.
	OutcomeSuccess Outcome = iota
	// OutcomeSkip — событие непригодно навсегда, подтверждаем без записи.
	OutcomeSkip
	// OutcomeError — временный сбой, сообщение остаётся pending.
	OutcomeError
)

// String возвращает метку исхода для метрик и логов.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkip:
		return "skip"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Normalizer превращает сырые сообщения stream в нормализованные
// записи file_events. Для legacy-событий (байты ещё во временном
// файле) выполняет выгрузку в постоянное хранилище.
type Normalizer struct {
	uploader storage.Uploader
	logger   *slog.Logger
}

// NewNormalizer создаёт normalizer с указанным uploader-ом.
func NewNormalizer(uploader storage.Uploader, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		uploader: uploader,
		logger:   logger.With(slog.String("component", "normalizer")),
	}
}

// Classify разбирает сообщение и возвращает исход с нормализованным
// событием (только при OutcomeSuccess, иначе nil).
func (n *Normalizer) Classify(ctx context.Context, msg eventlog.Message) (Outcome, *model.FileEvent) {
	ev, err := model.ParseUploadEvent(msg.Fields)
	if err != nil {
		n.logger.Warn("Неразборчивое событие, останется pending",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeError, nil
	}

	if ev.AlreadyStored {
		// Современный путь: байты уже в объектном хранилище,
		// событие несёт готовый локатор.
		if ev.StorageURL == "" {
			n.logger.Warn("Событие already_stored без storage_url, пропуск",
				slog.String("message_id", msg.ID),
				slog.String("filename", ev.Filename),
			)
			return OutcomeSkip, nil
		}
		return OutcomeSuccess, n.toFileEvent(msg.ID, ev)
	}

	// Legacy-путь: байты лежат во временном файле, выгружаем сами.
	if ev.TmpPath == "" {
		n.logger.Warn("Legacy-событие без tmp_path, пропуск",
			slog.String("message_id", msg.ID),
			slog.String("filename", ev.Filename),
		)
		return OutcomeSkip, nil
	}

	if _, err := os.Stat(ev.TmpPath); err != nil {
		// Временный файл исчез — повторные доставки его не вернут.
		n.logger.Warn("Временный файл недоступен, пропуск события",
			slog.String("message_id", msg.ID),
			slog.String("tmp_path", ev.TmpPath),
			slog.String("error", err.Error()),
		)
		return OutcomeSkip, nil
	}

	url, err := n.uploader.Upload(ctx, ev.TmpPath, ev.Filename)
	if err != nil {
		n.logger.Error("Ошибка выгрузки в хранилище, событие останется pending",
			slog.String("message_id", msg.ID),
			slog.String("tmp_path", ev.TmpPath),
			slog.String("error", err.Error()),
		)
		return OutcomeError, nil
	}
	ev.StorageURL = url

	// Временный файл больше не нужен; неудачное удаление не влияет
	// на обработку события.
	if err := os.Remove(ev.TmpPath); err != nil {
		n.logger.Warn("Не удалось удалить временный файл",
			slog.String("tmp_path", ev.TmpPath),
			slog.String("error", err.Error()),
		)
	}

	return OutcomeSuccess, n.toFileEvent(msg.ID, ev)
}

// toFileEvent строит запись file_events из нормализованного события.
func (n *Normalizer) toFileEvent(msgID string, ev *model.UploadEvent) *model.FileEvent {
	id := msgID
	return &model.FileEvent{
		EventTime:       ev.EventTime,
		Operation:       ev.Operation,
		Filename:        ev.Filename,
		FileSize:        ev.Size,
		MimeType:        ev.MimeType,
		StorageURL:      ev.StorageURL,
		UploaderID:      ev.UploaderID,
		StreamMessageID: &id,
	}
}
