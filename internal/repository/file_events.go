package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/filestorm/internal/database"
	"github.com/bigkaa/filestorm/internal/domain/model"
)

// Режимы схемы таблицы file_events. Полная схема даёт вставку с
// ON CONFLICT по уникальному индексу (stream_message_id, event_time);
// на не домигрированной схеме вставка деградирует, сохраняя
// идемпотентность через предварительную выборку существующих ID.
const (
	// schemaFull — колонка и уникальный индекс дедупликации на месте.
	schemaFull int32 = iota
	// schemaNoIndex — 42P10: колонка есть, индекса ещё нет.
	// Ключ дедупликации продолжает записываться, защита от
	// дубликатов — на предварительной выборке.
	schemaNoIndex
	// schemaNoColumn — 42703: колонки stream_message_id нет.
	// Вставка без ключа дедупликации, выборка существующих ID
	// возвращает пустое множество.
	schemaNoColumn
)

// FileEventRepository — работа с таблицей file_events.
// Все операции берут актуальный пул из database.DB, поэтому
// репозиторий переживает пересоздание пула без переинициализации.
type FileEventRepository struct {
	db     *database.DB
	logger *slog.Logger

	// schemaMode переключается после первого отказа вставки на
	// соответствующий деградированный режим и возвращается к
	// schemaFull, когда уникальное ограничение обнаружено снова
	// (конкурентная миграция догнала таблицу).
	schemaMode atomic.Int32
}

// NewFileEventRepository создаёт репозиторий событий файлов.
func NewFileEventRepository(db *database.DB, logger *slog.Logger) *FileEventRepository {
	return &FileEventRepository{
		db:     db,
		logger: logger.With(slog.String("component", "file_event_repository")),
	}
}

// ExistingMessageIDs возвращает подмножество переданных stream-ID,
// уже сохранённых в базе. Используется для дедупликации до вставки:
// при чистом повторе batch не выполняется ни одной записи.
// На схеме без колонки дедупликации возвращает пустое множество.
func (r *FileEventRepository) ExistingMessageIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(ids) == 0 || r.schemaMode.Load() == schemaNoColumn {
		return existing, nil
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT stream_message_id FROM file_events WHERE stream_message_id = ANY($1)`,
		ids,
	)
	if err != nil {
		if isUndefinedColumn(err) {
			r.setSchemaMode(schemaNoColumn)
			return existing, nil
		}
		return nil, fmt.Errorf("ошибка выборки существующих ID: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода результата: %w", err)
	}
	return existing, nil
}

// InsertBatch сохраняет пачку событий в одной транзакции.
// Дубликаты (по паре stream_message_id + event_time) молча
// пропускаются через ON CONFLICT DO NOTHING. Возвращает число
// фактически вставленных строк.
//
// Либо фиксируются все вставки, либо ни одной: при любой ошибке
// транзакция откатывается и весь batch остаётся необработанным.
func (r *FileEventRepository) InsertBatch(ctx context.Context, events []*model.FileEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	inserted := 0
	runner := NewTxRunner(r.db.Pool())
	err := runner.RunInTx(ctx, func(tx pgx.Tx) error {
		inserted = 0
		for _, ev := range events {
			n, err := r.insertOne(ctx, tx, ev)
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertOne вставляет одно событие, возвращает 1 при вставке и 0
// при пропуске дубликата. При обнаружении деградированной схемы
// переключает режим и возвращает ошибку: транзакция после отказа
// непригодна, повторная попытка пойдёт уже по новому режиму.
func (r *FileEventRepository) insertOne(ctx context.Context, tx pgx.Tx, ev *model.FileEvent) (int, error) {
	switch r.schemaMode.Load() {
	case schemaFull:
		tag, err := tx.Exec(ctx,
			`INSERT INTO file_events
			    (event_time, operation, filename, file_size, mime_type, storage_url, uploader_id, stream_message_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (stream_message_id, event_time) DO NOTHING`,
			ev.EventTime, ev.Operation, ev.Filename, ev.FileSize,
			ev.MimeType, ev.StorageURL, ev.UploaderID, ev.StreamMessageID,
		)
		if err == nil {
			return int(tag.RowsAffected()), nil
		}
		switch {
		case isNoUniqueIndex(err):
			r.setSchemaMode(schemaNoIndex)
			return 0, fmt.Errorf("нет уникального индекса дедупликации: %w", err)
		case isUndefinedColumn(err):
			r.setSchemaMode(schemaNoColumn)
			return 0, fmt.Errorf("схема без колонки дедупликации: %w", err)
		}
		return 0, fmt.Errorf("ошибка вставки события: %w", err)

	case schemaNoIndex:
		// Колонка на месте: ключ дедупликации записывается,
		// дубликаты отсеяла предварительная выборка.
		tag, err := tx.Exec(ctx,
			`INSERT INTO file_events
			    (event_time, operation, filename, file_size, mime_type, storage_url, uploader_id, stream_message_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.EventTime, ev.Operation, ev.Filename, ev.FileSize,
			ev.MimeType, ev.StorageURL, ev.UploaderID, ev.StreamMessageID,
		)
		if err != nil {
			// Уникальное ограничение появилось (конкурентная
			// миграция): со следующей попытки возвращаемся к
			// вставке с ON CONFLICT.
			if isUniqueViolation(err) {
				r.setSchemaMode(schemaFull)
			}
			if isUndefinedColumn(err) {
				r.setSchemaMode(schemaNoColumn)
			}
			return 0, fmt.Errorf("ошибка вставки события (без индекса дедупликации): %w", err)
		}
		return int(tag.RowsAffected()), nil

	default: // schemaNoColumn
		tag, err := tx.Exec(ctx,
			`INSERT INTO file_events
			    (event_time, operation, filename, file_size, mime_type, storage_url, uploader_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.EventTime, ev.Operation, ev.Filename, ev.FileSize,
			ev.MimeType, ev.StorageURL, ev.UploaderID,
		)
		if err != nil {
			return 0, fmt.Errorf("ошибка вставки события (legacy-схема): %w", err)
		}
		return int(tag.RowsAffected()), nil
	}
}

// CountByUploader возвращает число событий указанного загрузчика.
func (r *FileEventRepository) CountByUploader(ctx context.Context, uploaderID string) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM file_events WHERE uploader_id = $1`,
		uploaderID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта событий: %w", err)
	}
	return count, nil
}

// TotalCount возвращает общее число событий в таблице.
func (r *FileEventRepository) TotalCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx, `SELECT count(*) FROM file_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта событий: %w", err)
	}
	return count, nil
}

func (r *FileEventRepository) setSchemaMode(mode int32) {
	if r.schemaMode.Swap(mode) == mode {
		return
	}
	switch mode {
	case schemaFull:
		r.logger.Info("Уникальный индекс дедупликации обнаружен, возврат к вставке с ON CONFLICT")
	case schemaNoIndex:
		r.logger.Warn("Уникальный индекс дедупликации отсутствует, переключение на дедупликацию по предварительной выборке")
	case schemaNoColumn:
		r.logger.Warn("Колонка stream_message_id недоступна, вставка без ключа дедупликации")
	}
}
