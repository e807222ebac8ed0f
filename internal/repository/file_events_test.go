package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/filestorm/internal/config"
	"github.com/bigkaa/filestorm/internal/database"
	"github.com/bigkaa/filestorm/internal/domain/model"
	"github.com/bigkaa/filestorm/internal/service"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает database.DB с функцией очистки через t.Cleanup.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("filestorm_test"),
		postgres.WithUsername("filestorm"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("IC_DB_HOST", host)
	os.Setenv("IC_DB_PORT", port.Port())
	os.Setenv("IC_DB_NAME", "filestorm_test")
	os.Setenv("IC_DB_USER", "filestorm")
	os.Setenv("IC_DB_PASSWORD", "test-password")
	os.Setenv("IC_DB_SSL_MODE", "disable")
	os.Setenv("IC_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func makeEvent(msgID string, eventTime time.Time) *model.FileEvent {
	id := msgID
	return &model.FileEvent{
		EventTime:       eventTime,
		Operation:       model.OperationUpload,
		Filename:        "report.pdf",
		FileSize:        2048,
		MimeType:        "application/pdf",
		StorageURL:      "https://files.example.com/uploads/report.pdf",
		UploaderID:      "user-42",
		StreamMessageID: &id,
	}
}

func TestInsertBatch_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.FileEvent{
		makeEvent("1700000000000-0", now),
		makeEvent("1700000000000-1", now.Add(time.Second)),
		makeEvent("1700000000000-2", now.Add(2*time.Second)),
	}

	inserted, err := repo.InsertBatch(ctx, events)
	if err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}
	if inserted != 3 {
		t.Errorf("ожидалось 3 вставки, получено %d", inserted)
	}

	// Повторная вставка того же batch не создаёт дубликатов
	inserted, err = repo.InsertBatch(ctx, events)
	if err != nil {
		t.Fatalf("повторный InsertBatch() ошибка: %v", err)
	}
	if inserted != 0 {
		t.Errorf("ожидалось 0 вставок при повторе, получено %d", inserted)
	}

	total, err := repo.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount() ошибка: %v", err)
	}
	if total != 3 {
		t.Errorf("ожидалось 3 записи в таблице, получено %d", total)
	}
}

func TestInsertBatch_PartialOverlap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)

	first := []*model.FileEvent{
		makeEvent("1700000001000-0", now),
		makeEvent("1700000001000-1", now),
	}
	if _, err := repo.InsertBatch(ctx, first); err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}

	// Batch с пересечением: один старый ID, два новых
	mixed := []*model.FileEvent{
		makeEvent("1700000001000-1", now),
		makeEvent("1700000001000-2", now),
		makeEvent("1700000001000-3", now),
	}
	inserted, err := repo.InsertBatch(ctx, mixed)
	if err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}
	if inserted != 2 {
		t.Errorf("ожидалось 2 вставки, получено %d", inserted)
	}
}

func TestInsertBatch_LegacyEventWithoutMessageID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)

	// События без stream_message_id (NULL) не конфликтуют между собой
	legacy := []*model.FileEvent{
		{
			EventTime:  now,
			Operation:  model.OperationUpload,
			Filename:   "a.txt",
			FileSize:   1,
			MimeType:   "text/plain",
			StorageURL: "https://files.example.com/a.txt",
			UploaderID: model.AnonymousUploader,
		},
		{
			EventTime:  now,
			Operation:  model.OperationUpload,
			Filename:   "b.txt",
			FileSize:   2,
			MimeType:   "text/plain",
			StorageURL: "https://files.example.com/b.txt",
			UploaderID: model.AnonymousUploader,
		},
	}

	inserted, err := repo.InsertBatch(ctx, legacy)
	if err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}
	if inserted != 2 {
		t.Errorf("ожидалось 2 вставки, получено %d", inserted)
	}
}

func TestExistingMessageIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.FileEvent{
		makeEvent("1700000002000-0", now),
		makeEvent("1700000002000-1", now),
	}
	if _, err := repo.InsertBatch(ctx, events); err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}

	existing, err := repo.ExistingMessageIDs(ctx, []string{
		"1700000002000-0",
		"1700000002000-1",
		"1700000002000-9", // не вставлялся
	})
	if err != nil {
		t.Fatalf("ExistingMessageIDs() ошибка: %v", err)
	}
	if len(existing) != 2 {
		t.Errorf("ожидалось 2 существующих ID, получено %d", len(existing))
	}
	if _, ok := existing["1700000002000-0"]; !ok {
		t.Error("ID 1700000002000-0 не найден в результате")
	}
	if _, ok := existing["1700000002000-9"]; ok {
		t.Error("несуществующий ID попал в результат")
	}
}

func TestExistingMessageIDs_Empty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	existing, err := repo.ExistingMessageIDs(ctx, nil)
	if err != nil {
		t.Fatalf("ExistingMessageIDs() ошибка: %v", err)
	}
	if len(existing) != 0 {
		t.Errorf("ожидалось пустое множество, получено %d элементов", len(existing))
	}
}

func TestInsertBatch_NoDedupIndex(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	// Схема, где миграция с уникальным индексом ещё не применена
	if _, err := db.Pool().Exec(ctx, `DROP INDEX uq_file_events_stream_message_id`); err != nil {
		t.Fatalf("Не удалось удалить индекс: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.FileEvent{
		makeEvent("1700000004000-0", now),
		makeEvent("1700000004000-1", now.Add(time.Second)),
	}

	// Первая попытка обнаруживает отсутствие индекса: транзакция
	// откатывается, batch остаётся pending
	if _, err := repo.InsertBatch(ctx, events); err == nil {
		t.Fatal("ожидалась ошибка на схеме без индекса дедупликации")
	}

	// Повторная доставка вставляет без ON CONFLICT
	inserted, err := repo.InsertBatch(ctx, events)
	if err != nil {
		t.Fatalf("повторный InsertBatch() ошибка: %v", err)
	}
	if inserted != 2 {
		t.Errorf("ожидалось 2 вставки, получено %d", inserted)
	}

	// Ключ дедупликации продолжает записываться: предварительная
	// выборка видит сохранённые ID
	existing, err := repo.ExistingMessageIDs(ctx, []string{"1700000004000-0", "1700000004000-1"})
	if err != nil {
		t.Fatalf("ExistingMessageIDs() ошибка: %v", err)
	}
	if len(existing) != 2 {
		t.Errorf("ожидалось 2 сохранённых ID на схеме без индекса, получено %d", len(existing))
	}
}

func TestPersist_NoDedupIndexIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())
	persister := service.NewPersister(repo, db, testLogger())

	if _, err := db.Pool().Exec(ctx, `DROP INDEX uq_file_events_stream_message_id`); err != nil {
		t.Fatalf("Не удалось удалить индекс: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.FileEvent{
		makeEvent("1700000005000-0", now),
		makeEvent("1700000005000-1", now.Add(time.Second)),
	}

	// Первая попытка падает на обнаружении деградированной схемы
	if _, err := persister.Persist(ctx, events); err == nil {
		t.Fatal("ожидалась ошибка первой попытки на схеме без индекса")
	}

	// Повторная доставка записывает batch без ON CONFLICT
	persisted, err := persister.Persist(ctx, events)
	if err != nil {
		t.Fatalf("Persist() ошибка: %v", err)
	}
	if persisted != 2 {
		t.Errorf("ожидалось 2 долговечных события, получено %d", persisted)
	}

	// Третья доставка того же batch — чистый повтор: предварительная
	// выборка отсеивает все события, новых строк не появляется
	persisted, err = persister.Persist(ctx, events)
	if err != nil {
		t.Fatalf("Persist() при повторе ошибка: %v", err)
	}
	if persisted != 2 {
		t.Errorf("чистый повтор должен вернуть полный размер пачки, получено %d", persisted)
	}

	total, err := repo.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount() ошибка: %v", err)
	}
	if total != 2 {
		t.Errorf("повторная доставка создала дубликаты: %d строк вместо 2", total)
	}
}

func TestInsertBatch_NoDedupColumn(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	// Схема до ввода дедупликации: колонки нет вовсе
	// (DROP COLUMN удаляет и зависимый индекс)
	if _, err := db.Pool().Exec(ctx, `ALTER TABLE file_events DROP COLUMN stream_message_id`); err != nil {
		t.Fatalf("Не удалось удалить колонку: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	events := []*model.FileEvent{
		makeEvent("1700000006000-0", now),
		makeEvent("1700000006000-1", now.Add(time.Second)),
	}

	// Первая попытка обнаруживает отсутствие колонки
	if _, err := repo.InsertBatch(ctx, events); err == nil {
		t.Fatal("ожидалась ошибка на схеме без колонки дедупликации")
	}

	// Повторная доставка вставляет без ключа дедупликации
	inserted, err := repo.InsertBatch(ctx, events)
	if err != nil {
		t.Fatalf("повторный InsertBatch() ошибка: %v", err)
	}
	if inserted != 2 {
		t.Errorf("ожидалось 2 вставки, получено %d", inserted)
	}

	// Предварительная выборка в этом режиме возвращает пустое множество
	existing, err := repo.ExistingMessageIDs(ctx, []string{"1700000006000-0"})
	if err != nil {
		t.Fatalf("ExistingMessageIDs() ошибка: %v", err)
	}
	if len(existing) != 0 {
		t.Errorf("ожидалось пустое множество без колонки дедупликации, получено %d", len(existing))
	}
}

func TestCountByUploader(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileEventRepository(db, testLogger())

	now := time.Now().UTC().Truncate(time.Microsecond)
	var events []*model.FileEvent
	for i := 0; i < 4; i++ {
		ev := makeEvent(fmt.Sprintf("1700000003000-%d", i), now.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			ev.UploaderID = "uploader-even"
		}
		events = append(events, ev)
	}
	if _, err := repo.InsertBatch(ctx, events); err != nil {
		t.Fatalf("InsertBatch() ошибка: %v", err)
	}

	count, err := repo.CountByUploader(ctx, "uploader-even")
	if err != nil {
		t.Fatalf("CountByUploader() ошибка: %v", err)
	}
	if count != 2 {
		t.Errorf("ожидалось 2 события, получено %d", count)
	}
}
