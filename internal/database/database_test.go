package database

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/filestorm/internal/config"
)

// setupDB запускает PostgreSQL контейнер, применяет миграции и
// возвращает подключённый DB.
func setupDB(t *testing.T) *DB {
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

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	db, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestReconnect(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	oldPool := db.Pool()
	if err := db.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() ошибка: %v", err)
	}
	if db.Pool() == oldPool {
		t.Error("после Reconnect() ожидался новый пул")
	}
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() после Reconnect() ошибка: %v", err)
	}
}

func TestSQLDB_SurvivesReconnect(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	sqlDB := db.SQLDB()
	t.Cleanup(func() { sqlDB.Close() })

	if err := sqlDB.PingContext(ctx); err != nil {
		t.Fatalf("PingContext() ошибка: %v", err)
	}

	// После пересоздания пула адаптер берёт соединения из нового
	// пула: проверка здоровья не должна залипнуть на закрытом
	if err := db.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() ошибка: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Errorf("PingContext() после Reconnect() ошибка: %v", err)
	}

	var one int
	if err := sqlDB.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		t.Errorf("Запрос через адаптер после Reconnect() ошибка: %v", err)
	}
	if one != 1 {
		t.Errorf("ожидалось 1, получено %d", one)
	}
}
