// Точка входа Ingest Consumer — сервис переноса событий загрузки
// файлов из Redis Stream в PostgreSQL.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// и Redis, создаёт сервисный слой (normalizer, persister, claimer),
// запускает фоновый цикл обработки, topologymetrics и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/bigkaa/filestorm/internal/api/handlers"
	"github.com/bigkaa/filestorm/internal/config"
	"github.com/bigkaa/filestorm/internal/database"
	"github.com/bigkaa/filestorm/internal/eventlog"
	"github.com/bigkaa/filestorm/internal/repository"
	"github.com/bigkaa/filestorm/internal/server"
	"github.com/bigkaa/filestorm/internal/service"
	"github.com/bigkaa/filestorm/internal/storage"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Ingest Consumer запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("stream", cfg.StreamKey),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	if os.Getenv("IC_DEPHEALTH_GROUP") == "" {
		logger.Warn("IC_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через актуальный пул приложения,
	// что позволяет обнаружить его исчерпание; адаптер переживает
	// пересоздание пула consumer-ом.
	pgDB := db.SQLDB()
	defer pgDB.Close()

	// 5. Подключение к Redis (журнал событий)
	log, err := eventlog.NewRedisLog(cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer log.Close()

	// 6. Постоянное хранилище файлов (legacy-путь выгрузки)
	uploader, err := storage.New(cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Хранилище файлов инициализировано",
		slog.String("mode", cfg.StorageMode),
	)

	// 7. Repository и сервисный слой
	fileEventRepo := repository.NewFileEventRepository(db, logger)
	normalizer := service.NewNormalizer(uploader, logger)
	persister := service.NewPersister(fileEventRepo, db, logger)
	claimer := service.NewClaimer(log, cfg, logger)

	consumer := service.NewConsumer(cfg, log, normalizer, persister, claimer, db, logger)

	// 8. Инициализация: ожидание базы + создание consumer group
	if err := consumer.Init(ctx); err != nil {
		logger.Error("Ошибка инициализации consumer-а", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Запуск фонового цикла обработки
	consumer.Start(ctx)
	defer consumer.Stop()

	// 9.1 topologymetrics — мониторинг зависимостей (PostgreSQL)
	dephealthSvc, err := service.NewDephealthService(
		"ingest-consumer",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		// Не фатально: consumer работает без графа зависимостей
		logger.Warn("Ошибка инициализации topologymetrics",
			slog.String("error", err.Error()),
		)
	} else {
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		} else {
			defer dephealthSvc.Stop()
		}
	}

	// 10. HTTP-сервер: health, metrics, операционные endpoints
	pgChecker := database.NewReadinessChecker(db)
	redisChecker := eventlog.NewReadinessChecker(log)
	healthHandler := handlers.NewHealthHandler(pgChecker, redisChecker)
	consumerHandler := handlers.NewConsumerHandler(consumer, log, logger)

	srv := server.New(cfg, logger, healthHandler, consumerHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Ingest Consumer завершает работу")
}
