// Пакет config — загрузка и валидация конфигурации Ingest Consumer
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Стратегии захвата pending-сообщений.
const (
	// ClaimIdle — захватывать только сообщения, простоявшие дольше ClaimMinIdle.
	// Безопасно при нескольких живых consumer-ах: не отбирает работу у медленного соседа.
	ClaimIdle = "idle"
	// ClaimImmediate — захватывать pending-сообщения сразу, независимо от idle-времени.
	// Агрессивное восстановление для случая единственного consumer-а.
	ClaimImmediate = "immediate"
)

// Режимы постоянного хранилища файлов.
const (
	StorageModeLocal = "local"
	StorageModeS3    = "s3"
)

// Config содержит все параметры конфигурации Ingest Consumer.
type Config struct {
	// Порт HTTP-сервера (health, metrics, операционные endpoints)
	Port int

	// URL подключения к Redis (redis://host:port)
	RedisURL string
	// Ключ Redis Stream с событиями загрузок
	StreamKey string
	// Имя consumer group
	ConsumerGroup string
	// Имя consumer-а в группе (стабильное в рамках процесса)
	ConsumerName string

	// Максимальное количество сообщений за один цикл
	BatchSize int
	// Время блокирующего ожидания новых сообщений (XREADGROUP BLOCK)
	BlockTime time.Duration

	// Стратегия захвата pending-сообщений: idle или immediate
	ClaimStrategy string
	// Минимальное idle-время для захвата чужих pending-сообщений (стратегия idle)
	ClaimMinIdle time.Duration

	// Количество подряд идущих ошибок цикла до переинициализации group и пула БД
	ErrorThreshold int
	// Базовый интервал backoff при ошибках цикла
	BackoffBase time.Duration
	// Максимальный интервал backoff
	BackoffMax time.Duration
	// Каждые N пустых циклов — прямая проверка глубины очереди и pending
	IdleCheckCycles int
	// Таймаут ожидания готовности БД при старте (по истечении — fatal)
	StartupTimeout time.Duration

	// Параметры PostgreSQL/TimescaleDB
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Минимальное и максимальное количество соединений пула
	DBMinConns int
	DBMaxConns int

	// Режим хранилища для legacy-сообщений: local или s3
	StorageMode string
	// Директория локального хранилища (режим local)
	LocalStorageDir string
	// Параметры S3-совместимого хранилища (режим s3)
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3UseSSL        bool
	S3PublicBaseURL string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (IC_DEPHEALTH_GROUP)
	DephealthGroup string

	// Таймаут graceful shutdown: HTTP-сервер и ожидание завершения цикла consumer-а
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// IC_PORT — порт HTTP-сервера (по умолчанию 8030)
	port, err := getEnvInt("IC_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("IC_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("IC_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// IC_REDIS_URL — URL Redis (по умолчанию локальный)
	cfg.RedisURL = getEnvDefault("IC_REDIS_URL", "redis://localhost:6379")
	if _, err := url.Parse(cfg.RedisURL); err != nil {
		return nil, fmt.Errorf("IC_REDIS_URL: некорректный URL %q: %w", cfg.RedisURL, err)
	}

	// IC_STREAM_KEY — ключ stream (по умолчанию filestorm:uploads)
	cfg.StreamKey = getEnvDefault("IC_STREAM_KEY", "filestorm:uploads")

	// IC_CONSUMER_GROUP — имя consumer group (по умолчанию filestorm_group)
	cfg.ConsumerGroup = getEnvDefault("IC_CONSUMER_GROUP", "filestorm_group")

	// IC_CONSUMER_NAME — имя consumer-а (по умолчанию consumer-<pid>)
	cfg.ConsumerName = getEnvDefault("IC_CONSUMER_NAME", fmt.Sprintf("consumer-%d", os.Getpid()))

	// IC_BATCH_SIZE — размер батча (по умолчанию 50)
	cfg.BatchSize, err = getEnvInt("IC_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("IC_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("IC_BATCH_SIZE: значение должно быть положительным")
	}

	// IC_BLOCK_TIME — блокирующее ожидание XREADGROUP (по умолчанию 1s)
	cfg.BlockTime, err = getEnvDuration("IC_BLOCK_TIME", time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_BLOCK_TIME: %w", err)
	}

	// IC_CLAIM_STRATEGY — стратегия захвата pending (по умолчанию idle)
	cfg.ClaimStrategy = getEnvDefault("IC_CLAIM_STRATEGY", ClaimIdle)
	if cfg.ClaimStrategy != ClaimIdle && cfg.ClaimStrategy != ClaimImmediate {
		return nil, fmt.Errorf("IC_CLAIM_STRATEGY: недопустимое значение %q, допустимые: idle, immediate", cfg.ClaimStrategy)
	}

	// IC_CLAIM_MIN_IDLE — порог idle-времени для захвата (по умолчанию 60s)
	cfg.ClaimMinIdle, err = getEnvDuration("IC_CLAIM_MIN_IDLE", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_CLAIM_MIN_IDLE: %w", err)
	}

	// IC_ERROR_THRESHOLD — порог подряд идущих ошибок (по умолчанию 5)
	cfg.ErrorThreshold, err = getEnvInt("IC_ERROR_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("IC_ERROR_THRESHOLD: %w", err)
	}
	if cfg.ErrorThreshold <= 0 {
		return nil, fmt.Errorf("IC_ERROR_THRESHOLD: значение должно быть положительным")
	}

	// IC_BACKOFF_BASE — базовый интервал backoff (по умолчанию 2s)
	cfg.BackoffBase, err = getEnvDuration("IC_BACKOFF_BASE", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_BACKOFF_BASE: %w", err)
	}

	// IC_BACKOFF_MAX — максимальный интервал backoff (по умолчанию 10s)
	cfg.BackoffMax, err = getEnvDuration("IC_BACKOFF_MAX", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_BACKOFF_MAX: %w", err)
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		return nil, fmt.Errorf("IC_BACKOFF_MAX: значение %s должно быть >= IC_BACKOFF_BASE (%s)",
			cfg.BackoffMax, cfg.BackoffBase)
	}

	// IC_IDLE_CHECK_CYCLES — периодичность прямой проверки очереди (по умолчанию 5)
	cfg.IdleCheckCycles, err = getEnvInt("IC_IDLE_CHECK_CYCLES", 5)
	if err != nil {
		return nil, fmt.Errorf("IC_IDLE_CHECK_CYCLES: %w", err)
	}
	if cfg.IdleCheckCycles <= 0 {
		return nil, fmt.Errorf("IC_IDLE_CHECK_CYCLES: значение должно быть положительным")
	}

	// IC_STARTUP_TIMEOUT — ожидание готовности БД при старте (по умолчанию 20s)
	cfg.StartupTimeout, err = getEnvDuration("IC_STARTUP_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_STARTUP_TIMEOUT: %w", err)
	}

	// IC_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IC_DB_HOST")
	if err != nil {
		return nil, err
	}

	// IC_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IC_DB_PORT: %w", err)
	}

	// IC_DB_NAME — имя базы (по умолчанию filestorm)
	cfg.DBName = getEnvDefault("IC_DB_NAME", "filestorm")

	// IC_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IC_DB_USER")
	if err != nil {
		return nil, err
	}

	// IC_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IC_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IC_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IC_DB_SSL_MODE", "disable")

	// IC_DB_MIN_CONNS / IC_DB_MAX_CONNS — границы пула (по умолчанию 1..5)
	cfg.DBMinConns, err = getEnvInt("IC_DB_MIN_CONNS", 1)
	if err != nil {
		return nil, fmt.Errorf("IC_DB_MIN_CONNS: %w", err)
	}
	cfg.DBMaxConns, err = getEnvInt("IC_DB_MAX_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("IC_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMinConns < 1 || cfg.DBMaxConns < cfg.DBMinConns {
		return nil, fmt.Errorf("IC_DB_MAX_CONNS: границы пула некорректны (min=%d, max=%d)",
			cfg.DBMinConns, cfg.DBMaxConns)
	}

	// IC_STORAGE_MODE — режим хранилища для legacy-пути (по умолчанию local)
	cfg.StorageMode = getEnvDefault("IC_STORAGE_MODE", StorageModeLocal)
	if cfg.StorageMode != StorageModeLocal && cfg.StorageMode != StorageModeS3 {
		return nil, fmt.Errorf("IC_STORAGE_MODE: недопустимое значение %q, допустимые: local, s3", cfg.StorageMode)
	}

	// IC_LOCAL_STORAGE_DIR — директория локального хранилища
	cfg.LocalStorageDir = getEnvDefault("IC_LOCAL_STORAGE_DIR", "/var/lib/filestorm/storage")

	// Параметры S3 — обязательны только в режиме s3
	cfg.S3Endpoint = getEnvDefault("IC_S3_ENDPOINT", "")
	cfg.S3Region = getEnvDefault("IC_S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnvDefault("IC_S3_BUCKET", "")
	cfg.S3AccessKey = getEnvDefault("IC_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("IC_S3_SECRET_KEY", "")
	cfg.S3PublicBaseURL = getEnvDefault("IC_S3_PUBLIC_BASE_URL", "")
	cfg.S3UseSSL, err = getEnvBool("IC_S3_USE_SSL", true)
	if err != nil {
		return nil, fmt.Errorf("IC_S3_USE_SSL: %w", err)
	}
	if cfg.StorageMode == StorageModeS3 {
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("IC_S3_BUCKET: обязательная переменная окружения не задана (режим s3)")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return nil, fmt.Errorf("IC_S3_ACCESS_KEY/IC_S3_SECRET_KEY: обязательны в режиме s3")
		}
	}

	// IC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IC_LOG_LEVEL: %w", err)
	}

	// IC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// IC_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// IC_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("IC_DEPHEALTH_GROUP", "ingest-consumer")

	// IC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (для golang-migrate и лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 500ms, 30s, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
