package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/filestorm/internal/config"
)

// RedisLog — реализация Log поверх Redis Streams (go-redis/v9).
type RedisLog struct {
	client    *redis.Client
	streamKey string
	group     string
	consumer  string
	blockTime time.Duration
	logger    *slog.Logger
}

// NewRedisLog создаёт адаптер Redis Streams из конфигурации.
// Подключение проверяется первым вызовом Ping, не здесь:
// consumer переживает недоступность брокера через backoff.
func NewRedisLog(cfg *config.Config, logger *slog.Logger) (*RedisLog, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга IC_REDIS_URL: %w", err)
	}

	return &RedisLog{
		client:    redis.NewClient(opts),
		streamKey: cfg.StreamKey,
		group:     cfg.ConsumerGroup,
		consumer:  cfg.ConsumerName,
		blockTime: cfg.BlockTime,
		logger:    logger.With(slog.String("component", "eventlog")),
	}, nil
}

// Close закрывает соединение с Redis.
func (l *RedisLog) Close() error {
	return l.client.Close()
}

// EnsureGroup создаёт consumer group с MKSTREAM.
// BUSYGROUP (группа уже существует) трактуется как успех.
func (l *RedisLog) EnsureGroup(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, l.streamKey, l.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			l.logger.Debug("Consumer group уже существует",
				slog.String("group", l.group),
			)
			return nil
		}
		return fmt.Errorf("ошибка создания consumer group %q: %w", l.group, err)
	}

	l.logger.Info("Consumer group создана",
		slog.String("stream", l.streamKey),
		slog.String("group", l.group),
	)
	return nil
}

// ReadNew читает только новые сообщения (курсор ">").
// Pending-сообщения сюда не попадают — их обрабатывает claim-шаг.
func (l *RedisLog) ReadNew(ctx context.Context, count int) ([]Message, error) {
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.consumer,
		Streams:  []string{l.streamKey, ">"},
		Count:    int64(count),
		Block:    l.blockTime,
	}).Result()
	if err != nil {
		// Истечение блокирующего ожидания — пустой результат, не ошибка
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения новых сообщений: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, Message{
				ID:     msg.ID,
				Fields: convertValues(msg.Values),
			})
		}
	}
	return messages, nil
}

// Ack подтверждает сообщения в группе.
func (l *RedisLog) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, l.streamKey, l.group, ids...).Err(); err != nil {
		return fmt.Errorf("ошибка подтверждения сообщений: %w", err)
	}
	return nil
}

// Del удаляет сообщения из stream.
func (l *RedisLog) Del(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XDel(ctx, l.streamKey, ids...).Err(); err != nil {
		return fmt.Errorf("ошибка удаления сообщений: %w", err)
	}
	return nil
}

// PendingCount возвращает суммарное количество pending-сообщений группы.
// NOGROUP (группа ещё не создана) трактуется как пустой ledger.
func (l *RedisLog) PendingCount(ctx context.Context) (int64, error) {
	pending, err := l.client.XPending(ctx, l.streamKey, l.group).Result()
	if err != nil {
		if isNoGroupErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения pending-ledger: %w", err)
	}
	return pending.Count, nil
}

// PendingEntries возвращает до count записей pending-ledger.
func (l *RedisLog) PendingEntries(ctx context.Context, consumer string, count int) ([]PendingEntry, error) {
	args := &redis.XPendingExtArgs{
		Stream: l.streamKey,
		Group:  l.group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}
	if consumer != "" {
		args.Consumer = consumer
	}

	ext, err := l.client.XPendingExt(ctx, args).Result()
	if err != nil {
		if isNoGroupErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения деталей pending-ledger: %w", err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		entries = append(entries, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			RetryCount: e.RetryCount,
		})
	}
	return entries, nil
}

// Claim передаёт владение сообщениями текущему consumer-у (XCLAIM).
// Возвращает фактически захваченные сообщения: часть может быть
// уже подтверждена или захвачена соседом между XPENDING и XCLAIM.
func (l *RedisLog) Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   l.streamKey,
		Group:    l.group,
		Consumer: l.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка захвата pending-сообщений: %w", err)
	}

	messages := make([]Message, 0, len(claimed))
	for _, msg := range claimed {
		messages = append(messages, Message{
			ID:     msg.ID,
			Fields: convertValues(msg.Values),
		})
	}
	return messages, nil
}

// Len возвращает длину stream.
func (l *RedisLog) Len(ctx context.Context) (int64, error) {
	n, err := l.client.XLen(ctx, l.streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения длины stream: %w", err)
	}
	return n, nil
}

// Ping проверяет доступность Redis.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// ReadinessChecker — проверка готовности Redis для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	log Log
}

// NewReadinessChecker создаёт проверку готовности журнала событий.
func NewReadinessChecker(log Log) *ReadinessChecker {
	return &ReadinessChecker{log: log}
}

// CheckReady проверяет доступность брокера через ping.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.log.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}

// convertValues приводит значения полей XMessage к строкам.
// Redis возвращает поля stream как строки; другие типы — страховка.
func convertValues(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}

// isNoGroupErr определяет ответ NOGROUP: stream или группа ещё не созданы.
func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
