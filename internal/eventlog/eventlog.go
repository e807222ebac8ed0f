// Пакет eventlog — адаптер журнала событий (Redis Streams).
// Инкапсулирует consumer-group семантику: чтение новых сообщений,
// подтверждение, pending-ledger и перехват зависших сообщений.
package eventlog

import (
	"context"
	"time"
)

// Message — одно сообщение журнала: ID, присвоенный брокером,
// и набор именованных полей.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingEntry — запись pending-ledger: доставленное, но не подтверждённое
// сообщение с владельцем и idle-временем.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// Log — граница журнала событий для consumer-а.
// Реализуется RedisLog; в тестах подменяется fake-реализацией.
type Log interface {
	// EnsureGroup создаёт consumer group (и stream при необходимости).
	// Существующая группа — не ошибка.
	EnsureGroup(ctx context.Context) error
	// ReadNew блокирующе читает до count новых сообщений (курсор ">").
	// Возвращает пустой срез по истечении блокирующего ожидания.
	ReadNew(ctx context.Context, count int) ([]Message, error)
	// Ack подтверждает обработку сообщений в группе.
	Ack(ctx context.Context, ids ...string) error
	// Del удаляет сообщения из stream (после Ack, чтобы ограничить рост журнала).
	Del(ctx context.Context, ids ...string) error
	// PendingCount возвращает суммарное количество pending-сообщений группы.
	PendingCount(ctx context.Context) (int64, error)
	// PendingEntries возвращает до count записей pending-ledger.
	// При consumer != "" — только записи этого consumer-а.
	PendingEntries(ctx context.Context, consumer string, count int) ([]PendingEntry, error)
	// Claim передаёт владение сообщениями текущему consumer-у.
	// Захватываются только сообщения с idle >= minIdle.
	Claim(ctx context.Context, minIdle time.Duration, ids []string) ([]Message, error)
	// Len возвращает текущую длину stream.
	Len(ctx context.Context) (int64, error)
	// Ping проверяет доступность брокера.
	Ping(ctx context.Context) error
}
