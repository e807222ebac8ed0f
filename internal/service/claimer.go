// claimer.go — перехват зависших pending-сообщений.
//
// Сообщение остаётся в pending-ledger, если доставивший его consumer
// упал до подтверждения. Claimer возвращает такие сообщения в обработку:
// сначала собственные записи consumer-а (после рестарта с тем же именем),
// затем чужие — от упавших соседей.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/filestorm/internal/config"
	"github.com/bigkaa/filestorm/internal/eventlog"
)

// Claimer забирает зависшие pending-сообщения в обработку.
type Claimer struct {
	log          eventlog.Log
	consumerName string
	strategy     string
	minIdle      time.Duration
	batchSize    int
	logger       *slog.Logger
}

// NewClaimer создаёт claimer с параметрами из конфигурации.
func NewClaimer(log eventlog.Log, cfg *config.Config, logger *slog.Logger) *Claimer {
	return &Claimer{
		log:          log,
		consumerName: cfg.ConsumerName,
		strategy:     cfg.ClaimStrategy,
		minIdle:      cfg.ClaimMinIdle,
		batchSize:    cfg.BatchSize,
		logger:       logger.With(slog.String("component", "claimer")),
	}
}

// ClaimStuck возвращает до batchSize перехваченных сообщений.
// Пустой результат — pending-ledger пуст либо все записи моложе
// порога idle (стратегия idle).
func (c *Claimer) ClaimStuck(ctx context.Context) ([]eventlog.Message, error) {
	total, err := c.log.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения pending-ledger: %w", err)
	}
	pendingMessages.Set(float64(total))
	if total == 0 {
		return nil, nil
	}

	// Свои записи — приоритетно: после рестарта с тем же именем
	// consumer сначала добирает собственную незавершённую работу.
	entries, err := c.log.PendingEntries(ctx, c.consumerName, c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения собственных pending-записей: %w", err)
	}
	if len(entries) == 0 {
		entries, err = c.log.PendingEntries(ctx, "", c.batchSize)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения pending-записей группы: %w", err)
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}

	minIdle := c.minIdle
	if c.strategy == config.ClaimImmediate {
		minIdle = 0
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	msgs, err := c.log.Claim(ctx, minIdle, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка перехвата pending-сообщений: %w", err)
	}
	if len(msgs) > 0 {
		messagesClaimedTotal.Add(float64(len(msgs)))
		c.logger.Info("Перехвачены зависшие сообщения",
			slog.Int("claimed", len(msgs)),
			slog.Int64("pending_total", total),
			slog.String("strategy", c.strategy),
		)
	}
	return msgs, nil
}
