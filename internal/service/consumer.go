// consumer.go — основной цикл Ingest Consumer.
//
// Каждый цикл: перехват зависших pending-сообщений, чтение новых,
// классификация, идемпотентная запись в базу и подтверждение.
// Подтверждение (XACK + XDEL) выполняется строго после успешной
// записи: при падении между записью и подтверждением повторная
// доставка отсеивается дедупликацией.
//
// Запускается как горутина; ритм циклу задаёт блокирующее ожидание
// новых сообщений (XREADGROUP BLOCK), отдельный тикер не нужен.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/filestorm/internal/config"
	"github.com/bigkaa/filestorm/internal/domain/model"
	"github.com/bigkaa/filestorm/internal/eventlog"
)

// classifier — срез Normalizer, нужный consumer-у.
type classifier interface {
	Classify(ctx context.Context, msg eventlog.Message) (Outcome, *model.FileEvent)
}

// batchPersister — срез Persister.
type batchPersister interface {
	Persist(ctx context.Context, events []*model.FileEvent) (int, error)
}

// stuckClaimer — срез Claimer.
type stuckClaimer interface {
	ClaimStuck(ctx context.Context) ([]eventlog.Message, error)
}

// store — жизненный цикл подключений к базе, нужный consumer-у.
type store interface {
	Ping(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// CycleResult — итог одного цикла обработки.
type CycleResult struct {
	// Claimed — перехвачено из pending-ledger
	Claimed int
	// Read — прочитано новых сообщений
	Read int
	// Persisted — событий стало долговечными (вставка или повтор)
	Persisted int
	// Skipped — пропущено непригодных событий
	Skipped int
	// Failed — событий с временным сбоем (остались pending)
	Failed int
	// Duration — длительность цикла
	Duration time.Duration
}

// Status — снимок состояния consumer-а для операционного endpoint.
type Status struct {
	Running         bool      `json:"running"`
	ConsumerName    string    `json:"consumer_name"`
	ConsumerGroup   string    `json:"consumer_group"`
	StreamKey       string    `json:"stream_key"`
	CyclesTotal     uint64    `json:"cycles_total"`
	EventsPersisted uint64    `json:"events_persisted"`
	EventsSkipped   uint64    `json:"events_skipped"`
	EventsFailed    uint64    `json:"events_failed"`
	MessagesClaimed uint64    `json:"messages_claimed"`
	ErrorStreak     int       `json:"error_streak"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
	LastError       string    `json:"last_error,omitempty"`
}

// Consumer — сервис чтения и обработки событий загрузки.
type Consumer struct {
	cfg        *config.Config
	log        eventlog.Log
	normalizer classifier
	persister  batchPersister
	claimer    stuckClaimer
	db         store
	backoff    *Backoff
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска цикла
	cancel context.CancelFunc
	done   chan struct{}

	// Состояние между циклами (только под mu)
	errorStreak      int
	consecutiveEmpty int

	// Снимок для Status() (под statusMu)
	statusMu sync.RWMutex
	status   Status
}

// NewConsumer создаёт consumer.
func NewConsumer(
	cfg *config.Config,
	log eventlog.Log,
	normalizer classifier,
	persister batchPersister,
	claimer stuckClaimer,
	db store,
	logger *slog.Logger,
) *Consumer {
	return &Consumer{
		cfg:        cfg,
		log:        log,
		normalizer: normalizer,
		persister:  persister,
		claimer:    claimer,
		db:         db,
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		logger:     logger.With(slog.String("component", "consumer")),
		status: Status{
			ConsumerName:  cfg.ConsumerName,
			ConsumerGroup: cfg.ConsumerGroup,
			StreamKey:     cfg.StreamKey,
		},
	}
}

// Init дожидается готовности базы и создаёт consumer group.
// База опрашивается до IC_STARTUP_TIMEOUT; если не поднялась —
// ошибка, приложение завершается.
func (c *Consumer) Init(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.StartupTimeout)
	for {
		err := c.db.Ping(ctx)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("база данных не поднялась за %s: %w", c.cfg.StartupTimeout, err)
		}
		c.logger.Warn("База данных недоступна, повторная попытка",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if err := c.log.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ошибка создания consumer group: %w", err)
	}

	c.logger.Info("Consumer инициализирован",
		slog.String("stream", c.cfg.StreamKey),
		slog.String("group", c.cfg.ConsumerGroup),
		slog.String("consumer", c.cfg.ConsumerName),
	)
	return nil
}

// Start запускает фоновую горутину обработки.
func (c *Consumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	go c.run(runCtx)

	c.logger.Info("Consumer запущен",
		slog.Int("batch_size", c.cfg.BatchSize),
		slog.String("block_time", c.cfg.BlockTime.String()),
		slog.String("claim_strategy", c.cfg.ClaimStrategy),
	)
}

// Stop останавливает фоновую горутину и дожидается завершения
// текущего цикла, но не дольше IC_SHUTDOWN_TIMEOUT: отмена контекста
// прерывает блокирующие вызовы, ограничение страхует от залипшего
// цикла при завершении процесса.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		timeout := c.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-c.done:
		case <-time.After(timeout):
			c.logger.Warn("Цикл обработки не завершился за отведённое время",
				slog.String("timeout", timeout.String()),
			)
		}
	}
	c.setRunning(false)
	c.logger.Info("Consumer остановлен")
}

// run — основной цикл фоновой горутины. Ритм задаёт блокирующее
// чтение внутри RunOnce; между ошибками — линейный backoff.
func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := c.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleCycleError(ctx, err)
		}
	}
}

// handleCycleError учитывает ошибку цикла, выдерживает backoff и
// после серии из IC_ERROR_THRESHOLD ошибок переинициализирует
// подключения (consumer group + пул базы).
func (c *Consumer) handleCycleError(ctx context.Context, err error) {
	c.mu.Lock()
	c.errorStreak++
	streak := c.errorStreak
	c.mu.Unlock()

	consumerErrorsTotal.Inc()
	c.setLastError(err.Error(), streak)

	c.logger.Error("Ошибка цикла обработки",
		slog.Int("error_streak", streak),
		slog.String("error", err.Error()),
	)

	if streak > c.cfg.ErrorThreshold {
		c.logger.Warn("Серия ошибок превысила порог, переинициализация подключений",
			slog.Int("error_streak", streak),
			slog.Int("threshold", c.cfg.ErrorThreshold),
		)
		consumerReinitsTotal.Inc()
		if gErr := c.log.EnsureGroup(ctx); gErr != nil {
			c.logger.Error("Переинициализация consumer group не удалась",
				slog.String("error", gErr.Error()),
			)
		}
		if dErr := c.db.Reconnect(ctx); dErr != nil {
			c.logger.Error("Пересоздание пула базы не удалось",
				slog.String("error", dErr.Error()),
			)
		}
		c.mu.Lock()
		c.errorStreak = 0
		c.mu.Unlock()
		return
	}

	c.backoff.Wait(ctx, streak)
}

// RunOnce выполняет один цикл обработки. Потокобезопасен: mutex
// исключает параллельный запуск из фоновой горутины и операционного
// endpoint-а.
func (c *Consumer) RunOnce(ctx context.Context) (*CycleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	consumerCyclesTotal.Inc()
	result := &CycleResult{}

	// Фаза 1: перехват зависших pending-сообщений
	claimed, err := c.claimer.ClaimStuck(ctx)
	if err != nil {
		return nil, err
	}
	result.Claimed = len(claimed)
	msgs := claimed

	// Фаза 2: чтение новых сообщений — если перехват не заполнил batch
	if len(msgs) < c.cfg.BatchSize {
		fresh, err := c.log.ReadNew(ctx, c.cfg.BatchSize-len(msgs))
		if err != nil {
			return nil, err
		}
		result.Read = len(fresh)
		msgs = append(msgs, fresh...)
	}

	if len(msgs) == 0 {
		c.onEmptyCycle(ctx)
		return result, nil
	}
	c.consecutiveEmpty = 0

	// Фаза 3: классификация
	events := make([]*model.FileEvent, 0, len(msgs))
	ackIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		outcome, ev := c.normalizer.Classify(ctx, msg)
		eventsProcessedTotal.WithLabelValues(outcome.String()).Inc()
		switch outcome {
		case OutcomeSuccess:
			events = append(events, ev)
			ackIDs = append(ackIDs, msg.ID)
		case OutcomeSkip:
			result.Skipped++
			ackIDs = append(ackIDs, msg.ID)
		case OutcomeError:
			// Сообщение не подтверждаем: останется pending
			// и вернётся через claim
			result.Failed++
		}
	}

	// Фаза 4: идемпотентная запись
	if len(events) > 0 {
		persisted, err := c.persister.Persist(ctx, events)
		if err != nil {
			return nil, err
		}
		result.Persisted = persisted
	}

	// Фаза 5: подтверждение строго после долговечной записи
	if len(ackIDs) > 0 {
		if err := c.log.Ack(ctx, ackIDs...); err != nil {
			// События уже в базе; при повторной доставке их
			// отсеет дедупликация
			return nil, fmt.Errorf("ошибка подтверждения сообщений: %w", err)
		}
		if err := c.log.Del(ctx, ackIDs...); err != nil {
			// Не критично: сообщения подтверждены, рост stream
			// ограничит следующая успешная очистка
			c.logger.Warn("Ошибка удаления подтверждённых сообщений",
				slog.String("error", err.Error()),
			)
		}
	}

	c.errorStreak = 0
	result.Duration = time.Since(start)
	cycleDurationSeconds.Observe(result.Duration.Seconds())
	c.recordCycle(result)

	if result.Persisted > 0 || result.Skipped > 0 || result.Failed > 0 {
		c.logger.Info("Цикл обработки завершён",
			slog.Int("claimed", result.Claimed),
			slog.Int("read", result.Read),
			slog.Int("persisted", result.Persisted),
			slog.Int("skipped", result.Skipped),
			slog.Int("failed", result.Failed),
			slog.String("duration", result.Duration.String()),
		)
	}

	return result, nil
}

// onEmptyCycle учитывает пустой цикл. Каждые IC_IDLE_CHECK_CYCLES
// пустых циклов — контрольная проверка: длина stream и размер
// pending-ledger. Защита от незаметно отвалившегося XREADGROUP.
// Принудительный внеочередной цикл не нужен: следующее чтение
// начнётся не позже, чем через BlockTime.
func (c *Consumer) onEmptyCycle(ctx context.Context) {
	c.consecutiveEmpty++
	if c.consecutiveEmpty%c.cfg.IdleCheckCycles != 0 {
		return
	}

	length, err := c.log.Len(ctx)
	if err != nil {
		c.logger.Warn("Контрольная проверка: ошибка чтения длины stream",
			slog.String("error", err.Error()),
		)
		return
	}
	pending, err := c.log.PendingCount(ctx)
	if err != nil {
		c.logger.Warn("Контрольная проверка: ошибка чтения pending-ledger",
			slog.String("error", err.Error()),
		)
		return
	}

	streamLength.Set(float64(length))
	pendingMessages.Set(float64(pending))

	if length > 0 || pending > 0 {
		c.logger.Info("Контрольная проверка: в stream есть необработанные сообщения",
			slog.Int64("stream_length", length),
			slog.Int64("pending", pending),
			slog.Int("empty_cycles", c.consecutiveEmpty),
		)
	} else {
		c.logger.Debug("Контрольная проверка: stream пуст",
			slog.Int("empty_cycles", c.consecutiveEmpty),
		)
	}
}

// Status возвращает снимок состояния consumer-а.
func (c *Consumer) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Consumer) setRunning(running bool) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.Running = running
}

func (c *Consumer) setLastError(msg string, streak int) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.LastError = msg
	c.status.ErrorStreak = streak
}

func (c *Consumer) recordCycle(result *CycleResult) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.CyclesTotal++
	c.status.EventsPersisted += uint64(result.Persisted)
	c.status.EventsSkipped += uint64(result.Skipped)
	c.status.EventsFailed += uint64(result.Failed)
	c.status.MessagesClaimed += uint64(result.Claimed)
	c.status.ErrorStreak = 0
	c.status.LastError = ""
	c.status.LastCycleAt = time.Now().UTC()
}
