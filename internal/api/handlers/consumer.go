// consumer.go — операционные endpoints consumer-а.
// GET /api/v1/consumer/status — снимок состояния и глубина очереди
// POST /api/v1/consumer/run — внеочередной цикл обработки
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bigkaa/filestorm/internal/service"
)

// consumerService — срез Consumer, нужный обработчику.
type consumerService interface {
	Status() service.Status
	RunOnce(ctx context.Context) (*service.CycleResult, error)
}

// queueInspector — чтение глубины очереди для status endpoint.
type queueInspector interface {
	Len(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// ConsumerHandler — обработчик операционных endpoints.
type ConsumerHandler struct {
	consumer consumerService
	queue    queueInspector
	logger   *slog.Logger
}

// NewConsumerHandler создаёт обработчик операционных endpoints.
func NewConsumerHandler(consumer consumerService, queue queueInspector, logger *slog.Logger) *ConsumerHandler {
	return &ConsumerHandler{
		consumer: consumer,
		queue:    queue,
		logger:   logger.With(slog.String("component", "consumer_handler")),
	}
}

// consumerStatusResponse — ответ status endpoint.
type consumerStatusResponse struct {
	service.Status
	StreamLength int64 `json:"stream_length"`
	PendingCount int64 `json:"pending_count"`
}

// GetStatus — снимок состояния consumer-а с глубиной очереди.
func (h *ConsumerHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := consumerStatusResponse{Status: h.consumer.Status()}

	if length, err := h.queue.Len(r.Context()); err == nil {
		resp.StreamLength = length
	} else {
		h.logger.Warn("Ошибка чтения длины stream", slog.String("error", err.Error()))
	}
	if pending, err := h.queue.PendingCount(r.Context()); err == nil {
		resp.PendingCount = pending
	} else {
		h.logger.Warn("Ошибка чтения pending-ledger", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// runCycleResponse — ответ run endpoint.
type runCycleResponse struct {
	Result *service.CycleResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// RunCycle — внеочередной цикл обработки. Выполняется синхронно;
// параллельный запуск с фоновой горутиной исключён мьютексом
// внутри Consumer.
func (h *ConsumerHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	result, err := h.consumer.RunOnce(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		h.logger.Error("Внеочередной цикл завершился ошибкой",
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(runCycleResponse{Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(runCycleResponse{Result: result})
}
