package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики consumer-а
var (
	// consumerCyclesTotal — количество выполненных циклов обработки.
	consumerCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_consumer_cycles_total",
		Help: "Общее количество циклов обработки consumer-а",
	})

	// eventsProcessedTotal — события по итогам классификации.
	eventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ic_events_processed_total",
		Help: "Общее количество обработанных событий по исходу (success/skip/error)",
	}, []string{"outcome"})

	// eventsPersistedTotal — события, фактически вставленные в базу.
	eventsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_events_persisted_total",
		Help: "Общее количество событий, вставленных в PostgreSQL",
	})

	// eventsReplayedTotal — дубликаты, отсеянные дедупликацией.
	eventsReplayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_events_replayed_total",
		Help: "Общее количество повторно доставленных событий, отсеянных дедупликацией",
	})

	// messagesClaimedTotal — pending-сообщения, перехваченные из ledger.
	messagesClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_messages_claimed_total",
		Help: "Общее количество pending-сообщений, перехваченных consumer-ом",
	})

	// consumerErrorsTotal — ошибки циклов обработки.
	consumerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_consumer_errors_total",
		Help: "Общее количество ошибок циклов обработки",
	})

	// consumerReinitsTotal — переинициализации после серии ошибок.
	consumerReinitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ic_consumer_reinits_total",
		Help: "Общее количество переинициализаций подключений после серии ошибок",
	})

	// streamLength — текущая длина stream (обновляется при idle-пробах).
	streamLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ic_stream_length",
		Help: "Текущая длина Redis Stream",
	})

	// pendingMessages — текущий размер pending-ledger группы.
	pendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ic_pending_messages",
		Help: "Текущее количество pending-сообщений consumer group",
	})

	// cycleDurationSeconds — длительность цикла обработки.
	cycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ic_cycle_duration_seconds",
		Help:    "Длительность цикла обработки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)
