// persister.go — идемпотентная запись нормализованных событий в базу.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/filestorm/internal/domain/model"
)

// eventStore — срез FileEventRepository, нужный persister-у.
type eventStore interface {
	ExistingMessageIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	InsertBatch(ctx context.Context, events []*model.FileEvent) (int, error)
}

// poolResetter пересоздаёт подключения к базе после сбоя записи.
type poolResetter interface {
	Reconnect(ctx context.Context) error
}

// Persister пишет пачки событий в базу с дедупликацией на двух
// уровнях: предварительная выборка существующих stream-ID плюс
// ON CONFLICT DO NOTHING на уникальном индексе.
type Persister struct {
	store  eventStore
	db     poolResetter
	logger *slog.Logger
}

// NewPersister создаёт persister.
func NewPersister(store eventStore, db poolResetter, logger *slog.Logger) *Persister {
	return &Persister{
		store:  store,
		db:     db,
		logger: logger.With(slog.String("component", "persister")),
	}
}

// Persist сохраняет пачку событий. Возвращает количество событий,
// ставших долговечными — вставленных сейчас или уже записанных
// ранее (повторная доставка). Чистый повтор возвращает полный
// размер пачки без единой записи в базу.
//
// При ошибке вставки пересоздаёт пул подключений и возвращает 0:
// вся пачка остаётся pending и будет доставлена повторно.
func (p *Persister) Persist(ctx context.Context, events []*model.FileEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.StreamMessageID != nil {
			ids = append(ids, *ev.StreamMessageID)
		}
	}

	existing, err := p.store.ExistingMessageIDs(ctx, ids)
	if err != nil {
		// Выборка не удалась — полагаемся на ON CONFLICT
		p.logger.Warn("Ошибка предварительной дедупликации, вставка с ON CONFLICT",
			slog.String("error", err.Error()),
		)
		existing = map[string]struct{}{}
	}

	fresh := make([]*model.FileEvent, 0, len(events))
	for _, ev := range events {
		if ev.StreamMessageID != nil {
			if _, dup := existing[*ev.StreamMessageID]; dup {
				continue
			}
		}
		fresh = append(fresh, ev)
	}

	replayed := len(events) - len(fresh)

	if len(fresh) == 0 {
		// Чистый повтор: все события уже в базе, подтверждаем без записи.
		p.logger.Info("Повторная доставка, все события уже сохранены",
			slog.Int("count", len(events)),
		)
		eventsReplayedTotal.Add(float64(replayed))
		return len(events), nil
	}

	inserted, err := p.store.InsertBatch(ctx, fresh)
	if err != nil {
		p.logger.Error("Ошибка записи в базу, пересоздание пула",
			slog.Int("batch_size", len(fresh)),
			slog.String("error", err.Error()),
		)
		if rcErr := p.db.Reconnect(ctx); rcErr != nil {
			p.logger.Error("Пересоздание пула не удалось",
				slog.String("error", rcErr.Error()),
			)
		}
		return 0, fmt.Errorf("ошибка сохранения пачки событий: %w", err)
	}

	eventsPersistedTotal.Add(float64(inserted))
	eventsReplayedTotal.Add(float64(replayed + (len(fresh) - inserted)))

	p.logger.Debug("Пачка событий сохранена",
		slog.Int("inserted", inserted),
		slog.Int("replayed", len(events)-inserted),
	)

	return len(events), nil
}
