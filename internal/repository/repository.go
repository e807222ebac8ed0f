// Пакет repository — слой доступа к данным поверх pgx.
// Репозитории не знают о бизнес-логике: принимают и возвращают
// доменные модели, ошибки оборачиваются с контекстом операции.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX — минимальный интерфейс исполнителя запросов.
// Ему удовлетворяют *pgxpool.Pool и pgx.Tx, что позволяет
// использовать одни и те же методы внутри и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет функцию в рамках транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт исполнитель транзакций.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn в транзакции. При ошибке — откат, иначе — коммит.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("ошибка отката транзакции: %v (исходная: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением
// уникального ограничения (код 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isNoUniqueIndex — код 42P10: ON CONFLICT не находит подходящий
// уникальный индекс. Колонка дедупликации на месте, индекс ещё
// не создан — вставка деградирует до варианта без ON CONFLICT,
// дедупликацию обеспечивает предварительная выборка существующих ID.
func isNoUniqueIndex(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P10"
	}
	return false
}

// isUndefinedColumn — код 42703: колонка stream_message_id
// отсутствует (схема до ввода дедупликации). Вставка выполняется
// без ключа дедупликации.
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703"
	}
	return false
}
