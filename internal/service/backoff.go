package service

import (
	"context"
	"time"
)

// Backoff — линейная задержка с верхней границей.
// Duration(n) = min(Base*n, Cap): пауза растёт с каждой
// последовательной ошибкой, но не превышает Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoff создаёт политику задержки.
func NewBackoff(base, capDur time.Duration) *Backoff {
	return &Backoff{Base: base, Cap: capDur}
}

// Duration возвращает паузу для n-й последовательной ошибки.
// Для n <= 0 пауза нулевая.
func (b *Backoff) Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := b.Base * time.Duration(n)
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// Wait блокируется на паузу для n-й ошибки.
// Прерывается при отмене контекста.
func (b *Backoff) Wait(ctx context.Context, n int) {
	d := b.Duration(n)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
