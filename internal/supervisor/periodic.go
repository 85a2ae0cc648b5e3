package supervisor

import (
	"context"
	"time"

	"event_messenger/pkg/logger"
)

// Periodic запускает fn каждые interval. Ошибка fn логируется и не останавливает сервис:
// разовые сбои БД не должны приводить к перезапуску через супервизор.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      logger.Logger
}

func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context) error, log logger.Logger) *Periodic {
	return &Periodic{name: name, interval: interval, fn: fn, log: log}
}

func (p *Periodic) String() string { return p.name }

func (p *Periodic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.fn(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("Periodic task failed", "task", p.name, "error", err)
			}
		}
	}
}
