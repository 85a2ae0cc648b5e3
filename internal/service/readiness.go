package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Readiness открывается один раз после старта всех зависимостей.
// До этого /ready отвечает 503 и балансировщик не шлет трафик.
type Readiness struct {
	ready  atomic.Bool
	checks []HealthCheck
}

func NewReadiness(checks ...HealthCheck) *Readiness {
	return &Readiness{checks: checks}
}

func (r *Readiness) MarkReady() { r.ready.Store(true) }

func (r *Readiness) MarkNotReady() { r.ready.Store(false) }

func (r *Readiness) IsReady() bool { return r.ready.Load() }

// Check возвращает состояние каждой зависимости; ok == false, если сервис не готов
func (r *Readiness) Check(ctx context.Context) (map[string]string, bool) {
	status := make(map[string]string, len(r.checks)+1)
	ok := r.ready.Load()
	if ok {
		status["startup"] = "ok"
	} else {
		status["startup"] = "pending"
	}

	for _, c := range r.checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			status[c.Name] = fmt.Sprintf("error: %v", err)
			ok = false
			continue
		}
		status[c.Name] = "ok"
	}
	return status, ok
}
