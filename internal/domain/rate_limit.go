package domain

import "time"

const (
	RateLimitScopeUser = "user"
	RateLimitScopeIP   = "ip"
)

// QuotaDecision - результат списания из суточной квоты сообщений
type QuotaDecision struct {
	Allowed  bool
	Used     int64
	Limit    int
	ResetsAt time.Time
}
