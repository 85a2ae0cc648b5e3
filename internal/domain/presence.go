package domain

import "time"

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type Presence struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func (p Presence) Online() bool {
	return p.Status == PresenceOnline
}
