package domain

import (
	"time"

	"github.com/google/uuid"
)

type Presence struct {
	UserID     uuid.UUID  `json:"user_id"`
	Status     string     `json:"status"`
	LastSeenAt *time.Time `json:"last_seen,omitempty"`
}

const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)
