package model

import (
	"time"

	"github.com/google/uuid"
)

// ShortLink is the authoritative mapping of a short code to its target URL.
type ShortLink struct {
	ID         uuid.UUID `json:"id"`
	Code       string    `json:"code"`
	TargetURL  string    `json:"target_url"`
	OwnerID    string    `json:"owner_id,omitempty"` // empty for anonymous links
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UsageCount int64     `json:"usage_count"`
}

// IsLive reports whether the link can still be redirected to at now.
func (l *ShortLink) IsLive(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// RemainingLife returns how long the link stays live after now, or zero.
func (l *ShortLink) RemainingLife(now time.Time) time.Duration {
	if !l.IsLive(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}
