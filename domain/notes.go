package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledPost is an activity a local account wants published later.
type ScheduledPost struct {
	Id           uuid.UUID
	Nickname     string
	ActivityJSON string
	DueAt        time.Time
	CreatedAt    time.Time
}

// Share is a shared item offered by a local account until ExpiresAt.
type Share struct {
	Id          uuid.UUID
	Nickname    string
	Name        string
	Description string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

func (s *Share) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// NewswireItem is one entry of the aggregated newswire.
type NewswireItem struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	Published   time.Time `json:"published"`
	FirstSeen   time.Time `json:"firstSeen"`
}
