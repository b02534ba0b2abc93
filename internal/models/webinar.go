package models

import (
	"time"

	"github.com/google/uuid"
)

// Webinar is a scheduled event whose session logs can be reconciled.
type Webinar struct {
	ID       uuid.UUID  `json:"id"`
	Title    string     `json:"title"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}
