package models

import (
	"time"

	"github.com/google/uuid"
)

// UserSessionLog is one connection of an attendee to a webinar. LeftAt is nil
// while the attendee is still connected.
type UserSessionLog struct {
	ID        uuid.UUID  `json:"id"`
	WebinarID uuid.UUID  `json:"webinar_id"`
	UserID    uuid.UUID  `json:"user_id"`
	FullName  string     `json:"full_name"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}
