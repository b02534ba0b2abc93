// Package sessionlog reads webinar join/leave logs from Postgres as attendance tables.
package sessionlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/models"
)

// ErrWebinarNotFound is returned for an unknown webinar id.
var ErrWebinarNotFound = errors.New("webinar not found")

// Repository reads webinars and user_session_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Webinar returns a webinar by id.
func (r *Repository) Webinar(ctx context.Context, id uuid.UUID) (*models.Webinar, error) {
	var w models.Webinar
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, starts_at, ends_at FROM webinars WHERE id = $1`, id,
	).Scan(&w.ID, &w.Title, &w.StartsAt, &w.EndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebinarNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webinar: %w", err)
	}
	return &w, nil
}

// ListByWebinar returns the session logs of a webinar with attendee names, oldest first.
func (r *Repository) ListByWebinar(ctx context.Context, webinarID uuid.UUID) ([]models.UserSessionLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.webinar_id, l.user_id, u.full_name, l.joined_at, l.left_at
		 FROM user_session_logs l JOIN users u ON u.id = l.user_id
		 WHERE l.webinar_id = $1 ORDER BY l.joined_at`,
		webinarID)
	if err != nil {
		return nil, fmt.Errorf("list session logs: %w", err)
	}
	defer rows.Close()
	var list []models.UserSessionLog
	for rows.Next() {
		var l models.UserSessionLog
		if err := rows.Scan(&l.ID, &l.WebinarID, &l.UserID, &l.FullName, &l.JoinedAt, &l.LeftAt); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

// Events returns the webinar and its session logs as a canonical attendance table.
func (r *Repository) Events(ctx context.Context, webinarID uuid.UUID, loc *time.Location) (*models.Webinar, attendance.RawTable, error) {
	w, err := r.Webinar(ctx, webinarID)
	if err != nil {
		return nil, attendance.RawTable{}, err
	}
	logs, err := r.ListByWebinar(ctx, webinarID)
	if err != nil {
		return nil, attendance.RawTable{}, err
	}
	return w, EventsTable("webinar:"+webinarID.String(), logs, loc), nil
}

// EventsTable renders session logs as a canonical table: one Joined row per
// connection and one Left row per closed connection, timestamps in loc.
func EventsTable(source string, logs []models.UserSessionLog, loc *time.Location) attendance.RawTable {
	if loc == nil {
		loc = time.UTC
	}
	t := attendance.RawTable{
		Source: source,
		Header: append([]string(nil), attendance.CanonicalHeader...),
		Rows:   make([][]string, 0, 2*len(logs)),
	}
	for _, l := range logs {
		t.Rows = append(t.Rows, []string{l.FullName, string(attendance.ActionJoined), l.JoinedAt.In(loc).Format(attendance.CanonicalLayout)})
		if l.LeftAt != nil {
			t.Rows = append(t.Rows, []string{l.FullName, string(attendance.ActionLeft), l.LeftAt.In(loc).Format(attendance.CanonicalLayout)})
		}
	}
	return t
}

// Window returns the event window of a webinar held within one calendar day
// in loc. ok is false when the webinar has no end or spans several days.
func Window(w *models.Webinar, loc *time.Location) (start, end attendance.Clock, ok bool) {
	if w == nil || w.EndsAt == nil {
		return start, end, false
	}
	if loc == nil {
		loc = time.UTC
	}
	s, e := w.StartsAt.In(loc), w.EndsAt.In(loc)
	if attendance.DateOf(s) != attendance.DateOf(e) {
		return start, end, false
	}
	start = attendance.Clock{Hour: s.Hour(), Minute: s.Minute()}
	end = attendance.Clock{Hour: e.Hour(), Minute: e.Minute()}
	if end == start {
		return start, end, false
	}
	return start, end, true
}
