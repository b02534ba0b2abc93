// Package attendance reconciles raw join/leave exports into per-user attendance durations.
package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownHeader marks a table whose header cannot be translated to the canonical layout.
	ErrUnknownHeader = errors.New("unknown attendance header")
	// ErrInvalidWindow is returned when the event end is not after the event start.
	ErrInvalidWindow = errors.New("event end must be after event start")
	// ErrInvalidThreshold is returned for a name similarity threshold outside [0,1].
	ErrInvalidThreshold = errors.New("similarity threshold must be within [0,1]")
	// ErrInvalidClock is returned for a time of day that is not HH:MM.
	ErrInvalidClock = errors.New("invalid time of day")
)

// Action is a canonical user action. Unrecognized labels are kept verbatim.
type Action string

const (
	ActionJoined       Action = "Joined"
	ActionJoinedBefore Action = "Joined before"
	ActionLeft         Action = "Left"
)

// IsJoin reports whether the action signals presence ("Joined" and "Joined before").
func (a Action) IsJoin() bool {
	return strings.HasPrefix(string(a), string(ActionJoined))
}

// RawTable is one source export: labels plus string cells aligned to them.
type RawTable struct {
	Source string
	Header []string
	Rows   [][]string
}

// Record is one normalized attendance event.
type Record struct {
	User      string    `json:"user"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Date is a calendar day, independent of any time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// At returns the instant of clock on day d in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

// Before reports whether d is an earlier day than o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses HH:MM (24h).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustClock is ParseClock for constants; it panics on bad input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// Mode selects the shape of the attendance table.
type Mode string

const (
	ModePerDate Mode = "per_date"
	ModeOverall Mode = "overall"
)

// Row is one line of the attendance table. Date is nil in overall mode and
// Attendance is only set in overall mode.
type Row struct {
	User            string `json:"user"`
	Date            *Date  `json:"date,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	Attendance      int    `json:"attendance,omitempty"`
}

// Table is the terminal artifact of a reconciliation run.
type Table struct {
	Mode Mode  `json:"mode"`
	Rows []Row `json:"rows"`
}

// Users returns the distinct user names of the table in row order.
func (t Table) Users() []string {
	seen := make(map[string]struct{}, len(t.Rows))
	users := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		if _, ok := seen[r.User]; ok {
			continue
		}
		seen[r.User] = struct{}{}
		users = append(users, r.User)
	}
	return users
}

// Attendees returns the number of distinct users in the table.
func (t Table) Attendees() int { return len(t.Users()) }

// Columns binds canonical header names to semantic roles. The last three name
// the columns of exported tables.
type Columns struct {
	UserName   string `yaml:"user_name"`
	UserAction string `yaml:"user_action"`
	Timestamp  string `yaml:"timestamp"`
	Date       string `yaml:"date"`
	Duration   string `yaml:"duration"`
	Attendance string `yaml:"attendance"`
}

// DefaultColumns returns the canonical English bindings.
func DefaultColumns() Columns {
	return Columns{
		UserName:   HeaderFullName,
		UserAction: HeaderUserAction,
		Timestamp:  HeaderTimestamp,
		Date:       "Date",
		Duration:   "Duration",
		Attendance: "Attendance",
	}
}
