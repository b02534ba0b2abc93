package attendance

import "time"

// Window is the official time slot of an event, repeated on every calendar day.
type Window struct {
	Start Clock
	End   Clock
	Loc   *time.Location
}

// Bounds returns the window instants on day d.
func (w Window) Bounds(d Date) (start, end time.Time) {
	return d.At(w.Start, w.location()), d.At(w.End, w.location())
}

// Validate checks that the window closes after it opens.
func (w Window) Validate() error {
	if w.End.minutes() <= w.Start.minutes() {
		return ErrInvalidWindow
	}
	return nil
}

// DateOf returns the calendar day of t in the window's location.
func (w Window) DateOf(t time.Time) Date {
	return DateOf(t.In(w.location()))
}

func (w Window) location() *time.Location {
	if w.Loc == nil {
		return time.UTC
	}
	return w.Loc
}

type userDay struct {
	user string
	date Date
}

// ReconcileWindow fits every user's records of a day into the window of that day.
// A user whose last action that day is a Left before the window opens did not
// take part, and all of that user's records for the day are discarded. Every other
// timestamp is clamped into [start, end]. Input order is preserved.
func ReconcileWindow(records []Record, w Window) []Record {
	last := lastBy(records, func(r Record) userDay {
		return userDay{user: r.User, date: w.DateOf(r.Timestamp)}
	})

	out := make([]Record, 0, len(records))
	for _, r := range records {
		day := w.DateOf(r.Timestamp)
		start, end := w.Bounds(day)
		l := last[userDay{user: r.User, date: day}]
		if l.Action == ActionLeft && l.Timestamp.Before(start) {
			continue
		}
		switch {
		case r.Timestamp.Before(start):
			r.Timestamp = start
		case r.Timestamp.After(end):
			r.Timestamp = end
		}
		out = append(out, r)
	}
	return out
}
