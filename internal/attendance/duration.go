package attendance

import (
	"sort"
	"time"
)

// Dedup collapses records sharing the same user and instant, keeping the first.
func Dedup(records []Record) []Record {
	type key struct {
		user string
		at   int64
	}
	seen := make(map[key]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := key{user: r.User, at: r.Timestamp.UnixNano()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// span is the state of the duration fold over one user's day.
type span struct {
	total  time.Duration
	openAt time.Time
	open   bool
	last   Record
	seen   bool
}

// step folds one record. A join opens an interval unless one is already open;
// a Left closes the open interval and credits its length. Other actions only
// move the last action.
func (s span) step(r Record) span {
	switch {
	case r.Action.IsJoin():
		if !s.open {
			s.openAt, s.open = r.Timestamp, true
		}
	case r.Action == ActionLeft:
		if s.open {
			s.total += nonNegative(r.Timestamp.Sub(s.openAt))
			s.open = false
		}
	}
	s.last, s.seen = r, true
	return s
}

// close credits a dangling join up to the window end. When nothing is open but
// the day ends on an action that is neither a join nor a Left, the time from
// that action to the window end is credited instead.
func (s span) close(windowEnd time.Time) time.Duration {
	switch {
	case s.open:
		return s.total + nonNegative(windowEnd.Sub(s.openAt))
	case s.seen && s.last.Action != ActionLeft:
		return s.total + nonNegative(windowEnd.Sub(s.last.Timestamp))
	default:
		return s.total
	}
}

// foldDuration computes the connected time of one user's day. records must be
// in ascending timestamp order.
func foldDuration(records []Record, windowEnd time.Time) time.Duration {
	var s span
	for _, r := range records {
		s = s.step(r)
	}
	return s.close(windowEnd)
}

// ceilMinutes rounds d up to whole minutes.
func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type dayGroup struct {
	key     userDay
	records []Record
}

// groupByUserDay groups records per user and day in first-appearance order and
// sorts each group by timestamp, keeping input order for equal instants.
func groupByUserDay(records []Record, w Window) []*dayGroup {
	index := make(map[userDay]*dayGroup)
	var groups []*dayGroup
	for _, r := range records {
		k := userDay{user: r.User, date: w.DateOf(r.Timestamp)}
		g, ok := index[k]
		if !ok {
			g = &dayGroup{key: k}
			index[k] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, r)
	}
	for _, g := range groups {
		sort.SliceStable(g.records, func(i, j int) bool {
			return g.records[i].Timestamp.Before(g.records[j].Timestamp)
		})
	}
	return groups
}

// Aggregate turns reconciled records into an attendance table. In per-date
// mode rows are sorted by date then duration, both descending; in overall mode
// per-date minutes are summed per user, the number of days becomes the
// attendance count, and rows are sorted by attendance then duration, both
// descending. Ties keep first-appearance order.
func Aggregate(records []Record, w Window, mode Mode) Table {
	groups := groupByUserDay(records, w)
	rows := make([]Row, 0, len(groups))
	for _, g := range groups {
		_, end := w.Bounds(g.key.date)
		date := g.key.date
		rows = append(rows, Row{
			User:            g.key.user,
			Date:            &date,
			DurationMinutes: ceilMinutes(foldDuration(g.records, end)),
		})
	}

	if mode == ModeOverall {
		return Table{Mode: ModeOverall, Rows: overall(rows)}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		di, dj := *rows[i].Date, *rows[j].Date
		if di != dj {
			return dj.Before(di)
		}
		return rows[i].DurationMinutes > rows[j].DurationMinutes
	})
	return Table{Mode: ModePerDate, Rows: rows}
}

func overall(perDate []Row) []Row {
	index := make(map[string]int)
	var rows []Row
	for _, r := range perDate {
		i, ok := index[r.User]
		if !ok {
			i = len(rows)
			index[r.User] = i
			rows = append(rows, Row{User: r.User})
		}
		rows[i].DurationMinutes += r.DurationMinutes
		rows[i].Attendance++
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Attendance != rows[j].Attendance {
			return rows[i].Attendance > rows[j].Attendance
		}
		return rows[i].DurationMinutes > rows[j].DurationMinutes
	})
	if rows == nil {
		rows = []Row{}
	}
	return rows
}
