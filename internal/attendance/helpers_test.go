package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func canonicalTable(source string, rows ...[]string) RawTable {
	return RawTable{
		Source: source,
		Header: []string{HeaderFullName, HeaderUserAction, HeaderTimestamp},
		Rows:   rows,
	}
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(CanonicalLayout, s, time.UTC)
	require.NoError(t, err)
	return ts
}

func rec(t *testing.T, user string, action Action, s string) Record {
	t.Helper()
	return Record{User: user, Action: action, Timestamp: at(t, s)}
}

func window(start, end string) Window {
	return Window{Start: MustClock(start), End: MustClock(end), Loc: time.UTC}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.EventStart = MustClock("09:00")
	opts.EventEnd = MustClock("10:00")
	return opts
}
