package attendance

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// Canonical header labels.
const (
	HeaderFullName   = "Full Name"
	HeaderUserAction = "User Action"
	HeaderTimestamp  = "Timestamp"
)

// CanonicalLayout is the timestamp layout of canonical tables.
const CanonicalLayout = "2006-01-02 15:04:05"

// CanonicalHeader is synthesized for exports that ship without a header row.
var CanonicalHeader = []string{HeaderFullName, HeaderUserAction, HeaderTimestamp}

var headerTranslations = map[string]string{
	"Full Name":            HeaderFullName,
	"Nome Completo":        HeaderFullName,
	"User Action":          HeaderUserAction,
	"Atividade":            HeaderUserAction,
	"Timestamp":            HeaderTimestamp,
	"Carimbo de data/hora": HeaderTimestamp,
}

var actionTranslations = map[string]Action{
	"Joined":          ActionJoined,
	"Ingressou":       ActionJoined,
	"Joined before":   ActionJoinedBefore,
	"Entrou antes de": ActionJoinedBefore,
	"Left":            ActionLeft,
	"Saiu":            ActionLeft,
}

// DefaultTimestampLayouts are tried in order. Month-first layouts win over
// day-first ones for ambiguous dates.
var DefaultTimestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	CanonicalLayout,
	"2006-01-02 15:04",
	"1/2/2006, 3:04:05 PM",
	"1/2/2006 3:04:05 PM",
	"1/2/2006, 15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"2/1/2006, 15:04:05",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
}

// NormalizeReport counts what happened to one table.
type NormalizeReport struct {
	Source      string `json:"source"`
	Rows        int    `json:"rows"`
	Kept        int    `json:"kept"`
	DroppedRows int    `json:"dropped_rows"`
	Headerless  bool   `json:"headerless,omitempty"`
}

// Normalizer translates raw exports into canonical records.
type Normalizer struct {
	columns Columns
	layouts []string
	loc     *time.Location
	logger  *zap.Logger
}

// NewNormalizer creates a normalizer. Empty layouts fall back to DefaultTimestampLayouts
// and a nil location to UTC.
func NewNormalizer(columns Columns, layouts []string, loc *time.Location, logger *zap.Logger) *Normalizer {
	if len(layouts) == 0 {
		layouts = DefaultTimestampLayouts
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{columns: columns, layouts: layouts, loc: loc, logger: logger}
}

// Normalize resolves the header of t, translates its actions and parses its timestamps.
// Rows that cannot be parsed are dropped and counted; an untranslatable header fails
// the whole table with ErrUnknownHeader.
func (n *Normalizer) Normalize(t RawTable) ([]Record, NormalizeReport, error) {
	report := NormalizeReport{Source: t.Source}
	labels := make([]string, len(t.Header))
	for i, h := range t.Header {
		labels[i] = cleanLabel(h)
	}
	if len(labels) == 0 {
		return nil, report, fmt.Errorf("%w: empty header", ErrUnknownHeader)
	}

	rows := t.Rows
	var header []string
	if headerTranslations[labels[0]] != HeaderFullName {
		if len(labels) != len(CanonicalHeader) {
			return nil, report, fmt.Errorf("%w: %d columns without a header row", ErrUnknownHeader, len(labels))
		}
		header = CanonicalHeader
		rows = append(rows[:len(rows):len(rows)], labels)
		report.Headerless = true
	} else {
		header = make([]string, len(labels))
		for i, l := range labels {
			translated, ok := headerTranslations[l]
			if !ok {
				return nil, report, fmt.Errorf("%w: %q", ErrUnknownHeader, l)
			}
			header[i] = translated
		}
	}

	nameIdx, actionIdx, tsIdx := indexOf(header, n.columns.UserName), indexOf(header, n.columns.UserAction), indexOf(header, n.columns.Timestamp)
	if nameIdx < 0 || actionIdx < 0 || tsIdx < 0 {
		return nil, report, fmt.Errorf("%w: missing a bound column in %v", ErrUnknownHeader, header)
	}

	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		report.Rows++
		rec, ok := n.normalizeRow(row, nameIdx, actionIdx, tsIdx)
		if !ok {
			report.DroppedRows++
			n.logger.Debug("dropping attendance row",
				zap.String("source", t.Source),
				zap.Int("row", i+1),
				zap.Strings("cells", row),
			)
			continue
		}
		rec.Source = t.Source
		records = append(records, rec)
	}
	report.Kept = len(records)
	return records, report, nil
}

func (n *Normalizer) normalizeRow(row []string, nameIdx, actionIdx, tsIdx int) (Record, bool) {
	if nameIdx >= len(row) || actionIdx >= len(row) || tsIdx >= len(row) {
		return Record{}, false
	}
	name := strings.TrimSpace(row[nameIdx])
	label := strings.TrimSpace(row[actionIdx])
	if name == "" || label == "" {
		return Record{}, false
	}
	ts, ok := n.parseTimestamp(row[tsIdx])
	if !ok {
		return Record{}, false
	}
	return Record{
		User:      strings.ToUpper(name),
		Action:    TranslateAction(label),
		Timestamp: ts,
	}, true
}

func (n *Normalizer) parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range n.layouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t.In(n.loc), true
		}
	}
	return time.Time{}, false
}

// TranslateAction maps a localized action label to its canonical form.
// Unknown labels pass through unchanged.
func TranslateAction(label string) Action {
	if a, ok := actionTranslations[label]; ok {
		return a
	}
	return Action(label)
}

// RawTableOf renders records back into a canonical table.
func RawTableOf(source string, records []Record) RawTable {
	t := RawTable{Source: source, Header: append([]string(nil), CanonicalHeader...)}
	t.Rows = make([][]string, 0, len(records))
	for _, r := range records {
		t.Rows = append(t.Rows, []string{r.User, string(r.Action), r.Timestamp.Format(CanonicalLayout)})
	}
	return t
}

func cleanLabel(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return norm.NFC.String(strings.TrimSpace(s))
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
