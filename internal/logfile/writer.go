package logfile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/text/encoding"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/lottery"
)

// Writer renders tables and draws as CSV using the configured column labels.
type Writer struct {
	sep     rune
	enc     encoding.Encoding
	encName string
	columns attendance.Columns
}

// NewWriter validates format and returns a writer.
func NewWriter(format Format, columns attendance.Columns) (*Writer, error) {
	sep, err := format.sep()
	if err != nil {
		return nil, err
	}
	if sep == 0 {
		sep = ','
	}
	enc, name, err := lookupEncoding(format.Encoding)
	if err != nil {
		return nil, err
	}
	return &Writer{sep: sep, enc: enc, encName: name, columns: columns}, nil
}

// ContentType is the MIME type of the writer's output.
func (w *Writer) ContentType() string {
	return "text/csv; charset=" + w.encName
}

func (w *Writer) csv(out io.Writer) (*csv.Writer, func() error) {
	target := out
	var closer io.Closer
	if w.encName != "utf-8" {
		target = w.enc.NewEncoder().Writer(out)
		closer, _ = target.(io.Closer)
	}
	cw := csv.NewWriter(target)
	cw.Comma = w.sep
	return cw, func() error {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return err
		}
		if closer != nil {
			return closer.Close()
		}
		return nil
	}
}

// WriteTable writes the attendance table. Per-date tables carry name, date and
// duration; overall tables carry name, attendance and duration.
func (w *Writer) WriteTable(out io.Writer, table attendance.Table) error {
	cw, flush := w.csv(out)
	header := []string{w.columns.UserName, w.columns.Date, w.columns.Duration}
	if table.Mode == attendance.ModeOverall {
		header = []string{w.columns.UserName, w.columns.Attendance, w.columns.Duration}
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range table.Rows {
		record := []string{row.User, "", strconv.Itoa(row.DurationMinutes)}
		if table.Mode == attendance.ModeOverall {
			record[1] = strconv.Itoa(row.Attendance)
		} else if row.Date != nil {
			record[1] = row.Date.String()
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return flush()
}

// WriteDraw writes the winners of a draw, one per line.
func (w *Writer) WriteDraw(out io.Writer, draw lottery.Draw) error {
	cw, flush := w.csv(out)
	if err := cw.Write([]string{w.columns.UserName}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, winner := range draw.Winners {
		if err := cw.Write([]string{winner}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return flush()
}
