package reports

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/logfile"
)

// Upload form fields.
const (
	fieldFiles          = "files[]"
	fieldIgnoreInactive = "ignore_inactive_users"
	fieldOverallUptime  = "overall_uptime"
	fieldStartTime      = "start_time"
	fieldEndTime        = "end_time"
	fieldFormat         = "format"
	fieldNumber         = "number"
	fieldDuplicates     = "allow_duplicates"
	fieldIgnoreUsers    = "ignore_users[]"
	fieldRoom           = "room"

	formatCSV = "csv"
)

var (
	errNoFiles   = errors.New("no files uploaded")
	errTooLarge  = errors.New("upload too large")
	errBadFormat = errors.New("format must be json or csv")
)

// upload is a parsed multipart request: the tables read from files[] and the
// form values.
type upload struct {
	tables   []attendance.RawTable
	warnings []string
	form     *multipart.Form
}

func (u *upload) value(key string) string {
	if vs := u.form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

// values returns every value of key, accepting both "key[]" and "key".
func (u *upload) values(key string) ([]string, bool) {
	vs, ok := u.form.Value[key]
	if !ok {
		vs, ok = u.form.Value[strings.TrimSuffix(key, "[]")]
	}
	return vs, ok
}

// readUpload parses the multipart body of c, bounded by h.maxUpload, and reads
// each uploaded file. Files that cannot be decoded become warnings.
func (h *Handler) readUpload(c *gin.Context) (*upload, error) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errTooLarge
		}
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	files := form.File[fieldFiles]
	if len(files) == 0 {
		files = form.File[strings.TrimSuffix(fieldFiles, "[]")]
	}
	if len(files) == 0 {
		return nil, errNoFiles
	}

	u := &upload{form: form, tables: make([]attendance.RawTable, 0, len(files))}
	for _, fh := range files {
		table, warnings, err := h.readFile(fh)
		if err != nil {
			u.warnings = append(u.warnings, fmt.Sprintf("%s: skipped: %v", fh.Filename, err))
			continue
		}
		for _, w := range warnings {
			u.warnings = append(u.warnings, fmt.Sprintf("%s: row %d: %s", fh.Filename, w.Row, w.Message))
		}
		u.tables = append(u.tables, table)
	}
	return u, nil
}

func (h *Handler) readFile(fh *multipart.FileHeader) (attendance.RawTable, []logfile.Warning, error) {
	f, err := fh.Open()
	if err != nil {
		return attendance.RawTable{Source: fh.Filename}, nil, err
	}
	defer f.Close()
	return h.reader.Read(fh.Filename, f)
}

// options applies the per-request toggles and window override on top of base.
func (u *upload) options(base attendance.Options, ignoreInactiveDefault bool) (attendance.Options, error) {
	opts := base
	var err error
	if opts.IgnoreInactiveUsers, err = parseBool(u.value(fieldIgnoreInactive), ignoreInactiveDefault); err != nil {
		return opts, fmt.Errorf("%s: %w", fieldIgnoreInactive, err)
	}
	if opts.OverallUptime, err = parseBool(u.value(fieldOverallUptime), false); err != nil {
		return opts, fmt.Errorf("%s: %w", fieldOverallUptime, err)
	}
	return overrideWindow(opts, u.value(fieldStartTime), u.value(fieldEndTime))
}

// overrideWindow replaces the event window bounds that are set.
func overrideWindow(opts attendance.Options, start, end string) (attendance.Options, error) {
	if start != "" {
		c, err := attendance.ParseClock(start)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", fieldStartTime, err)
		}
		opts.EventStart = c
	}
	if end != "" {
		c, err := attendance.ParseClock(end)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", fieldEndTime, err)
		}
		opts.EventEnd = c
	}
	return opts, nil
}

func parseBool(s string, fallback bool) (bool, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.ParseBool(s)
}

func parseFormat(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return false, nil
	case formatCSV:
		return true, nil
	}
	return false, errBadFormat
}
