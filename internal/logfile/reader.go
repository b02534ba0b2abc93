// Package logfile reads attendance exports from CSV files and writes
// attendance tables and draws back out as CSV.
package logfile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"

	"github.com/aura-webinar/attendance/internal/attendance"
)

var (
	// ErrEmptyFile is returned for an export without a single line.
	ErrEmptyFile = errors.New("empty file: no header row found")
	// ErrUnknownEncoding is returned for an encoding label outside the WHATWG index.
	ErrUnknownEncoding = errors.New("unknown text encoding")
	// ErrInvalidSeparator is returned for a separator that is not a single character.
	ErrInvalidSeparator = errors.New("separator must be a single character")
)

// Format describes the on-disk layout of a CSV file. An empty Sep is detected
// from the first line when reading and means comma when writing.
type Format struct {
	Sep      string `yaml:"sep"`
	Encoding string `yaml:"encoding"`
}

func (f Format) sep() (rune, error) {
	if f.Sep == "" {
		return 0, nil
	}
	r, size := utf8.DecodeRuneInString(f.Sep)
	if size != len(f.Sep) || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSeparator, f.Sep)
	}
	return r, nil
}

// Warning is a non-fatal issue found while reading a file.
type Warning struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Reader decodes attendance exports into raw tables.
type Reader struct {
	sep     rune
	enc     encoding.Encoding
	encName string
	logger  *zap.Logger
}

// NewReader validates format and returns a reader.
func NewReader(format Format, logger *zap.Logger) (*Reader, error) {
	sep, err := format.sep()
	if err != nil {
		return nil, err
	}
	enc, name, err := lookupEncoding(format.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{sep: sep, enc: enc, encName: name, logger: logger}, nil
}

// Read parses one export. Rows whose width differs from the header are padded
// or truncated and reported as warnings; rows that fail to parse are skipped.
func (r *Reader) Read(source string, in io.Reader) (attendance.RawTable, []Warning, error) {
	table := attendance.RawTable{Source: source}
	data, err := io.ReadAll(in)
	if err != nil {
		return table, nil, fmt.Errorf("read %s: %w", source, err)
	}
	decoded, detected, err := decode(data, r.enc, r.encName)
	if err != nil {
		return table, nil, fmt.Errorf("%s: %w", source, err)
	}

	sep := r.sep
	if sep == 0 {
		sep = detectSep(decoded)
	}
	cr := csv.NewReader(bytes.NewReader(decoded))
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return table, nil, fmt.Errorf("%s: %w", source, ErrEmptyFile)
		}
		return table, nil, fmt.Errorf("%s: read header row: %w", source, err)
	}
	table.Header = header

	var warnings []Warning
	rowNum := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if err != nil {
			warnings = append(warnings, Warning{Row: rowNum, Message: fmt.Sprintf("parse error: %v", err)})
			continue
		}
		switch {
		case len(row) < len(header):
			warnings = append(warnings, Warning{
				Row:     rowNum,
				Message: fmt.Sprintf("row has %d columns, expected %d; padding with empty values", len(row), len(header)),
			})
			padded := make([]string, len(header))
			copy(padded, row)
			row = padded
		case len(row) > len(header):
			warnings = append(warnings, Warning{
				Row:     rowNum,
				Message: fmt.Sprintf("row has %d columns, expected %d; truncating extra columns", len(row), len(header)),
			})
			row = row[:len(header)]
		}
		table.Rows = append(table.Rows, row)
	}

	r.logger.Debug("read attendance log",
		zap.String("source", source),
		zap.String("encoding", detected),
		zap.Int("rows", len(table.Rows)),
		zap.Int("warnings", len(warnings)),
	)
	return table, warnings, nil
}

// ReadFile reads one export from disk.
func (r *Reader) ReadFile(path string) (attendance.RawTable, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return attendance.RawTable{Source: path}, nil, err
	}
	defer f.Close()
	return r.Read(path, f)
}

// ReadPath reads path when it is a file, or every regular file directly inside
// it when it is a directory, in name order. Files that cannot be read are
// logged and skipped.
func (r *Reader) ReadPath(path string) ([]attendance.RawTable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	paths := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		paths = paths[:0]
		for _, e := range entries {
			if e.Type().IsRegular() {
				paths = append(paths, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(paths)
	}

	tables := make([]attendance.RawTable, 0, len(paths))
	for _, p := range paths {
		t, warnings, err := r.ReadFile(p)
		if err != nil {
			r.logger.Error("failed to read attendance log", zap.String("path", p), zap.Error(err))
			continue
		}
		for _, w := range warnings {
			r.logger.Warn("attendance log row", zap.String("path", p), zap.Int("row", w.Row), zap.String("warning", w.Message))
		}
		tables = append(tables, t)
	}
	return tables, nil
}
