package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
	_ "time/tzdata" // time_zone must resolve without a system zoneinfo

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/fuzzy"
	"github.com/aura-webinar/attendance/internal/logfile"
)

// DefaultSettingsPath is read when SETTINGS_PATH is unset.
const DefaultSettingsPath = "assets/settings.yml"

// Settings mirrors settings.yml.
type Settings struct {
	System       SystemSettings       `yaml:"system"`
	Spreadsheets SpreadsheetsSettings `yaml:"spreadsheets"`
}

// SystemSettings holds file formats and name handling.
type SystemSettings struct {
	CSV              CSVSettings `yaml:"csv"`
	FormatUserNames  bool        `yaml:"format_user_names"`
	TimeZone         string      `yaml:"time_zone"`
	TimestampLayouts []string    `yaml:"timestamp_layouts"`
}

// CSVSettings holds the input and output CSV formats.
type CSVSettings struct {
	Input  logfile.Format `yaml:"input"`
	Output logfile.Format `yaml:"output"`
}

// SpreadsheetsSettings holds event, column and operation settings.
type SpreadsheetsSettings struct {
	Event          EventSettings      `yaml:"event"`
	AttendanceList attendance.Columns `yaml:"attendance_list"`
	Operations     OperationsSettings `yaml:"operations"`
}

// EventSettings describes the reconciliation checks and the event window.
type EventSettings struct {
	CheckUserName           bool    `yaml:"check_user_name"`
	CheckUserNameSimilarity float64 `yaml:"check_user_name_similarity"`
	SimilarityStrategy      string  `yaml:"similarity_strategy"`
	CheckTimeSlot           bool    `yaml:"check_time_slot"`
	StartTime               string  `yaml:"start_time"`
	EndTime                 string  `yaml:"end_time"`
}

// OperationsSettings holds per-operation settings.
type OperationsSettings struct {
	GiveawayVoucher GiveawayVoucherSettings `yaml:"giveaway_voucher"`
}

// GiveawayVoucherSettings holds voucher draw defaults.
type GiveawayVoucherSettings struct {
	Number    int      `yaml:"number"`
	DropUsers []string `yaml:"drop_users"`
}

// DefaultSettings returns the built-in settings used when no file exists.
func DefaultSettings() *Settings {
	opts := attendance.DefaultOptions()
	return &Settings{
		System: SystemSettings{
			CSV: CSVSettings{
				Input:  logfile.Format{Encoding: "utf-8"},
				Output: logfile.Format{Sep: ",", Encoding: "utf-8"},
			},
			FormatUserNames: opts.FormatUserNames,
			TimeZone:        "UTC",
		},
		Spreadsheets: SpreadsheetsSettings{
			Event: EventSettings{
				CheckUserName:           opts.CheckUserName,
				CheckUserNameSimilarity: opts.UserNameSimilarity,
				SimilarityStrategy:      string(opts.Strategy),
				CheckTimeSlot:           opts.CheckTimeSlot,
				StartTime:               opts.EventStart.String(),
				EndTime:                 opts.EventEnd.String(),
			},
			AttendanceList: attendance.DefaultColumns(),
			Operations: OperationsSettings{
				GiveawayVoucher: GiveawayVoucherSettings{Number: 3},
			},
		},
	}
}

// LoadSettings reads path over the defaults. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if _, err := s.PipelineOptions(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Location resolves the configured time zone.
func (s *Settings) Location() (*time.Location, error) {
	if s.System.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.System.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", s.System.TimeZone, err)
	}
	return loc, nil
}

// PipelineOptions converts the settings into validated pipeline options with
// the per-request toggles at their defaults.
func (s *Settings) PipelineOptions() (attendance.Options, error) {
	opts := attendance.DefaultOptions()
	ev := s.Spreadsheets.Event

	strategy, err := fuzzy.ParseStrategy(ev.SimilarityStrategy)
	if err != nil {
		return opts, err
	}
	if ev.SimilarityStrategy == "" {
		strategy = fuzzy.DefaultIdentityStrategy
	}
	start, err := attendance.ParseClock(ev.StartTime)
	if err != nil {
		return opts, fmt.Errorf("start_time: %w", err)
	}
	end, err := attendance.ParseClock(ev.EndTime)
	if err != nil {
		return opts, fmt.Errorf("end_time: %w", err)
	}
	loc, err := s.Location()
	if err != nil {
		return opts, err
	}

	opts.FormatUserNames = s.System.FormatUserNames
	opts.CheckUserName = ev.CheckUserName
	opts.UserNameSimilarity = ev.CheckUserNameSimilarity
	opts.Strategy = strategy
	opts.CheckTimeSlot = ev.CheckTimeSlot
	opts.EventStart, opts.EventEnd = start, end
	opts.Location = loc
	opts.Columns = s.Spreadsheets.AttendanceList
	if len(s.System.TimestampLayouts) > 0 {
		// Configured layouts go first; the built-in ones still parse canonical tables.
		layouts := make([]string, 0, len(s.System.TimestampLayouts)+len(attendance.DefaultTimestampLayouts))
		layouts = append(layouts, s.System.TimestampLayouts...)
		opts.TimestampLayouts = append(layouts, attendance.DefaultTimestampLayouts...)
	}
	return opts, opts.Validate()
}

// Reader returns a log reader for the configured input format.
func (s *Settings) Reader(logger *zap.Logger) (*logfile.Reader, error) {
	r, err := logfile.NewReader(s.System.CSV.Input, logger)
	if err != nil {
		return nil, fmt.Errorf("csv input: %w", err)
	}
	return r, nil
}

// Writer returns a table writer for the configured output format and labels.
func (s *Settings) Writer() (*logfile.Writer, error) {
	w, err := logfile.NewWriter(s.System.CSV.Output, s.Spreadsheets.AttendanceList)
	if err != nil {
		return nil, fmt.Errorf("csv output: %w", err)
	}
	return w, nil
}
