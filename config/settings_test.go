package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/fuzzy"
	"github.com/aura-webinar/attendance/internal/logfile"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)

	opts, err := s.PipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, fuzzy.PartialTokenSortRatio, opts.Strategy)
	assert.Equal(t, "09:00", opts.EventStart.String())
	assert.Equal(t, time.UTC, opts.Location)
}

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	path := writeSettings(t, `
system:
  format_user_names: false
  csv:
    input:
      sep: "\t"
      encoding: utf-16le
spreadsheets:
  event:
    check_user_name_similarity: 0.8
    similarity_strategy: token_set_ratio
    start_time: "14:00"
    end_time: "16:30"
  attendance_list:
    user_name: Full Name
    user_action: User Action
    timestamp: Timestamp
    date: Data
    duration: Duração
    attendance: Presença
  operations:
    giveaway_voucher:
      drop_users:
        - Smith, Alice
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "\t", s.System.CSV.Input.Sep)
	assert.Equal(t, ",", s.System.CSV.Output.Sep, "unset keys keep their defaults")
	assert.Equal(t, []string{"Smith, Alice"}, s.Spreadsheets.Operations.GiveawayVoucher.DropUsers)
	assert.Equal(t, 3, s.Spreadsheets.Operations.GiveawayVoucher.Number)

	opts, err := s.PipelineOptions()
	require.NoError(t, err)
	assert.False(t, opts.FormatUserNames)
	assert.True(t, opts.CheckUserName)
	assert.Equal(t, 0.8, opts.UserNameSimilarity)
	assert.Equal(t, fuzzy.TokenSetRatio, opts.Strategy)
	assert.Equal(t, attendance.MustClock("16:30"), opts.EventEnd)
	assert.Equal(t, "Duração", opts.Columns.Duration)
}

func TestLoadSettingsRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"window":    "spreadsheets:\n  event:\n    start_time: \"18:00\"\n    end_time: \"09:00\"\n",
		"threshold": "spreadsheets:\n  event:\n    check_user_name_similarity: 2\n",
		"strategy":  "spreadsheets:\n  event:\n    similarity_strategy: soundex\n",
		"clock":     "spreadsheets:\n  event:\n    start_time: nine\n",
		"zone":      "system:\n  time_zone: Mars/Olympus\n",
		"yaml":      "system: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadSettingsShippedFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join("..", DefaultSettingsPath))
	require.NoError(t, err)
	_, err = s.PipelineOptions()
	assert.NoError(t, err)
	_, err = s.Reader(zap.NewNop())
	assert.NoError(t, err)
	w, err := s.Writer()
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", w.ContentType())
}

func TestCustomTimestampLayoutsKeepBuiltIns(t *testing.T) {
	path := writeSettings(t, `
system:
  timestamp_layouts: ["02/01/2006 15:04"]
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	opts, err := s.PipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, "02/01/2006 15:04", opts.TimestampLayouts[0])
	assert.Contains(t, opts.TimestampLayouts, attendance.CanonicalLayout)
	opts.IgnoreInactiveUsers = false

	p, err := attendance.NewPipeline(opts, zap.NewNop())
	require.NoError(t, err)
	res, err := p.Run([]attendance.RawTable{{
		Source: "webinar",
		Header: attendance.CanonicalHeader,
		Rows: [][]string{
			{"Alice", "Joined", "2023-03-16 09:00:00"},
			{"Alice", "Left", "2023-03-16 09:30:00"},
			{"Bob", "Joined", "15/03/2023 10:00"},
			{"Bob", "Left", "15/03/2023 10:20"},
		},
	}})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings())
	require.Len(t, res.Table.Rows, 2)
	assert.Equal(t, "ALICE", res.Table.Rows[0].User)
	assert.Equal(t, 30, res.Table.Rows[0].DurationMinutes)
	assert.Equal(t, "BOB", res.Table.Rows[1].User)
	assert.Equal(t, 20, res.Table.Rows[1].DurationMinutes)
}

func TestSettingsRejectBadCSVFormat(t *testing.T) {
	s := DefaultSettings()
	s.System.CSV.Input.Encoding = "klingon"
	_, err := s.Reader(zap.NewNop())
	assert.ErrorIs(t, err, logfile.ErrUnknownEncoding)
	s.System.CSV.Output.Sep = ";;"
	_, err = s.Writer()
	assert.ErrorIs(t, err, logfile.ErrInvalidSeparator)
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.DSN())
	c.URL = "postgres://elsewhere/db"
	assert.Equal(t, "postgres://elsewhere/db", c.DSN())
}

func TestAllowedOrigins(t *testing.T) {
	c := ServerConfig{CORSAllowedOrigins: " http://a , ,http://b"}
	assert.Equal(t, []string{"http://a", "http://b"}, c.AllowedOrigins())
}
