// Package main reconciles attendance logs on disk and optionally draws voucher winners.
//
//	reconcile -in logs/ [-out attendance.csv] [-overall] [-keep-inactive] [-draw 3] [-dups]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/attendance/config"
	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/lottery"
)

var errMissingInput = errors.New("-in is required")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, nil))
}

// run executes the command and returns the process exit code. A nil src draws
// with a clock-seeded generator.
func run(args []string, stdout, stderr io.Writer, src lottery.Source) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		in           = fs.String("in", "", "Attendance log file, or a directory of logs")
		out          = fs.String("out", "", "Write the attendance table here instead of stdout")
		settingsPath = fs.String("settings", config.DefaultSettingsPath, "Path to settings.yml")
		overall      = fs.Bool("overall", false, "Sum durations per user across days")
		keepInactive = fs.Bool("keep-inactive", false, "Keep users whose last action is a leave")
		draw         = fs.Int("draw", 0, "Draw this many voucher winners and print them")
		dups         = fs.Bool("dups", false, "Allow a user to win more than once")
		verbose      = fs.Bool("v", false, "Debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, errMissingInput)
		fs.Usage()
		return 2
	}
	if *draw < 0 {
		fmt.Fprintf(stderr, "-draw %d: %v\n", *draw, lottery.ErrInvalidCount)
		return 2
	}

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	logger := newLogger(stderr, level).With(zap.String("component", "reconcile"))
	defer logger.Sync()

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		logger.Error("failed to load settings", zap.Error(err))
		return 1
	}
	opts, err := settings.PipelineOptions()
	if err != nil {
		logger.Error("invalid settings", zap.Error(err))
		return 1
	}
	opts.OverallUptime = *overall
	opts.IgnoreInactiveUsers = !*keepInactive

	reader, err := settings.Reader(logger)
	if err != nil {
		logger.Error("invalid settings", zap.Error(err))
		return 1
	}
	writer, err := settings.Writer()
	if err != nil {
		logger.Error("invalid settings", zap.Error(err))
		return 1
	}

	tables, err := reader.ReadPath(*in)
	if err != nil {
		logger.Error("failed to read attendance logs", zap.String("path", *in), zap.Error(err))
		return 1
	}

	result, err := reconcile(opts, tables, logger)
	if err != nil {
		logger.Error("reconciliation failed", zap.Error(err))
		return 1
	}
	for _, w := range result.Warnings() {
		logger.Warn("attendance log", zap.String("warning", w))
	}

	if *out != "" {
		if err := writeFile(*out, func(w io.Writer) error { return writer.WriteTable(w, result.Table) }); err != nil {
			logger.Error("failed to write attendance table", zap.String("path", *out), zap.Error(err))
			return 1
		}
		logger.Info("attendance table written", zap.String("path", *out), zap.Int("rows", len(result.Table.Rows)))
	} else if *draw == 0 {
		if err := writer.WriteTable(stdout, result.Table); err != nil {
			logger.Error("failed to write attendance table", zap.Error(err))
			return 1
		}
	}

	if *draw == 0 {
		return 0
	}
	candidates := lottery.Candidates(result.Table, true)
	exclude := lottery.DefaultExclusions(settings.Spreadsheets.Operations.GiveawayVoucher.DropUsers, candidates, opts.FormatUserNames)
	d, err := lottery.NewDrawer(src, logger).Draw(candidates, *draw, *dups, exclude)
	if err != nil {
		logger.Error("voucher draw failed", zap.Error(err))
		return 2
	}
	if err := writer.WriteDraw(stdout, d); err != nil {
		logger.Error("failed to write winners", zap.Error(err))
		return 1
	}
	return 0
}

func reconcile(opts attendance.Options, tables []attendance.RawTable, logger *zap.Logger) (*attendance.Result, error) {
	pipeline, err := attendance.NewPipeline(opts, logger)
	if err != nil {
		return nil, err
	}
	return pipeline.Run(tables)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core)
}
