package attendance

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/fuzzy"
)

// Options configures one reconciliation run.
type Options struct {
	FormatUserNames     bool
	CheckUserName       bool
	UserNameSimilarity  float64
	Strategy            fuzzy.Strategy
	CheckTimeSlot       bool
	EventStart          Clock
	EventEnd            Clock
	IgnoreInactiveUsers bool
	OverallUptime       bool
	Location            *time.Location
	Columns             Columns
	TimestampLayouts    []string
}

// DefaultOptions returns the settings the service ships with.
func DefaultOptions() Options {
	return Options{
		FormatUserNames:     true,
		CheckUserName:       true,
		UserNameSimilarity:  0.9,
		Strategy:            fuzzy.DefaultIdentityStrategy,
		CheckTimeSlot:       true,
		EventStart:          MustClock("09:00"),
		EventEnd:            MustClock("18:00"),
		IgnoreInactiveUsers: true,
		Location:            time.UTC,
		Columns:             DefaultColumns(),
		TimestampLayouts:    DefaultTimestampLayouts,
	}
}

// Window returns the event window described by o.
func (o Options) Window() Window {
	return Window{Start: o.EventStart, End: o.EventEnd, Loc: o.Location}
}

// Validate rejects option sets a run must not proceed with.
func (o Options) Validate() error {
	if err := o.Window().Validate(); err != nil {
		return fmt.Errorf("%w (%s-%s)", err, o.EventStart, o.EventEnd)
	}
	if o.CheckUserName {
		if o.UserNameSimilarity < 0 || o.UserNameSimilarity > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidThreshold, o.UserNameSimilarity)
		}
		if _, err := o.Strategy.Score("", ""); err != nil {
			return err
		}
	}
	return nil
}

// SourceReport describes what a run did with one input table.
type SourceReport struct {
	NormalizeReport
	Active int    `json:"active"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	Table      Table          `json:"table"`
	Sources    []SourceReport `json:"sources"`
	Identities IdentityMap    `json:"-"`
}

// Warnings lists the recoverable failures of the run, one line per source.
func (r Result) Warnings() []string {
	var out []string
	for _, s := range r.Sources {
		switch {
		case s.Error != "":
			out = append(out, fmt.Sprintf("%s: skipped: %s", s.Source, s.Error))
		case s.DroppedRows > 0:
			out = append(out, fmt.Sprintf("%s: dropped %d of %d rows", s.Source, s.DroppedRows, s.Rows))
		}
	}
	return out
}

// Losses counts the skipped sources and the dropped rows of the run.
func (r Result) Losses() (sources, rows int) {
	for _, s := range r.Sources {
		if s.Error != "" {
			sources++
		}
		rows += s.DroppedRows
	}
	return sources, rows
}

// Mode returns the table shape selected by OverallUptime.
func (o Options) Mode() Mode {
	if o.OverallUptime {
		return ModeOverall
	}
	return ModePerDate
}

// Pipeline runs the reconciliation stages in order: normalize, filter inactive
// users per table, concatenate, format names, reconcile identities, fit the
// event window, dedup, aggregate.
type Pipeline struct {
	opts       Options
	normalizer *Normalizer
	logger     *zap.Logger
}

// NewPipeline validates opts and builds a pipeline.
func NewPipeline(opts Options, logger *zap.Logger) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Pipeline{
		opts:       opts,
		normalizer: NewNormalizer(opts.Columns, opts.TimestampLayouts, opts.Location, logger),
		logger:     logger,
	}, nil
}

// Options returns the options the pipeline was built with.
func (p *Pipeline) Options() Options { return p.opts }

// Run reconciles tables into an attendance table. A table that cannot be
// normalized is reported and skipped; the other tables are still processed.
func (p *Pipeline) Run(tables []RawTable) (*Result, error) {
	p.logger.Info("fetching attendance list", zap.Int("sources", len(tables)))
	result := &Result{Sources: make([]SourceReport, 0, len(tables))}

	var records []Record
	for _, t := range tables {
		recs, report, err := p.normalizer.Normalize(t)
		src := SourceReport{NormalizeReport: report}
		if err != nil {
			p.logger.Error("skipping attendance log", zap.String("source", t.Source), zap.Error(err))
			src.Error = err.Error()
			result.Sources = append(result.Sources, src)
			continue
		}
		if report.DroppedRows > 0 {
			p.logger.Warn("dropped malformed rows",
				zap.String("source", t.Source),
				zap.Int("dropped", report.DroppedRows),
				zap.Int("rows", report.Rows),
			)
		}
		active := FilterActive(recs, p.opts.IgnoreInactiveUsers)
		src.Active = len(UserNames(active))
		result.Sources = append(result.Sources, src)
		records = append(records, active...)
	}

	if p.opts.FormatUserNames {
		for i := range records {
			records[i].User = FormatUserName(records[i].User)
		}
	}

	if p.opts.CheckUserName {
		ids, err := ReconcileIdentities(UserNames(records), p.opts.UserNameSimilarity, p.opts.Strategy)
		if err != nil {
			return nil, fmt.Errorf("reconcile identities: %w", err)
		}
		records = ids.Apply(records)
		result.Identities = ids
		p.logger.Debug("reconciled identities", zap.Int("names", len(ids)), zap.Int("canonical", len(UserNames(records))))
	}

	w := p.opts.Window()
	if p.opts.CheckTimeSlot {
		records = ReconcileWindow(records, w)
	}
	records = Dedup(records)

	mode := p.opts.Mode()
	result.Table = Aggregate(records, w, mode)
	p.logger.Info("attendance list ready", zap.String("mode", string(mode)), zap.Int("rows", len(result.Table.Rows)))
	return result, nil
}
