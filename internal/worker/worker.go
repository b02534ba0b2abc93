package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/logfile"
	"github.com/aura-webinar/attendance/internal/metrics"
	"github.com/aura-webinar/attendance/pkg/queue"
	"github.com/aura-webinar/attendance/pkg/storage"
)

const fetchConcurrency = 4

// ErrNoLogs is returned when a prefix holds no attendance logs.
var ErrNoLogs = errors.New("no attendance logs under prefix")

// ObjectStore is the slice of storage.S3 the processor needs.
type ObjectStore interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// JobQueue is the slice of queue.Queue the processor needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// ReconcileProcessor processes reconcile jobs: read every log under an S3 prefix,
// run the pipeline and upload the attendance CSV to the job's output key.
type ReconcileProcessor struct {
	store   ObjectStore
	queue   JobQueue
	reader  *logfile.Reader
	writer  *logfile.Writer
	opts    attendance.Options
	logger  *zap.Logger
	backoff time.Duration
}

// NewReconcileProcessor creates a reconcile processor. opts carries the
// configured event; each job overrides the aggregation flags.
func NewReconcileProcessor(store ObjectStore, q JobQueue, reader *logfile.Reader, writer *logfile.Writer, opts attendance.Options, logger *zap.Logger) *ReconcileProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileProcessor{
		store:   store,
		queue:   q,
		reader:  reader,
		writer:  writer,
		opts:    opts,
		logger:  logger,
		backoff: queue.RetryBackoff,
	}
}

// Process executes one reconcile job.
func (p *ReconcileProcessor) Process(ctx context.Context, job *queue.Job) (err error) {
	if job.Type != queue.JobTypeReconcile {
		return fmt.Errorf("%w: unknown job type %q", queue.ErrInvalidJob, job.Type)
	}
	payload, err := job.ReconcilePayload()
	if err != nil {
		return err
	}

	opts := p.opts
	opts.OverallUptime = payload.OverallUptime
	opts.IgnoreInactiveUsers = payload.IgnoreInactiveUsers

	started := time.Now()
	var result *attendance.Result
	defer func() {
		var skipped, dropped int
		if result != nil {
			skipped, dropped = result.Losses()
		}
		metrics.RecordRun("worker", string(opts.Mode()), started, err, skipped, dropped)
	}()

	tables, err := p.fetch(ctx, payload.Prefix)
	if err != nil {
		return err
	}
	pipeline, err := attendance.NewPipeline(opts, p.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidJob, err)
	}
	if result, err = pipeline.Run(tables); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, w := range result.Warnings() {
		p.logger.Warn("reconcile source", zap.String("job_id", job.ID), zap.String("warning", w))
	}

	var buf bytes.Buffer
	if err := p.writer.WriteTable(&buf, result.Table); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	url, err := p.store.Upload(ctx, payload.OutputKey, p.writer.ContentType(), &buf)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("reconcile job completed",
		zap.String("job_id", job.ID),
		zap.String("prefix", payload.Prefix),
		zap.Int("sources", len(tables)),
		zap.Int("attendees", result.Table.Attendees()),
		zap.String("url", url),
	)
	return nil
}

// fetch reads every log under prefix, keeping listing order. A log that is too
// large or cannot be parsed is logged and skipped; any other store failure
// fails the job so it can be retried.
func (p *ReconcileProcessor) fetch(ctx context.Context, prefix string) ([]attendance.RawTable, error) {
	keys, err := p.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLogs, prefix)
	}

	tables := make([]*attendance.RawTable, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			body, err := p.store.GetObject(gctx, key)
			if errors.Is(err, storage.ErrObjectTooLarge) {
				p.logger.Error("skipping attendance log", zap.String("key", key), zap.Error(err))
				return nil
			}
			if err != nil {
				return err
			}
			defer body.Close()
			t, warnings, err := p.reader.Read(key, body)
			if err != nil {
				p.logger.Error("failed to read attendance log", zap.String("key", key), zap.Error(err))
				return nil
			}
			for _, w := range warnings {
				p.logger.Warn("attendance log row", zap.String("key", key), zap.Int("row", w.Row), zap.String("warning", w.Message))
			}
			tables[i] = &t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]attendance.RawTable, 0, len(tables))
	for _, t := range tables {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

// permanent reports whether retrying the job cannot help.
func permanent(err error) bool {
	return errors.Is(err, queue.ErrInvalidJob) || errors.Is(err, ErrNoLogs)
}

// Handle processes one job and settles it: done, retried, dead or invalid.
func (p *ReconcileProcessor) Handle(ctx context.Context, job *queue.Job) string {
	err := p.Process(ctx, job)
	status := "done"
	switch {
	case err == nil:
	case permanent(err):
		status = "invalid"
		p.logger.Error("job rejected", zap.String("job_id", job.ID), zap.Error(err))
	default:
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
		dead, reErr := p.queue.Retry(ctx, job)
		switch {
		case reErr != nil:
			p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
			status = "dead"
		case dead:
			status = "dead"
		default:
			status = "retried"
		}
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), status).Inc()
	return status
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReconcileProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconcile worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if p.Handle(ctx, job) == "retried" {
			p.sleep(ctx)
		}
	}
}

func (p *ReconcileProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
