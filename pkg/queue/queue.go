package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueReconcile is the Redis list key for reconcile jobs.
	QueueReconcile = "worker:reconcile"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// dequeueTimeout bounds BLPOP so the worker notices shutdown.
	dequeueTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeReconcile JobType = "reconcile"
)

// ReconcilePayload asks the worker to reconcile every log under Prefix and
// upload the table to OutputKey.
type ReconcilePayload struct {
	Prefix              string    `json:"prefix"`
	OutputKey           string    `json:"output_key"`
	OverallUptime       bool      `json:"overall_uptime"`
	IgnoreInactiveUsers bool      `json:"ignore_inactive_users"`
	RequestedBy         uuid.UUID `json:"requested_by"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// ErrInvalidJob marks a queue entry that cannot be decoded.
var ErrInvalidJob = errors.New("invalid job payload")

// NewJob wraps payload in a fresh envelope.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodeJob parses a raw queue entry.
func DecodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.ID == "" || job.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidJob)
	}
	return &job, nil
}

// ReconcilePayload decodes the payload of a reconcile job.
func (j *Job) ReconcilePayload() (ReconcilePayload, error) {
	var p ReconcilePayload
	if j.Type != JobTypeReconcile {
		return p, fmt.Errorf("%w: type %q", ErrInvalidJob, j.Type)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if p.Prefix == "" || p.OutputKey == "" {
		return p, fmt.Errorf("%w: prefix and output_key are required", ErrInvalidJob)
	}
	return p, nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// EnqueueReconcile enqueues a reconcile job and returns its id.
func (q *Queue) EnqueueReconcile(ctx context.Context, payload ReconcilePayload) (string, error) {
	job, err := NewJob(JobTypeReconcile, payload)
	if err != nil {
		return "", err
	}
	if err := q.push(ctx, QueueReconcile, job); err != nil {
		return "", err
	}
	q.logger.Debug("enqueued reconcile job", zap.String("job_id", job.ID), zap.String("prefix", payload.Prefix))
	return job.ID, nil
}

// Dequeue blocks until a job is available, the poll times out or ctx is done.
// A nil job with a nil error means nothing was available.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueTimeout, QueueReconcile).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	job, err := DecodeJob(result[1])
	if err != nil {
		q.logger.Warn("dropping invalid job", zap.String("raw", result[1]), zap.Error(err))
		if pushErr := q.client.RPush(ctx, QueueDLQ, result[1]).Err(); pushErr != nil {
			q.logger.Error("dlq push failed", zap.Error(pushErr))
		}
		return nil, nil
	}
	return job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
// It reports whether the job went to the DLQ.
func (q *Queue) Retry(ctx context.Context, job *Job) (bool, error) {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		if err := q.push(ctx, QueueDLQ, job); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	if err := q.push(ctx, QueueReconcile, job); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}
