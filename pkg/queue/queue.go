package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueExports is the Redis list key for prediction export upload jobs.
	QueueExports = "worker:exports"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second

	// exportStatusPrefix keys per-export status entries.
	exportStatusPrefix = "export:status:"
	// exportStatusTTL bounds how long a finished export status stays around.
	exportStatusTTL = 24 * time.Hour
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeExportUpload JobType = "export_upload"
)

// ExportStatus is the lifecycle of an export job.
type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportDone    ExportStatus = "done"
	ExportFailed  ExportStatus = "failed"
)

// ExportUploadPayload is the payload for export upload jobs. The CSV body
// is rendered by the API process; the worker only ships it to storage.
type ExportUploadPayload struct {
	ExportID   string `json:"export_id"`
	RoomID     string `json:"room_id"`
	QuestionID string `json:"question_id,omitempty"`
	Filename   string `json:"filename"`
	CSV        string `json:"csv"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueExportUpload enqueues an export upload job and marks the export
// pending.
func (q *Queue) EnqueueExportUpload(ctx context.Context, payload ExportUploadPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeExportUpload,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.SetExportStatus(ctx, payload.ExportID, ExportPending, ""); err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueExports, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued export upload job", zap.String("job_id", job.ID), zap.String("export_id", payload.ExportID))
	return nil
}

// SetExportStatus records the export's lifecycle state. detail carries the
// download URL on success or the error message on failure.
func (q *Queue) SetExportStatus(ctx context.Context, exportID string, status ExportStatus, detail string) error {
	val, err := json.Marshal(map[string]string{"status": string(status), "detail": detail})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := q.client.Set(ctx, exportStatusPrefix+exportID, val, exportStatusTTL).Err(); err != nil {
		return fmt.Errorf("set export status: %w", err)
	}
	return nil
}

// ExportStatus returns the export's recorded state and detail. ok=false
// means the export is unknown or its status has expired.
func (q *Queue) ExportStatus(ctx context.Context, exportID string) (ExportStatus, string, bool, error) {
	raw, err := q.client.Get(ctx, exportStatusPrefix+exportID).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get export status: %w", err)
	}
	var v struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", "", false, fmt.Errorf("decode export status: %w", err)
	}
	return ExportStatus(v.Status), v.Detail, true, nil
}

// Dequeue blocks until a job is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueExports).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries,
// pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueExports, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
