package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/consensio/backend/pkg/queue"
	"github.com/consensio/backend/pkg/storage"
)

// ExportProcessor processes export upload jobs: ship the rendered CSV to
// S3, presign a download URL and record it in the export status.
type ExportProcessor struct {
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewExportProcessor creates an export upload processor.
func NewExportProcessor(s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{s3: s3, queue: q, logger: logger}
}

// Process executes one export upload job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeExportUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ExportUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	key := storage.ExportKey(payload.ExportID, payload.Filename)
	if err := p.s3.UploadExport(ctx, key, "text/csv", strings.NewReader(payload.CSV)); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	url, err := p.s3.PresignExportDownload(ctx, key)
	if err != nil {
		return fmt.Errorf("presign: %w", err)
	}
	if err := p.queue.SetExportStatus(ctx, payload.ExportID, queue.ExportDone, url); err != nil {
		return fmt.Errorf("record status: %w", err)
	}

	p.logger.Info("export upload completed", zap.String("export_id", payload.ExportID), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("export worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			p.markFailed(ctx, job, err)
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}

// markFailed records a terminal failure once the job is out of retries.
func (p *ExportProcessor) markFailed(ctx context.Context, job *queue.Job, cause error) {
	if job.Attempt+1 < queue.MaxRetries {
		return
	}
	var payload queue.ExportUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}
	if err := p.queue.SetExportStatus(ctx, payload.ExportID, queue.ExportFailed, cause.Error()); err != nil {
		p.logger.Error("record failure status failed", zap.Error(err))
	}
}
