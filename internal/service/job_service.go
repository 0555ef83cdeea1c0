package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"ai-worker/internal/entity"
)

// Small publishing port so the admin API does not depend on RabbitMQ.
type JobQueue interface {
	Publish(ctx context.Context, body []byte, messageID string) error
}

type JobService struct {
	queue JobQueue
}

func NewJobService(queue JobQueue) *JobService {
	return &JobService{queue: queue}
}

type CreateJobRequest struct {
	JobID      string
	SourceFile string
	SourceLang string
	TargetLang string
	Duration   int64
	UserID     string
}

// CreateJob validates the descriptor and publishes it in the same shape the
// api-gateway uses. A job id is generated when none is given.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	job := entity.JobDescriptor{
		JobID:      req.JobID,
		SourceFile: req.SourceFile,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Duration:   req.Duration,
		UserID:     req.UserID,
	}
	if err := job.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := s.queue.Publish(ctx, body, job.JobID); err != nil {
		return "", err
	}
	return job.JobID, nil
}
