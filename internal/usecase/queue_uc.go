// File: internal/usecase/queue_uc.go
package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
	"email-triage-pipeline/internal/infra/metrics"
)

// Compile-time check
var _ QueueUseCase = (*queueUC)(nil)

// EnqueueInput carries one AI call to be accumulated for bulk submission.
type EnqueueInput struct {
	OperationType model.OperationType
	CorrelationID string
	SystemPrompt  string
	UserPrompt    string
	Model         string
	MaxTokens     int
	Temperature   float64
	JSONMode      bool
	Priority      int // 0 means PriorityNormal
}

type QueueUseCase interface {
	Enqueue(ctx context.Context, in EnqueueInput) (*model.BatchRequest, error)
	// ShouldFlush decides whether the accumulated pool warrants a job right
	// now and names the trigger that fired.
	ShouldFlush(ctx context.Context, now time.Time) (ok bool, trigger string, err error)
	PendingDepth(ctx context.Context) (int, error)
	GetRequest(ctx context.Context, requestID string) (*model.BatchRequest, error)
}

type queueUC struct {
	requests repository.BatchRequestRepository
	cfg      config.BatchConfig
	log      *zerolog.Logger
}

func NewQueueUseCase(requests repository.BatchRequestRepository, cfg config.BatchConfig, log *zerolog.Logger) *queueUC {
	return &queueUC{requests: requests, cfg: cfg, log: log}
}

func (q *queueUC) Enqueue(ctx context.Context, in EnqueueInput) (*model.BatchRequest, error) {
	if err := validateEnqueue(in); err != nil {
		return nil, err
	}
	req := model.NewBatchRequest(in.OperationType, in.CorrelationID, in.SystemPrompt, in.UserPrompt, in.Model)
	req.MaxTokens = in.MaxTokens
	req.Temperature = in.Temperature
	req.JSONMode = in.JSONMode
	if in.Priority != 0 {
		req.Priority = in.Priority
	}
	if err := q.requests.Save(ctx, nil, req); err != nil {
		return nil, err
	}
	metrics.IncEnqueued(string(req.OperationType))
	q.log.Debug().Str("request_id", req.RequestID).Str("op", string(req.OperationType)).
		Str("correlation_id", req.CorrelationID).Msg("request enqueued")
	return req, nil
}

func validateEnqueue(in EnqueueInput) error {
	if !in.OperationType.Valid() {
		return &domain.ValidationError{Field: "operation_type", Reason: "unknown value"}
	}
	if strings.TrimSpace(in.CorrelationID) == "" {
		return &domain.ValidationError{Field: "correlation_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.UserPrompt) == "" {
		return &domain.ValidationError{Field: "user_prompt", Reason: "is required"}
	}
	if strings.TrimSpace(in.Model) == "" {
		return &domain.ValidationError{Field: "model", Reason: "is required"}
	}
	if in.Priority < 0 || in.Priority > model.PriorityLow {
		return &domain.ValidationError{Field: "priority", Reason: "out of range"}
	}
	return nil
}

// ShouldFlush fires on three triggers, checked in order: the pool hit the
// forced-flush ceiling, the oldest request waited past MaxWait, or the pool
// cleared the floor during a preferred submission hour. Only the floor
// trigger is gated on submit hours; the other two override the schedule.
func (q *queueUC) ShouldFlush(ctx context.Context, now time.Time) (bool, string, error) {
	n, err := q.requests.CountPending(ctx, nil)
	if err != nil {
		return false, "", err
	}
	metrics.SetQueueDepth(n)
	if n == 0 {
		return false, "", nil
	}
	if n >= q.cfg.MaxBatchSize {
		return true, "max_batch_size", nil
	}
	age, err := q.requests.OldestPendingAge(ctx, nil, now)
	if err != nil {
		return false, "", err
	}
	if age >= q.cfg.MaxWait {
		return true, "max_wait", nil
	}
	if n >= q.cfg.MinBatchSize && q.withinSubmitHours(now) {
		return true, "min_batch_size", nil
	}
	return false, "", nil
}

func (q *queueUC) withinSubmitHours(now time.Time) bool {
	if len(q.cfg.SubmitHours) == 0 {
		return true
	}
	h := now.Hour()
	for _, sh := range q.cfg.SubmitHours {
		if sh == h {
			return true
		}
	}
	return false
}

func (q *queueUC) PendingDepth(ctx context.Context) (int, error) {
	return q.requests.CountPending(ctx, nil)
}

func (q *queueUC) GetRequest(ctx context.Context, requestID string) (*model.BatchRequest, error) {
	return q.requests.FindByID(ctx, nil, requestID)
}
