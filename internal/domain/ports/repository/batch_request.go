package repository

import (
	"context"
	"time"

	"email-triage-pipeline/internal/domain/model"
)

type BatchRequestRepository interface {
	Save(ctx context.Context, tx Tx, req *model.BatchRequest) error
	FindByID(ctx context.Context, tx Tx, requestID string) (*model.BatchRequest, error)
	// FindByCorrelation resolves a result line back to its request within a job.
	FindByCorrelation(ctx context.Context, tx Tx, jobID, correlationID string) (*model.BatchRequest, error)
	ListByJob(ctx context.Context, tx Tx, jobID string) ([]*model.BatchRequest, error)
	CountPending(ctx context.Context, tx Tx) (int, error)
	OldestPendingAge(ctx context.Context, tx Tx, now time.Time) (time.Duration, error)
	// DrainPending atomically claims up to limit PENDING requests ordered by
	// (priority ASC, created_at ASC), marks them QUEUED and stamps jobID.
	// A request drained once is never returned again.
	DrainPending(ctx context.Context, limit int, jobID string) ([]*model.BatchRequest, error)
	// CascadeStatus moves every member of jobID currently in `from` to `to`,
	// recording errMsg when `to` is the error state. Terminal rows are never touched.
	CascadeStatus(ctx context.Context, tx Tx, jobID string, from, to model.BatchRequestStatus, errMsg string) (int, error)
}
