package repository

import (
	"context"

	"email-triage-pipeline/internal/domain/model"
)

type BatchJobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.BatchJob) error
	FindByID(ctx context.Context, tx Tx, jobID string) (*model.BatchJob, error)
	// ListOpen returns jobs still awaiting a terminal resolution.
	ListOpen(ctx context.Context, tx Tx, limit int) ([]*model.BatchJob, error)
	ListRecent(ctx context.Context, tx Tx, limit int) ([]*model.BatchJob, error)
}
