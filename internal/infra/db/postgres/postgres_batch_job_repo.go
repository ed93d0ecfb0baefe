package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
)

var _ repository.BatchJobRepository = (*batchJobRepo)(nil)

type batchJobRepo struct {
	pool *pgxpool.Pool
}

func NewBatchJobRepo(pool *pgxpool.Pool) *batchJobRepo {
	return &batchJobRepo{pool: pool}
}

const jobColumns = `job_id, provider_job_id, provider_input_file_id, submitted_at, completed_at,
predominant_op, request_count, status, provider_raw_status, output_file_id, error_file_id,
completed_count, failed_count, estimated_cost_micros, created_at, updated_at`

func (r *batchJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.BatchJob) error {
	job.UpdatedAt = time.Now()
	const q = `
INSERT INTO batch_jobs (job_id, provider_job_id, provider_input_file_id, submitted_at, completed_at,
  predominant_op, request_count, status, provider_raw_status, output_file_id, error_file_id,
  completed_count, failed_count, estimated_cost_micros, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (job_id) DO UPDATE SET
  provider_job_id = EXCLUDED.provider_job_id,
  provider_input_file_id = EXCLUDED.provider_input_file_id,
  submitted_at = EXCLUDED.submitted_at,
  completed_at = EXCLUDED.completed_at,
  status = EXCLUDED.status,
  provider_raw_status = EXCLUDED.provider_raw_status,
  output_file_id = EXCLUDED.output_file_id,
  error_file_id = EXCLUDED.error_file_id,
  completed_count = EXCLUDED.completed_count,
  failed_count = EXCLUDED.failed_count,
  estimated_cost_micros = EXCLUDED.estimated_cost_micros,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.JobID, job.ProviderJobID, job.ProviderInputFileID,
		nullableTime(job.SubmittedAt), nullableTime(job.CompletedAt),
		string(job.PredominantOp), job.RequestCount, string(job.Status), job.ProviderRawStatus,
		job.OutputFileID, job.ErrorFileID, job.CompletedCount, job.FailedCount,
		job.EstimatedCostMicros, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *batchJobRepo) FindByID(ctx context.Context, tx repository.Tx, jobID string) (*model.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs WHERE job_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *batchJobRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs
WHERE status IN ('uploading', 'submitted', 'in_progress')
ORDER BY created_at
LIMIT $1;`
	rows, err := pickRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *batchJobRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.BatchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM batch_jobs ORDER BY created_at DESC LIMIT $1;`
	rows, err := pickRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJob(row pgx.Row) (*model.BatchJob, error) {
	var job model.BatchJob
	var op, status string
	var submitted, completed *time.Time
	err := row.Scan(
		&job.JobID, &job.ProviderJobID, &job.ProviderInputFileID, &submitted, &completed,
		&op, &job.RequestCount, &status, &job.ProviderRawStatus,
		&job.OutputFileID, &job.ErrorFileID, &job.CompletedCount, &job.FailedCount,
		&job.EstimatedCostMicros, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	job.PredominantOp = model.OperationType(op)
	job.Status = model.BatchJobStatus(status)
	if submitted != nil {
		job.SubmittedAt = *submitted
	}
	if completed != nil {
		job.CompletedAt = *completed
	}
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*model.BatchJob, error) {
	var out []*model.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
