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

var _ repository.BatchRequestRepository = (*batchRequestRepo)(nil)

type batchRequestRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewBatchRequestRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *batchRequestRepo {
	return &batchRequestRepo{pool: pool, tm: tm}
}

const requestColumns = `request_id, created_at, operation_type, correlation_id, system_prompt,
user_prompt, model, max_tokens, temperature, json_mode, priority, status, job_id,
result_payload, error, updated_at`

func (r *batchRequestRepo) Save(ctx context.Context, tx repository.Tx, req *model.BatchRequest) error {
	req.UpdatedAt = time.Now()
	const q = `
INSERT INTO batch_requests (request_id, created_at, operation_type, correlation_id, system_prompt,
  user_prompt, model, max_tokens, temperature, json_mode, priority, status, job_id,
  result_payload, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (request_id) DO UPDATE SET
  status = EXCLUDED.status,
  job_id = EXCLUDED.job_id,
  result_payload = EXCLUDED.result_payload,
  error = EXCLUDED.error,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		req.RequestID, req.CreatedAt, string(req.OperationType), req.CorrelationID, req.SystemPrompt,
		req.UserPrompt, req.Model, req.MaxTokens, req.Temperature, req.JSONMode, req.Priority,
		string(req.Status), req.JobID, req.ResultPayload, req.Error, req.UpdatedAt)
	return err
}

func (r *batchRequestRepo) FindByID(ctx context.Context, tx repository.Tx, requestID string) (*model.BatchRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM batch_requests WHERE request_id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, requestID)
	if err != nil {
		return nil, err
	}
	return scanRequest(row)
}

func (r *batchRequestRepo) FindByCorrelation(ctx context.Context, tx repository.Tx, jobID, correlationID string) (*model.BatchRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM batch_requests WHERE job_id = $1 AND correlation_id = $2;`
	row, err := pickRow(ctx, r.pool, tx, q, jobID, correlationID)
	if err != nil {
		return nil, err
	}
	return scanRequest(row)
}

func (r *batchRequestRepo) ListByJob(ctx context.Context, tx repository.Tx, jobID string) ([]*model.BatchRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM batch_requests WHERE job_id = $1 ORDER BY priority, created_at;`
	rows, err := pickRows(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (r *batchRequestRepo) CountPending(ctx context.Context, tx repository.Tx) (int, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM batch_requests WHERE status = 'pending';`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *batchRequestRepo) OldestPendingAge(ctx context.Context, tx repository.Tx, now time.Time) (time.Duration, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT MIN(created_at) FROM batch_requests WHERE status = 'pending';`)
	if err != nil {
		return 0, err
	}
	var oldest *time.Time
	if err := row.Scan(&oldest); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest), nil
}

// DrainPending claims up to limit PENDING requests inside one transaction.
// SKIP LOCKED makes concurrent drains pick disjoint sets; the status flip to
// QUEUED inside the same transaction makes the claim permanent.
func (r *batchRequestRepo) DrainPending(ctx context.Context, limit int, jobID string) ([]*model.BatchRequest, error) {
	var drained []*model.BatchRequest

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		q := `SELECT ` + requestColumns + ` FROM batch_requests
WHERE status = 'pending'
ORDER BY priority, created_at
LIMIT $1
FOR UPDATE SKIP LOCKED;`

		rows, err := pickRows(ctx, r.pool, tx, q, limit)
		if err != nil {
			return err
		}
		reqs, err := scanRequests(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(reqs))
		now := time.Now()
		for _, req := range reqs {
			req.Status = model.BatchRequestStatusQueued
			req.JobID = jobID
			req.UpdatedAt = now
			ids = append(ids, req.RequestID)
		}
		const upd = `UPDATE batch_requests SET status = 'queued', job_id = $1, updated_at = $2 WHERE request_id = ANY($3);`
		if _, err := execSQL(ctx, r.pool, tx, upd, jobID, now, ids); err != nil {
			return err
		}
		drained = reqs
		return nil
	})
	return drained, err
}

func (r *batchRequestRepo) CascadeStatus(ctx context.Context, tx repository.Tx, jobID string, from, to model.BatchRequestStatus, errMsg string) (int, error) {
	const q = `
UPDATE batch_requests
SET status = $1, error = CASE WHEN $2 <> '' THEN $2 ELSE error END, updated_at = now()
WHERE job_id = $3 AND status = $4;`

	tag, err := execSQL(ctx, r.pool, tx, q, string(to), errMsg, jobID, string(from))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRequest(row pgx.Row) (*model.BatchRequest, error) {
	var req model.BatchRequest
	var op, status string
	err := row.Scan(
		&req.RequestID, &req.CreatedAt, &op, &req.CorrelationID, &req.SystemPrompt,
		&req.UserPrompt, &req.Model, &req.MaxTokens, &req.Temperature, &req.JSONMode,
		&req.Priority, &status, &req.JobID, &req.ResultPayload, &req.Error, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	req.OperationType = model.OperationType(op)
	req.Status = model.BatchRequestStatus(status)
	return &req, nil
}

func scanRequests(rows pgx.Rows) ([]*model.BatchRequest, error) {
	var out []*model.BatchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
