// File: internal/usecase/batchjob_uc.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/adapter"
	"email-triage-pipeline/internal/domain/ports/repository"
	"email-triage-pipeline/internal/infra/metrics"
)

// Compile-time check
var _ BatchJobUseCase = (*batchJobUC)(nil)

// ResultApplier writes reconciled results back to the items a job was
// serving. Implemented by the analysis use case; an interface here keeps the
// job lifecycle ignorant of item semantics.
type ResultApplier interface {
	// ApplyResult carries the operation the request was enqueued for, so a
	// late line cannot be written into a different layer than it was meant
	// for.
	ApplyResult(ctx context.Context, correlationID string, op model.OperationType, content, errMsg string) error
	ReleaseStranded(ctx context.Context, jobID, reason string) error
}

type BatchJobUseCase interface {
	// FlushQueue drains the pending pool into one job and submits it when a
	// flush trigger fired. Returns nil without error when nothing is due.
	FlushQueue(ctx context.Context) (*model.BatchJob, error)
	// PollOpenJobs advances every non-terminal job one step.
	PollOpenJobs(ctx context.Context) error
	Poll(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*model.BatchJob, error)
	ListRecent(ctx context.Context, limit int) ([]*model.BatchJob, error)
}

type batchJobUC struct {
	queue    QueueUseCase
	requests repository.BatchRequestRepository
	jobs     repository.BatchJobRepository
	batch    adapter.BatchClient
	pricing  PricingUseCase
	applier  ResultApplier
	cfg      config.BatchConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewBatchJobUseCase(queue QueueUseCase, requests repository.BatchRequestRepository,
	jobs repository.BatchJobRepository, batch adapter.BatchClient, pricing PricingUseCase,
	applier ResultApplier, cfg config.BatchConfig, log *zerolog.Logger) *batchJobUC {
	return &batchJobUC{
		queue:    queue,
		requests: requests,
		jobs:     jobs,
		batch:    batch,
		pricing:  pricing,
		applier:  applier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (b *batchJobUC) FlushQueue(ctx context.Context) (*model.BatchJob, error) {
	ok, trigger, err := b.queue.ShouldFlush(ctx, b.now())
	if err != nil || !ok {
		return nil, err
	}

	limit := b.cfg.MaxBatchSize
	if b.cfg.ProviderJobLimit < limit {
		limit = b.cfg.ProviderJobLimit
	}
	jobID := model.NewJobID()
	reqs, err := b.requests.DrainPending(ctx, limit, jobID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	job := model.NewBatchJob(jobID, reqs)
	if est, err := b.pricing.EstimateBatchCost(ctx, reqs); err == nil {
		job.EstimatedCostMicros = est
	}
	if err := b.jobs.Save(ctx, nil, job); err != nil {
		return nil, err
	}

	payload, err := encodeBatchPayload(reqs)
	if err != nil {
		return job, b.failSubmission(ctx, job, fmt.Errorf("encode payload: %w", err))
	}
	fileID, err := b.batch.UploadPayload(ctx, payload, "batch")
	if err != nil {
		return job, b.failSubmission(ctx, job, &domain.TransportError{Op: "upload", Err: err})
	}
	job.ProviderInputFileID = fileID

	providerJobID, err := b.batch.CreateBatchJob(ctx, fileID, batchEndpoint, b.cfg.CompletionWindow)
	if err != nil {
		return job, b.failSubmission(ctx, job, &domain.TransportError{Op: "submit", Err: err})
	}

	job.ProviderJobID = providerJobID
	job.Status = model.BatchJobStatusSubmitted
	job.SubmittedAt = b.now()
	job.UpdatedAt = job.SubmittedAt
	if err := b.jobs.Save(ctx, nil, job); err != nil {
		return job, err
	}
	if _, err := b.requests.CascadeStatus(ctx, nil, job.JobID,
		model.BatchRequestStatusQueued, model.BatchRequestStatusProcessing, ""); err != nil {
		return job, err
	}

	metrics.IncJobSubmitted(string(job.PredominantOp))
	metrics.ObserveJobSize(job.RequestCount)
	b.log.Info().Str("job_id", job.JobID).Str("provider_job_id", providerJobID).
		Str("trigger", trigger).Int("requests", job.RequestCount).
		Int64("est_cost_micros", job.EstimatedCostMicros).Msg("batch job submitted")
	return job, nil
}

// failSubmission resolves a job that never reached the provider: members go
// back as errors and their items are released for retry.
func (b *batchJobUC) failSubmission(ctx context.Context, job *model.BatchJob, cause error) error {
	job.Status = model.BatchJobStatusFailed
	job.CompletedAt = b.now()
	job.UpdatedAt = job.CompletedAt
	if err := b.jobs.Save(ctx, nil, job); err != nil {
		return err
	}
	if _, err := b.requests.CascadeStatus(ctx, nil, job.JobID,
		model.BatchRequestStatusQueued, model.BatchRequestStatusError, cause.Error()); err != nil {
		return err
	}
	if err := b.applier.ReleaseStranded(ctx, job.JobID, cause.Error()); err != nil {
		b.log.Error().Err(err).Str("job_id", job.JobID).Msg("failed to release items of failed submission")
	}
	metrics.IncJobResolved(string(model.BatchJobStatusFailed))
	b.log.Error().Err(cause).Str("job_id", job.JobID).Msg("batch job submission failed")
	return cause
}

func (b *batchJobUC) PollOpenJobs(ctx context.Context) error {
	open, err := b.jobs.ListOpen(ctx, nil, 100)
	if err != nil {
		return err
	}
	for _, job := range open {
		if err := b.Poll(ctx, job.JobID); err != nil {
			b.log.Warn().Err(err).Str("job_id", job.JobID).Msg("job poll failed")
		}
	}
	return nil
}

func (b *batchJobUC) Poll(ctx context.Context, jobID string) error {
	job, err := b.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	// A job saved before the submit call completed has no provider handle;
	// the process died mid-submission and the members must be released.
	if job.ProviderJobID == "" {
		return b.failSubmission(ctx, job, fmt.Errorf("submission interrupted before provider accepted the job"))
	}

	state, err := b.batch.GetJobStatus(ctx, job.ProviderJobID)
	if err != nil {
		return &domain.TransportError{Op: "poll", Err: err}
	}
	job.ProviderRawStatus = state.Status

	switch state.Status {
	case "completed":
		job.OutputFileID = state.OutputFileID
		job.ErrorFileID = state.ErrorFileID
		return b.reconcile(ctx, job)
	case "failed":
		return b.resolveDead(ctx, job, model.BatchJobStatusFailed)
	case "expired":
		return b.resolveDead(ctx, job, model.BatchJobStatusExpired)
	case "cancelled", "cancelling":
		return b.resolveDead(ctx, job, model.BatchJobStatusCancelled)
	default:
		// validating | in_progress | finalizing
		job.Status = model.BatchJobStatusInProgress
		job.UpdatedAt = b.now()
		return b.jobs.Save(ctx, nil, job)
	}
}

// reconcile downloads a completed job's output, marks every member request
// with its result and pushes each result back to its item. Re-running it is
// a no-op: a job already COMPLETED returns immediately and member requests
// in a terminal state are never rewritten.
func (b *batchJobUC) reconcile(ctx context.Context, job *model.BatchJob) error {
	if job.Status == model.BatchJobStatusCompleted {
		return nil
	}

	results, malformed := b.downloadResults(ctx, job)
	if malformed > 0 {
		b.log.Warn().Str("job_id", job.JobID).Int("lines", malformed).
			Msg("malformed result lines skipped")
	}

	var completed, failed int
	for _, res := range results {
		req, err := b.requests.FindByCorrelation(ctx, nil, job.JobID, res.CorrelationID)
		if err != nil {
			metrics.IncReconcileMismatch()
			b.log.Warn().Str("job_id", job.JobID).Str("correlation_id", res.CorrelationID).
				Msg("result line matches no request, skipped")
			continue
		}
		if req.Status.Terminal() {
			continue
		}

		if res.ErrMsg != "" {
			req.Status = model.BatchRequestStatusError
			req.Error = res.ErrMsg
			failed++
		} else {
			req.Status = model.BatchRequestStatusCompleted
			req.ResultPayload = res.Content
			completed++
			if cost, err := b.pricing.CostOfUsage(ctx, req.Model, res.PromptTokens, res.CompletionTokens, true); err == nil {
				metrics.ObserveAIUsage(req.Model, "batch", res.PromptTokens, res.CompletionTokens, cost)
			}
		}
		req.UpdatedAt = b.now()
		if err := b.requests.Save(ctx, nil, req); err != nil {
			return err
		}
		if err := b.applier.ApplyResult(ctx, res.CorrelationID, req.OperationType, res.Content, res.ErrMsg); err != nil {
			b.log.Warn().Err(err).Str("correlation_id", res.CorrelationID).
				Msg("result write-back failed")
		}
	}

	// Members the provider returned no line for: errored and released so no
	// item strands, but kept out of the tally, which counts result lines only.
	if n, err := b.requests.CascadeStatus(ctx, nil, job.JobID,
		model.BatchRequestStatusProcessing, model.BatchRequestStatusError,
		"no result line returned"); err != nil {
		return err
	} else if n > 0 {
		b.log.Warn().Str("job_id", job.JobID).Int("requests", n).
			Msg("members without a result line errored")
		if err := b.applier.ReleaseStranded(ctx, job.JobID, "no result line returned"); err != nil {
			b.log.Error().Err(err).Str("job_id", job.JobID).Msg("failed to release unanswered items")
		}
	}

	job.Status = model.BatchJobStatusCompleted
	job.CompletedCount = completed
	job.FailedCount = failed
	job.CompletedAt = b.now()
	job.UpdatedAt = job.CompletedAt
	if err := b.jobs.Save(ctx, nil, job); err != nil {
		return err
	}
	metrics.IncJobResolved(string(model.BatchJobStatusCompleted))
	b.log.Info().Str("job_id", job.JobID).Int("completed", completed).Int("failed", failed).
		Msg("batch job reconciled")
	return nil
}

// downloadResults merges the output and error files; either may be absent.
func (b *batchJobUC) downloadResults(ctx context.Context, job *model.BatchJob) ([]batchResult, int) {
	var results []batchResult
	var malformed int
	for _, fileID := range []string{job.OutputFileID, job.ErrorFileID} {
		if fileID == "" {
			continue
		}
		data, err := b.batch.DownloadFile(ctx, fileID)
		if err != nil {
			b.log.Error().Err(err).Str("job_id", job.JobID).Str("file_id", fileID).
				Msg("result file download failed")
			continue
		}
		res, bad := decodeBatchResults(data)
		results = append(results, res...)
		malformed += bad
	}
	return results, malformed
}

// resolveDead handles a job the provider killed: the job record turns
// terminal, members become errors and their items go back to a retryable
// status. Member requests are not re-queued automatically.
func (b *batchJobUC) resolveDead(ctx context.Context, job *model.BatchJob, status model.BatchJobStatus) error {
	reason := fmt.Sprintf("batch job %s %s", job.JobID, status)
	job.Status = status
	job.CompletedAt = b.now()
	job.UpdatedAt = job.CompletedAt
	if err := b.jobs.Save(ctx, nil, job); err != nil {
		return err
	}
	for _, from := range []model.BatchRequestStatus{model.BatchRequestStatusQueued, model.BatchRequestStatusProcessing} {
		if _, err := b.requests.CascadeStatus(ctx, nil, job.JobID, from, model.BatchRequestStatusError, reason); err != nil {
			return err
		}
	}
	if err := b.applier.ReleaseStranded(ctx, job.JobID, reason); err != nil {
		b.log.Error().Err(err).Str("job_id", job.JobID).Msg("failed to release stranded items")
	}
	metrics.IncJobResolved(string(status))
	b.log.Warn().Str("job_id", job.JobID).Str("status", string(status)).
		Str("provider_status", job.ProviderRawStatus).Msg("batch job resolved dead")
	return nil
}

func (b *batchJobUC) Cancel(ctx context.Context, jobID string) error {
	job, err := b.jobs.FindByID(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	if job.ProviderJobID != "" {
		if err := b.batch.CancelBatchJob(ctx, job.ProviderJobID); err != nil {
			return &domain.TransportError{Op: "cancel", Err: err}
		}
	}
	return b.resolveDead(ctx, job, model.BatchJobStatusCancelled)
}

func (b *batchJobUC) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	return b.jobs.FindByID(ctx, nil, jobID)
}

func (b *batchJobUC) ListRecent(ctx context.Context, limit int) ([]*model.BatchJob, error) {
	return b.jobs.ListRecent(ctx, nil, limit)
}
