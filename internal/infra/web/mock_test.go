//go:build !integration

package web

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/usecase"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type fakeAnalysisUC struct {
	items map[string]*model.Item
}

func newFakeAnalysisUC() *fakeAnalysisUC {
	return &fakeAnalysisUC{items: make(map[string]*model.Item)}
}

func (f *fakeAnalysisUC) Ingest(ctx context.Context, sender, subject, body string, receivedAt time.Time) (*model.Item, error) {
	it := model.NewItem(uuid.NewString(), sender, subject, body, receivedAt)
	f.items[it.ID] = it
	return it, nil
}

func (f *fakeAnalysisUC) ProcessNew(ctx context.Context) error            { return nil }
func (f *fakeAnalysisUC) ProcessBacklog(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeAnalysisUC) ApplyResult(ctx context.Context, correlationID string, op model.OperationType, content, errMsg string) error {
	return nil
}
func (f *fakeAnalysisUC) ReleaseStranded(ctx context.Context, jobID, reason string) error {
	return nil
}

func (f *fakeAnalysisUC) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return it, nil
}

func (f *fakeAnalysisUC) Counts(ctx context.Context) (map[model.ItemStatus]int, error) {
	out := make(map[model.ItemStatus]int)
	for _, it := range f.items {
		out[it.Status]++
	}
	return out, nil
}

type fakeQueueUC struct {
	depth int
}

func (f *fakeQueueUC) Enqueue(ctx context.Context, in usecase.EnqueueInput) (*model.BatchRequest, error) {
	return nil, nil
}
func (f *fakeQueueUC) ShouldFlush(ctx context.Context, now time.Time) (bool, string, error) {
	return false, "", nil
}
func (f *fakeQueueUC) PendingDepth(ctx context.Context) (int, error) { return f.depth, nil }
func (f *fakeQueueUC) GetRequest(ctx context.Context, requestID string) (*model.BatchRequest, error) {
	return nil, domain.ErrNotFound
}

type fakeBatchUC struct {
	jobs      map[string]*model.BatchJob
	flushNext *model.BatchJob
	cancelled []string
}

func newFakeBatchUC() *fakeBatchUC {
	return &fakeBatchUC{jobs: make(map[string]*model.BatchJob)}
}

func (f *fakeBatchUC) FlushQueue(ctx context.Context) (*model.BatchJob, error) {
	return f.flushNext, nil
}
func (f *fakeBatchUC) PollOpenJobs(ctx context.Context) error       { return nil }
func (f *fakeBatchUC) Poll(ctx context.Context, jobID string) error { return nil }

func (f *fakeBatchUC) Cancel(ctx context.Context, jobID string) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalState
	}
	job.Status = model.BatchJobStatusCancelled
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeBatchUC) GetJob(ctx context.Context, jobID string) (*model.BatchJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeBatchUC) ListRecent(ctx context.Context, limit int) ([]*model.BatchJob, error) {
	var out []*model.BatchJob
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakePricingUC struct {
	rows map[string]*model.ModelPricing
}

func newFakePricingUC() *fakePricingUC {
	return &fakePricingUC{rows: make(map[string]*model.ModelPricing)}
}

func (f *fakePricingUC) EstimateBatchCost(ctx context.Context, reqs []*model.BatchRequest) (int64, error) {
	return 0, nil
}
func (f *fakePricingUC) CostOfUsage(ctx context.Context, modelName string, promptTokens, completionTokens int, batched bool) (int64, error) {
	return 0, nil
}
func (f *fakePricingUC) SetPricing(ctx context.Context, p *model.ModelPricing) error {
	f.rows[p.ModelName] = p
	return nil
}
func (f *fakePricingUC) ListPricing(ctx context.Context) ([]*model.ModelPricing, error) {
	var out []*model.ModelPricing
	for _, p := range f.rows {
		out = append(out, p)
	}
	return out, nil
}
