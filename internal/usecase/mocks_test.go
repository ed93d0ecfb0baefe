//go:build !integration

package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/adapter"
	"email-triage-pipeline/internal/domain/ports/repository"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// --- in-memory item repository ---

type memItemRepo struct {
	mu    sync.Mutex
	items map[string]*model.Item
	// set by tests that exercise ListInFlightByJob
	requests *memRequestRepo
}

func newMemItemRepo() *memItemRepo {
	return &memItemRepo{items: make(map[string]*model.Item)}
}

func copyItem(it *model.Item) *model.Item {
	cp := *it
	return &cp
}

func (r *memItemRepo) Append(ctx context.Context, tx repository.Tx, it *model.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.items[it.ID] = copyItem(it)
	return nil
}

func (r *memItemRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyItem(it), nil
}

func (r *memItemRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.ItemStatus, limit int) ([]*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Item
	for _, it := range r.items {
		if it.Status == status && len(out) < limit {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memItemRepo) ListStale(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*model.Item
	for _, it := range r.items {
		if !it.Status.Terminal() && it.UpdatedAt.Before(cutoff) && it.LeaseExpired(now) && len(out) < limit {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memItemRepo) ListInFlightByJob(ctx context.Context, tx repository.Tx, jobID string) ([]*model.Item, error) {
	if r.requests == nil {
		return nil, nil
	}
	members := r.requests.byJob(jobID)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Item
	for _, req := range members {
		if it, ok := r.items[req.CorrelationID]; ok && it.BatchInFlight {
			out = append(out, copyItem(it))
		}
	}
	return out, nil
}

func (r *memItemRepo) Update(ctx context.Context, tx repository.Tx, id string, upd repository.ItemUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if upd.Status != nil {
		it.Status = *upd.Status
	}
	if upd.BatchInFlight != nil {
		it.BatchInFlight = *upd.BatchInFlight
	}
	if upd.L0 != nil {
		it.L0 = upd.L0
	}
	if upd.L1 != nil {
		it.L1 = upd.L1
	}
	if upd.L2 != nil {
		it.L2 = upd.L2
	}
	if upd.L3 != nil {
		it.L3 = upd.L3
	}
	if upd.LastError != nil {
		it.LastError = *upd.LastError
	}
	if upd.LeaseOwner != nil {
		it.LeaseOwner = *upd.LeaseOwner
	}
	if upd.LeaseExpires != nil {
		it.LeaseExpiresAt = *upd.LeaseExpires
	}
	it.UpdatedAt = time.Now()
	return nil
}

func (r *memItemRepo) Claim(ctx context.Context, tx repository.Tx, id string, from, to model.ItemStatus, owner string, leaseUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if it.Status != from {
		return domain.ErrAlreadyClaimed
	}
	if it.LeaseOwner != "" && it.LeaseOwner != owner && !it.LeaseExpired(time.Now()) {
		return domain.ErrAlreadyClaimed
	}
	it.Status = to
	it.LeaseOwner = owner
	it.LeaseExpiresAt = leaseUntil
	it.UpdatedAt = time.Now()
	return nil
}

func (r *memItemRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.ItemStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.ItemStatus]int)
	for _, it := range r.items {
		out[it.Status]++
	}
	return out, nil
}

// --- in-memory batch request repository ---

type memRequestRepo struct {
	mu   sync.Mutex
	reqs map[string]*model.BatchRequest
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{reqs: make(map[string]*model.BatchRequest)}
}

func copyRequest(req *model.BatchRequest) *model.BatchRequest {
	cp := *req
	return &cp
}

func (r *memRequestRepo) byJob(jobID string) []*model.BatchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BatchRequest
	for _, req := range r.reqs {
		if req.JobID == jobID {
			out = append(out, copyRequest(req))
		}
	}
	return out
}

func (r *memRequestRepo) Save(ctx context.Context, tx repository.Tx, req *model.BatchRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs[req.RequestID] = copyRequest(req)
	return nil
}

func (r *memRequestRepo) FindByID(ctx context.Context, tx repository.Tx, requestID string) (*model.BatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyRequest(req), nil
}

func (r *memRequestRepo) FindByCorrelation(ctx context.Context, tx repository.Tx, jobID, correlationID string) (*model.BatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.reqs {
		if req.JobID == jobID && req.CorrelationID == correlationID {
			return copyRequest(req), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRequestRepo) ListByJob(ctx context.Context, tx repository.Tx, jobID string) ([]*model.BatchRequest, error) {
	return r.byJob(jobID), nil
}

func (r *memRequestRepo) CountPending(ctx context.Context, tx repository.Tx) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.reqs {
		if req.Status == model.BatchRequestStatusPending {
			n++
		}
	}
	return n, nil
}

func (r *memRequestRepo) OldestPendingAge(ctx context.Context, tx repository.Tx, now time.Time) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest time.Time
	for _, req := range r.reqs {
		if req.Status != model.BatchRequestStatusPending {
			continue
		}
		if oldest.IsZero() || req.CreatedAt.Before(oldest) {
			oldest = req.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

func (r *memRequestRepo) DrainPending(ctx context.Context, limit int, jobID string) ([]*model.BatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*model.BatchRequest
	for _, req := range r.reqs {
		if req.Status == model.BatchRequestStatusPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*model.BatchRequest, 0, len(pending))
	for _, req := range pending {
		req.Status = model.BatchRequestStatusQueued
		req.JobID = jobID
		req.UpdatedAt = time.Now()
		out = append(out, copyRequest(req))
	}
	return out, nil
}

func (r *memRequestRepo) CascadeStatus(ctx context.Context, tx repository.Tx, jobID string, from, to model.BatchRequestStatus, errMsg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.reqs {
		if req.JobID != jobID || req.Status != from || req.Status.Terminal() {
			continue
		}
		req.Status = to
		if to == model.BatchRequestStatusError && errMsg != "" {
			req.Error = errMsg
		}
		req.UpdatedAt = time.Now()
		n++
	}
	return n, nil
}

// --- in-memory batch job repository ---

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.BatchJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.BatchJob)}
}

func (r *memJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.BatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.JobID] = &cp
	return nil
}

func (r *memJobRepo) FindByID(ctx context.Context, tx repository.Tx, jobID string) (*model.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BatchJob
	for _, job := range r.jobs {
		if !job.Status.Terminal() && len(out) < limit {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

func (r *memJobRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.BatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BatchJob
	for _, job := range r.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID > out[j].JobID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- in-memory pricing repository ---

type memPricingRepo struct {
	mu      sync.Mutex
	pricing map[string]*model.ModelPricing
}

func newMemPricingRepo() *memPricingRepo {
	return &memPricingRepo{pricing: make(map[string]*model.ModelPricing)}
}

func (r *memPricingRepo) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pricing[p.ModelName]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *p
	r.pricing[p.ModelName] = &cp
	return nil
}

func (r *memPricingRepo) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.pricing[p.ModelName] = &cp
	return nil
}

func (r *memPricingRepo) GetByModelName(ctx context.Context, tx repository.Tx, modelName string) (*model.ModelPricing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pricing[modelName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPricingRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ModelPricing
	for _, p := range r.pricing {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- fake AI clients ---

type fakeCompletion struct {
	mu    sync.Mutex
	calls []fakeCall
	// reply decides the response; defaults to a fixed layer document
	reply func(systemPrompt, userPrompt string, params adapter.CompletionParams) (*adapter.Completion, error)
}

type fakeCall struct {
	SystemPrompt string
	UserPrompt   string
	Params       adapter.CompletionParams
}

func (f *fakeCompletion) Complete(ctx context.Context, systemPrompt, userPrompt string, params adapter.CompletionParams) (*adapter.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt, Params: params})
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(systemPrompt, userPrompt, params)
	}
	return &adapter.Completion{Content: `{"tags":["misc"],"synthesis":"ok","scores":{"urgency":0.1}}`}, nil
}

func (f *fakeCompletion) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeBatchClient simulates the provider's bulk API in memory.
type fakeBatchClient struct {
	mu        sync.Mutex
	uploads   map[string][]byte // fileID -> payload
	files     map[string][]byte // downloadable files
	states    map[string]*adapter.BatchJobState
	nextFile  int
	nextJob   int
	uploadErr error
	createErr error
	cancelled []string
}

func newFakeBatchClient() *fakeBatchClient {
	return &fakeBatchClient{
		uploads: make(map[string][]byte),
		files:   make(map[string][]byte),
		states:  make(map[string]*adapter.BatchJobState),
	}
}

func (f *fakeBatchClient) UploadPayload(ctx context.Context, payload []byte, purpose string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextFile++
	id := fmt.Sprintf("file-%d", f.nextFile)
	f.uploads[id] = payload
	return id, nil
}

func (f *fakeBatchClient) CreateBatchJob(ctx context.Context, inputFileID, endpoint string, completionWindow time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextJob++
	id := fmt.Sprintf("prov-%d", f.nextJob)
	f.states[id] = &adapter.BatchJobState{Status: "in_progress"}
	return id, nil
}

func (f *fakeBatchClient) GetJobStatus(ctx context.Context, providerJobID string) (*adapter.BatchJobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[providerJobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeBatchClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[fileID], nil
}

func (f *fakeBatchClient) CancelBatchJob(ctx context.Context, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, providerJobID)
	return nil
}

func (f *fakeBatchClient) setState(providerJobID string, st *adapter.BatchJobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[providerJobID] = st
}

func (f *fakeBatchClient) setFile(fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = data
}

// noopApplier satisfies ResultApplier for tests that only exercise the job
// lifecycle.
type noopApplier struct {
	mu       sync.Mutex
	applied  []string
	released []string
}

func (n *noopApplier) ApplyResult(ctx context.Context, correlationID string, op model.OperationType, content, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, correlationID)
	return nil
}

func (n *noopApplier) ReleaseStranded(ctx context.Context, jobID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, jobID)
	return nil
}
