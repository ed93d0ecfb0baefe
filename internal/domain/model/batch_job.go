package model

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type BatchJobStatus string

const (
	BatchJobStatusUploading  BatchJobStatus = "uploading"
	BatchJobStatusSubmitted  BatchJobStatus = "submitted"
	BatchJobStatusInProgress BatchJobStatus = "in_progress"
	BatchJobStatusCompleted  BatchJobStatus = "completed"
	BatchJobStatusFailed     BatchJobStatus = "failed"
	BatchJobStatusExpired    BatchJobStatus = "expired"
	BatchJobStatusCancelled  BatchJobStatus = "cancelled"
)

func (s BatchJobStatus) Terminal() bool {
	switch s {
	case BatchJobStatusCompleted, BatchJobStatusFailed, BatchJobStatusExpired, BatchJobStatusCancelled:
		return true
	}
	return false
}

// BatchJob is one bulk submission tracked through the provider's
// asynchronous processing lifecycle.
type BatchJob struct {
	JobID               string
	ProviderJobID       string
	ProviderInputFileID string
	SubmittedAt         time.Time
	CompletedAt         time.Time

	PredominantOp OperationType
	RequestCount  int

	Status            BatchJobStatus
	ProviderRawStatus string
	OutputFileID      string
	ErrorFileID       string
	CompletedCount    int
	FailedCount       int

	EstimatedCostMicros int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	jobIDMu      sync.Mutex
	jobIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewJobID returns a ULID from a shared monotonic source so ids generated in
// the same millisecond still sort by creation order. The id is minted before
// the job row exists because draining the queue already stamps it onto the
// claimed requests.
func NewJobID() string {
	jobIDMu.Lock()
	defer jobIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), jobIDEntropy).String()
}

// NewBatchJob builds the job record for a drained set of requests.
func NewBatchJob(jobID string, requests []*BatchRequest) *BatchJob {
	now := time.Now()
	return &BatchJob{
		JobID:         jobID,
		PredominantOp: predominantOp(requests),
		RequestCount:  len(requests),
		Status:        BatchJobStatusUploading,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// predominantOp picks the most frequent operation type; mixed jobs are fine,
// the value is reporting-only.
func predominantOp(requests []*BatchRequest) OperationType {
	counts := make(map[OperationType]int, len(requests))
	var best OperationType
	bestN := 0
	for _, r := range requests {
		counts[r.OperationType]++
		if counts[r.OperationType] > bestN {
			best = r.OperationType
			bestN = counts[r.OperationType]
		}
	}
	return best
}
