package adapter

import (
	"context"
	"time"
)

// CompletionParams carry the per-call knobs shared by the direct and the
// batched path.
type CompletionParams struct {
	Model       string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Completion is the raw assistant text plus provider-reported usage.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionClient is the synchronous variant used outside batching
// (L0 gate, backlog sweep, small workloads).
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, params CompletionParams) (*Completion, error)
}

// BatchJobState mirrors the provider's view of an asynchronous bulk job.
type BatchJobState struct {
	Status         string // opaque provider status, passed through
	OutputFileID   string
	ErrorFileID    string
	CompletedCount int
	FailedCount    int
	TotalCount     int
}

// BatchClient is the asynchronous bulk path: upload a newline-delimited
// payload, register a job against it, poll, download the output.
type BatchClient interface {
	UploadPayload(ctx context.Context, payload []byte, purpose string) (fileID string, err error)
	CreateBatchJob(ctx context.Context, inputFileID, endpoint string, completionWindow time.Duration) (providerJobID string, err error)
	GetJobStatus(ctx context.Context, providerJobID string) (*BatchJobState, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	CancelBatchJob(ctx context.Context, providerJobID string) error
}
