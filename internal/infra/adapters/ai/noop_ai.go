package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"email-triage-pipeline/internal/domain/ports/adapter"
)

var (
	_ adapter.CompletionClient = (*NoopAIClient)(nil)
	_ adapter.BatchClient      = (*NoopAIClient)(nil)
)

// NoopAIClient is a local/dev stand-in: completions return a canned verdict
// and batch jobs complete instantly with empty output.
type NoopAIClient struct{}

func NewNoopAIClient() *NoopAIClient { return &NoopAIClient{} }

func (a *NoopAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, params adapter.CompletionParams) (*adapter.Completion, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &adapter.Completion{
		Content:      `{"tags":["noop"],"synthesis":"noop response","scores":{},"confidence":1.0}`,
		PromptTokens: len(userPrompt) / 4,
	}, nil
}

func (a *NoopAIClient) UploadPayload(ctx context.Context, payload []byte, purpose string) (string, error) {
	return fmt.Sprintf("noop-file-%s", uuid.NewString()), nil
}

func (a *NoopAIClient) CreateBatchJob(ctx context.Context, inputFileID, endpoint string, completionWindow time.Duration) (string, error) {
	return fmt.Sprintf("noop-batch-%s", uuid.NewString()), nil
}

func (a *NoopAIClient) GetJobStatus(ctx context.Context, providerJobID string) (*adapter.BatchJobState, error) {
	return &adapter.BatchJobState{Status: "completed"}, nil
}

func (a *NoopAIClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return nil, nil
}

func (a *NoopAIClient) CancelBatchJob(ctx context.Context, providerJobID string) error {
	return nil
}
