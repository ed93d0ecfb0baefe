package ai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"email-triage-pipeline/internal/domain/ports/adapter"
)

// Compile-time assurance the client satisfies both ports
var (
	_ adapter.CompletionClient = (*OpenAIClient)(nil)
	_ adapter.BatchClient      = (*OpenAIClient)(nil)
)

// OpenAIClient serves both transports: the synchronous chat-completions call
// and the asynchronous Files/Batches bulk path.
type OpenAIClient struct {
	cli          openai.Client
	defaultModel string
}

func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIClient{
		cli:          openai.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

func (o *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, params adapter.CompletionParams) (*adapter.Completion, error) {
	modelName := params.Model
	if modelName == "" {
		modelName = o.defaultModel
	}

	req := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(modelName),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.JSONMode {
		req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := o.cli.Chat.Completions.New(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errors.New("openai: no choice content")
	}
	return &adapter.Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}, nil
}

func (o *OpenAIClient) UploadPayload(ctx context.Context, payload []byte, purpose string) (string, error) {
	if purpose == "" {
		purpose = string(openai.FilePurposeBatch)
	}
	f, err := o.cli.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(payload), "batch.jsonl", "application/jsonl"),
		Purpose: openai.FilePurpose(purpose),
	})
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (o *OpenAIClient) CreateBatchJob(ctx context.Context, inputFileID, endpoint string, completionWindow time.Duration) (string, error) {
	if endpoint == "" {
		endpoint = string(openai.BatchNewParamsEndpointV1ChatCompletions)
	}
	// The provider currently accepts a single fixed window.
	_ = completionWindow
	b, err := o.cli.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      inputFileID,
		Endpoint:         openai.BatchNewParamsEndpoint(endpoint),
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

func (o *OpenAIClient) GetJobStatus(ctx context.Context, providerJobID string) (*adapter.BatchJobState, error) {
	b, err := o.cli.Batches.Get(ctx, providerJobID)
	if err != nil {
		return nil, err
	}
	return &adapter.BatchJobState{
		Status:         string(b.Status),
		OutputFileID:   b.OutputFileID,
		ErrorFileID:    b.ErrorFileID,
		CompletedCount: int(b.RequestCounts.Completed),
		FailedCount:    int(b.RequestCounts.Failed),
		TotalCount:     int(b.RequestCounts.Total),
	}, nil
}

func (o *OpenAIClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := o.cli.Files.Content(ctx, fileID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (o *OpenAIClient) CancelBatchJob(ctx context.Context, providerJobID string) error {
	_, err := o.cli.Batches.Cancel(ctx, providerJobID)
	return err
}
