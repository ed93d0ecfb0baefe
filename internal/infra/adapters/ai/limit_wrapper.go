package ai

import (
	"context"

	"email-triage-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.CompletionClient = (*limitedCompletion)(nil)

type limitedCompletion struct {
	inner adapter.CompletionClient
	sem   chan struct{}
}

// NewLimitedCompletion caps concurrent direct calls; the batch path has its
// own provider-side throttling and is not wrapped.
func NewLimitedCompletion(inner adapter.CompletionClient, maxConcurrent int) adapter.CompletionClient {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedCompletion{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedCompletion) Complete(ctx context.Context, systemPrompt, userPrompt string, params adapter.CompletionParams) (*adapter.Completion, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Complete(ctx, systemPrompt, userPrompt, params)
}
