// File: internal/usecase/pricing_uc.go
package usecase

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
)

// Compile-time check
var _ PricingUseCase = (*pricingUC)(nil)

type PricingUseCase interface {
	// EstimateBatchCost prices a drained request set before submission.
	// Prompt tokens are counted locally; completion tokens are budgeted at
	// each request's max_tokens, so the estimate is an upper bound.
	EstimateBatchCost(ctx context.Context, reqs []*model.BatchRequest) (int64, error)
	// CostOfUsage prices provider-reported token counts after the fact.
	CostOfUsage(ctx context.Context, modelName string, promptTokens, completionTokens int, batched bool) (int64, error)
	SetPricing(ctx context.Context, p *model.ModelPricing) error
	ListPricing(ctx context.Context) ([]*model.ModelPricing, error)
}

type pricingUC struct {
	pricing repository.ModelPricingRepository
	log     *zerolog.Logger

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

func NewPricingUseCase(pricing repository.ModelPricingRepository, log *zerolog.Logger) *pricingUC {
	return &pricingUC{
		pricing:  pricing,
		log:      log,
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

func (p *pricingUC) EstimateBatchCost(ctx context.Context, reqs []*model.BatchRequest) (int64, error) {
	var total int64
	for _, r := range reqs {
		pr, err := p.pricing.GetByModelName(ctx, nil, r.Model)
		if err != nil {
			// Unknown model: skip rather than block submission, the
			// estimate is advisory.
			p.log.Warn().Str("model", r.Model).Msg("no pricing row, request excluded from estimate")
			continue
		}
		prompt := p.countTokens(r.Model, r.SystemPrompt) + p.countTokens(r.Model, r.UserPrompt)
		total += pr.CostMicros(prompt, r.MaxTokens, true)
	}
	return total, nil
}

func (p *pricingUC) CostOfUsage(ctx context.Context, modelName string, promptTokens, completionTokens int, batched bool) (int64, error) {
	pr, err := p.pricing.GetByModelName(ctx, nil, modelName)
	if err != nil {
		return 0, err
	}
	return pr.CostMicros(promptTokens, completionTokens, batched), nil
}

func (p *pricingUC) SetPricing(ctx context.Context, pr *model.ModelPricing) error {
	if _, err := p.pricing.GetByModelName(ctx, nil, pr.ModelName); err == nil {
		return p.pricing.Update(ctx, nil, pr)
	}
	return p.pricing.Create(ctx, nil, pr)
}

func (p *pricingUC) ListPricing(ctx context.Context) ([]*model.ModelPricing, error) {
	return p.pricing.ListActive(ctx, nil)
}

// countTokens uses the model's native BPE when tiktoken knows it and falls
// back to cl100k_base otherwise. Encoders are cached, they are expensive to
// build.
func (p *pricingUC) countTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	enc := p.encoderFor(modelName)
	if enc == nil {
		// Rough heuristic when even the fallback encoding fails to load.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (p *pricingUC) encoderFor(modelName string) *tiktoken.Tiktoken {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enc, ok := p.encoders[modelName]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			p.encoders[modelName] = nil
			return nil
		}
	}
	p.encoders[modelName] = enc
	return enc
}
