package model

import (
	"time"

	"github.com/google/uuid"
)

// ModelPricing holds per-model token prices in micro-currency. Batch
// submissions are billed at the provider's discounted batch rate, applied
// here as a multiplier.
type ModelPricing struct {
	ID                     string
	ModelName              string
	InputTokenPriceMicros  int64
	OutputTokenPriceMicros int64
	BatchDiscountPercent   int
	Active                 bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func NewModelPricing(modelName string, inputPriceMicros, outputPriceMicros int64, batchDiscountPercent int, active bool) *ModelPricing {
	now := time.Now()
	return &ModelPricing{
		ID:                     uuid.NewString(),
		ModelName:              modelName,
		InputTokenPriceMicros:  inputPriceMicros,
		OutputTokenPriceMicros: outputPriceMicros,
		BatchDiscountPercent:   batchDiscountPercent,
		Active:                 active,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// CostMicros prices a call given token counts, applying the batch discount
// when the call went through the bulk endpoint.
func (p *ModelPricing) CostMicros(promptTokens, completionTokens int, batched bool) int64 {
	cost := int64(promptTokens)*p.InputTokenPriceMicros + int64(completionTokens)*p.OutputTokenPriceMicros
	if batched && p.BatchDiscountPercent > 0 && p.BatchDiscountPercent < 100 {
		cost = cost * int64(100-p.BatchDiscountPercent) / 100
	}
	return cost
}
