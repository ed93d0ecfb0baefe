package model

// SpamVerdict is the L0 gate output.
type SpamVerdict struct {
	IsSpam     bool    `json:"is_spam"`
	Confidence float64 `json:"confidence"`
}

// LayerOutput is the parsed result of a categorization (L1) or
// verification (L2) pass.
type LayerOutput struct {
	Tags      []string           `json:"tags"`
	Synthesis string             `json:"synthesis"`
	Scores    map[string]float64 `json:"scores"`

	// Populated by L2 only.
	Confidence   float64 `json:"confidence,omitempty"`
	RequestRetry bool    `json:"request_retry,omitempty"`

	// Fields the provider omitted; a recorded defect, never a silent default.
	MissingFields []string `json:"missing_fields,omitempty"`
}

// MergeResult is the L3 consensus of two independent passes.
type MergeResult struct {
	Tags             []string           `json:"tags"`
	Synthesis        string             `json:"synthesis"`
	Scores           map[string]float64 `json:"scores"`
	Divergence       float64            `json:"divergence"`
	NeedsReview      bool               `json:"needs_review"`
	ReviewReasons    []string           `json:"review_reasons,omitempty"`
	SuggestedActions []string           `json:"suggested_actions,omitempty"`
}
