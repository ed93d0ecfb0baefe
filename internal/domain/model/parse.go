package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawLayerContent is the shape the prompts ask the model to emit. The source
// system's prompts are Italian, so "sintesi" is accepted as an alias.
type rawLayerContent struct {
	Tags         *[]string           `json:"tags"`
	Synthesis    *string             `json:"synthesis"`
	Sintesi      *string             `json:"sintesi"`
	Scores       *map[string]float64 `json:"scores"`
	Confidence   *float64            `json:"confidence"`
	RequestRetry *bool               `json:"request_retry"`
}

// ParseLayerOutput decodes the JSON document a categorization/verification
// call returns. Structurally invalid JSON is an error; a valid document with
// missing fields parses, with each absence recorded as a defect instead of a
// silent empty default.
func ParseLayerOutput(content string) (*LayerOutput, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty layer content")
	}
	var raw rawLayerContent
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("parse layer content: %w", err)
	}

	out := &LayerOutput{}
	if raw.Tags != nil {
		out.Tags = *raw.Tags
	} else {
		out.MissingFields = append(out.MissingFields, "tags")
	}
	switch {
	case raw.Synthesis != nil:
		out.Synthesis = *raw.Synthesis
	case raw.Sintesi != nil:
		out.Synthesis = *raw.Sintesi
	default:
		out.MissingFields = append(out.MissingFields, "synthesis")
	}
	if raw.Scores != nil {
		out.Scores = *raw.Scores
	} else {
		out.MissingFields = append(out.MissingFields, "scores")
	}
	if raw.Confidence != nil {
		out.Confidence = *raw.Confidence
	}
	if raw.RequestRetry != nil {
		out.RequestRetry = *raw.RequestRetry
	}
	return out, nil
}

// ParseSpamVerdict decodes the L0 gate response. Both fields are required:
// a verdict with no confidence cannot clear the spam threshold.
func ParseSpamVerdict(content string) (*SpamVerdict, error) {
	var raw struct {
		IsSpam     *bool    `json:"is_spam"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return nil, fmt.Errorf("parse spam verdict: %w", err)
	}
	if raw.IsSpam == nil || raw.Confidence == nil {
		return nil, fmt.Errorf("spam verdict missing is_spam or confidence")
	}
	return &SpamVerdict{IsSpam: *raw.IsSpam, Confidence: *raw.Confidence}, nil
}
