// File: internal/usecase/wire.go
package usecase

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"email-triage-pipeline/internal/domain/model"
)

// batchEndpoint is the provider endpoint every batched request targets.
const batchEndpoint = "/v1/chat/completions"

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireRequestBody struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature,omitempty"`
}

// wireRequestLine is one line of the uploaded JSONL payload. custom_id is the
// request's correlation id; the provider echoes it back on the result line.
type wireRequestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     wireRequestBody `json:"body"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponseBody struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage wireUsage      `json:"usage"`
	Error *wireLineError `json:"error,omitempty"`
}

type wireLineError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type wireResponse struct {
	StatusCode int              `json:"status_code"`
	Body       wireResponseBody `json:"body"`
}

type wireResultLine struct {
	CustomID string         `json:"custom_id"`
	Response *wireResponse  `json:"response,omitempty"`
	Error    *wireLineError `json:"error,omitempty"`
}

// batchResult is one decoded result line. Exactly one of Content / ErrMsg is
// meaningful: a non-empty ErrMsg marks a per-line provider failure.
type batchResult struct {
	CorrelationID    string
	Content          string
	ErrMsg           string
	PromptTokens     int
	CompletionTokens int
}

// encodeBatchPayload serializes the drained requests as newline-delimited
// JSON, one request per line, in drain order.
func encodeBatchPayload(reqs []*model.BatchRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		line := wireRequestLine{
			CustomID: r.CorrelationID,
			Method:   "POST",
			URL:      batchEndpoint,
			Body: wireRequestBody{
				Model:       r.Model,
				MaxTokens:   r.MaxTokens,
				Temperature: r.Temperature,
				Messages: []wireMessage{
					{Role: "system", Content: r.SystemPrompt},
					{Role: "user", Content: r.UserPrompt},
				},
			},
		}
		if r.JSONMode {
			line.Body.ResponseFormat = &wireResponseFormat{Type: "json_object"}
		}
		if err := enc.Encode(&line); err != nil {
			return nil, fmt.Errorf("encode request %s: %w", r.RequestID, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeBatchResults parses a downloaded JSONL result file. Malformed lines
// are counted and skipped rather than aborting the whole reconciliation.
func decodeBatchResults(data []byte) (results []batchResult, malformed int) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var line wireResultLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil || line.CustomID == "" {
			malformed++
			continue
		}
		results = append(results, toBatchResult(line))
	}
	if sc.Err() != nil {
		malformed++
	}
	return results, malformed
}

func toBatchResult(line wireResultLine) batchResult {
	res := batchResult{CorrelationID: line.CustomID}
	switch {
	case line.Error != nil:
		res.ErrMsg = line.Error.Message
	case line.Response == nil:
		res.ErrMsg = "result line carries neither response nor error"
	case line.Response.Body.Error != nil:
		res.ErrMsg = line.Response.Body.Error.Message
	case line.Response.StatusCode != 0 && line.Response.StatusCode != 200:
		res.ErrMsg = fmt.Sprintf("provider returned status %d", line.Response.StatusCode)
	case len(line.Response.Body.Choices) == 0:
		res.ErrMsg = "response has no choices"
	default:
		res.Content = line.Response.Body.Choices[0].Message.Content
		res.PromptTokens = line.Response.Body.Usage.PromptTokens
		res.CompletionTokens = line.Response.Body.Usage.CompletionTokens
	}
	return res
}
