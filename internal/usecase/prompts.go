// File: internal/usecase/prompts.go
package usecase

import (
	"fmt"

	"email-triage-pipeline/internal/domain/model"
)

// Layer system prompts. All three demand a bare JSON object so responses can
// be parsed without stripping prose.

const spamSystemPrompt = `You are an email spam filter. Decide whether the email is spam or unwanted bulk mail.
Reply with a single JSON object and nothing else:
{"is_spam": <true|false>, "confidence": <number between 0 and 1>}`

const categorizeSystemPrompt = `You are an email triage analyst. Categorize the email for a support team.
Reply with a single JSON object and nothing else:
{"tags": [<short lowercase labels>], "synthesis": "<one-sentence summary>", "scores": {"urgency": <0..1>, "sentiment": <0..1>, "actionability": <0..1>}}`

const verifySystemPrompt = `You are a reviewer double-checking a first-pass email categorization.
Analyze the email independently, then compare with the first pass included below.
Reply with a single JSON object and nothing else:
{"tags": [<short lowercase labels>], "synthesis": "<one-sentence summary>", "scores": {"urgency": <0..1>, "sentiment": <0..1>, "actionability": <0..1>}, "confidence": <0..1 agreement with your own analysis>, "request_retry": <true if the first pass is unusable>}`

func emailPrompt(it *model.Item) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nReceived: %s\n\n%s",
		it.Sender, it.Subject, it.ReceivedAt.Format("2006-01-02 15:04"), it.Body)
}

func verifyPrompt(it *model.Item, firstPass string) string {
	return fmt.Sprintf("%s\n\n--- first pass ---\n%s", emailPrompt(it), firstPass)
}
