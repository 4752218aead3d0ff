// Package llm provides the generation client used by the intent classifier
// and the email/ticket/FAQ prompts.
package llm

import "context"

// GenerateRequest is a single-shot generation call.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	// JSONMode requests a strict-JSON response from the model.
	JSONMode        bool
	MaxOutputTokens int
}

// Generator is the minimal generation contract. Handlers depend on this
// interface so tests can substitute canned models.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
