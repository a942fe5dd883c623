// Package llm abstracts the text-generation backend (OpenAI or a local
// Ollama). Pipeline stages and the touch-up editor depend on Generator
// rather than on a concrete client.
package llm

import (
	"context"
	"fmt"
)

// Request is a single system+user generation call.
type Request struct {
	System string
	User   string
	// JSON asks the backend to constrain output to a JSON object.
	JSON      bool
	MaxTokens int
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the generated text. It is untrusted and must be validated
// before structural parsing.
type Response struct {
	Text     string
	Model    string
	Provider string
	Usage    Usage
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	// Provider and Model identify the backend for the call log.
	Provider() string
	Model() string
}

// GenerationError reports a failed call: transport error, non-2xx status,
// timeout, or an empty completion.
type GenerationError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s generation failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
