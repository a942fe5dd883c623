package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/optlog/internal/ollama"
)

// OllamaGenerator adapts internal/ollama.Client to the Generator interface.
type OllamaGenerator struct {
	client  *ollama.Client
	model   string
	timeout time.Duration
}

// NewOllamaGenerator creates a generator backed by an Ollama server at baseURL.
func NewOllamaGenerator(baseURL, model string, timeout time.Duration) *OllamaGenerator {
	return &OllamaGenerator{client: ollama.New(baseURL), model: model, timeout: timeout}
}

// Client exposes the underlying client for readiness checks.
func (g *OllamaGenerator) Client() *ollama.Client { return g.client }

func (g *OllamaGenerator) Provider() string { return "ollama" }
func (g *OllamaGenerator) Model() string    { return g.model }

func (g *OllamaGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var msgs []ollama.Message
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.User})

	res, err := g.client.Chat(ctx, ollama.ChatRequest{
		Model:     g.model,
		Messages:  msgs,
		JSON:      req.JSON,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		ge := &GenerationError{Provider: g.Provider(), Err: err}
		var se *ollama.StatusError
		if errors.As(err, &se) {
			ge.StatusCode = se.StatusCode
		}
		return Response{}, ge
	}
	if strings.TrimSpace(res.Content) == "" {
		return Response{}, &GenerationError{Provider: g.Provider(), Err: errors.New("empty completion")}
	}

	return Response{
		Text:     res.Content,
		Model:    res.Model,
		Provider: g.Provider(),
		Usage: Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	}, nil
}

var _ Generator = (*OllamaGenerator)(nil)
