package llm

import (
	"fmt"

	"github.com/kalambet/optlog/internal/config"
)

// New returns the generator selected by llm.provider.
func New(cfg config.Config) (Generator, error) {
	switch cfg.LLM.Provider {
	case config.LLMOpenAI:
		return NewOpenAIGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout), nil
	case config.LLMOllama:
		return NewOllamaGenerator(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.LLM.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}
