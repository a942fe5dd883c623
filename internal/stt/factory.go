package stt

import (
	"context"
	"fmt"

	"github.com/kalambet/optlog/internal/config"
)

// New returns the transcriber selected by stt.provider.
func New(ctx context.Context, cfg config.Config) (Transcriber, error) {
	switch cfg.STT.Provider {
	case config.STTWhisper:
		return NewWhisperTranscriber(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.STT.Model, cfg.STT.Timeout), nil
	case config.STTGoogle:
		return NewGoogleTranscriber(ctx, cfg.STT.GoogleProjectID, cfg.STT.GoogleCredentials, cfg.STT.Timeout)
	default:
		return nil, fmt.Errorf("unsupported stt provider %q", cfg.STT.Provider)
	}
}
