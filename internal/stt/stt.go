// Package stt wraps external speech-to-text services behind one contract:
// audio bytes plus a language hint in, raw text plus optional segments out.
// Adapters never retry; the caller decides what a failure means.
package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/optlog/internal/storage"
)

// Audio is one transcription request.
type Audio struct {
	Data     []byte
	MIMEType string
	Filename string
	// Language is a hint such as "pt" or "pt-BR".
	Language string
	// Prompt biases vocabulary (account names, jargon) where the provider supports it.
	Prompt string
}

// Result is a successful transcription.
type Result struct {
	Text     string
	Language string
	Segments []storage.Segment
	Provider string
	Model    string
	Duration time.Duration
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (*Result, error)
	Name() string
}

// TranscriptionServiceError reports any failure of the external service:
// transport errors, non-2xx responses, and unusable payloads.
type TranscriptionServiceError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TranscriptionServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transcription failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transcription failed: %v", e.Provider, e.Err)
}

func (e *TranscriptionServiceError) Unwrap() error { return e.Err }

func float64Ptr(f float64) *float64 { return &f }
