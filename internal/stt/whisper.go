package stt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/optlog/internal/storage"
)

// WhisperTranscriber calls the OpenAI audio transcription endpoint.
type WhisperTranscriber struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewWhisperTranscriber builds a transcriber. baseURL may be empty for the
// public OpenAI endpoint.
func NewWhisperTranscriber(apiKey, baseURL, model string, timeout time.Duration) *WhisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

func (w *WhisperTranscriber) Name() string { return "whisper" }

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio Audio) (*Result, error) {
	if len(audio.Data) == 0 {
		return nil, &TranscriptionServiceError{Provider: w.Name(), Err: errors.New("empty audio")}
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	filename := audio.Filename
	if filename == "" {
		filename = "audio.webm"
	}

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio.Data),
		Prompt:   audio.Prompt,
		Language: baseLanguage(audio.Language),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		slog.Warn("whisper transcription failed", "error", err, "bytes", len(audio.Data))
		return nil, &TranscriptionServiceError{Provider: w.Name(), StatusCode: openAIStatus(err), Err: err}
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, &TranscriptionServiceError{Provider: w.Name(), Err: errors.New("empty transcript returned")}
	}

	segments := make([]storage.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		seg := storage.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		if s.AvgLogprob != 0 {
			seg.Confidence = float64Ptr(math.Exp(s.AvgLogprob))
		}
		segments = append(segments, seg)
	}

	lang := resp.Language
	if lang == "" {
		lang = audio.Language
	}
	return &Result{
		Text:     text,
		Language: lang,
		Segments: segments,
		Provider: w.Name(),
		Model:    w.model,
		Duration: time.Since(start),
	}, nil
}

// baseLanguage reduces "pt-BR" to the ISO-639-1 code Whisper expects.
func baseLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

var _ Transcriber = (*WhisperTranscriber)(nil)
