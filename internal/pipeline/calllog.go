package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/storage"
)

// generate calls the text generator, validates the output with parse, and
// appends one call log row whatever the outcome.
func (p *Processor) generate(ctx context.Context, stage, recordingID string, pr prompts.Prompt, jsonOut bool, parse func(string) error) error {
	start := p.now()
	resp, err := p.generator.Generate(ctx, llm.Request{System: pr.System, User: pr.User, JSON: jsonOut})
	if err == nil {
		err = parse(resp.Text)
	}
	elapsed := time.Since(start)
	p.metrics.RecordStageDuration(stage, elapsed)

	provider, model := resp.Provider, resp.Model
	if provider == "" {
		provider = p.generator.Provider()
	}
	if model == "" {
		model = p.generator.Model()
	}
	p.logCall(storage.APICall{
		RecordingID:      recordingID,
		Stage:            stage,
		Provider:         provider,
		Model:            model,
		Prompt:           pr.System,
		InputPreview:     storage.Preview(pr.User),
		OutputPreview:    storage.Preview(resp.Text),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMs:       elapsed.Milliseconds(),
		Success:          err == nil,
		ErrorMessage:     errString(err),
	})
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// logCall appends to the call log. Failures are logged and swallowed.
func (p *Processor) logCall(c storage.APICall) {
	c.ID = uuid.NewString()
	c.CreatedAt = p.now()
	if err := p.store.LogAPICall(c); err != nil {
		slog.Warn("failed to write api call log", "stage", c.Stage, "recording_id", c.RecordingID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
