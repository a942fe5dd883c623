package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/storage"
	"github.com/kalambet/optlog/internal/stt"
)

// Transcribe converts the recording's audio into a raw transcript. Without
// force, a completed transcript is returned unchanged.
func (p *Processor) Transcribe(ctx context.Context, id string, force bool) (t storage.Transcript, err error) {
	start, cached := time.Now(), false
	defer func() { p.observe(StageTranscribe, id, start, cached, err) }()

	release, err := p.acquire(id, storage.KindRawTranscript)
	if err != nil {
		return storage.Transcript{}, err
	}
	defer release()

	rec, err := p.store.GetRecording(id)
	if err != nil {
		return storage.Transcript{}, err
	}
	if !force && rec.TranscriptionStatus == storage.StatusCompleted {
		existing, err := p.store.GetTranscript(id)
		if err == nil {
			cached = true
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Transcript{}, err
		}
	}
	if rec.AudioPath == "" {
		return storage.Transcript{}, fmt.Errorf("%w: recording has no audio", ErrPrecondition)
	}

	if err := p.store.SetTranscriptionStatus(id, storage.StatusProcessing, ""); err != nil {
		return storage.Transcript{}, err
	}

	res, err := p.transcribe(ctx, rec)
	if err != nil {
		se := &StageError{Stage: StageTranscribe, Err: err}
		if serr := p.store.SetTranscriptionStatus(id, storage.StatusFailed, UserMessage(se)); serr != nil {
			return storage.Transcript{}, errors.Join(se, serr)
		}
		return storage.Transcript{}, se
	}

	if err := p.store.CompleteTranscription(storage.Transcript{
		RecordingID: id,
		RawText:     res.Text,
		Language:    res.Language,
		Segments:    res.Segments,
	}); err != nil {
		se := &StageError{Stage: StageTranscribe, Err: fmt.Errorf("saving transcript: %w", err)}
		if serr := p.store.SetTranscriptionStatus(id, storage.StatusFailed, UserMessage(se)); serr != nil {
			return storage.Transcript{}, errors.Join(se, serr)
		}
		return storage.Transcript{}, se
	}
	return p.store.GetTranscript(id)
}

// transcribe reads the audio and calls the speech-to-text adapter, logging
// the call.
func (p *Processor) transcribe(ctx context.Context, rec storage.Recording) (*stt.Result, error) {
	data, err := p.audio.Get(ctx, rec.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	guidance, err := p.assembler.Guidance(ctx, rec, prompts.StageOrganize)
	if err != nil {
		return nil, err
	}

	start := p.now()
	res, err := p.transcriber.Transcribe(ctx, stt.Audio{
		Data:     data,
		MIMEType: rec.AudioMIME,
		Filename: rec.AudioPath,
		Language: p.language,
		Prompt:   guidance,
	})
	elapsed := time.Since(start)
	p.metrics.RecordStageDuration(StageTranscribe, elapsed)

	call := storage.APICall{
		RecordingID:  rec.ID,
		Stage:        StageTranscribe,
		Provider:     p.transcriber.Name(),
		Prompt:       guidance,
		InputPreview: fmt.Sprintf("%s, %d bytes", rec.AudioMIME, len(data)),
		DurationMs:   elapsed.Milliseconds(),
		Success:      err == nil,
		ErrorMessage: errString(err),
	}
	if res != nil {
		call.Model = res.Model
		call.OutputPreview = storage.Preview(res.Text)
	}
	p.logCall(call)
	return res, err
}

// Organize rewrites the raw transcript into a chronological log. It does not
// change any status field.
func (p *Processor) Organize(ctx context.Context, id string, force bool) (t storage.Transcript, err error) {
	start, cached := time.Now(), false
	defer func() { p.observe(StageOrganize, id, start, cached, err) }()

	release, err := p.acquire(id, storage.KindProcessedTranscript)
	if err != nil {
		return storage.Transcript{}, err
	}
	defer release()

	rec, t, err := p.source(id)
	if err != nil {
		return storage.Transcript{}, err
	}
	if !force && t.ProcessedText != nil && *t.ProcessedText != "" {
		cached = true
		return t, nil
	}

	c, err := p.assembler.Assemble(ctx, rec, prompts.StageOrganize)
	if err != nil {
		return storage.Transcript{}, err
	}
	var text string
	err = p.generate(ctx, StageOrganize, id, prompts.Organize(c.Blocks(), t.RawText), false, func(out string) error {
		var perr error
		text, perr = analysis.CleanText(out)
		return perr
	})
	if err != nil {
		return storage.Transcript{}, err
	}

	if err := p.store.SetProcessedText(id, text); err != nil {
		return storage.Transcript{}, fmt.Errorf("saving processed text: %w", err)
	}
	return p.store.GetTranscript(id)
}

// Extract produces the bulleted action list from the processed text (or the
// raw text when there is none). A new extract starts with no edit history.
func (p *Processor) Extract(ctx context.Context, id string, force bool) (e storage.Extract, err error) {
	start, cached := time.Now(), false
	defer func() { p.observe(StageExtract, id, start, cached, err) }()

	release, err := p.acquire(id, storage.KindExtract)
	if err != nil {
		return storage.Extract{}, err
	}
	defer release()

	rec, t, err := p.source(id)
	if err != nil {
		return storage.Extract{}, err
	}
	if !force {
		existing, err := p.store.GetExtract(id)
		if err == nil {
			cached = true
			return existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Extract{}, err
		}
	}

	c, err := p.assembler.Assemble(ctx, rec, prompts.StageExtract)
	if err != nil {
		return storage.Extract{}, err
	}
	var text string
	var items []storage.ExtractItem
	err = p.generate(ctx, StageExtract, id, prompts.Extract(c.Blocks(), t.SourceText()), false, func(out string) error {
		var perr error
		text, items, perr = analysis.CleanExtract(out)
		return perr
	})
	if err != nil {
		return storage.Extract{}, err
	}

	if err := p.store.SaveExtract(storage.Extract{RecordingID: id, Text: text, Items: items}); err != nil {
		return storage.Extract{}, fmt.Errorf("saving extract: %w", err)
	}
	return p.store.GetExtract(id)
}

// Analyze produces the structured analysis record and owns analysis_status.
//
// Without force an existing analysis is kept when it was revised by a human
// or when analysis is already completed.
func (p *Processor) Analyze(ctx context.Context, id string, force bool) (a storage.Analysis, err error) {
	start, cached := time.Now(), false
	defer func() { p.observe(StageAnalyze, id, start, cached, err) }()

	release, err := p.acquire(id, storage.KindAnalysis)
	if err != nil {
		return storage.Analysis{}, err
	}
	defer release()

	rec, t, err := p.source(id)
	if err != nil {
		return storage.Analysis{}, err
	}
	if !force {
		existing, err := p.store.GetAnalysis(id)
		switch {
		case err == nil && (existing.IsRevised() || rec.AnalysisStatus == storage.StatusCompleted):
			cached = true
			// analysis_status follows the record: a kept revision counts as completed.
			if rec.AnalysisStatus != storage.StatusCompleted {
				if err := p.store.SetAnalysisStatus(id, storage.StatusCompleted, ""); err != nil {
					return storage.Analysis{}, err
				}
			}
			return existing, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return storage.Analysis{}, err
		}
	}

	if err := p.store.SetAnalysisStatus(id, storage.StatusProcessing, ""); err != nil {
		return storage.Analysis{}, err
	}

	result, err := p.analyze(ctx, rec, t)
	if err != nil {
		if serr := p.store.SetAnalysisStatus(id, storage.StatusFailed, UserMessage(err)); serr != nil {
			return storage.Analysis{}, errors.Join(err, serr)
		}
		return storage.Analysis{}, err
	}

	result.RecordingID = id
	result.AccountID = rec.AccountID
	if err := p.store.CompleteAnalysis(result); err != nil {
		se := &StageError{Stage: StageAnalyze, Err: fmt.Errorf("saving analysis: %w", err)}
		if serr := p.store.SetAnalysisStatus(id, storage.StatusFailed, UserMessage(se)); serr != nil {
			return storage.Analysis{}, errors.Join(se, serr)
		}
		return storage.Analysis{}, se
	}
	return p.store.GetAnalysis(id)
}

func (p *Processor) analyze(ctx context.Context, rec storage.Recording, t storage.Transcript) (storage.Analysis, error) {
	c, err := p.assembler.Assemble(ctx, rec, prompts.StageAnalyze)
	if err != nil {
		return storage.Analysis{}, &StageError{Stage: StageAnalyze, Err: err}
	}
	var result storage.Analysis
	err = p.generate(ctx, StageAnalyze, rec.ID, prompts.Analyze(c.Blocks(), t.SourceText()), true, func(out string) error {
		var perr error
		result, perr = analysis.ParseAnalysis(out)
		return perr
	})
	return result, err
}
