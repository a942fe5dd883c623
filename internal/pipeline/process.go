package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// StageOutcome is the result of one stage inside Process.
type StageOutcome struct {
	Stage   string `json:"stage"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	err     error
}

// Err returns the underlying error of a failed stage.
func (o StageOutcome) Err() error { return o.err }

// Report summarizes a Process run, one outcome per stage attempted.
type Report struct {
	RecordingID string         `json:"recording_id"`
	Stages      []StageOutcome `json:"stages"`
}

// Failed reports whether any attempted stage failed.
func (r Report) Failed() bool {
	for _, s := range r.Stages {
		if !s.OK {
			return true
		}
	}
	return false
}

func outcome(stage string, err error) StageOutcome {
	return StageOutcome{Stage: stage, OK: err == nil, Message: UserMessage(err), err: err}
}

// Process runs a full pass: transcribe when needed, organize, then extract
// and analyze concurrently. Stages are isolated: a failed organize falls back
// to the raw text, and a failed analyze does not affect the extract.
//
// The returned error is non-nil only when the pass could not get past
// transcription or the length guard; per-stage failures are in the report.
func (p *Processor) Process(ctx context.Context, id string) (Report, error) {
	report := Report{RecordingID: id}

	if _, err := p.Transcribe(ctx, id, false); err != nil {
		report.Stages = append(report.Stages, outcome(StageTranscribe, err))
		return report, err
	}
	report.Stages = append(report.Stages, outcome(StageTranscribe, nil))

	_, err := p.Organize(ctx, id, false)
	report.Stages = append(report.Stages, outcome(StageOrganize, err))
	if errors.Is(err, ErrTranscriptTooShort) || errors.Is(err, ErrPrecondition) {
		return report, err
	}

	var extractErr, analyzeErr error
	var g errgroup.Group
	g.Go(func() error {
		_, extractErr = p.Extract(ctx, id, false)
		return nil
	})
	g.Go(func() error {
		_, analyzeErr = p.Analyze(ctx, id, false)
		return nil
	})
	_ = g.Wait()

	report.Stages = append(report.Stages, outcome(StageExtract, extractErr), outcome(StageAnalyze, analyzeErr))
	return report, nil
}
