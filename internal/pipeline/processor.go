// Package pipeline drives a recording through its stages: transcribe,
// organize, extract and analyze. Stage functions are the only writers of a
// recording's status fields.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/optlog/internal/assembler"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/metrics"
	"github.com/kalambet/optlog/internal/storage"
	"github.com/kalambet/optlog/internal/stt"
)

// Stage names, used in the call log, metrics and reports.
const (
	StageTranscribe = "transcribe"
	StageOrganize   = "organize"
	StageExtract    = "extract"
	StageAnalyze    = "analyze"
)

const defaultMinTranscriptChars = 50

var (
	// ErrTranscriptTooShort rejects transcripts below the minimum length. It
	// never changes a status field.
	ErrTranscriptTooShort = errors.New("transcript too short")
	// ErrPrecondition is returned when a stage runs before its input exists.
	ErrPrecondition = errors.New("precondition failed")
)

// StageError wraps an external-service or validation failure of a stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Store is the persistence the processor needs.
type Store interface {
	GetRecording(id string) (storage.Recording, error)
	SetTranscriptionStatus(id string, status storage.Status, message string) error
	SetAnalysisStatus(id string, status storage.Status, message string) error
	CompleteTranscription(t storage.Transcript) error
	GetTranscript(recordingID string) (storage.Transcript, error)
	SetProcessedText(recordingID, text string) error
	SaveExtract(e storage.Extract) error
	GetExtract(recordingID string) (storage.Extract, error)
	CompleteAnalysis(a storage.Analysis) error
	GetAnalysis(recordingID string) (storage.Analysis, error)
	LogAPICall(c storage.APICall) error
}

// AudioStore reads audio blobs by stored path.
type AudioStore interface {
	Get(ctx context.Context, rel string) ([]byte, error)
}

// Options tunes a Processor. Zero values select defaults.
type Options struct {
	MinTranscriptChars int
	Language           string
	Metrics            *metrics.Pipeline
	Now                func() time.Time
}

// Processor runs pipeline stages. Every stage takes the single-flight lock of
// the artifact it writes.
type Processor struct {
	store       Store
	audio       AudioStore
	transcriber stt.Transcriber
	generator   llm.Generator
	assembler   *assembler.Assembler
	locks       *inflight.Registry
	metrics     *metrics.Pipeline
	minChars    int
	language    string
	now         func() time.Time
}

// New creates a Processor.
func New(store Store, audio AudioStore, transcriber stt.Transcriber, generator llm.Generator,
	asm *assembler.Assembler, locks *inflight.Registry, opts Options) *Processor {
	p := &Processor{
		store:       store,
		audio:       audio,
		transcriber: transcriber,
		generator:   generator,
		assembler:   asm,
		locks:       locks,
		metrics:     opts.Metrics,
		minChars:    opts.MinTranscriptChars,
		language:    opts.Language,
		now:         opts.Now,
	}
	if p.minChars <= 0 {
		p.minChars = defaultMinTranscriptChars
	}
	if p.language == "" {
		p.language = "pt"
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Processor) acquire(id string, kind storage.ArtifactKind) (func(), error) {
	release, err := p.locks.Acquire(id, kind)
	if err != nil {
		p.metrics.RecordConflict(string(kind))
		return nil, err
	}
	return release, nil
}

// source loads the recording and transcript for a text stage and enforces the
// shared preconditions: transcription completed and raw text long enough.
func (p *Processor) source(id string) (storage.Recording, storage.Transcript, error) {
	rec, err := p.store.GetRecording(id)
	if err != nil {
		return storage.Recording{}, storage.Transcript{}, err
	}
	if rec.TranscriptionStatus != storage.StatusCompleted {
		return storage.Recording{}, storage.Transcript{}, fmt.Errorf("%w: transcription is %s", ErrPrecondition, rec.TranscriptionStatus)
	}
	t, err := p.store.GetTranscript(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Recording{}, storage.Transcript{}, fmt.Errorf("%w: no transcript", ErrPrecondition)
	}
	if err != nil {
		return storage.Recording{}, storage.Transcript{}, err
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(t.RawText)); n < p.minChars {
		return storage.Recording{}, storage.Transcript{}, fmt.Errorf("%w: %d characters, minimum is %d", ErrTranscriptTooShort, n, p.minChars)
	}
	return rec, t, nil
}

// observe records the outcome of a stage call.
func (p *Processor) observe(stage, id string, start time.Time, cached bool, err error) {
	result := metrics.ResultSuccess
	var se *StageError
	switch {
	case err == nil && cached:
		result = metrics.ResultCached
	case errors.As(err, &se):
		result = metrics.ResultFailure
	case err != nil:
		result = metrics.ResultRejected
	}
	p.metrics.RecordStage(stage, result)

	attrs := []any{"stage", stage, "recording_id", id, "result", result, "duration_ms", time.Since(start).Milliseconds()}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	switch result {
	case metrics.ResultFailure:
		slog.Warn("stage failed", attrs...)
	case metrics.ResultRejected:
		slog.Info("stage rejected", attrs...)
	default:
		slog.Debug("stage finished", attrs...)
	}
}

// UserMessage renders err as a message safe to show to end users. Raw
// adapter errors are never included.
func UserMessage(err error) string {
	var se *StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTranscriptTooShort):
		return "The transcript is too short to process. Review the recording before retrying."
	case errors.Is(err, ErrPrecondition):
		return "The previous stage has not completed yet."
	case errors.Is(err, inflight.ErrInFlight):
		return "Another operation is running for this artifact."
	case errors.Is(err, storage.ErrNotFound):
		return "Recording not found."
	case errors.As(err, &se):
		return failureMessage(se.Stage)
	}
	return "Unexpected error."
}

func failureMessage(stage string) string {
	switch stage {
	case StageTranscribe:
		return "Transcription failed. Trigger it again to retry."
	case StageOrganize:
		return "Organizing the transcript failed. Trigger it again to retry."
	case StageExtract:
		return "Extracting actions failed. Trigger it again to retry."
	case StageAnalyze:
		return "Analysis failed. Trigger it again to retry."
	}
	return "Processing failed."
}
