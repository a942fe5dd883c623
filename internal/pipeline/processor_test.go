package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/assembler"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/storage"
	"github.com/kalambet/optlog/internal/stt"
)

const narration = "Aumentei o orçamento da campanha X em 30%. O ROAS ficou acima da meta durante toda a semana passada."

const analysisJSON = `{
  "executive_summary": "Escala da campanha X após ROAS acima da meta.",
  "actions_taken": [{"type": "increase_budget", "target": "Campanha X", "reason": "ROAS acima da meta"}],
  "metrics": {"roas": 4.1},
  "confidence_level": "high"
}`

var (
	organizeSystem = prompts.Organize(prompts.Blocks{}, "").System
	extractSystem  = prompts.Extract(prompts.Blocks{}, "").System
	analyzeSystem  = prompts.Analyze(prompts.Blocks{}, "").System
)

// --- fakes ---

type fakeTranscriber struct {
	transcribeFn func(ctx context.Context, audio stt.Audio) (*stt.Result, error)
	calls        int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio stt.Audio) (*stt.Result, error) {
	f.calls++
	return f.transcribeFn(ctx, audio)
}

func (f *fakeTranscriber) Name() string { return "fake-stt" }

func textTranscriber(text string) *fakeTranscriber {
	return &fakeTranscriber{transcribeFn: func(context.Context, stt.Audio) (*stt.Result, error) {
		return &stt.Result{Text: text, Language: "pt", Model: "fake-1"}, nil
	}}
}

// fakeGenerator answers by stage, recognised from the system prompt.
type fakeGenerator struct {
	mu       sync.Mutex
	organize func(req llm.Request) (string, error)
	extract  func(req llm.Request) (string, error)
	analyze  func(req llm.Request) (string, error)
	requests map[string][]llm.Request
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		organize: func(req llm.Request) (string, error) {
			return "- Orçamento da campanha X aumentado em 30%\n- ROAS acima da meta na semana", nil
		},
		extract: func(req llm.Request) (string, error) {
			return "• [VERBA] Aumentou o orçamento da campanha X em 30%", nil
		},
		analyze: func(req llm.Request) (string, error) {
			return analysisJSON, nil
		},
		requests: map[string][]llm.Request{},
	}
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	var stage string
	var fn func(llm.Request) (string, error)
	switch req.System {
	case organizeSystem:
		stage, fn = StageOrganize, f.organize
	case extractSystem:
		stage, fn = StageExtract, f.extract
	case analyzeSystem:
		stage, fn = StageAnalyze, f.analyze
	default:
		return llm.Response{}, errors.New("unexpected prompt")
	}
	f.mu.Lock()
	f.requests[stage] = append(f.requests[stage], req)
	f.mu.Unlock()

	text, err := fn(req)
	if err != nil {
		return llm.Response{}, &llm.GenerationError{Provider: "fake", StatusCode: 500, Err: err}
	}
	return llm.Response{Text: text, Model: "fake-model", Provider: "fake", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}, nil
}

func (f *fakeGenerator) Provider() string { return "fake" }
func (f *fakeGenerator) Model() string    { return "fake-model" }

func (f *fakeGenerator) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[stage])
}

type memAudio map[string][]byte

func (m memAudio) Get(_ context.Context, rel string) ([]byte, error) {
	b, ok := m[rel]
	if !ok {
		return nil, errors.New("no such object")
	}
	return b, nil
}

// failingLogStore rejects every call log insert.
type failingLogStore struct{ *storage.Store }

func (failingLogStore) LogAPICall(storage.APICall) error { return errors.New("log table full") }

// failingCompleteStore accepts every write except the final artifact save.
type failingCompleteStore struct{ *storage.Store }

func (failingCompleteStore) CompleteTranscription(storage.Transcript) error {
	return errors.New("disk full")
}

func (failingCompleteStore) CompleteAnalysis(storage.Analysis) error {
	return errors.New("disk full")
}

// --- harness ---

type harness struct {
	store *storage.Store
	stt   *fakeTranscriber
	gen   *fakeGenerator
	locks *inflight.Registry
	proc  *Processor
}

func newHarness(t *testing.T, transcriber *fakeTranscriber) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.UpsertAccount(storage.Account{
		ID:                    "acc-1",
		DisplayName:           "Loja Acme",
		TranscriptionGuidance: "Campanha X é a campanha de vendas.",
		OptimizationGuidance:  "Meta de ROAS 3.",
	}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	h := &harness{store: s, stt: transcriber, gen: newFakeGenerator(), locks: inflight.New(time.Minute)}
	h.proc = h.newProcessor(s)
	return h
}

func (h *harness) newProcessor(store Store) *Processor {
	asm := assembler.New(h.store, prompts.Overrides{}, 3)
	audio := memAudio{"audio/acc-1/rec-1/1.webm": []byte("fake-webm")}
	return New(store, audio, h.stt, h.gen, asm, h.locks, Options{})
}

func (h *harness) seed(t *testing.T, id string, recordedAt time.Time) {
	t.Helper()
	if err := h.store.CreateRecording(storage.Recording{
		ID:         id,
		AccountID:  "acc-1",
		Author:     "ana@agency.test",
		RecordedAt: recordedAt,
		AudioPath:  "audio/acc-1/" + id + "/1.webm",
		AudioMIME:  "audio/webm",
		Platform:   storage.PlatformMeta,
		Objectives: []string{"conversions"},
	}); err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
}

func (h *harness) recording(t *testing.T, id string) storage.Recording {
	t.Helper()
	r, err := h.store.GetRecording(id)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	return r
}

var day = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// --- tests ---

func TestProcess_EndToEnd(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()

	report, err := h.proc.Process(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report.Failed() || len(report.Stages) != 4 {
		t.Fatalf("report = %+v", report)
	}

	tr, err := h.store.GetTranscript("rec-1")
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if tr.RawText != narration {
		t.Errorf("RawText = %q", tr.RawText)
	}
	if tr.ProcessedText == nil || *tr.ProcessedText == "" {
		t.Error("processed text is empty")
	}

	ex, err := h.store.GetExtract("rec-1")
	if err != nil {
		t.Fatalf("GetExtract: %v", err)
	}
	var found bool
	for _, line := range strings.Split(ex.Text, "\n") {
		if strings.HasPrefix(line, "• [VERBA]") && strings.Contains(line, "30%") {
			found = true
		}
	}
	if !found {
		t.Errorf("extract has no budget bullet with 30%%: %q", ex.Text)
	}
	if len(ex.Items) != 1 || ex.Items[0].Category != storage.CategoryBudget {
		t.Errorf("Items = %+v", ex.Items)
	}

	an, err := h.store.GetAnalysis("rec-1")
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	var increase bool
	for _, a := range an.ActionsTaken {
		if a.Type == storage.ActionIncreaseBudget {
			increase = true
		}
	}
	if !increase {
		t.Errorf("ActionsTaken = %+v", an.ActionsTaken)
	}

	rec := h.recording(t, "rec-1")
	if rec.TranscriptionStatus != storage.StatusCompleted || rec.AnalysisStatus != storage.StatusCompleted {
		t.Errorf("statuses = %s/%s", rec.TranscriptionStatus, rec.AnalysisStatus)
	}

	calls, err := h.store.ListAPICalls("rec-1", 10)
	if err != nil {
		t.Fatalf("ListAPICalls: %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("call log rows = %d, want 4", len(calls))
	}
	for _, c := range calls {
		if !c.Success {
			t.Errorf("call %s not successful: %s", c.Stage, c.ErrorMessage)
		}
	}

	// Extract and Analyze read the processed text.
	if req := h.gen.requests[StageAnalyze][0]; !strings.Contains(req.User, *tr.ProcessedText) {
		t.Errorf("analyze prompt does not contain processed text: %q", req.User)
	}
}

func TestProcess_SecondRunIsCached(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()

	if _, err := h.proc.Process(ctx, "rec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.proc.Process(ctx, "rec-1"); err != nil {
		t.Fatal(err)
	}
	if h.stt.calls != 1 {
		t.Errorf("transcriber calls = %d, want 1", h.stt.calls)
	}
	for _, stage := range []string{StageOrganize, StageExtract, StageAnalyze} {
		if n := h.gen.count(stage); n != 1 {
			t.Errorf("%s calls = %d, want 1", stage, n)
		}
	}
}

func TestTranscribe_FailureSetsFailed(t *testing.T) {
	h := newHarness(t, &fakeTranscriber{transcribeFn: func(context.Context, stt.Audio) (*stt.Result, error) {
		return nil, &stt.TranscriptionServiceError{Provider: "fake", StatusCode: 503, Err: errors.New("upstream secret-token-xyz")}
	}})
	h.seed(t, "rec-1", day)

	_, err := h.proc.Transcribe(context.Background(), "rec-1", false)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageTranscribe {
		t.Fatalf("err = %v, want StageError(transcribe)", err)
	}
	var tse *stt.TranscriptionServiceError
	if !errors.As(err, &tse) {
		t.Errorf("err does not wrap TranscriptionServiceError")
	}

	rec := h.recording(t, "rec-1")
	if rec.TranscriptionStatus != storage.StatusFailed {
		t.Errorf("transcription_status = %s, want failed", rec.TranscriptionStatus)
	}
	if rec.StatusMessage == "" || strings.Contains(rec.StatusMessage, "secret-token-xyz") {
		t.Errorf("status_message = %q", rec.StatusMessage)
	}
	if _, err := h.store.GetTranscript("rec-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("transcript row exists after failure: %v", err)
	}

	calls, _ := h.store.ListAPICalls("rec-1", 10)
	if len(calls) != 1 || calls[0].Success || calls[0].Stage != StageTranscribe {
		t.Errorf("calls = %+v", calls)
	}
}

func TestTranscribe_SaveFailureMarksFailed(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	proc := h.newProcessor(failingCompleteStore{h.store})

	_, err := proc.Transcribe(context.Background(), "rec-1", false)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageTranscribe {
		t.Fatalf("err = %v, want StageError(transcribe)", err)
	}

	rec := h.recording(t, "rec-1")
	if rec.TranscriptionStatus != storage.StatusFailed {
		t.Errorf("transcription_status = %s, want failed", rec.TranscriptionStatus)
	}
	if rec.StatusMessage == "" || strings.Contains(rec.StatusMessage, "disk full") {
		t.Errorf("status_message = %q", rec.StatusMessage)
	}

	// The plain store recovers the recording.
	if _, err := h.proc.Transcribe(context.Background(), "rec-1", false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec := h.recording(t, "rec-1"); rec.TranscriptionStatus != storage.StatusCompleted {
		t.Errorf("transcription_status = %s after retry", rec.TranscriptionStatus)
	}
}

func TestTranscribe_PassesGuidanceAndLanguage(t *testing.T) {
	var got stt.Audio
	h := newHarness(t, &fakeTranscriber{transcribeFn: func(_ context.Context, a stt.Audio) (*stt.Result, error) {
		got = a
		return &stt.Result{Text: narration, Language: "pt"}, nil
	}})
	h.seed(t, "rec-1", day)

	if _, err := h.proc.Transcribe(context.Background(), "rec-1", false); err != nil {
		t.Fatal(err)
	}
	if got.Prompt != "Campanha X é a campanha de vendas." || got.Language != "pt" || string(got.Data) != "fake-webm" {
		t.Errorf("audio = %+v", got)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("analysis_status = %s, want pending", rec.AnalysisStatus)
	}
}

func TestStages_TooShort(t *testing.T) {
	h := newHarness(t, textTranscriber("Aumentei o orçamento da campanha X em 30%."))
	h.seed(t, "rec-1", day)
	ctx := context.Background()

	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	stages := map[string]func() error{
		StageOrganize: func() error { _, err := h.proc.Organize(ctx, "rec-1", false); return err },
		StageExtract:  func() error { _, err := h.proc.Extract(ctx, "rec-1", true); return err },
		StageAnalyze:  func() error { _, err := h.proc.Analyze(ctx, "rec-1", true); return err },
	}
	for name, run := range stages {
		if err := run(); !errors.Is(err, ErrTranscriptTooShort) {
			t.Errorf("%s err = %v, want ErrTranscriptTooShort", name, err)
		}
	}

	rec := h.recording(t, "rec-1")
	if rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("analysis_status = %s, want pending", rec.AnalysisStatus)
	}
	for _, stage := range []string{StageOrganize, StageExtract, StageAnalyze} {
		if n := h.gen.count(stage); n != 0 {
			t.Errorf("%s generator calls = %d, want 0", stage, n)
		}
	}

	report, err := h.proc.Process(ctx, "rec-1")
	if !errors.Is(err, ErrTranscriptTooShort) || !report.Failed() {
		t.Errorf("Process = %+v, %v", report, err)
	}
}

func TestStages_Precondition(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()

	if _, err := h.proc.Extract(ctx, "rec-1", false); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Extract err = %v, want ErrPrecondition", err)
	}
	if _, err := h.proc.Analyze(ctx, "rec-1", false); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Analyze err = %v, want ErrPrecondition", err)
	}
	if _, err := h.proc.Organize(ctx, "missing", false); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Organize(missing) err = %v, want ErrNotFound", err)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("analysis_status = %s", rec.AnalysisStatus)
	}
}

func TestExtract_IdempotentAndForceResetsEdits(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}

	first, err := h.proc.Extract(ctx, "rec-1", false)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// Simulate two manual edits.
	prev := first.Text
	edited := first
	edited.Text = "• [VERBA] Aumentou o orçamento em 35%"
	edited.Edit = storage.EditInfo{EditCount: 2, LastEditedBy: "ana", PreviousValue: &prev}
	if err := h.store.SaveExtract(edited); err != nil {
		t.Fatal(err)
	}

	cached, err := h.proc.Extract(ctx, "rec-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Text != edited.Text || cached.Edit.EditCount != 2 || h.gen.count(StageExtract) != 1 {
		t.Errorf("unforced Extract changed artifact: %+v (calls=%d)", cached, h.gen.count(StageExtract))
	}

	h.gen.extract = func(llm.Request) (string, error) { return "• [CRIATIVO] Novo vídeo", nil }
	forced, err := h.proc.Extract(ctx, "rec-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.Text != "• [CRIATIVO] Novo vídeo" || forced.Edit.EditCount != 0 || forced.Edit.CanUndo() {
		t.Errorf("forced Extract = %+v", forced)
	}
}

func TestOrganize_ForceDropsProcessedUndo(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	first, err := h.proc.Organize(ctx, "rec-1", false)
	if err != nil {
		t.Fatalf("Organize: %v", err)
	}

	// Simulate a manual edit of the processed text.
	prev, edited := *first.ProcessedText, "- EDITADO"
	first.ProcessedText = &edited
	first.PreviousField = storage.FieldProcessed
	first.Edit = storage.EditInfo{EditCount: 1, LastEditedBy: "ana", PreviousValue: &prev}
	if err := h.store.SaveTranscriptEdit(first); err != nil {
		t.Fatal(err)
	}

	h.gen.organize = func(llm.Request) (string, error) { return "- REGERADO", nil }
	forced, err := h.proc.Organize(ctx, "rec-1", true)
	if err != nil {
		t.Fatalf("forced Organize: %v", err)
	}
	if forced.ProcessedText == nil || *forced.ProcessedText != "- REGERADO" {
		t.Fatalf("processed = %v", forced.ProcessedText)
	}
	if forced.Edit.CanUndo() || forced.PreviousField != "" {
		t.Errorf("undo slot survived forced Organize: %+v field=%q", forced.Edit, forced.PreviousField)
	}
}

func TestExtract_DoesNotTouchAnalysisStatus(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.proc.Extract(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("analysis_status = %s, want pending", rec.AnalysisStatus)
	}
}

func TestAnalyze_PreservesRevision(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	a, err := h.proc.Analyze(ctx, "rec-1", false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	revisedAt := day.Add(time.Hour)
	a.ExecutiveSummary = "Revisado pela gestora"
	a.ConfidenceLevel = storage.ConfidenceRevised
	a.RevisedAt = &revisedAt
	a.RevisedBy = "ana"
	if err := h.store.SaveAnalysis(a); err != nil {
		t.Fatal(err)
	}

	// A forced re-transcription resets analysis_status to pending but keeps the record.
	if _, err := h.proc.Transcribe(ctx, "rec-1", true); err != nil {
		t.Fatal(err)
	}

	got, err := h.proc.Analyze(ctx, "rec-1", false)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.ConfidenceLevel != storage.ConfidenceRevised || got.RevisedAt == nil || !got.RevisedAt.Equal(revisedAt) {
		t.Errorf("revision clobbered: %+v", got)
	}
	if n := h.gen.count(StageAnalyze); n != 1 {
		t.Errorf("analyze calls = %d, want 1", n)
	}
	stored, _ := h.store.GetAnalysis("rec-1")
	if stored.ExecutiveSummary != "Revisado pela gestora" {
		t.Errorf("stored summary = %q", stored.ExecutiveSummary)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusCompleted {
		t.Errorf("analysis_status = %s, want completed", rec.AnalysisStatus)
	}

	forced, err := h.proc.Analyze(ctx, "rec-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if forced.IsRevised() || forced.RevisedAt != nil {
		t.Errorf("forced analyze kept revision: %+v", forced)
	}
}

func TestAnalyze_InvalidOutputFails(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}

	h.gen.analyze = func(llm.Request) (string, error) { return "Desculpe, não consegui.", nil }
	_, err := h.proc.Analyze(ctx, "rec-1", false)
	var se *StageError
	if !errors.As(err, &se) || !errors.Is(err, analysis.ErrInvalidOutput) {
		t.Fatalf("err = %v, want StageError wrapping ErrInvalidOutput", err)
	}

	rec := h.recording(t, "rec-1")
	if rec.AnalysisStatus != storage.StatusFailed || rec.TranscriptionStatus != storage.StatusCompleted {
		t.Errorf("statuses = %s/%s", rec.TranscriptionStatus, rec.AnalysisStatus)
	}
	calls, _ := h.store.ListAPICalls("rec-1", 10)
	last := calls[len(calls)-1]
	if last.Stage != StageAnalyze || last.Success || last.ErrorMessage == "" {
		t.Errorf("last call = %+v", last)
	}

	// Recreate succeeds.
	h.gen.analyze = func(llm.Request) (string, error) { return analysisJSON, nil }
	if _, err := h.proc.Analyze(ctx, "rec-1", false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusCompleted {
		t.Errorf("analysis_status = %s", rec.AnalysisStatus)
	}
}

func TestAnalyze_SaveFailureMarksFailed(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}

	proc := h.newProcessor(failingCompleteStore{h.store})
	_, err := proc.Analyze(ctx, "rec-1", false)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageAnalyze {
		t.Fatalf("err = %v, want StageError(analyze)", err)
	}

	rec := h.recording(t, "rec-1")
	if rec.AnalysisStatus != storage.StatusFailed || rec.TranscriptionStatus != storage.StatusCompleted {
		t.Errorf("statuses = %s/%s", rec.TranscriptionStatus, rec.AnalysisStatus)
	}
	if strings.Contains(rec.StatusMessage, "disk full") {
		t.Errorf("status_message leaks store error: %q", rec.StatusMessage)
	}
	if _, err := h.store.GetAnalysis("rec-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("analysis row exists after failed save: %v", err)
	}
}

func TestAnalyze_InjectsHistory(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "prior", day.AddDate(0, 0, -7))
	h.seed(t, "rec-1", day)
	if err := h.store.SaveAnalysis(storage.Analysis{
		RecordingID:      "prior",
		AccountID:        "acc-1",
		ExecutiveSummary: "Pausa do conjunto Lookalike",
		ConfidenceLevel:  storage.ConfidenceMedium,
	}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := h.proc.Analyze(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}
	req := h.gen.requests[StageAnalyze][0]
	if !strings.Contains(req.User, "2025-03-03: Pausa do conjunto Lookalike") || !req.JSON {
		t.Errorf("analyze request = %+v", req)
	}
}

func TestStages_InFlightConflict(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	ctx := context.Background()
	if _, err := h.proc.Transcribe(ctx, "rec-1", false); err != nil {
		t.Fatal(err)
	}

	release, err := h.locks.Acquire("rec-1", storage.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := h.proc.Analyze(ctx, "rec-1", false); !errors.Is(err, inflight.ErrInFlight) {
		t.Fatalf("err = %v, want ErrInFlight", err)
	}
	if rec := h.recording(t, "rec-1"); rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("analysis_status = %s, want pending", rec.AnalysisStatus)
	}
	// Other artifacts are unaffected.
	if _, err := h.proc.Extract(ctx, "rec-1", false); err != nil {
		t.Errorf("Extract: %v", err)
	}
}

func TestProcess_OrganizeFailureFallsBackToRaw(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	h.gen.organize = func(llm.Request) (string, error) { return "", errors.New("rate limited") }

	report, err := h.proc.Process(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !report.Failed() {
		t.Fatal("report should record the organize failure")
	}
	for _, s := range report.Stages {
		wantOK := s.Stage != StageOrganize
		if s.OK != wantOK {
			t.Errorf("stage %s OK = %v, want %v (%s)", s.Stage, s.OK, wantOK, s.Message)
		}
		if strings.Contains(s.Message, "rate limited") {
			t.Errorf("raw error leaked into report: %q", s.Message)
		}
	}
	if req := h.gen.requests[StageExtract][0]; !strings.Contains(req.User, narration) {
		t.Errorf("extract did not use raw text: %q", req.User)
	}
}

func TestProcess_AnalyzeFailureIsolated(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	h.gen.analyze = func(llm.Request) (string, error) { return "", errors.New("timeout") }

	report, err := h.proc.Process(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := h.store.GetExtract("rec-1"); err != nil {
		t.Errorf("extract missing after analyze failure: %v", err)
	}
	rec := h.recording(t, "rec-1")
	if rec.TranscriptionStatus != storage.StatusCompleted || rec.AnalysisStatus != storage.StatusFailed {
		t.Errorf("statuses = %s/%s", rec.TranscriptionStatus, rec.AnalysisStatus)
	}
	last := report.Stages[len(report.Stages)-1]
	if last.Stage != StageAnalyze || last.OK {
		t.Errorf("analyze outcome = %+v", last)
	}
}

func TestCallLogFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, textTranscriber(narration))
	h.seed(t, "rec-1", day)
	proc := h.newProcessor(failingLogStore{h.store})

	report, err := proc.Process(context.Background(), "rec-1")
	if err != nil || report.Failed() {
		t.Fatalf("Process = %+v, %v", report, err)
	}
	if calls, _ := h.store.ListAPICalls("rec-1", 10); len(calls) != 0 {
		t.Errorf("calls = %d, want 0", len(calls))
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrTranscriptTooShort, "too short"},
		{ErrPrecondition, "previous stage"},
		{inflight.ErrInFlight, "Another operation"},
		{&StageError{Stage: StageAnalyze, Err: errors.New("HTTP 500 body=secret")}, "Analysis failed"},
	}
	for _, tt := range tests {
		got := UserMessage(tt.err)
		if !strings.Contains(got, tt.want) || strings.Contains(got, "secret") {
			t.Errorf("UserMessage(%v) = %q", tt.err, got)
		}
	}
}
