package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/optlog/internal/assembler"
	"github.com/kalambet/optlog/internal/blob"
	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/metrics"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/share"
	"github.com/kalambet/optlog/internal/storage"
	"github.com/kalambet/optlog/internal/stt"
)

const testToken = "test-token-12345"

const narration = "Pausei o conjunto de anúncios Y porque o CPA dobrou. Subi um criativo novo em vídeo para a campanha de remarketing."

const analysisJSON = `{
  "executive_summary": "Pausa do conjunto Y por CPA alto e novo criativo no remarketing.",
  "actions_taken": [{"type": "pause", "target": "Conjunto Y", "reason": "CPA dobrou"}],
  "metrics": {"cpa": 42.5},
  "confidence_level": "medium"
}`

var wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00")

// --- fakes ---

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ stt.Audio) (*stt.Result, error) {
	if f.err != nil {
		return nil, &stt.TranscriptionServiceError{Provider: "fake", StatusCode: 500, Err: f.err}
	}
	return &stt.Result{Text: f.text, Language: "pt", Model: "fake-stt"}, nil
}

func (f *fakeTranscriber) Name() string { return "fake" }

// fakeGenerator answers by stage, recognised from the system prompt.
type fakeGenerator struct {
	mu      sync.Mutex
	answers map[string]func() (string, error)
}

func newFakeGenerator() *fakeGenerator {
	ok := func(s string) func() (string, error) { return func() (string, error) { return s, nil } }
	return &fakeGenerator{answers: map[string]func() (string, error){
		prompts.Organize(prompts.Blocks{}, "").System: ok("- Conjunto Y pausado por CPA alto\n- Novo criativo em vídeo no remarketing"),
		prompts.Extract(prompts.Blocks{}, "").System:  ok("• [CRIATIVO] Novo criativo em vídeo no remarketing"),
		prompts.Analyze(prompts.Blocks{}, "").System:  ok(analysisJSON),
		prompts.TouchUp("", "").System:                ok("- Conjunto Y pausado (CPA alto)\n- Novo criativo em vídeo no remarketing"),
	}}
}

func (f *fakeGenerator) set(system string, fn func() (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[system] = fn
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	fn, ok := f.answers[req.System]
	f.mu.Unlock()
	if !ok {
		return llm.Response{}, &llm.GenerationError{Provider: "fake", Err: errors.New("unexpected prompt")}
	}
	text, err := fn()
	if err != nil {
		return llm.Response{}, &llm.GenerationError{Provider: "fake", StatusCode: 503, Err: err}
	}
	return llm.Response{Text: text, Model: "fake-model", Provider: "fake"}, nil
}

func (f *fakeGenerator) Provider() string { return "fake" }
func (f *fakeGenerator) Model() string    { return "fake-model" }

// --- harness ---

type testEnv struct {
	store   *storage.Store
	stt     *fakeTranscriber
	gen     *fakeGenerator
	locks   *inflight.Registry
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPipeline(reg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	env := &testEnv{
		store: store,
		stt:   &fakeTranscriber{text: narration},
		gen:   newFakeGenerator(),
		locks: inflight.New(0),
	}
	asm := assembler.New(store, prompts.Overrides{}, 3)
	env.handler = NewHandler(Deps{
		Store:     store,
		Blobs:     blobs,
		Processor: pipeline.New(store, blobs, env.stt, env.gen, asm, env.locks, pipeline.Options{Metrics: m}),
		Editor:    editing.New(store, env.gen, env.locks, editing.Options{Metrics: m}),
		Publisher: share.New(store, share.Config{PublicBaseURL: "https://optlog.example", Metrics: m}),
		Gatherer:  reg,
		Token:     testToken,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func uploadBody(t *testing.T, fields map[string]string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if audio != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="audio"; filename="nota.wav"`)
		h.Set("Content-Type", "application/octet-stream")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(audio)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, fields map[string]string, audio []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := uploadBody(t, fields, audio)
	req := httptest.NewRequest(http.MethodPost, "/recordings", body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", ct)
	return e.do(req)
}

// seed uploads a recording and returns its id.
func (e *testEnv) seed(t *testing.T) string {
	t.Helper()
	rr := e.upload(t, map[string]string{
		"account_id":  "acc-1",
		"author":      "ana",
		"platform":    "meta",
		"objectives":  "conversions, remarketing",
		"recorded_at": "2026-03-02T14:00:00Z",
	}, wavHeader)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rec storage.Recording
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatalf("decoding recording: %v", err)
	}
	return rec.ID
}

func (e *testEnv) process(t *testing.T, id string) {
	t.Helper()
	rr := e.do(authReq(http.MethodPost, "/recordings/"+id+"/process", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("process status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.NewDecoder(rr.Body).Decode(&eb); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return eb
}

// --- tests ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth_Required(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "wrong"} {
		rr := env.do(authReq(http.MethodGet, "/recordings/x", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuth_EmptyServerTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestUpload_CreatesPendingRecording(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	rec, err := env.store.GetRecording(id)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if rec.TranscriptionStatus != storage.StatusPending || rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("statuses = %s/%s, want pending/pending", rec.TranscriptionStatus, rec.AnalysisStatus)
	}
	if rec.AudioMIME != "audio/wav" {
		t.Errorf("AudioMIME = %q, want audio/wav", rec.AudioMIME)
	}
	if !strings.HasPrefix(rec.AudioPath, "audio/acc-1/"+id+"/") {
		t.Errorf("AudioPath = %q", rec.AudioPath)
	}
	if len(rec.Objectives) != 2 || rec.Objectives[0] != "conversions" || rec.Objectives[1] != "remarketing" {
		t.Errorf("Objectives = %v", rec.Objectives)
	}

	rr := env.do(authReq(http.MethodGet, "/recordings/"+id+"/audio", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("audio status = %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), wavHeader) {
		t.Error("audio bytes differ from upload")
	}
}

func TestUpload_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		fields map[string]string
		audio  []byte
		want   int
	}{
		{"missing account", map[string]string{"author": "ana"}, wavHeader, http.StatusBadRequest},
		{"unknown platform", map[string]string{"account_id": "a", "author": "ana", "platform": "myspace"}, wavHeader, http.StatusBadRequest},
		{"bad recorded_at", map[string]string{"account_id": "a", "author": "ana", "recorded_at": "yesterday"}, wavHeader, http.StatusBadRequest},
		{"negative duration", map[string]string{"account_id": "a", "author": "ana", "duration_seconds": "-3"}, wavHeader, http.StatusBadRequest},
		{"missing audio", map[string]string{"account_id": "a", "author": "ana"}, nil, http.StatusBadRequest},
		{"not audio", map[string]string{"account_id": "a", "author": "ana"}, []byte("%PDF-1.7 not audio at all"), http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.upload(t, tt.fields, tt.audio)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestParseObjectives(t *testing.T) {
	got := parseObjectives([]string{`["leads","brand"]`, "leads, traffic ,", ""})
	want := []string{"leads", "brand", "traffic"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if parseObjectives(nil) == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestGetRecording_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(authReq(http.MethodGet, "/recordings/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if eb := decodeError(t, rr); eb.Error.Type != typeNotFound {
		t.Errorf("type = %q", eb.Error.Type)
	}
}

func TestListRecordings(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.seed(t)

	rr := env.do(authReq(http.MethodGet, "/accounts/acc-1/recordings?limit=1", "", testToken))
	var recs []storage.Recording
	json.NewDecoder(rr.Body).Decode(&recs)
	if len(recs) != 1 {
		t.Errorf("got %d recordings, want 1", len(recs))
	}

	rr = env.do(authReq(http.MethodGet, "/accounts/nobody/recordings", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty account body = %s, want []", rr.Body.String())
	}
}

func TestProcess_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/process", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var report pipeline.Report
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if len(report.Stages) != 4 {
		t.Fatalf("stages = %+v", report.Stages)
	}
	for _, s := range report.Stages {
		if !s.OK {
			t.Errorf("stage %s failed: %s", s.Stage, s.Message)
		}
	}

	rr = env.do(authReq(http.MethodGet, "/recordings/"+id+"/analysis", "", testToken))
	var a storage.Analysis
	json.NewDecoder(rr.Body).Decode(&a)
	if a.ConfidenceLevel != storage.ConfidenceMedium || len(a.ActionsTaken) != 1 {
		t.Errorf("analysis = %+v", a)
	}

	rr = env.do(authReq(http.MethodGet, "/recordings/"+id+"/calls", "", testToken))
	var calls []storage.APICall
	json.NewDecoder(rr.Body).Decode(&calls)
	if len(calls) != 4 {
		t.Errorf("call log has %d entries, want 4", len(calls))
	}

	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `optlog_stage_runs_total{result="success",stage="analyze"} 1`) {
		t.Errorf("metrics missing analyze success:\n%s", rr.Body.String())
	}
}

func TestStage_TooShort(t *testing.T) {
	env := newTestEnv(t)
	env.stt.text = "Subi o orçamento. Só isso por hoje, pessoal."
	id := env.seed(t)

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/transcribe", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("transcribe status = %d", rr.Code)
	}
	rr = env.do(authReq(http.MethodPost, "/recordings/"+id+"/analyze", `{"force":false}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	if eb := decodeError(t, rr); eb.Error.Type != typeTooShort {
		t.Errorf("type = %q", eb.Error.Type)
	}

	rec, _ := env.store.GetRecording(id)
	if rec.AnalysisStatus != storage.StatusPending {
		t.Errorf("AnalysisStatus = %s, want pending", rec.AnalysisStatus)
	}
}

func TestStage_Precondition(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/organize", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if eb := decodeError(t, rr); eb.Error.Type != typePrecondition {
		t.Errorf("type = %q", eb.Error.Type)
	}
}

func TestStage_FailureHidesAdapterError(t *testing.T) {
	env := newTestEnv(t)
	env.gen.set(prompts.Analyze(prompts.Blocks{}, "").System, func() (string, error) {
		return "", errors.New("upstream exploded: key sk-secret")
	})
	id := env.seed(t)
	env.do(authReq(http.MethodPost, "/recordings/"+id+"/transcribe", "", testToken))

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/analyze", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk-secret") {
		t.Errorf("adapter error leaked: %s", rr.Body.String())
	}

	rec, _ := env.store.GetRecording(id)
	if rec.AnalysisStatus != storage.StatusFailed {
		t.Errorf("AnalysisStatus = %s, want failed", rec.AnalysisStatus)
	}
	if strings.Contains(rec.StatusMessage, "sk-secret") {
		t.Errorf("status message leaked adapter error: %q", rec.StatusMessage)
	}
}

func TestProcess_TranscriptionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.stt.err = errors.New("connection reset")
	id := env.seed(t)

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/process", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	var report pipeline.Report
	json.NewDecoder(rr.Body).Decode(&report)
	if len(report.Stages) != 1 || report.Stages[0].OK {
		t.Errorf("report = %+v", report)
	}
}

func TestStage_Conflict(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)

	release, err := env.locks.Acquire(id, storage.KindRawTranscript)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/transcribe", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if eb := decodeError(t, rr); eb.Error.Type != typeConflict {
		t.Errorf("type = %q", eb.Error.Type)
	}
}

func TestStage_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t)
	rr := env.do(authReq(http.MethodPost, "/recordings/"+id+"/transcribe", `{"force":`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}
