package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestModelInventory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			w.Write([]byte(`{"version":"0.5.7"}`))
		case "/api/tags":
			w.Write(tagsJSON("llama3.1:latest", "qwen2.5:7b"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	models, err := c.Models(ctx)
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3.1:latest" || models[1].Name != "qwen2.5:7b" {
		t.Errorf("models = %+v", models)
	}

	for name, want := range map[string]bool{
		"llama3.1":        true,
		"llama3.1:latest": true,
		"llama3.1:70b":    false,
		"qwen2.5:7b":      true,
		"qwen2":           false,
		"gemma2":          false,
	} {
		got, err := c.HasModel(ctx, name)
		if err != nil || got != want {
			t.Errorf("HasModel(%q) = %v, %v, want %v", name, got, err, want)
		}
	}
}

func TestPing_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if err := New(srv.URL).Ping(context.Background()); err == nil {
		t.Error("Ping() = nil, want error")
	}
}

func TestModels_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL).HasModel(context.Background(), "llama3.1")
	var se *StatusError
	if !errors.As(err, &se) || se.Op != "list models" || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("err = %v, want list models StatusError", err)
	}
}

func TestChat_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var reqBody chatRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Format != "" {
			t.Errorf("format = %q, want empty", reqBody.Format)
		}
		if reqBody.Stream {
			t.Error("stream = true, want false")
		}
		resp := chatResponse{
			Model:           "llama3.1:latest",
			Message:         Message{Role: "assistant", Content: "10:02 - Aumentou o orçamento"},
			PromptEvalCount: 42,
			EvalCount:       7,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), ChatRequest{
		Model:    "llama3.1",
		Messages: []Message{{Role: "user", Content: "Organize o log"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result.Content != "10:02 - Aumentou o orçamento" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.PromptTokens != 42 || result.CompletionTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", result.PromptTokens, result.CompletionTokens)
	}
	if result.Model != "llama3.1:latest" {
		t.Errorf("Model = %q", result.Model)
	}
}

func TestChat_JSONFormat(t *testing.T) {
	var captured chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		resp := chatResponse{
			Message: Message{Role: "assistant", Content: `{"executive_summary":"ok"}`},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), ChatRequest{
		Model:     "llama3.1",
		Messages:  []Message{{Role: "user", Content: "analyze"}},
		JSON:      true,
		MaxTokens: 800,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if captured.Format != "json" {
		t.Errorf("format = %q, want json", captured.Format)
	}
	if captured.Options == nil || captured.Options.NumPredict != 800 {
		t.Errorf("options = %+v", captured.Options)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
	if result.Model != "llama3.1" {
		t.Errorf("Model fallback = %q", result.Model)
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "missing"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound || !strings.Contains(se.Body, "model not found") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestPull_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "llama3.1" || !body.Stream {
			t.Errorf("pull body = %+v", body)
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var pcts []float64
	err := New(srv.URL).Pull(context.Background(), "llama3.1", func(p PullProgress) {
		pcts = append(pcts, p.Percent())
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(pcts) != 3 || pcts[0] != -1 || pcts[1] != 50 || pcts[2] != -1 {
		t.Errorf("percents = %v", pcts)
	}
}

func TestPull_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()

	err := New(srv.URL).Pull(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Errorf("err = %v, want stream error", err)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	err := EnsureReady(context.Background(), c, "llama3.1", io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}

	want := "Ollama is not running"
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	var pulled, chatted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			w.Write([]byte(`{"version":"0.5.7"}`))
		case "/api/tags":
			w.Write(tagsJSON("qwen2.5:latest"))
		case "/api/pull":
			pulled = true
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/chat":
			chatted = true
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var out strings.Builder
	if err := EnsureReady(context.Background(), New(srv.URL), "llama3.1", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled || !chatted {
		t.Errorf("pulled=%v chatted=%v, want both", pulled, chatted)
	}
	if !strings.Contains(out.String(), "model llama3.1: warm") {
		t.Errorf("output = %q", out.String())
	}
}
