package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/optlog/internal/storage"
)

// --- mocks ---

type mockMCPHistory struct {
	historyFn func(ctx context.Context, accountID, excludeID string) (string, error)
}

func (m *mockMCPHistory) History(ctx context.Context, accountID, excludeID string) (string, error) {
	return m.historyFn(ctx, accountID, excludeID)
}

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{
		Store: env.store,
		History: &mockMCPHistory{historyFn: func(context.Context, string, string) (string, error) {
			return "", nil
		}},
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_RecordingStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	id := env.seed(t)
	env.process(t, id)

	result, err := mcpRecordingStatus(deps)(context.Background(), makeCallToolRequest("recording_status", map[string]interface{}{
		"recording_id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var st recordingStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if st.TranscriptionStatus != storage.StatusCompleted || st.AnalysisStatus != storage.StatusCompleted {
		t.Errorf("status = %+v", st)
	}
}

func TestMCPTool_RecordingStatus_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpRecordingStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("recording_status", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for missing recording_id")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("recording_status", map[string]interface{}{
		"recording_id": "ghost",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("expected not found, got %q", toolText(t, result))
	}
}

func TestMCPTool_GetAnalysis(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	id := env.seed(t)

	handler := mcpGetAnalysis(deps)
	req := makeCallToolRequest("get_analysis", map[string]interface{}{"recording_id": id})

	result, _ := handler(context.Background(), req)
	if !result.IsError {
		t.Fatal("expected error before analysis exists")
	}

	env.process(t, id)
	result, _ = handler(context.Background(), req)
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var a storage.Analysis
	if err := json.Unmarshal([]byte(toolText(t, result)), &a); err != nil {
		t.Fatalf("decoding analysis: %v", err)
	}
	if a.RecordingID != id || a.ExecutiveSummary == "" {
		t.Errorf("analysis = %+v", a)
	}
}

func TestMCPTool_AccountHistory(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	var gotAccount, gotExclude string
	deps.History = &mockMCPHistory{historyFn: func(_ context.Context, accountID, excludeID string) (string, error) {
		gotAccount, gotExclude = accountID, excludeID
		return "- 2026-03-02: Pausa do conjunto Y", nil
	}}

	result, _ := mcpAccountHistory(deps)(context.Background(), makeCallToolRequest("account_history", map[string]interface{}{
		"account_id":           "acc-1",
		"exclude_recording_id": "rec-9",
	}))
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if gotAccount != "acc-1" || gotExclude != "rec-9" {
		t.Errorf("History called with (%q, %q)", gotAccount, gotExclude)
	}
	if !strings.Contains(toolText(t, result), "conjunto Y") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_AccountHistory_EmptyAndError(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAccountHistory(deps)
	req := makeCallToolRequest("account_history", map[string]interface{}{"account_id": "acc-1"})

	result, _ := handler(context.Background(), req)
	if result.IsError || !strings.Contains(toolText(t, result), "No analyzed") {
		t.Errorf("empty history: %q", toolText(t, result))
	}

	deps.History = &mockMCPHistory{historyFn: func(context.Context, string, string) (string, error) {
		return "", errors.New("db closed")
	}}
	result, _ = mcpAccountHistory(deps)(context.Background(), req)
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_ListRecordings(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.seed(t)
	env.seed(t)
	env.seed(t)

	result, _ := mcpListRecordings(deps)(context.Background(), makeCallToolRequest("list_recordings", map[string]interface{}{
		"account_id": "acc-1",
		"limit":      2,
	}))
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var out []recordingStatus
	json.Unmarshal([]byte(toolText(t, result)), &out)
	if len(out) != 2 {
		t.Errorf("got %d recordings, want 2", len(out))
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps, "test")
	tools := s.ListTools()
	for _, name := range []string{"recording_status", "get_analysis", "account_history", "list_recordings"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
