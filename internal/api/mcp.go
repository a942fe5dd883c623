package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/optlog/internal/storage"
)

// MCPStore is the read-only persistence the MCP tools use.
type MCPStore interface {
	GetRecording(id string) (storage.Recording, error)
	GetAnalysis(recordingID string) (storage.Analysis, error)
	ListRecordingsByAccount(accountID string, limit int) ([]storage.Recording, error)
}

// MCPHistory renders an account's prior analyses.
type MCPHistory interface {
	History(ctx context.Context, accountID, excludeID string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   MCPStore
	History MCPHistory
}

// NewMCPServer creates an MCP server exposing read-only recording tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"optlog",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("optlog: recorded ad-account optimizations, their transcripts and structured analyses."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recording_status",
			mcp.WithDescription("Report the transcription and analysis status of a recording."),
			mcp.WithString("recording_id", mcp.Description("Recording ID"), mcp.Required()),
		),
		mcpRecordingStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return the structured analysis of a recording as JSON."),
			mcp.WithString("recording_id", mcp.Description("Recording ID"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("account_history",
			mcp.WithDescription("Summarize the most recent analyzed optimizations of an ad account."),
			mcp.WithString("account_id", mcp.Description("Account ID"), mcp.Required()),
			mcp.WithString("exclude_recording_id", mcp.Description("Recording to leave out of the history")),
		),
		mcpAccountHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_recordings",
			mcp.WithDescription("List an account's recordings, newest first."),
			mcp.WithString("account_id", mcp.Description("Account ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListRecordings(deps),
	)

	return s
}

type recordingStatus struct {
	ID                  string         `json:"id"`
	AccountID           string         `json:"account_id"`
	RecordedAt          string         `json:"recorded_at"`
	Platform            string         `json:"platform"`
	TranscriptionStatus storage.Status `json:"transcription_status"`
	AnalysisStatus      storage.Status `json:"analysis_status"`
	StatusMessage       string         `json:"status_message,omitempty"`
	ShareEnabled        bool           `json:"share_enabled"`
}

func statusOf(r storage.Recording) recordingStatus {
	return recordingStatus{
		ID:                  r.ID,
		AccountID:           r.AccountID,
		RecordedAt:          r.RecordedAt.Format(time.RFC3339),
		Platform:            r.Platform,
		TranscriptionStatus: r.TranscriptionStatus,
		AnalysisStatus:      r.AnalysisStatus,
		StatusMessage:       r.StatusMessage,
		ShareEnabled:        r.ShareEnabled,
	}
}

func mcpRecordingStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("recording_id")
		if err != nil {
			return mcpError("recording_id is required"), nil
		}
		rec, err := deps.Store.GetRecording(id)
		if err != nil {
			return mcpLookupError("recording", id, err), nil
		}
		return mcpJSON(statusOf(rec))
	}
}

func mcpGetAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("recording_id")
		if err != nil {
			return mcpError("recording_id is required"), nil
		}
		a, err := deps.Store.GetAnalysis(id)
		if err != nil {
			return mcpLookupError("analysis", id, err), nil
		}
		return mcpJSON(a)
	}
}

func mcpAccountHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := req.RequireString("account_id")
		if err != nil {
			return mcpError("account_id is required"), nil
		}
		block, err := deps.History.History(ctx, accountID, req.GetString("exclude_recording_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("reading history failed: %v", err)), nil
		}
		if block == "" {
			return mcpText("No analyzed optimizations for this account yet."), nil
		}
		return mcpText(block), nil
	}
}

func mcpListRecordings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := req.RequireString("account_id")
		if err != nil {
			return mcpError("account_id is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		recs, err := deps.Store.ListRecordingsByAccount(accountID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing recordings failed: %v", err)), nil
		}
		out := make([]recordingStatus, len(recs))
		for i, r := range recs {
			out[i] = statusOf(r)
		}
		return mcpJSON(out)
	}
}

func mcpLookupError(what, id string, err error) *mcp.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return mcpError(fmt.Sprintf("%s %s not found", what, id))
	}
	return mcpError(fmt.Sprintf("reading %s failed: %v", what, err))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
