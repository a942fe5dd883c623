package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/blob"
	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/share"
	"github.com/kalambet/optlog/internal/storage"
)

// Error types of the JSON envelope.
const (
	typeInvalidRequest = "invalid_request_error"
	typeNotFound       = "not_found_error"
	typeTooShort       = "transcript_too_short"
	typePrecondition   = "precondition_failed"
	typeConflict       = "conflict"
	typeForbidden      = "forbidden"
	typeAuth           = "authentication_error"
	typeAPI            = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

// classify maps a domain error to an HTTP status, an envelope type, and a
// message safe to return. Adapter errors never reach the client verbatim.
func classify(err error) (int, string, string) {
	var (
		stageErr *pipeline.StageError
		genErr   *llm.GenerationError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, typeNotFound, "not found"
	case errors.Is(err, pipeline.ErrTranscriptTooShort):
		return http.StatusUnprocessableEntity, typeTooShort, pipeline.UserMessage(err)
	case errors.Is(err, pipeline.ErrPrecondition):
		return http.StatusConflict, typePrecondition, pipeline.UserMessage(err)
	case errors.Is(err, share.ErrNoAnalysis):
		return http.StatusConflict, typePrecondition, err.Error()
	case errors.Is(err, inflight.ErrInFlight):
		return http.StatusConflict, typeConflict, pipeline.UserMessage(err)
	case errors.As(err, &stageErr):
		return http.StatusBadGateway, typeAPI, pipeline.UserMessage(err)
	case errors.As(err, &genErr), errors.Is(err, analysis.ErrInvalidOutput):
		return http.StatusBadGateway, typeAPI, "Text generation failed. Try again."
	case errors.Is(err, share.ErrShareNotFound):
		return http.StatusNotFound, typeNotFound, err.Error()
	case errors.Is(err, share.ErrShareForbidden):
		return http.StatusForbidden, typeForbidden, err.Error()
	case errors.Is(err, editing.ErrInvalidArtifact),
		errors.Is(err, editing.ErrEmptyText),
		errors.Is(err, editing.ErrInvalidRevision),
		errors.Is(err, share.ErrInvalidOptions):
		return http.StatusBadRequest, typeInvalidRequest, err.Error()
	}
	return http.StatusInternalServerError, typeAPI, "internal error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, typ, msg := classify(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	httpError(w, code, typ, "%s", msg)
}
