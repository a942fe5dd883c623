package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/optlog/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

type stageRequest struct {
	Force bool `json:"force"`
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, typeInvalidRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func handleStage(deps Deps, stage string) http.HandlerFunc {
	run := func(ctx context.Context, id string, force bool) (any, error) {
		switch stage {
		case pipeline.StageTranscribe:
			return deps.Processor.Transcribe(ctx, id, force)
		case pipeline.StageOrganize:
			return deps.Processor.Organize(ctx, id, force)
		case pipeline.StageExtract:
			return deps.Processor.Extract(ctx, id, force)
		default:
			return deps.Processor.Analyze(ctx, id, force)
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req stageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		out, err := run(r.Context(), chi.URLParam(r, "id"), req.Force)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleProcess always returns the per-stage report. The status code
// reflects the error that stopped the pass early, if any.
func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Processor.Process(r.Context(), chi.URLParam(r, "id"))
		if err != nil && len(report.Stages) == 0 {
			writeError(w, r, err)
			return
		}
		code := http.StatusOK
		if err != nil {
			code, _, _ = classify(err)
		}
		writeJSON(w, code, report)
	}
}
