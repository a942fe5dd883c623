package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/storage"
)

// defaultEditor is recorded when a request does not name its editor.
const defaultEditor = "api"

type saveRequest struct {
	Text   string `json:"text"`
	Editor string `json:"editor"`
}

type proposeRequest struct {
	Instruction string `json:"instruction"`
}

type undoRequest struct {
	Editor string `json:"editor"`
}

type reviseRequest struct {
	editing.Revision
	Editor string `json:"editor"`
}

func editor(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultEditor
}

func artifactKind(r *http.Request) storage.ArtifactKind {
	return storage.ArtifactKind(chi.URLParam(r, "kind"))
}

func handleGetArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Editor.Current(r.Context(), chi.URLParam(r, "id"), artifactKind(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSaveArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req saveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		st, err := deps.Editor.Save(r.Context(), chi.URLParam(r, "id"), artifactKind(r), req.Text, editor(req.Editor))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handlePropose(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proposeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Editor.Propose(r.Context(), chi.URLParam(r, "id"), artifactKind(r), req.Instruction)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleUndo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req undoRequest
		if !decodeBody(w, r, &req) {
			return
		}
		st, err := deps.Editor.Undo(r.Context(), chi.URLParam(r, "id"), artifactKind(r), editor(req.Editor))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleReviseAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviseRequest
		if !decodeBody(w, r, &req) {
			return
		}
		a, err := deps.Editor.ReviseAnalysis(r.Context(), chi.URLParam(r, "id"), req.Revision, editor(req.Editor))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}
