package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/optlog/internal/share"
)

// SharePasswordHeader carries the password of a protected share.
const SharePasswordHeader = "X-Share-Password"

func handlePublish(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts share.Options
		if !decodeBody(w, r, &opts) {
			return
		}
		s, err := deps.Publisher.Publish(r.Context(), chi.URLParam(r, "id"), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func handleDisableShare(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Publisher.Disable(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleOpenShare(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Publisher.Open(r.Context(), chi.URLParam(r, "slug"), r.Header.Get(SharePasswordHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, view)
	}
}
