package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/optlog/internal/blob"
	"github.com/kalambet/optlog/internal/storage"
)

const (
	maxAudioSize     = 100 << 20 // 100MB
	maxMultipartMem  = 32 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAudioSize+(1<<20))
		if err := r.ParseMultipartForm(maxMultipartMem); err != nil {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		accountID := strings.TrimSpace(r.FormValue("account_id"))
		author := strings.TrimSpace(r.FormValue("author"))
		if accountID == "" || author == "" {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "account_id and author are required")
			return
		}

		platform := strings.ToLower(strings.TrimSpace(r.FormValue("platform")))
		if platform == "" {
			platform = storage.PlatformOther
		}
		if !storage.ValidPlatform(platform) {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "unknown platform %q", platform)
			return
		}

		var duration float64
		if s := r.FormValue("duration_seconds"); s != "" {
			d, err := strconv.ParseFloat(s, 64)
			if err != nil || d < 0 {
				httpError(w, http.StatusBadRequest, typeInvalidRequest, "duration_seconds must be a non-negative number")
				return
			}
			duration = d
		}

		recordedAt := time.Now().UTC()
		if s := r.FormValue("recorded_at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, typeInvalidRequest, "recorded_at must be RFC3339")
				return
			}
			recordedAt = t.UTC()
		}

		file, header, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "audio file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "reading audio: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, typeInvalidRequest, "audio file is empty")
			return
		}
		if !blob.IsAudio(data) {
			httpError(w, http.StatusUnsupportedMediaType, typeInvalidRequest, "uploaded file is not audio")
			return
		}

		id := uuid.New().String()
		obj, err := deps.Blobs.Put(r.Context(), blob.AudioScope(accountID, id), data, header.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		rec := storage.Recording{
			ID:              id,
			AccountID:       accountID,
			Author:          author,
			RecordedAt:      recordedAt,
			DurationSeconds: duration,
			AudioPath:       obj.Path,
			AudioMIME:       obj.MIMEType,
			Platform:        platform,
			Objectives:      parseObjectives(r.MultipartForm.Value["objectives"]),
			ContextOverride: strings.TrimSpace(r.FormValue("context_override")),
		}
		if err := deps.Store.CreateRecording(rec); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := deps.Store.GetRecording(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// parseObjectives accepts repeated form values, each either a JSON array or
// a comma-separated list.
func parseObjectives(values []string) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, v := range values {
		var arr []string
		if err := json.Unmarshal([]byte(v), &arr); err == nil {
			for _, s := range arr {
				add(s)
			}
			continue
		}
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}
	return out
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func handleListRecordings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListRecordingsByAccount(chi.URLParam(r, "accountID"), queryLimit(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if recs == nil {
			recs = []storage.Recording{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGetRecording(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetRecording(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleGetAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetRecording(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		data, err := deps.Blobs.Get(r.Context(), rec.AudioPath)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", rec.AudioMIME)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}
}

func handleGetTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTranscript(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleGetExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Store.GetExtract(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleGetAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Store.GetAnalysis(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleListCalls(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetRecording(id); err != nil {
			writeError(w, r, err)
			return
		}
		calls, err := deps.Store.ListAPICalls(id, queryLimit(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if calls == nil {
			calls = []storage.APICall{}
		}
		writeJSON(w, http.StatusOK, calls)
	}
}
