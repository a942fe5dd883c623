// Package api exposes the recording pipeline over HTTP and MCP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/optlog/internal/blob"
	"github.com/kalambet/optlog/internal/editing"
	"github.com/kalambet/optlog/internal/pipeline"
	"github.com/kalambet/optlog/internal/share"
	"github.com/kalambet/optlog/internal/storage"
)

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Store     *storage.Store
	Blobs     *blob.FSStore
	Processor *pipeline.Processor
	Editor    *editing.Manager
	Publisher *share.Publisher
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	Token    string
}

// NewHandler returns the full router: public health, metrics and share
// routes, and the bearer-authenticated recording API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/public/shares/{slug}", handleOpenShare(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/recordings", handleUpload(deps))
		r.Get("/accounts/{accountID}/recordings", handleListRecordings(deps))

		r.Route("/recordings/{id}", func(r chi.Router) {
			r.Get("/", handleGetRecording(deps))
			r.Get("/audio", handleGetAudio(deps))
			r.Get("/transcript", handleGetTranscript(deps))
			r.Get("/extract", handleGetExtract(deps))
			r.Get("/analysis", handleGetAnalysis(deps))
			r.Get("/calls", handleListCalls(deps))

			r.Post("/transcribe", handleStage(deps, pipeline.StageTranscribe))
			r.Post("/organize", handleStage(deps, pipeline.StageOrganize))
			r.Post("/extract", handleStage(deps, pipeline.StageExtract))
			r.Post("/analyze", handleStage(deps, pipeline.StageAnalyze))
			r.Post("/process", handleProcess(deps))

			r.Get("/artifacts/{kind}", handleGetArtifact(deps))
			r.Put("/artifacts/{kind}", handleSaveArtifact(deps))
			r.Post("/artifacts/{kind}/proposals", handlePropose(deps))
			r.Post("/artifacts/{kind}/undo", handleUndo(deps))
			r.Put("/analysis", handleReviseAnalysis(deps))

			r.Post("/share", handlePublish(deps))
			r.Delete("/share", handleDisableShare(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
