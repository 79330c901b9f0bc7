package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/LotLogicAI/lotlogic/engine/dms"
	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/ingest"
	"github.com/LotLogicAI/lotlogic/engine/rag"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
	"github.com/LotLogicAI/lotlogic/pkg/metrics"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// maxUploadBytes caps multipart file ingestion at 100 MiB.
const maxUploadBytes = 100 << 20

type api struct {
	service  *rag.Service
	admin    *rag.Admin
	embedder *embedding.Client
	adapter  dms.Adapter
	breakers []*resilience.Breaker
	met      *metrics.Registry
	logger   *slog.Logger
	ready    atomic.Bool
}

func newAPI(service *rag.Service, admin *rag.Admin, embedder *embedding.Client, adapter dms.Adapter, breakers []*resilience.Breaker, met *metrics.Registry, logger *slog.Logger) *api {
	return &api{
		service:  service,
		admin:    admin,
		embedder: embedder,
		adapter:  adapter,
		breakers: breakers,
		met:      met,
		logger:   logger,
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/query", a.handleQuery)
	mux.HandleFunc("POST /api/ingest", a.handleIngest)
	mux.HandleFunc("POST /api/ingest/file", a.handleIngestFile)
	mux.HandleFunc("DELETE /api/namespace/{ns}", a.handleClearNamespace)
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.Handle("GET /metrics", a.handleMetrics())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrQueryEmpty),
		errors.Is(err, domain.ErrQueryTooLong),
		errors.Is(err, domain.ErrBadNamespace):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, dms.ErrRateLimit):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type queryBody struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	TopK           int            `json:"top_k,omitempty"`
	IncludeSources *bool          `json:"include_sources,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
}

func (a *api) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "engine warming up")
		return
	}

	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	includeSources := true
	if body.IncludeSources != nil {
		includeSources = *body.IncludeSources
	}
	req := rag.QueryRequest{
		Query:          body.Query,
		ConversationID: body.ConversationID,
		Filters:        body.Filters,
		TopK:           body.TopK,
		IncludeSources: includeSources,
	}

	if body.Stream {
		a.streamQuery(w, r, req)
		return
	}

	resp, err := a.service.Query(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			a.logger.Error("query failed", "err", err)
			writeError(w, status, "internal server error")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) streamQuery(w http.ResponseWriter, r *http.Request, req rag.QueryRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")

	err := a.service.QueryStream(r.Context(), req, func(chunk string) {
		io.WriteString(w, chunk)
		flusher.Flush()
	})
	if err != nil {
		a.logger.Error("stream query failed", "err", err)
		fmt.Fprintf(w, "\n[error: %v]", err)
	}
}

type ingestBody struct {
	SourceType       string         `json:"source_type"`
	SourceIdentifier string         `json:"source_identifier,omitempty"`
	Content          string         `json:"content,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Namespace        string         `json:"namespace,omitempty"`
	DocType          string         `json:"doc_type,omitempty"`
}

func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "engine warming up")
		return
	}

	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var srcType ingest.SourceType
	switch body.SourceType {
	case "text":
		srcType = ingest.SourceText
	case "file":
		srcType = ingest.SourceFile
	case "dms":
		srcType = ingest.SourceDMS
	case "url":
		writeError(w, http.StatusNotImplemented, "url ingestion is not implemented")
		return
	default:
		writeError(w, http.StatusBadRequest, "source_type must be one of file, dms, url, text")
		return
	}

	report := a.admin.Ingest(r.Context(), ingest.Source{
		Type:       srcType,
		Identifier: body.SourceIdentifier,
		Content:    body.Content,
		Namespace:  body.Namespace,
		DocType:    body.DocType,
		Metadata:   body.Metadata,
		Dedupe:     true,
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleIngestFile(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "engine warming up")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds 100 MiB")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !ingest.SupportedExtensions[ext] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", ext))
		return
	}

	// Stage the upload so the extension-dispatched loaders can read it.
	tmp, err := os.CreateTemp("", "lotlogic-upload-*"+ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload staging failed")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, "upload staging failed")
		return
	}
	tmp.Close()

	report := a.admin.Ingest(r.Context(), ingest.Source{
		Type:       ingest.SourceFile,
		Identifier: tmp.Name(),
		Namespace:  r.FormValue("namespace"),
		DocType:    r.FormValue("doc_type"),
		Metadata:   map[string]any{"filename": header.Filename},
		Dedupe:     true,
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleClearNamespace(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "engine warming up")
		return
	}

	ns, err := domain.CleanNamespace(r.PathValue("ns"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.admin.ClearNamespace(r.Context(), ns); err != nil {
		a.logger.Error("clear namespace failed", "namespace", ns, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "namespace": ns})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "namespace": ns})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, services := a.admin.Health(r.Context())
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "services": services})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	breakerStates := make(map[string]any, len(a.breakers))
	for _, b := range a.breakers {
		breakerStates[b.Name()] = map[string]any{
			"state":   b.State().String(),
			"metrics": b.Metrics(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"embedding": a.embedder.Stats(),
		"dms":       a.adapter.Stats(),
		"breakers":  breakerStates,
	})
}

// handleMetrics serves the registry plus per-breaker state in the Prometheus
// text format.
func (a *api) handleMetrics() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		io.WriteString(w, a.met.Render())
		io.WriteString(w, resilience.RenderPrometheusHeader())
		for _, b := range a.breakers {
			io.WriteString(w, b.RenderPrometheus())
		}
	})
}
