// Package httpapi exposes the ingestion service over HTTP: document
// submission, task status and cancellation, and an on-demand community
// refresh. Routing follows the plain net/http.ServeMux style of
// cmd/webui/main.go rather than a router framework.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ingestgraph/internal/community"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/metadatastore"
	"ingestgraph/internal/metrics"
	"ingestgraph/internal/pipeline"
	"ingestgraph/internal/taskservice"
)

// Deps are the collaborators the HTTP layer dispatches to. It never talks to
// any backend directly, so every handler stays trivially testable against
// fakes.
type Deps struct {
	Store    metadatastore.Store
	Tasks    *taskservice.Service
	Orch     *pipeline.Orchestrator
	RAG      pipeline.Definition
	Graph    pipeline.Definition
	Detector *community.Detector
	Metrics  metrics.Metrics
}

// API wraps Deps with the registered handlers.
type API struct {
	d Deps
}

// New builds an API over the given Deps.
func New(d Deps) *API {
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	return &API{d: d}
}

// Register attaches every route to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ingest", a.handleIngest)
	mux.HandleFunc("GET /v1/documents/{id}", a.handleGetDocument)
	mux.HandleFunc("GET /v1/tasks", a.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", a.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", a.handleCancelTask)
	mux.HandleFunc("POST /v1/community/refresh", a.handleCommunityRefresh)
	mux.HandleFunc("GET /healthz", a.handleHealthz)
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ingestRequest is the JSON body accepted by POST /v1/ingest. Text is the
// document body for every source type: it becomes the job's raw bytes and
// text. SourceURI is recorded on the document; nothing is fetched from it.
type ingestRequest struct {
	Title      string              `json:"title"`
	SourceType domain.SourceType   `json:"source_type"`
	SourceURI  string              `json:"source_uri,omitempty"`
	MimeType   string              `json:"mime_type,omitempty"`
	Text       string              `json:"text,omitempty"`
	Pipelines  []string            `json:"pipelines"`
	Mode       domain.UnificationMode `json:"mode,omitempty"`
}

type ingestResponse struct {
	DocumentID string            `json:"document_id"`
	Tasks      map[string]string `json:"tasks"`
}

// handleIngest creates a document record and submits one task per requested
// pipeline ("rag", "graph", or both). Each pipeline runs as an independent
// job against its own task id, so a caller that only wants vector search
// does not pay for graph extraction and vice versa.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.SourceType == "" {
		req.SourceType = domain.SourceText
	}
	if len(req.Pipelines) == 0 {
		req.Pipelines = []string{"rag", "graph"}
	}
	if req.Mode == "" {
		req.Mode = domain.ModeIncremental
	}

	ctx := r.Context()
	doc := domain.Document{
		ID:         "doc_" + uuid.NewString(),
		Title:      req.Title,
		SourceType: req.SourceType,
		SourceURI:  req.SourceURI,
		MimeType:   req.MimeType,
		Status:     domain.DocumentPending,
	}
	doc, err := a.d.Store.CreateDocument(ctx, doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("creating document: %w", err))
		return
	}

	rawBytes := []byte(req.Text)
	taskIDs := make(map[string]string, len(req.Pipelines))
	for _, name := range req.Pipelines {
		def, err := a.pipelineFor(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		task, err := a.d.Tasks.CreateTask(ctx, doc.ID, domain.TaskIngest, def.StepWeights())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("creating task: %w", err))
			return
		}
		job := pipeline.Job{
			TaskID:     task.ID,
			Definition: def,
			State: &pipeline.State{
				Document: doc,
				Mode:     req.Mode,
				RawBytes: rawBytes,
				Text:     req.Text,
			},
		}
		if err := a.d.Orch.Submit(job); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("submitting %s pipeline: %w", name, err))
			return
		}
		taskIDs[name] = task.ID
		a.d.Metrics.IncCounter("ingestgraph_tasks_submitted_total", map[string]string{"pipeline": name})
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{DocumentID: doc.ID, Tasks: taskIDs})
}

func (a *API) pipelineFor(name string) (pipeline.Definition, error) {
	switch name {
	case "rag":
		return a.d.RAG, nil
	case "graph":
		return a.d.Graph, nil
	default:
		return pipeline.Definition{}, fmt.Errorf("unknown pipeline %q", name)
	}
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := a.d.Store.GetDocument(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := a.d.Tasks.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := a.d.Tasks.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleCancelTask requests cooperative cancellation; the task transitions
// to cancelled the next time the orchestrator checks between steps, not
// immediately.
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.d.Tasks.GetTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	a.d.Tasks.RequestCancellation(id)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleCommunityRefresh(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	result, err := a.d.Detector.Refresh(r.Context(), dryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if err == metadatastore.ErrNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
