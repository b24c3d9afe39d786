package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/chunker"
	"ingestgraph/internal/community"
	"ingestgraph/internal/config"
	"ingestgraph/internal/decision"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/llmclient"
	"ingestgraph/internal/merge"
	"ingestgraph/internal/metadatastore"
	"ingestgraph/internal/pipeline"
	"ingestgraph/internal/similarity"
	"ingestgraph/internal/taskservice"
	"ingestgraph/internal/unify"
)

type stubWiki struct{}

func (stubWiki) Search(context.Context, string, string) (string, error) { return "no match found", nil }

func testCfg() *config.Config {
	return &config.Config{
		ChunkStrategy:              "fixed",
		ChunkTargetTokens:          50,
		ChunkOverlapTokens:         0,
		EmbeddingDim:               4,
		PipelineQueueSize:          100,
		PipelineExtractWorkers:     2,
		SimilarityWeightSemantic:   0.4,
		SimilarityWeightLexical:    0.3,
		SimilarityWeightContextual: 0.3,
		SimilarityCacheSize:        100,
		MergeHighThreshold:         0.85,
		MergeMediumThreshold:       0.65,
		MergeLowThreshold:          0.5,
		VectorPrescreenTopK:        10,
		UnificationMaxIterations:   3,
		UnificationMaxToolTurns:    3,
		UnificationPrescreenThresh: 0.4,
		UnificationBatchSize:       30,
	}
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	cfg := testCfg()
	embedder := embedding.NewDeterministic(cfg.EmbeddingDim, true, 0)
	graph := graphstore.NewMemoryGraph()
	vectors := graphstore.NewMemoryVector(cfg.EmbeddingDim)
	search := graphstore.NewMemorySearch()
	llm := &llmclient.MockProvider{}
	store := metadatastore.NewMemory()
	tasks := taskservice.New(store, nil)

	ragDeps := pipeline.RAGDeps{
		Chunks:   chunker.New(),
		Embedder: embedder,
		Vectors:  vectors,
		Search:   search,
		Cfg:      cfg,
	}
	graphDeps := pipeline.GraphDeps{
		Chunks:     chunker.New(),
		Embedder:   embedder,
		Similarity: similarity.New(embedder, cfg),
		Decision:   decision.New(cfg),
		Unifier:    unify.New(llm, embedder, stubWiki{}, "test-model", cfg),
		Merger:     merge.New(graph, 20),
		Graph:      graph,
		Vectors:    vectors,
		Cfg:        cfg,
	}
	detector := community.New(graph, vectors, search, llm, embedder, "test-model", cfg)
	orch := pipeline.New(tasks, cfg.PipelineQueueSize, 2, t.TempDir())
	t.Cleanup(orch.Shutdown)

	return New(Deps{
		Store:    store,
		Tasks:    tasks,
		Orch:     orch,
		RAG:      pipeline.NewRAGPipeline(ragDeps),
		Graph:    pipeline.NewGraphPipeline(graphDeps),
		Detector: detector,
	})
}

func TestHandleIngest_CreatesDocumentAndSubmitsRequestedPipelines(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(ingestRequest{
		Title:      "report",
		SourceType: domain.SourceText,
		Text:       "hello world",
		Pipelines:  []string{"rag"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	api.handleIngest(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.DocumentID)
	require.Contains(t, resp.Tasks, "rag")
}

func TestHandleIngest_RejectsUnknownPipeline(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(ingestRequest{Title: "x", Text: "y", Pipelines: []string{"nonsense"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	api.handleIngest(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetTask_NotFoundReturns404(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	api.handleGetTask(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancelTask_MarksRequestedCancellation(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	task, err := api.d.Tasks.CreateTask(ctx, "doc1", domain.TaskIngest, []domain.StepWeight{{Name: "a", Weight: 1}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", nil)
	req.SetPathValue("id", task.ID)
	w := httptest.NewRecorder()
	api.handleCancelTask(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.True(t, api.d.Tasks.Cancelled(ctx, task.ID))
}

func TestHandleCommunityRefresh_EmptyGraphReturnsNoCommunities(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/community/refresh?dry_run=true", nil)
	w := httptest.NewRecorder()
	api.handleCommunityRefresh(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res community.RefreshResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Empty(t, res.Communities)
}
