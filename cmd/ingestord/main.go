// Command ingestord runs the ingestion HTTP service: it accepts documents,
// drives them through the RAG and knowledge-graph pipelines, and exposes
// task status for callers to poll or subscribe to.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"ingestgraph/internal/chunker"
	"ingestgraph/internal/community"
	"ingestgraph/internal/config"
	"ingestgraph/internal/decision"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/extractor"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/httpapi"
	"ingestgraph/internal/llmclient"
	"ingestgraph/internal/merge"
	"ingestgraph/internal/metadatastore"
	"ingestgraph/internal/metrics"
	"ingestgraph/internal/objectstore"
	"ingestgraph/internal/observability"
	"ingestgraph/internal/pipeline"
	"ingestgraph/internal/similarity"
	"ingestgraph/internal/taskservice"
	"ingestgraph/internal/textextract"
	"ingestgraph/internal/unify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: loading configuration")
	}

	observability.InitLogger(cfg.LogFile, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.TelemetryServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: initializing telemetry")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Error().Err(err).Msg("ingestord: shutting down telemetry")
		}
	}()

	var m metrics.Metrics = metrics.Noop{}
	if cfg.OTLPEndpoint != "" {
		m = metrics.NewOTel(otel.Meter(cfg.TelemetryServiceName))
	}

	store, err := metadatastore.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: opening metadata store")
	}
	if err := store.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("ingestord: initializing metadata schema")
	}

	graphMgr, err := graphstore.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: opening graph store")
	}
	defer graphMgr.Close()

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: opening object store")
	}

	embedder := embedding.New(cfg)

	llm, err := llmclient.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestord: constructing LLM client")
	}
	model := modelFor(cfg)

	redisPub, err := taskservice.NewRedisPublisher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("ingestord: connecting to redis, status fan-out disabled")
		redisPub = nil
	}
	var pub taskservice.Publisher
	if redisPub != nil {
		pub = redisPub
		defer redisPub.Close()
	}
	tasks := taskservice.New(store, pub)

	simCalc := similarity.New(embedder, cfg)
	decider := decision.New(cfg)
	wiki := unify.NewWikipediaSearcher()
	unifier := unify.New(llm, embedder, wiki, model, cfg)
	merger := merge.New(graphMgr.Graph, 0)
	detector := community.New(graphMgr.Graph, graphMgr.Vector, graphMgr.Search, llm, embedder, model, cfg)
	textRegistry := textextract.NewRegistry()
	chunks := chunker.New()
	extract := extractor.New(llm, model, cfg)

	ragDeps := pipeline.RAGDeps{
		Objects:  objects,
		Text:     textRegistry,
		Chunks:   chunks,
		Embedder: embedder,
		Vectors:  graphMgr.Vector,
		Search:   graphMgr.Search,
		Cfg:      cfg,
	}
	graphDeps := pipeline.GraphDeps{
		Chunks:     chunks,
		Embedder:   embedder,
		Extractor:  extract,
		Similarity: simCalc,
		Decision:   decider,
		Unifier:    unifier,
		Merger:     merger,
		Graph:      graphMgr.Graph,
		Vectors:    graphMgr.Vector,
		Cfg:        cfg,
	}

	orch := pipeline.New(tasks, cfg.PipelineQueueSize, cfg.PipelineExtractWorkers, cfg.PipelineWorkDir)
	defer orch.Shutdown()

	api := httpapi.New(httpapi.Deps{
		Store:      store,
		Tasks:      tasks,
		Orch:       orch,
		RAG:        pipeline.NewRAGPipeline(ragDeps),
		Graph:      pipeline.NewGraphPipeline(graphDeps),
		Detector:   detector,
		Metrics:    m,
	})

	mux := http.NewServeMux()
	api.Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ingestord: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ingestord: serving")
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingestord: shutting down HTTP server")
	}
	log.Info().Msg("ingestord: stopped")
}

// modelFor resolves which model name to hand to the constructed LLM
// provider, matching whichever backend config.Load selected.
func modelFor(cfg *config.Config) string {
	switch cfg.LLMProvider {
	case "openai":
		return cfg.OpenAIModel
	case "google":
		return cfg.GoogleModel
	default:
		return cfg.AnthropicModel
	}
}
