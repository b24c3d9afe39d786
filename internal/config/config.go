// Package config loads process configuration from environment variables:
// each field is read once at startup with os.Getenv and a literal default,
// never re-read afterward.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, read-only process configuration.
type Config struct {
	LLMProvider     string // anthropic|openai|google
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	GoogleAPIKey    string
	GoogleModel     string

	EmbeddingProvider string // openai|deterministic
	EmbeddingModel    string
	EmbeddingDim      int
	EmbeddingBaseURL  string
	EmbeddingAPIKey   string
	EmbeddingCacheTTL time.Duration

	VectorBackend    string // postgres|qdrant|memory
	GraphBackend     string // postgres|memory
	PostgresDSN      string
	QdrantDSN        string
	QdrantCollection string

	ObjectStoreBackend string // s3|memory
	S3Bucket           string
	S3Region           string
	S3Endpoint         string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string
	LogFile  string

	TelemetryServiceName string
	OTLPEndpoint         string

	ChunkStrategy      string
	ChunkTargetTokens  int
	ChunkOverlapTokens int

	SimilarityWeightSemantic   float64
	SimilarityWeightLexical    float64
	SimilarityWeightContextual float64
	SimilarityCacheSize        int
	MergeHighThreshold         float64
	MergeMediumThreshold       float64
	MergeLowThreshold          float64

	UnificationBatchSize       int
	UnificationMaxToolTurns    int
	UnificationMaxIterations   int
	UnificationPrescreenThresh float64
	VectorPrescreenTopK        int
	VectorPrescreenWorkers     int

	CommunityMaxLevels      int
	CommunityWorkerPoolSize int
	CommunityMinClusterSize int

	ExtractionMaxRetries       int
	ExtractionPaceDelay        time.Duration
	ExtractionErrorPaceDelay   time.Duration
	ExtractionEntityMinConf    float64
	ExtractionRelationMinConf  float64
	EntityTypes                []string
	RelationTypes              []string

	PipelineQueueSize        int
	PipelineExtractWorkers   int
	PipelineWorkDir          string

	HTTPAddr string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList reads a comma-separated list, lowercasing and trimming each
// entry. An unset or empty variable falls back to def.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Load reads Config from the process environment, applying defaults for
// everything unset. It never re-reads the environment afterward; callers
// should treat the returned Config as immutable.
func Load() (*Config, error) {
	cfg := &Config{
		LLMProvider:     strings.ToLower(getenv("LLM_PROVIDER", "anthropic")),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
		GoogleAPIKey:    os.Getenv("GOOGLE_LLM_API_KEY"),
		GoogleModel:     getenv("GOOGLE_MODEL", "gemini-2.0-flash"),

		EmbeddingProvider: strings.ToLower(getenv("EMBEDDING_PROVIDER", "deterministic")),
		EmbeddingModel:    getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim:      getenvInt("EMBEDDING_DIM", 1536),
		EmbeddingBaseURL:  os.Getenv("EMBEDDING_BASE_URL"),
		EmbeddingAPIKey:   os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingCacheTTL: getenvDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),

		VectorBackend:    strings.ToLower(getenv("VECTOR_BACKEND", "memory")),
		GraphBackend:     strings.ToLower(getenv("GRAPH_BACKEND", "memory")),
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		QdrantDSN:        getenv("QDRANT_DSN", "http://localhost:6334"),
		QdrantCollection: getenv("QDRANT_COLLECTION", "chunks"),

		ObjectStoreBackend: strings.ToLower(getenv("OBJECT_STORE_BACKEND", "memory")),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Region:           getenv("S3_REGION", "us-east-1"),
		S3Endpoint:         os.Getenv("S3_ENDPOINT"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFile:  os.Getenv("LOG_FILE"),

		TelemetryServiceName: getenv("OTEL_SERVICE_NAME", "ingestgraph"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ChunkStrategy:      strings.ToLower(getenv("CHUNK_STRATEGY", "adaptive")),
		ChunkTargetTokens:  getenvInt("CHUNK_TARGET_TOKENS", 500),
		ChunkOverlapTokens: getenvInt("CHUNK_OVERLAP_TOKENS", 50),

		SimilarityWeightSemantic:   getenvFloat("SIMILARITY_WEIGHT_SEMANTIC", 0.4),
		SimilarityWeightLexical:    getenvFloat("SIMILARITY_WEIGHT_LEXICAL", 0.3),
		SimilarityWeightContextual: getenvFloat("SIMILARITY_WEIGHT_CONTEXTUAL", 0.3),
		SimilarityCacheSize:        getenvInt("SIMILARITY_CACHE_SIZE", 5000),
		MergeHighThreshold:         getenvFloat("MERGE_HIGH_THRESHOLD", 0.85),
		MergeMediumThreshold:       getenvFloat("MERGE_MEDIUM_THRESHOLD", 0.65),
		MergeLowThreshold:          getenvFloat("MERGE_LOW_THRESHOLD", 0.50),

		UnificationBatchSize:       getenvInt("UNIFICATION_BATCH_SIZE", 30),
		UnificationMaxToolTurns:    getenvInt("UNIFICATION_MAX_TOOL_TURNS", 6),
		UnificationMaxIterations:   getenvInt("UNIFICATION_MAX_ITERATIONS", 5),
		UnificationPrescreenThresh: getenvFloat("UNIFICATION_PRESCREEN_THRESHOLD", 0.4),
		VectorPrescreenTopK:        getenvInt("VECTOR_PRESCREEN_TOPK", 20),
		VectorPrescreenWorkers:     getenvInt("VECTOR_PRESCREEN_WORKERS", 8),

		CommunityMaxLevels:      getenvInt("COMMUNITY_MAX_LEVELS", 3),
		CommunityWorkerPoolSize: getenvInt("COMMUNITY_WORKER_POOL_SIZE", 10),
		CommunityMinClusterSize: getenvInt("COMMUNITY_MIN_CLUSTER_SIZE", 3),

		ExtractionMaxRetries:      getenvInt("EXTRACTION_MAX_RETRIES", 3),
		ExtractionPaceDelay:       getenvDuration("EXTRACTION_PACE_DELAY", 100*time.Millisecond),
		ExtractionErrorPaceDelay:  getenvDuration("EXTRACTION_ERROR_PACE_DELAY", 500*time.Millisecond),
		ExtractionEntityMinConf:   getenvFloat("EXTRACTION_ENTITY_MIN_CONFIDENCE", 0.3),
		ExtractionRelationMinConf: getenvFloat("EXTRACTION_RELATION_MIN_CONFIDENCE", 0.5),
		EntityTypes: getenvList("ENTITY_TYPES", []string{
			"person", "organization", "location", "concept", "product", "event",
		}),
		RelationTypes: getenvList("RELATION_TYPES", []string{
			"related_to", "part_of", "located_in", "works_for", "produces", "causes", "uses", "affiliated_with",
		}),

		PipelineQueueSize:      getenvInt("PIPELINE_QUEUE_SIZE", 10000),
		PipelineExtractWorkers: getenvInt("PIPELINE_EXTRACT_WORKERS", 6),
		PipelineWorkDir:        getenv("PIPELINE_WORK_DIR", filepath.Join(os.TempDir(), "ingestgraph")),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
	}

	if cfg.LLMProvider == "anthropic" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
	}
	if cfg.VectorBackend == "postgres" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required when VECTOR_BACKEND=postgres")
	}
	if cfg.ObjectStoreBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when OBJECT_STORE_BACKEND=s3")
	}
	return cfg, nil
}
