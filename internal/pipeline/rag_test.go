package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/chunker"
	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/objectstore"
	"ingestgraph/internal/textextract"
)

type fakeRAGEmbedder struct{ dim int }

func (f *fakeRAGEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(i + 1)
	}
	return out, nil
}
func (f *fakeRAGEmbedder) Name() string               { return "fake" }
func (f *fakeRAGEmbedder) Dimension() int             { return f.dim }
func (f *fakeRAGEmbedder) Ping(context.Context) error { return nil }

func ragTestDeps(t *testing.T) RAGDeps {
	t.Helper()
	return RAGDeps{
		Objects:  objectstore.NewMemoryStore(),
		Text:     textextract.NewRegistry(),
		Chunks:   chunker.New(),
		Embedder: &fakeRAGEmbedder{dim: 4},
		Vectors:  graphstore.NewMemoryVector(4),
		Search:   graphstore.NewMemorySearch(),
		Cfg: &config.Config{
			ChunkStrategy:      "fixed",
			ChunkTargetTokens:  50,
			ChunkOverlapTokens: 0,
			S3Bucket:           "docs",
		},
	}
}

func TestRAGPipeline_RunsAllStepsAndStoresVectors(t *testing.T) {
	deps := ragTestDeps(t)
	def := NewRAGPipeline(deps)
	require.Len(t, def.Steps, 6)

	st := &State{
		Document: domain.Document{ID: "doc1", Title: "report.txt", SourceType: domain.SourceUpload, MimeType: "text/plain"},
		RawBytes: []byte("The quick brown fox jumps over the lazy dog. " +
			"Knowledge graphs link entities through relations. " +
			"Vector search retrieves the nearest chunks by embedding distance."),
	}

	ctx := context.Background()
	for _, step := range def.Steps {
		detail, err := step.Run(ctx, st)
		require.NoError(t, err, "step %s", step.Name)
		_ = detail
	}

	require.NotEmpty(t, st.Chunks)
	require.Equal(t, len(st.Chunks), st.Summary.Chunks)
	for _, c := range st.Chunks {
		require.Len(t, c.Embedding, 4)
	}

	_, attrs, err := deps.Objects.Head(ctx, st.Document.ObjectKey)
	require.NoError(t, err)
	require.NotZero(t, attrs.Size)

	results, err := deps.Search.Search(ctx, "knowledge graphs", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestRAGPipeline_ValidateRejectsEmptyDocument(t *testing.T) {
	deps := ragTestDeps(t)
	st := &State{Document: domain.Document{ID: "doc2", Title: "empty.txt", SourceType: domain.SourceUpload}}
	_, err := deps.validate(context.Background(), st)
	require.Error(t, err)
}

func TestRAGPipeline_InlineTextSourceSkipsUpload(t *testing.T) {
	deps := ragTestDeps(t)
	st := &State{
		Document: domain.Document{ID: "doc3", Title: "inline", SourceType: domain.SourceText},
		RawBytes: []byte("inline content"),
	}
	detail, err := deps.uploadBytes(context.Background(), st)
	require.NoError(t, err)
	require.Contains(t, detail, "skipped")

	detail, err = deps.extractText(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, "inline content", st.Text)
	require.Equal(t, len(st.Text), detail["chars"])
}
