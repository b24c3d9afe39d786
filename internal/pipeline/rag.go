package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"ingestgraph/internal/apperror"
	"ingestgraph/internal/chunker"
	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/objectstore"
	"ingestgraph/internal/textextract"
)

// RAGDeps are the adapters the RAG pipeline's steps call into.
type RAGDeps struct {
	Objects  objectstore.ObjectStore
	Text     *textextract.Registry
	Chunks   chunker.Chunker
	Embedder embedding.Embedder
	Vectors  graphstore.VectorStore
	Search   graphstore.FullTextSearch
	Cfg      *config.Config
}

// NewRAGPipeline builds the 6-step vector-search ingestion pipeline: validate
// -> upload-bytes -> extract-text -> preprocess -> embed -> store-vectors.
func NewRAGPipeline(d RAGDeps) Definition {
	return Definition{
		Name: "rag",
		Steps: []Step{
			{Name: "validate", Weight: 5, Run: d.validate},
			{Name: "upload-bytes", Weight: 10, Run: d.uploadBytes},
			{Name: "extract-text", Weight: 30, Run: d.extractText},
			{Name: "preprocess", Weight: 15, Run: d.preprocess},
			{Name: "embed", Weight: 30, Run: d.embed},
			{Name: "store-vectors", Weight: 10, Run: d.storeVectors},
		},
	}
}

func (d RAGDeps) validate(_ context.Context, st *State) (map[string]any, error) {
	if len(st.RawBytes) == 0 && st.Document.SourceType != domain.SourceText {
		return nil, apperror.New(apperror.KindInputInvalid, fmt.Errorf("document %q has no bytes to ingest", st.Document.ID))
	}
	if strings.TrimSpace(st.Document.Title) == "" {
		return nil, apperror.New(apperror.KindInputInvalid, fmt.Errorf("document %q has no title", st.Document.ID))
	}
	return map[string]any{"mime_type": st.Document.MimeType}, nil
}

// uploadBytes persists the raw bytes under the document's object key. The
// key is keyed by document id, so a retried or re-run upload overwrites the
// same object rather than creating a new one (at-least-once idempotency).
func (d RAGDeps) uploadBytes(ctx context.Context, st *State) (map[string]any, error) {
	if st.Document.SourceType == domain.SourceText {
		return map[string]any{"skipped": "inline text source"}, nil
	}
	key := st.Document.ObjectKey
	if key == "" {
		key = fmt.Sprintf("%s/%s", st.Document.ID, st.Document.Title)
		st.Document.ObjectKey = key
	}
	etag, err := d.Objects.Put(ctx, key, bytes.NewReader(st.RawBytes), objectstore.PutOptions{ContentType: st.Document.MimeType})
	if err != nil {
		return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("uploading document bytes: %w", err))
	}
	st.Document.Bucket = d.Cfg.S3Bucket
	return map[string]any{"etag": etag, "object_key": key, "bytes": len(st.RawBytes)}, nil
}

func (d RAGDeps) extractText(ctx context.Context, st *State) (map[string]any, error) {
	if st.Document.SourceType == domain.SourceText {
		st.Text = string(st.RawBytes)
		return map[string]any{"chars": len(st.Text)}, nil
	}
	text, err := d.Text.Extract(ctx, st.Document.MimeType, st.RawBytes)
	if err != nil {
		return nil, apperror.New(apperror.KindInputInvalid, fmt.Errorf("extracting text: %w", err))
	}
	st.Text = text
	return map[string]any{"chars": len(text)}, nil
}

func (d RAGDeps) preprocess(_ context.Context, st *State) (map[string]any, error) {
	st.Text = normalizeNewlines(st.Text)
	chunks, err := d.Chunks.Chunk(st.Document.ID, st.Text, chunker.Options{
		Strategy:      chunker.Strategy(d.Cfg.ChunkStrategy),
		TargetTokens:  d.Cfg.ChunkTargetTokens,
		OverlapTokens: d.Cfg.ChunkOverlapTokens,
		MimeType:      st.Document.MimeType,
	})
	if err != nil {
		return nil, apperror.New(apperror.KindLogic, fmt.Errorf("chunking document: %w", err))
	}
	st.Chunks = chunks
	return map[string]any{"chunk_count": len(chunks)}, nil
}

func (d RAGDeps) embed(ctx context.Context, st *State) (map[string]any, error) {
	if len(st.Chunks) == 0 {
		return map[string]any{"embedded": 0}, nil
	}
	texts := make([]string, len(st.Chunks))
	for i, c := range st.Chunks {
		texts[i] = c.Text
	}
	vecs, err := d.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("embedding chunks: %w", err))
	}
	for i := range st.Chunks {
		if i < len(vecs) {
			st.Chunks[i].Embedding = vecs[i]
		}
	}
	return map[string]any{"embedded": len(vecs)}, nil
}

// storeVectors upserts by chunk id, so re-running the step for the same
// document replaces rather than duplicates the prior vectors.
func (d RAGDeps) storeVectors(ctx context.Context, st *State) (map[string]any, error) {
	items := make([]graphstore.VectorItem, 0, len(st.Chunks))
	for _, c := range st.Chunks {
		items = append(items, graphstore.VectorItem{
			ID:     "chunk:" + c.ID,
			Vector: c.Embedding,
			Metadata: map[string]string{
				"document_id": st.Document.ID,
				"chunk_index": fmt.Sprint(c.Index),
			},
		})
	}
	if len(items) > 0 {
		if err := d.Vectors.BatchUpsert(ctx, items); err != nil {
			return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("storing chunk vectors: %w", err))
		}
	}
	if d.Search != nil {
		for _, c := range st.Chunks {
			if err := d.Search.Index(ctx, "chunk:"+c.ID, c.Text, map[string]string{"document_id": st.Document.ID}); err != nil {
				return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("indexing chunk text: %w", err))
			}
		}
	}
	st.Summary.Chunks = len(st.Chunks)
	return map[string]any{"vectors_stored": len(items)}, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}
