// Package domain holds the data types shared across the ingestion and
// unification pipelines: documents, chunks, entities, relations, graph
// fragments, communities and tasks.
package domain

import "time"

// SourceType identifies where a document's bytes came from.
type SourceType string

const (
	SourceUpload SourceType = "upload"
	SourceURL    SourceType = "url"
	SourceText   SourceType = "text"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is the metadata record for one ingested source. Hash is stored
// and loaded by the metadata store; nothing in this module computes it, and
// no ingestion path reads it to detect a document seen before.
type Document struct {
	ID         string
	Title      string
	SourceType SourceType
	SourceURI  string
	Bucket     string
	ObjectKey  string
	MimeType   string
	Language   string
	Hash       string
	Version    int
	Status     DocumentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// ChunkType tags the structural role a chunk plays within its document, so
// downstream consumers can tell a heading marker from the prose it titles.
type ChunkType string

const (
	ChunkContent    ChunkType = "content"
	ChunkHeading    ChunkType = "heading"
	ChunkSection    ChunkType = "section"
	ChunkSubsection ChunkType = "subsection"
)

// Chunk is one unit produced by the chunker. ID follows
// doc{docId}_chunk{index}_{contentHash8}.
type Chunk struct {
	ID             string
	DocumentID     string
	Index          int
	Text           string
	StartOffset    int
	EndOffset      int
	TokenCount     int
	WordCount      int
	ParagraphCount int
	ChunkType      ChunkType
	SectionTitle   string
	HeadingLevel   int
	CreatedAt      time.Time
	Embedding      []float32
	Metadata       map[string]string
}
