package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/domain"
)

func sampleChunks(docID string) []domain.Chunk {
	return []domain.Chunk{
		{ID: "c0", DocumentID: docID, Index: 0},
		{ID: "c1", DocumentID: docID, Index: 1},
		{ID: "c2", DocumentID: docID, Index: 2},
	}
}

func TestBuild_StructuralEdgesCoverAllChunks(t *testing.T) {
	doc := domain.Document{ID: "doc1"}
	chunks := sampleChunks("doc1")

	frag, err := Build(doc, chunks, nil)
	require.NoError(t, err)

	var firstChunk, nextChunk, partOf int
	for _, e := range frag.Edges {
		switch e.Type {
		case "FIRST_CHUNK":
			firstChunk++
			require.Equal(t, "c0", e.TargetID)
		case "NEXT_CHUNK":
			nextChunk++
		case "PART_OF":
			partOf++
			require.Equal(t, doc.ID, e.TargetID)
		}
	}
	require.Equal(t, 1, firstChunk)
	require.Equal(t, 2, nextChunk)
	require.Equal(t, 3, partOf)
}

func TestBuild_EntitiesCollapseAcrossChunksByCanonicalNameAndType(t *testing.T) {
	doc := domain.Document{ID: "doc2"}
	chunks := sampleChunks("doc2")
	extractions := []domain.ExtractionResult{
		{ChunkID: "c0", Entities: []domain.EntityMention{{ID: "c0_entity_0", ChunkID: "c0", Name: "Marie Curie", Type: "person", Description: "physicist"}}},
		{ChunkID: "c1", Entities: []domain.EntityMention{{ID: "c1_entity_0", ChunkID: "c1", Name: "marie curie", Type: "PERSON"}}},
	}

	frag, err := Build(doc, chunks, extractions)
	require.NoError(t, err)
	require.Len(t, frag.Nodes, 1)
	require.ElementsMatch(t, []string{"c0", "c1"}, frag.Nodes[0].ChunkIDs)

	hasEntity := 0
	for _, e := range frag.Edges {
		if e.Type == "HAS_ENTITY" {
			hasEntity++
			require.Equal(t, frag.Nodes[0].ID, e.TargetID)
		}
	}
	require.Equal(t, 2, hasEntity)
}

func TestBuild_RelationshipEdgeConnectsEntityNodes(t *testing.T) {
	doc := domain.Document{ID: "doc3"}
	chunks := sampleChunks("doc3")
	extractions := []domain.ExtractionResult{
		{ChunkID: "c0", Entities: []domain.EntityMention{
			{Name: "Ada Lovelace", Type: "person"},
			{Name: "Analytical Engine", Type: "concept"},
		}, Relations: []domain.RelationMention{
			{ChunkID: "c0", SourceName: "Ada Lovelace", SourceType: "person", TargetName: "Analytical Engine", TargetType: "concept", Type: "designed"},
		}},
	}

	frag, err := Build(doc, chunks, extractions)
	require.NoError(t, err)

	var relEdges []string
	for _, e := range frag.Edges {
		if e.Type == "RELATIONSHIP" {
			relEdges = append(relEdges, e.ID)
		}
	}
	require.Len(t, relEdges, 1)
	require.NoError(t, Validate(frag, doc.ID, chunks))
}

func TestValidate_RejectsDanglingEdge(t *testing.T) {
	doc := domain.Document{ID: "doc4"}
	chunks := sampleChunks("doc4")
	frag := domain.GraphFragment{
		DocumentID: "doc4",
		Nodes:      []domain.GraphNode{{ID: "entity_aaaaaaaa"}},
		Edges:      []domain.GraphEdge{{ID: "rel_bbbbbbbb", SourceID: "entity_aaaaaaaa", TargetID: "entity_ffffffff", Type: "RELATIONSHIP"}},
	}
	err := Validate(frag, doc.ID, chunks)
	require.Error(t, err)
}

func TestBuild_DeterministicIDsAcrossRuns(t *testing.T) {
	doc := domain.Document{ID: "doc5"}
	chunks := sampleChunks("doc5")
	extractions := []domain.ExtractionResult{
		{ChunkID: "c0", Entities: []domain.EntityMention{{Name: "Turing Machine", Type: "concept"}}},
	}

	a, err := Build(doc, chunks, extractions)
	require.NoError(t, err)
	b, err := Build(doc, chunks, extractions)
	require.NoError(t, err)
	require.Equal(t, a.Nodes[0].ID, b.Nodes[0].ID)
}
