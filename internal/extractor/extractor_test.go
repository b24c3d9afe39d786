package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/llmclient"
)

func testConfig() *config.Config {
	return &config.Config{
		ExtractionMaxRetries:      1,
		ExtractionPaceDelay:       time.Millisecond,
		ExtractionErrorPaceDelay:  time.Millisecond,
		ExtractionEntityMinConf:   0.3,
		ExtractionRelationMinConf: 0.5,
	}
}

func TestExtract_ParsesFencedJSON(t *testing.T) {
	mock := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Role: "assistant", Content: "Here you go:\n```json\n" +
			`{"entities":[{"name":"Ada Lovelace","type":"person","description":"mathematician","confidence":0.9}],` +
			`"relations":[]}` + "\n```"},
	}}
	ex := New(mock, "test-model", testConfig())
	chunk := domain.Chunk{ID: "doc1_chunk0_abcd1234", Text: "Ada Lovelace wrote the first algorithm."}

	result, err := ex.Extract(context.Background(), chunk)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	require.Equal(t, "doc1_chunk0_abcd1234_entity_0", result.Entities[0].ID)
	require.Equal(t, "Ada Lovelace", result.Entities[0].Name)
	require.Equal(t, "person", result.Entities[0].Type)
}

func TestExtract_DropsLowConfidenceEntitiesAndDanglingRelations(t *testing.T) {
	mock := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Role: "assistant", Content: "```json\n" +
			`{"entities":[{"name":"Weak","type":"concept","confidence":0.1},` +
			`{"name":"Strong Corp","type":"organization","confidence":0.8}],` +
			`"relations":[{"source":"Weak","target":"Strong Corp","type":"related_to","confidence":0.9}]}` +
			"\n```"},
	}}
	ex := New(mock, "test-model", testConfig())
	chunk := domain.Chunk{ID: "doc1_chunk1_ef012345", Text: "irrelevant"}

	result, err := ex.Extract(context.Background(), chunk)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	require.Equal(t, "Strong Corp", result.Entities[0].Name)
	require.Empty(t, result.Relations)
}

func TestExtract_FallsBackToRegexWhenJSONNeverParses(t *testing.T) {
	mock := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Role: "assistant", Content: "I cannot produce JSON for this."},
		{Role: "assistant", Content: "still no JSON here."},
	}}
	ex := New(mock, "test-model", testConfig())
	chunk := domain.Chunk{ID: "doc2_chunk0_11112222", Text: "Marie Curie discovered Polonium in Paris."}

	result, err := ex.Extract(context.Background(), chunk)
	require.NoError(t, err)
	require.NotEmpty(t, result.Entities)
	for _, e := range result.Entities {
		require.Equal(t, "concept", e.Type)
	}
}

func TestExtract_RelationRejectsSelfLoop(t *testing.T) {
	mock := &llmclient.MockProvider{Responses: []llmclient.Message{
		{Role: "assistant", Content: "```json\n" +
			`{"entities":[{"name":"Alpha","type":"concept","confidence":0.8}],` +
			`"relations":[{"source":"Alpha","target":"Alpha","type":"self","confidence":0.9}]}` +
			"\n```"},
	}}
	ex := New(mock, "test-model", testConfig())
	chunk := domain.Chunk{ID: "doc3_chunk0_99990000", Text: "irrelevant"}

	result, err := ex.Extract(context.Background(), chunk)
	require.NoError(t, err)
	require.Empty(t, result.Relations)
}
