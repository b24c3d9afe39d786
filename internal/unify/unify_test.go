package unify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/llmclient"
)

func testCfg() *config.Config {
	return &config.Config{
		UnificationMaxIterations:   5,
		UnificationMaxToolTurns:    6,
		UnificationPrescreenThresh: 0.4,
		UnificationBatchSize:       30,
	}
}

// fakeEmbedder returns a fixed vector per exact text match, defaulting to
// the zero vector (cosine 0 against everything) for unrecognized text.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = make([]float32, 4)
	}
	return out, nil
}
func (f *fakeEmbedder) Name() string          { return "fake" }
func (f *fakeEmbedder) Dimension() int        { return 4 }
func (f *fakeEmbedder) Ping(context.Context) error { return nil }

type stubWiki struct {
	result string
	calls  int
}

func (s *stubWiki) Search(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.result, nil
}

type erroringProvider struct{}

func (erroringProvider) Chat(context.Context, []llmclient.Message, []llmclient.ToolSchema, string) (llmclient.Message, error) {
	return llmclient.Message{}, errors.New("provider unavailable")
}

func TestUnify_EmptyInputReturnsEmptyResult(t *testing.T) {
	a := New(&llmclient.MockProvider{}, &fakeEmbedder{}, &stubWiki{}, "m", testCfg())
	res := a.Unify(context.Background(), Input{}, domain.ModeIncremental)
	require.Empty(t, res.MergeGroups)
	require.Empty(t, res.Independent)
}

func TestUnify_NoPrescreenPairsReturnsAllIndependent(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Acme Corp 类型:organization 描述:a widget maker": {1, 0, 0, 0},
		"Jane Doe 类型:person 描述:a software engineer":   {0, 1, 0, 0},
	}}
	a := New(&llmclient.MockProvider{}, embedder, &stubWiki{}, "m", testCfg())

	in := Input{NewEntities: []domain.EntityMention{
		{ID: "e1", Name: "Acme Corp", Type: "organization", Description: "a widget maker"},
		{ID: "e2", Name: "Jane Doe", Type: "person", Description: "a software engineer"},
	}}
	res := a.Unify(context.Background(), in, domain.ModeIncremental)
	require.Empty(t, res.MergeGroups)
	require.ElementsMatch(t, []string{"e1", "e2"}, res.Independent)
}

func TestUnify_MergesHighConfidencePairPreferringExistingPrimary(t *testing.T) {
	vec := []float32{1, 1, 0, 0}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Marie Curie 类型:person 描述:physicist":        vec,
		"Maria Sklodowska-Curie 类型:person 描述:physicist and chemist": vec,
	}}
	finalAnswer := llmclient.Message{Role: "assistant", Content: "```json\n" + mustJSON(t, map[string]any{
		"merge_groups": []map[string]any{{
			"primary_index":      0,
			"duplicate_indices":  []int{1},
			"merged_name":        "Marie Curie",
			"merged_description": "physicist and chemist",
			"confidence":         0.97,
			"reason":             "well-known alternate transliteration",
		}},
		"independent_entities": []int{},
		"uncertain_cases":      []any{},
	}) + "\n```"}
	llm := &llmclient.MockProvider{Responses: []llmclient.Message{finalAnswer}}

	a := New(llm, embedder, &stubWiki{}, "m", testCfg())
	in := Input{
		NewEntities:    []domain.EntityMention{{ID: "new_1", Name: "Marie Curie", Type: "person", Description: "physicist"}},
		ExistingSample: []domain.GraphNode{{ID: "entity_existing", Name: "Maria Sklodowska-Curie", Type: "person", Description: "physicist and chemist"}},
	}
	res := a.Unify(context.Background(), in, domain.ModeIncremental)
	require.Len(t, res.MergeGroups, 1)
	g := res.MergeGroups[0]
	require.Equal(t, "entity_existing", g.Primary)
	require.Equal(t, []string{"new_1"}, g.Duplicates)
}

func TestUnify_ToolCallLoopExecutesSearchWikipediaBeforeFinalAnswer(t *testing.T) {
	vec := []float32{1, 1, 0, 0}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"IBM 类型:organization 描述:technology company":                            vec,
		"International Business Machines 类型:organization 描述:technology company": vec,
	}}
	toolArgs, _ := json.Marshal(map[string]string{"entity_name": "IBM", "entity_type": "organization"})
	toolCallMsg := llmclient.Message{
		Role:      "assistant",
		ToolCalls: []llmclient.ToolCall{{Name: "search_wikipedia", Args: toolArgs, ID: "call-1"}},
	}
	finalAnswer := llmclient.Message{Content: mustJSON(t, map[string]any{
		"merge_groups": []map[string]any{{
			"primary_index":     0,
			"duplicate_indices": []int{1},
			"confidence":        0.98,
			"reason":            "IBM is the well-known abbreviation",
		}},
		"independent_entities": []int{},
		"uncertain_cases":      []any{},
	})}
	llm := &llmclient.MockProvider{Responses: []llmclient.Message{toolCallMsg, finalAnswer}}
	wiki := &stubWiki{result: "International Business Machines (company): commonly abbreviated IBM."}

	a := New(llm, embedder, wiki, "m", testCfg())
	in := Input{NewEntities: []domain.EntityMention{
		{ID: "e1", Name: "IBM", Type: "organization", Description: "technology company"},
		{ID: "e2", Name: "International Business Machines", Type: "organization", Description: "technology company"},
	}}
	res := a.Unify(context.Background(), in, domain.ModeIncremental)
	require.Equal(t, 1, wiki.calls)
	require.Len(t, res.Trace, 1)
	require.Equal(t, "search_wikipedia", res.Trace[0].Tool)
	require.Len(t, res.MergeGroups, 1)
}

func TestUnify_ConservatismGuardDowngradesTypeMismatch(t *testing.T) {
	vec := []float32{1, 1, 0, 0}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Acme 类型:organization 描述:a company": vec,
		"Acme 类型:product 描述:a gadget line":  vec,
	}}
	finalAnswer := llmclient.Message{Content: mustJSON(t, map[string]any{
		"merge_groups": []map[string]any{{
			"primary_index":     0,
			"duplicate_indices": []int{1},
			"confidence":        0.99,
			"reason":            "same name",
		}},
		"independent_entities": []int{},
		"uncertain_cases":      []any{},
	})}
	llm := &llmclient.MockProvider{Responses: []llmclient.Message{finalAnswer}}

	a := New(llm, embedder, &stubWiki{}, "m", testCfg())
	in := Input{NewEntities: []domain.EntityMention{
		{ID: "e1", Name: "Acme", Type: "organization", Description: "a company"},
		{ID: "e2", Name: "Acme", Type: "product", Description: "a gadget line"},
	}}
	res := a.Unify(context.Background(), in, domain.ModeIncremental)
	require.Empty(t, res.MergeGroups)
	require.Len(t, res.UncertainCases, 1)
	require.ElementsMatch(t, []string{"e1", "e2"}, res.UncertainCases[0].CandidateIDs)
}

func TestUnify_LLMErrorProducesConservativeIndependentResult(t *testing.T) {
	vec := []float32{1, 1, 0, 0}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"A 类型:t 描述:d": vec,
		"B 类型:t 描述:d": vec,
	}}
	a := New(erroringProvider{}, embedder, &stubWiki{}, "m", testCfg())
	in := Input{NewEntities: []domain.EntityMention{
		{ID: "e1", Name: "A", Type: "t", Description: "d"},
		{ID: "e2", Name: "B", Type: "t", Description: "d"},
	}}
	res := a.Unify(context.Background(), in, domain.ModeIncremental)
	require.Empty(t, res.MergeGroups)
	require.ElementsMatch(t, []string{"e1", "e2"}, res.Independent)
	require.NotEmpty(t, res.Errors)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
