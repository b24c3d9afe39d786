package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/config"
	"ingestgraph/internal/embedding"
)

func testCfg() *config.Config {
	return &config.Config{
		SimilarityWeightSemantic:   0.4,
		SimilarityWeightLexical:    0.3,
		SimilarityWeightContextual: 0.3,
		SimilarityCacheSize:        4,
	}
}

func TestScore_IdenticalFingerprintShortCircuits(t *testing.T) {
	calc := New(embedding.NewDeterministic(32, true, 1), testCfg())
	a := Candidate{Name: "Acme Corp", Type: "organization", Description: "a widget maker"}
	b := Candidate{Name: "ACME CORP", Type: "Organization", Description: "totally different text"}

	s, err := calc.Score(context.Background(), a, b)
	require.NoError(t, err)
	require.Equal(t, 1.0, s.Total)
	require.Equal(t, 1.0, s.Confidence)
}

func TestScore_IsOrderIndependent(t *testing.T) {
	calc := New(embedding.NewDeterministic(32, true, 1), testCfg())
	a := Candidate{Name: "Marie Curie", Type: "person", Description: "physicist and chemist"}
	b := Candidate{Name: "Marie Sklodowska-Curie", Type: "person", Description: "studied radioactivity"}

	s1, err := calc.Score(context.Background(), a, b)
	require.NoError(t, err)
	s2, err := calc.Score(context.Background(), b, a)
	require.NoError(t, err)
	require.InDelta(t, s1.Total, s2.Total, 1e-9)
}

func TestScore_DissimilarEntitiesScoreLow(t *testing.T) {
	calc := New(embedding.NewDeterministic(32, true, 1), testCfg())
	a := Candidate{Name: "Eiffel Tower", Type: "location", Description: "a landmark in Paris"}
	b := Candidate{Name: "Quantum Entanglement", Type: "concept", Description: "a physics phenomenon"}

	s, err := calc.Score(context.Background(), a, b)
	require.NoError(t, err)
	require.Less(t, s.Total, 0.5)
}

func TestCache_EvictsOlderHalfOnOverflow(t *testing.T) {
	calc := New(embedding.NewDeterministic(16, true, 1), testCfg()).(*calculator)
	for i := 0; i < 10; i++ {
		a := Candidate{Name: randName(i), Type: "concept"}
		b := Candidate{Name: randName(i + 100), Type: "concept"}
		_, err := calc.Score(context.Background(), a, b)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, len(calc.cache), testCfg().SimilarityCacheSize)
}

func randName(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(letters[(i*7)%len(letters)]) + string(letters[(i*13)%len(letters)])
}
