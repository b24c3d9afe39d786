package decision

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ingestgraph/internal/config"
	"ingestgraph/internal/similarity"
)

func testEngine() *Engine {
	return New(&config.Config{MergeHighThreshold: 0.85, MergeMediumThreshold: 0.65, MergeLowThreshold: 0.50})
}

func TestDecide_HighSimilarityNoConflictsAutoMerges(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Marie Curie", Type: "person", Description: "physicist"}, Confidence: 0.9}
	b := Subject{Candidate: similarity.Candidate{Name: "Marie Curie", Type: "person", Description: "physicist"}, Confidence: 0.9}
	score := similarity.Score{Total: 0.95, Confidence: 0.9}

	rec := e.Decide(score, a, b)
	require.Equal(t, ClassAutoMerge, rec.Class)
	require.Empty(t, rec.Conflicts)
	require.InDelta(t, 0.9, rec.Confidence, 1e-9)
}

func TestDecide_TypeMismatchForcesConflict(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Apple", Type: "organization"}, Confidence: 0.8}
	b := Subject{Candidate: similarity.Candidate{Name: "Apple", Type: "product"}, Confidence: 0.8}
	score := similarity.Score{Total: 0.9, Confidence: 0.8}

	rec := e.Decide(score, a, b)
	require.Equal(t, ClassConflict, rec.Class)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "type_mismatch", rec.Conflicts[0].Kind)
}

func TestDecide_ConfidenceGapRecordedWithoutForcingDowngrade(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Confidence: 0.95}
	b := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Confidence: 0.4}
	score := similarity.Score{Total: 0.7, Confidence: 0.8} // conditional range

	rec := e.Decide(score, a, b)
	// severity 0.5*0.55=0.275 does not cross the 0.3 downgrade threshold.
	require.Equal(t, ClassConditional, rec.Class)
	require.Len(t, rec.Conflicts, 1)
	require.Equal(t, "confidence_gap", rec.Conflicts[0].Kind)
}

func TestDecide_ModerateConflictSeverityDowngradesOneLevel(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Confidence: 1.0}
	b := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Confidence: 0.1}
	score := similarity.Score{Total: 0.9, Confidence: 0.8} // auto-merge range

	rec := e.Decide(score, a, b)
	// gap 0.9 -> severity 0.45 > 0.3 but not > 0.6, so single downgrade: auto -> conditional.
	require.Equal(t, ClassConditional, rec.Class)
}

func TestDecide_HighConflictSeverityDowngradesTwoLevels(t *testing.T) {
	e := testEngine()
	a := Subject{
		Candidate:  similarity.Candidate{Name: "Acme", Type: "organization", Description: "a public company"},
		Properties: map[string]string{"employee_count": "100"},
		Confidence: 1.0,
	}
	b := Subject{
		Candidate:  similarity.Candidate{Name: "Acme", Type: "organization", Description: "a private company"},
		Properties: map[string]string{"employee_count": "1"},
		Confidence: 0.0,
	}
	score := similarity.Score{Total: 0.9, Confidence: 0.8} // auto-merge range

	rec := e.Decide(score, a, b)
	// description contradiction (0.6) + property mismatch (0.99) + confidence gap (0.5)
	// mean severity ~0.696 > 0.6, so two downgrades: auto-merge -> conditional -> reject.
	require.Equal(t, ClassReject, rec.Class)
}

func TestDecide_PropertyMismatchNumeric(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Properties: map[string]string{"employee_count": "10"}, Confidence: 0.8}
	b := Subject{Candidate: similarity.Candidate{Name: "Acme", Type: "organization"}, Properties: map[string]string{"employee_count": "500"}, Confidence: 0.8}
	score := similarity.Score{Total: 0.9, Confidence: 0.8}

	rec := e.Decide(score, a, b)
	require.NotEmpty(t, rec.Conflicts)
	require.Equal(t, "property_mismatch", rec.Conflicts[0].Kind)
}

func TestDecide_BelowLowRejects(t *testing.T) {
	e := testEngine()
	a := Subject{Candidate: similarity.Candidate{Name: "Eiffel Tower", Type: "location"}, Confidence: 0.7}
	b := Subject{Candidate: similarity.Candidate{Name: "Quantum Field", Type: "location"}, Confidence: 0.7}
	score := similarity.Score{Total: 0.1, Confidence: 0.7}

	rec := e.Decide(score, a, b)
	require.Equal(t, ClassReject, rec.Class)
}
