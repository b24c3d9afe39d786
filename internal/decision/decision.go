// Package decision implements the merge decision engine (C9): given an
// entity pair and its similarity.Score, classifies the pair into
// auto-merge / conditional / reject / conflict-detected, scanning for
// conflicting evidence along the way and deriving a final confidence.
// Decisions are returned as a structured record; this package never
// mutates the graph itself.
package decision

import (
	"fmt"
	"math"
	"strings"

	"ingestgraph/internal/config"
	"ingestgraph/internal/similarity"
)

// Class is the merge decision's outcome.
type Class string

const (
	ClassAutoMerge Class = "auto-merge"
	ClassConditional Class = "conditional"
	ClassReject Class = "reject"
	ClassConflict Class = "conflict-detected"
)

// Conflict is one piece of contradicting evidence found between the two
// entities being compared.
type Conflict struct {
	Kind     string // type_mismatch | description_contradiction | property_mismatch | confidence_gap
	Severity float64
	Detail   string
}

// Subject is the entity-side data the decision engine needs beyond what
// similarity.Candidate already carries: numeric/string properties and the
// extraction confidence of the mention/node.
type Subject struct {
	similarity.Candidate
	Properties map[string]string
	Confidence float64
}

// Record is the full output of one decision: the class, the reasoning
// trail, every conflict found, and the final confidence.
type Record struct {
	Class      Class
	Reasoning  []string
	Conflicts  []Conflict
	Confidence float64
}

// Thresholds holds the configurable class-cutoff values.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// Engine classifies entity pairs.
type Engine struct {
	thresholds Thresholds
}

// New builds an Engine from cfg's configured thresholds.
func New(cfg *config.Config) *Engine {
	return &Engine{thresholds: Thresholds{
		High:   cfg.MergeHighThreshold,
		Medium: cfg.MergeMediumThreshold,
		Low:    cfg.MergeLowThreshold,
	}}
}

// antonymPairs is a small table of contradiction markers. A description pair
// is flagged as contradicting when one side contains a word from the pair
// and the other side contains its opposite.
var antonymPairs = [][2]string{
	{"public", "private"},
	{"active", "defunct"},
	{"alive", "deceased"},
	{"founded", "dissolved"},
	{"male", "female"},
	{"domestic", "international"},
	{"fictional", "real"},
	{"former", "current"},
}

// Decide classifies a and b given their precomputed similarity score.
func (e *Engine) Decide(score similarity.Score, a, b Subject) Record {
	class := e.initialClass(score.Total)
	conflicts := scanConflicts(a, b, score.Confidence)
	class, reasoning := adjustClass(class, conflicts, score)

	sBar := meanSeverity(conflicts)
	confidence := score.Confidence * (1 - 0.5*sBar) * decisionMultiplier(class)

	return Record{Class: class, Reasoning: reasoning, Conflicts: conflicts, Confidence: confidence}
}

func (e *Engine) initialClass(total float64) Class {
	switch {
	case total >= e.thresholds.High:
		return ClassAutoMerge
	case total >= e.thresholds.Medium:
		return ClassConditional
	default:
		return ClassReject
	}
}

func scanConflicts(a, b Subject, _ float64) []Conflict {
	var conflicts []Conflict

	if !strings.EqualFold(strings.TrimSpace(a.Type), strings.TrimSpace(b.Type)) {
		conflicts = append(conflicts, Conflict{
			Kind: "type_mismatch", Severity: 0.8,
			Detail: fmt.Sprintf("type %q vs %q", a.Type, b.Type),
		})
	}

	if sev, ok := descriptionContradiction(a.Description, b.Description); ok {
		conflicts = append(conflicts, Conflict{Kind: "description_contradiction", Severity: sev, Detail: "antonym pair found in descriptions"})
	}

	conflicts = append(conflicts, propertyConflicts(a.Properties, b.Properties)...)

	if gap := math.Abs(a.Confidence - b.Confidence); gap > 0.4 {
		conflicts = append(conflicts, Conflict{
			Kind: "confidence_gap", Severity: 0.5 * gap,
			Detail: fmt.Sprintf("confidence gap %.2f", gap),
		})
	}

	return conflicts
}

func descriptionContradiction(a, b string) (float64, bool) {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, pair := range antonymPairs {
		if strings.Contains(la, pair[0]) && strings.Contains(lb, pair[1]) {
			return 0.6, true
		}
		if strings.Contains(la, pair[1]) && strings.Contains(lb, pair[0]) {
			return 0.6, true
		}
	}
	return 0, false
}

func propertyConflicts(a, b map[string]string) []Conflict {
	var out []Conflict
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			continue
		}
		if na, aerr := parseFloat(va); aerr == nil {
			if nb, berr := parseFloat(vb); berr == nil {
				if na == 0 && nb == 0 {
					continue
				}
				denom := math.Max(math.Abs(na), math.Abs(nb))
				if denom == 0 {
					continue
				}
				ratio := math.Abs(na-nb) / denom
				if ratio > 0.5 {
					out = append(out, Conflict{Kind: "property_mismatch", Severity: ratio, Detail: fmt.Sprintf("%s: %s vs %s", k, va, vb)})
				}
				continue
			}
		}
		if !strings.EqualFold(va, vb) {
			out = append(out, Conflict{Kind: "property_mismatch", Severity: 0.4, Detail: fmt.Sprintf("%s: %q vs %q", k, va, vb)})
		}
	}
	return out
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &f)
	return f, err
}

func adjustClass(class Class, conflicts []Conflict, score similarity.Score) (Class, []string) {
	var reasoning []string
	reasoning = append(reasoning, fmt.Sprintf("initial class %s from total similarity %.3f", class, score.Total))

	for _, c := range conflicts {
		if c.Kind == "type_mismatch" && c.Severity > 0.7 {
			reasoning = append(reasoning, "type mismatch severity exceeds 0.7, forcing conflict-detected")
			return ClassConflict, reasoning
		}
	}

	sBar := meanSeverity(conflicts)
	switch {
	case sBar > 0.6:
		reasoning = append(reasoning, fmt.Sprintf("mean conflict severity %.3f > 0.6, downgrading two levels", sBar))
		class = downgrade(downgrade(class))
	case sBar > 0.3:
		reasoning = append(reasoning, fmt.Sprintf("mean conflict severity %.3f > 0.3, downgrading one level", sBar))
		class = downgrade(class)
	}
	return class, reasoning
}

func downgrade(c Class) Class {
	switch c {
	case ClassAutoMerge:
		return ClassConditional
	case ClassConditional:
		return ClassReject
	default:
		return c
	}
}

func meanSeverity(conflicts []Conflict) float64 {
	if len(conflicts) == 0 {
		return 0
	}
	var sum float64
	for _, c := range conflicts {
		sum += c.Severity
	}
	return sum / float64(len(conflicts))
}

func decisionMultiplier(c Class) float64 {
	switch c {
	case ClassAutoMerge:
		return 1.0
	case ClassConditional:
		return 0.8
	case ClassReject:
		return 0.3
	case ClassConflict:
		return 0.1
	default:
		return 0.1
	}
}
