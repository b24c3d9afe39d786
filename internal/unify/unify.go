// Package unify implements the unification agent (C10): a bounded,
// tool-calling finite state machine that adjudicates whether newly
// extracted entities refer to the same real-world object as other new
// entities or as existing graph nodes. It orchestrates the similarity
// calculator's vector prescreen with an LLM acting as an ultra-conservative
// deduplication engineer, following the bounded multi-turn tool-calling
// shape of the ReAct loop in internal/agents/engine.go, generalized from a
// single free-form objective to a structured merge-group/independent/
// uncertain final answer.
package unify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/llmclient"
)

type candidate struct {
	ID          string
	Name        string
	Type        string
	Description string
	Aliases     []string
	Embedding   []float32
	IsExisting  bool
}

type pair struct {
	A, B       int
	Similarity float64
}

// MergeGroup is one validated unification decision: fold Duplicates into
// Primary. Applying it is the graph merger's job (internal/merge), not
// this agent's.
type MergeGroup struct {
	Primary    string
	Duplicates []string
	MergedName string
	MergedDesc string
	Confidence float64
	Reason     string
}

// UncertainCase is a group of candidate ids the agent could not confidently
// adjudicate; callers should treat every member as independent.
type UncertainCase struct {
	CandidateIDs []string
	Reason       string
}

// ToolTrace records one tool call and its result during intelligent
// analysis.
type ToolTrace struct {
	Tool   string
	Args   string
	Result string
}

// Result is the outcome of one Unify call.
type Result struct {
	MergeGroups    []MergeGroup
	Independent    []string
	UncertainCases []UncertainCase
	Trace          []ToolTrace
	Errors         []string
}

// Input is the candidate set for one unification pass: entities freshly
// extracted from a document, plus a sample of existing graph nodes of the
// same type(s) (the sampling strategy, driven by mode, is the caller's
// responsibility).
type Input struct {
	NewEntities    []domain.EntityMention
	ExistingSample []domain.GraphNode
}

// Agent drives the vector-prescreen -> intelligent-analysis ->
// final-decision state machine over a batch of candidates.
type Agent struct {
	llm      llmclient.Provider
	embedder embedding.Embedder
	wiki     WikipediaSearcher
	model    string

	maxIterations   int
	maxToolTurns    int
	prescreenThresh float64
	batchSize       int
}

// New builds an Agent. A nil wiki uses the live Wikipedia REST backend.
func New(llm llmclient.Provider, embedder embedding.Embedder, wiki WikipediaSearcher, model string, cfg *config.Config) *Agent {
	if wiki == nil {
		wiki = NewWikipediaSearcher()
	}
	return &Agent{
		llm:             llm,
		embedder:        embedder,
		wiki:            wiki,
		model:           model,
		maxIterations:   cfg.UnificationMaxIterations,
		maxToolTurns:    cfg.UnificationMaxToolTurns,
		prescreenThresh: cfg.UnificationPrescreenThresh,
		batchSize:       cfg.UnificationBatchSize,
	}
}

// Unify runs the full state machine and never fails the caller: any
// unrecoverable internal error produces a conservative "everything
// independent" result with the error recorded in Errors.
func (a *Agent) Unify(ctx context.Context, in Input, mode domain.UnificationMode) Result {
	candidates := buildCandidates(in)
	if len(candidates) == 0 {
		return Result{}
	}
	if err := a.ensureEmbeddings(ctx, candidates); err != nil {
		return errorRecovery(candidates, err)
	}

	batchSize := a.batchSize
	if batchSize <= 0 {
		batchSize = len(candidates)
	}
	if len(candidates) <= batchSize {
		return a.processBatch(ctx, candidates, mode)
	}

	idIndex := indexByID(candidates)
	var groups []MergeGroup
	var independent []string
	var uncertain []UncertainCase
	var trace []ToolTrace
	var errs []string
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		res := a.processBatch(ctx, candidates[start:end], mode)
		groups = append(groups, res.MergeGroups...)
		independent = append(independent, res.Independent...)
		uncertain = append(uncertain, res.UncertainCases...)
		trace = append(trace, res.Trace...)
		errs = append(errs, res.Errors...)
	}
	// A second pass reconciles primaries across sub-batches: if two
	// sub-batches each independently kept a group whose primary shares a
	// canonical name+type, they describe the same real-world merge and are
	// folded together.
	groups = reconcileGroups(groups, idIndex)

	return Result{
		MergeGroups:    groups,
		Independent:    dedupeStrings(independent),
		UncertainCases: uncertain,
		Trace:          trace,
		Errors:         errs,
	}
}

func (a *Agent) processBatch(ctx context.Context, candidates []candidate, mode domain.UnificationMode) Result {
	pairs := prescreen(candidates, a.prescreenThresh)
	if len(pairs) == 0 {
		return allIndependentResult(candidates)
	}

	out, trace, err := a.intelligentAnalysis(ctx, candidates, pairs, mode)
	if err != nil {
		res := errorRecovery(candidates, err)
		res.Trace = trace
		return res
	}

	idIndex := indexByID(candidates)
	groups, independent, uncertain, errs := finalDecision(candidates, out)
	groups, guardUncertain, guardIndependent := conservatismGuard(groups, idIndex, trace)
	uncertain = append(uncertain, guardUncertain...)
	independent = append(independent, guardIndependent...)

	return Result{
		MergeGroups:    groups,
		Independent:    dedupeStrings(independent),
		UncertainCases: uncertain,
		Trace:          trace,
		Errors:         errs,
	}
}

// --- vector prescreen ---

func prescreen(candidates []candidate, threshold float64) []pair {
	// Sub-batches are capped at max_pairs_per_batch candidates, so the full
	// n^2 matrix already sits within the 100x100 block bound; no further
	// chunking is needed here.
	var out []pair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			s := cosine(candidates[i].Embedding, candidates[j].Embedding)
			if s >= threshold {
				out = append(out, pair{A: i, B: j, Similarity: s})
			}
		}
	}
	return out
}

func (a *Agent) ensureEmbeddings(ctx context.Context, candidates []candidate) error {
	var missing []int
	var texts []string
	for i, c := range candidates {
		if len(c.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, semanticText(c))
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("unify: embedding candidates: %w", err)
	}
	for k, idx := range missing {
		candidates[idx].Embedding = vecs[k]
	}
	return nil
}

func semanticText(c candidate) string {
	return fmt.Sprintf("%s 类型:%s 描述:%s", c.Name, c.Type, c.Description)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		na += float64(v) * float64(v)
	}
	for _, v := range b {
		nb += float64(v) * float64(v)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// --- intelligent analysis ---

const systemPrompt = `You are an ultra-conservative entity deduplication engineer for a knowledge graph.

Merge two candidates ONLY when the evidence is explicit: identical canonical names, a well-known alias or abbreviation, a translation of the same name, or redirect-style Wikipedia evidence that they are the same subject.

Do NOT merge: competitors, different people who hold similar roles, different organizations in the same industry, or entities of different types, even when their descriptions look similar.

You may call search_wikipedia(entity_name, entity_type) to check whether a name is a known alias, translation, or redirect target before deciding. Use it when you are not already certain.

When you are done, reply with a single JSON object (no prose) shaped exactly as:
{"merge_groups":[{"primary_index":0,"duplicate_indices":[1],"merged_name":"...","merged_description":"...","confidence":0.0,"reason":"..."}],"independent_entities":[2,3],"uncertain_cases":[{"indices":[4,5],"reason":"..."}]}`

var searchWikipediaTool = llmclient.ToolSchema{
	Name:        "search_wikipedia",
	Description: "Look up a short Wikipedia summary for an entity, to check whether two names refer to the same real-world subject.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entity_name": map[string]any{"type": "string"},
			"entity_type": map[string]any{"type": "string"},
		},
		"required": []string{"entity_name", "entity_type"},
	},
}

type llmOutput struct {
	MergeGroups []struct {
		PrimaryIndex      int     `json:"primary_index"`
		DuplicateIndices  []int   `json:"duplicate_indices"`
		MergedName        string  `json:"merged_name"`
		MergedDescription string  `json:"merged_description"`
		Confidence        float64 `json:"confidence"`
		Reason            string  `json:"reason"`
	} `json:"merge_groups"`
	IndependentEntities []int `json:"independent_entities"`
	UncertainCases      []struct {
		Indices []int  `json:"indices"`
		Reason  string `json:"reason"`
	} `json:"uncertain_cases"`
}

func (a *Agent) intelligentAnalysis(ctx context.Context, candidates []candidate, pairs []pair, mode domain.UnificationMode) (*llmOutput, []ToolTrace, error) {
	msgs := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildPrompt(candidates, pairs, mode)},
	}
	tools := []llmclient.ToolSchema{searchWikipediaTool}

	maxIterations := a.maxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	var trace []ToolTrace
	for turn := 0; turn < maxIterations; turn++ {
		select {
		case <-ctx.Done():
			return nil, trace, ctx.Err()
		default:
		}

		resp, err := a.llm.Chat(ctx, msgs, tools, a.model)
		if err != nil {
			return nil, trace, fmt.Errorf("unify: llm chat: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			out, err := parseLLMOutput(resp.Content)
			if err != nil {
				return nil, trace, fmt.Errorf("unify: %w", err)
			}
			return out, trace, nil
		}

		msgs = append(msgs, resp)
		for _, call := range resp.ToolCalls {
			result := a.executeTool(ctx, call)
			trace = append(trace, ToolTrace{Tool: call.Name, Args: string(call.Args), Result: result})
			msgs = append(msgs, llmclient.Message{Role: "tool", ToolID: call.ID, Content: result})
		}
	}
	return nil, trace, fmt.Errorf("exceeded %d iterations without a final answer", maxIterations)
}

func (a *Agent) executeTool(ctx context.Context, call llmclient.ToolCall) string {
	if call.Name != "search_wikipedia" {
		return fmt.Sprintf("unknown tool %q", call.Name)
	}
	var args struct {
		EntityName string `json:"entity_name"`
		EntityType string `json:"entity_type"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err)
	}
	result, err := a.wiki.Search(ctx, args.EntityName, args.EntityType)
	if err != nil {
		return fmt.Sprintf("search failed: %v", err)
	}
	return result
}

func buildPrompt(candidates []candidate, pairs []pair, mode domain.UnificationMode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Unification mode: %s\n\nCandidates:\n", mode)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] name=%q type=%q aliases=%v existing=%v description=%q\n",
			i, c.Name, c.Type, c.Aliases, c.IsExisting, truncate(c.Description, 200))
	}
	sb.WriteString("\nPrescreened pairs (vector similarity >= threshold):\n")
	for _, p := range pairs {
		fmt.Fprintf(&sb, "(%d,%d) similarity=%.3f\n", p.A, p.B, p.Similarity)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSONRe   = regexp.MustCompile(`(?s)\{.*\}`)
)

func parseLLMOutput(content string) (*llmOutput, error) {
	var raw string
	if m := fencedJSONRe.FindStringSubmatch(content); m != nil {
		raw = m[1]
	} else if m := bareJSONRe.FindString(content); m != "" {
		raw = m
	} else {
		return nil, fmt.Errorf("no JSON object found in final answer")
	}
	var out llmOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding final answer: %w", err)
	}
	return &out, nil
}

// --- final decision ---

func finalDecision(candidates []candidate, out *llmOutput) (groups []MergeGroup, independent []string, uncertain []UncertainCase, errs []string) {
	claimed := make(map[int]bool, len(candidates))

	for _, g := range out.MergeGroups {
		members := append([]int{g.PrimaryIndex}, g.DuplicateIndices...)
		valid := len(g.DuplicateIndices) > 0
		for _, idx := range members {
			if idx < 0 || idx >= len(candidates) || claimed[idx] {
				valid = false
			}
		}
		if !valid {
			errs = append(errs, fmt.Sprintf("dropping merge group with invalid or reused indices (primary=%d)", g.PrimaryIndex))
			continue
		}

		// Bias toward a graph-sampled primary so the merge preserves a
		// stable, already-referenced node id.
		primaryIdx := g.PrimaryIndex
		for _, idx := range members {
			if candidates[idx].IsExisting && !candidates[primaryIdx].IsExisting {
				primaryIdx = idx
			}
		}

		var duplicates []string
		for _, idx := range members {
			claimed[idx] = true
			if idx == primaryIdx {
				continue
			}
			duplicates = append(duplicates, candidates[idx].ID)
		}

		groups = append(groups, MergeGroup{
			Primary:    candidates[primaryIdx].ID,
			Duplicates: duplicates,
			MergedName: firstNonEmpty(g.MergedName, candidates[primaryIdx].Name),
			MergedDesc: firstNonEmpty(g.MergedDescription, candidates[primaryIdx].Description),
			Confidence: clamp01(g.Confidence),
			Reason:     g.Reason,
		})
	}

	for _, idx := range out.IndependentEntities {
		if idx < 0 || idx >= len(candidates) || claimed[idx] {
			continue
		}
		claimed[idx] = true
		independent = append(independent, candidates[idx].ID)
	}

	for _, uc := range out.UncertainCases {
		var ids []string
		for _, idx := range uc.Indices {
			if idx < 0 || idx >= len(candidates) || claimed[idx] {
				continue
			}
			claimed[idx] = true
			ids = append(ids, candidates[idx].ID)
		}
		if len(ids) > 0 {
			uncertain = append(uncertain, UncertainCase{CandidateIDs: ids, Reason: uc.Reason})
		}
	}

	// Anything the model's answer never mentioned defaults to independent:
	// the conservative choice when the output is incomplete.
	for i, c := range candidates {
		if !claimed[i] {
			independent = append(independent, c.ID)
		}
	}

	return groups, independent, uncertain, errs
}

// conservatismGuard rechecks every proposed merge group after the LLM
// returns: a type mismatch among its members, or a low-confidence merge
// with no corroborating tool evidence, downgrades the group to uncertain
// and returns its members to independent.
func conservatismGuard(groups []MergeGroup, idIndex map[string]candidate, trace []ToolTrace) ([]MergeGroup, []UncertainCase, []string) {
	var kept []MergeGroup
	var downgraded []UncertainCase
	var independent []string

	for _, g := range groups {
		members := append([]string{g.Primary}, g.Duplicates...)
		primaryType := idIndex[g.Primary].Type

		typesDiffer := false
		for _, id := range g.Duplicates {
			if !strings.EqualFold(idIndex[id].Type, primaryType) {
				typesDiffer = true
			}
		}

		hasEvidence := false
		for _, tt := range trace {
			for _, id := range members {
				if name := idIndex[id].Name; name != "" && strings.Contains(tt.Args, name) {
					hasEvidence = true
				}
			}
		}

		if typesDiffer || (g.Confidence < 0.95 && !hasEvidence) {
			downgraded = append(downgraded, UncertainCase{
				CandidateIDs: members,
				Reason:       "conservatism guard: type mismatch or unverified low-confidence merge",
			})
			independent = append(independent, members...)
			continue
		}
		kept = append(kept, g)
	}
	return kept, downgraded, independent
}

// --- batching reconciliation and error recovery ---

func reconcileGroups(groups []MergeGroup, idIndex map[string]candidate) []MergeGroup {
	byKey := map[string]int{}
	var merged []MergeGroup
	for _, g := range groups {
		c := idIndex[g.Primary]
		key := strings.ToLower(c.Name) + "|" + strings.ToLower(c.Type)
		if idx, ok := byKey[key]; ok {
			merged[idx].Duplicates = append(merged[idx].Duplicates, g.Primary)
			merged[idx].Duplicates = append(merged[idx].Duplicates, g.Duplicates...)
			if g.Confidence > merged[idx].Confidence {
				merged[idx].Confidence = g.Confidence
			}
			continue
		}
		byKey[key] = len(merged)
		merged = append(merged, g)
	}
	return merged
}

func errorRecovery(candidates []candidate, err error) Result {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return Result{Independent: ids, Errors: []string{err.Error()}}
}

func allIndependentResult(candidates []candidate) Result {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return Result{Independent: ids}
}

func buildCandidates(in Input) []candidate {
	out := make([]candidate, 0, len(in.NewEntities)+len(in.ExistingSample))
	for _, e := range in.NewEntities {
		out = append(out, candidate{ID: e.ID, Name: e.Name, Type: e.Type, Description: e.Description})
	}
	for _, n := range in.ExistingSample {
		out = append(out, candidate{ID: n.ID, Name: n.Name, Type: n.Type, Description: n.Description, Aliases: n.Aliases, IsExisting: true})
	}
	return out
}

func indexByID(candidates []candidate) map[string]candidate {
	m := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		m[c.ID] = c
	}
	return m
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
