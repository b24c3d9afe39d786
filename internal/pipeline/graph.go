package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ingestgraph/internal/apperror"
	"ingestgraph/internal/chunker"
	"ingestgraph/internal/config"
	"ingestgraph/internal/decision"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/extractor"
	"ingestgraph/internal/fragment"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/merge"
	"ingestgraph/internal/similarity"
	"ingestgraph/internal/unify"
)

// GraphDeps are the adapters the graph pipeline's steps call into. The
// document's raw text is carried on State, not here, since Deps is shared
// across every concurrently running job.
type GraphDeps struct {
	Chunks     chunker.Chunker
	Embedder   embedding.Embedder
	Extractor  extractor.Extractor
	Similarity similarity.Calculator
	Decision   *decision.Engine
	Unifier    *unify.Agent
	Merger     *merge.Merger
	Graph      graphstore.GraphDB
	Vectors    graphstore.VectorStore
	Cfg        *config.Config
}

// NewGraphPipeline builds the 7-step knowledge-graph ingestion pipeline:
// parse -> chunk -> embed-chunks -> extract -> unify -> build-fragment ->
// write-graph.
func NewGraphPipeline(d GraphDeps) Definition {
	return Definition{
		Name: "graph",
		Steps: []Step{
			{Name: "parse", Weight: 8, Run: d.parse},
			{Name: "chunk", Weight: 8, Run: d.chunk},
			{Name: "embed-chunks", Weight: 15, Run: d.embedChunks},
			{Name: "extract", Weight: 20, Run: d.extract},
			{Name: "unify", Weight: 19, Run: d.unifyEntities},
			{Name: "build-fragment", Weight: 15, Run: d.buildFragment},
			{Name: "write-graph", Weight: 15, Run: d.writeGraph},
		},
	}
}

func (d GraphDeps) parse(_ context.Context, st *State) (map[string]any, error) {
	if strings.TrimSpace(st.Text) == "" {
		return nil, apperror.New(apperror.KindInputInvalid, fmt.Errorf("document %q has no text to parse", st.Document.ID))
	}
	st.Text = normalizeNewlines(st.Text)
	return map[string]any{"chars": len(st.Text)}, nil
}

func (d GraphDeps) chunk(_ context.Context, st *State) (map[string]any, error) {
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

func (d GraphDeps) embedChunks(ctx context.Context, st *State) (map[string]any, error) {
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
	st.Summary.Chunks = len(st.Chunks)
	return map[string]any{"embedded": len(vecs)}, nil
}

// extract runs one extractor call per chunk, bounded by
// Cfg.PipelineExtractWorkers concurrent sub-workers, grounded on the
// community detector's errgroup-with-limit pool.
func (d GraphDeps) extract(ctx context.Context, st *State) (map[string]any, error) {
	if len(st.Chunks) == 0 {
		return map[string]any{"extracted": 0}, nil
	}
	poolSize := d.Cfg.PipelineExtractWorkers
	if poolSize <= 0 {
		poolSize = 6
	}

	results := make([]domain.ExtractionResult, len(st.Chunks))
	var failuresMu sync.Mutex
	var failures []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for i := range st.Chunks {
		i := i
		chunk := st.Chunks[i]
		g.Go(func() error {
			res, err := d.Extractor.Extract(gctx, chunk)
			if err != nil {
				if !apperror.Retryable(err) {
					return apperror.New(apperror.KindExternalPermanent, fmt.Errorf("extracting chunk %q: %w", chunk.ID, err))
				}
				failuresMu.Lock()
				failures = append(failures, fmt.Sprintf("chunk %s: %v", chunk.ID, err))
				failuresMu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st.Extractions = results
	entityCount, relationCount := 0, 0
	for _, r := range results {
		entityCount += len(r.Entities)
		relationCount += len(r.Relations)
	}
	st.Summary.Entities = entityCount
	st.Summary.Relations = relationCount

	detail := map[string]any{"chunks_processed": len(st.Chunks), "entities_found": entityCount, "relations_found": relationCount}
	if len(failures) > 0 {
		detail["chunk_failures"] = failures
	}
	return detail, nil
}

// unifyEntities adjudicates every freshly extracted entity against the
// existing graph before the LLM-based agent runs: pairs whose fingerprint,
// similarity score and conflict scan classify as an auto-merge are folded
// directly, skipping the agent call entirely; everything else still flows
// through the agent's vector-prescreen/intelligent-analysis/final-decision
// state machine. Scoped to new-vs-existing pairs only, since new-vs-new
// duplicates within one document are already collapsed deterministically by
// the fragment builder's same-name-type node keying.
func (d GraphDeps) unifyEntities(ctx context.Context, st *State) (map[string]any, error) {
	mentions := allMentions(st.Extractions)
	if len(mentions) == 0 {
		return map[string]any{"merge_groups": 0}, nil
	}
	st.MentionsByID = make(map[string]domain.EntityMention, len(mentions))
	for _, m := range mentions {
		st.MentionsByID[m.ID] = m
	}

	existing, err := d.sampleExisting(ctx, mentions, st.Mode, st.Document.ID)
	if err != nil {
		return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("sampling existing graph nodes: %w", err))
	}

	autoMerged := map[string]unify.MergeGroup{}
	var remaining []domain.EntityMention
	if d.Similarity != nil && d.Decision != nil && len(existing) > 0 {
		byType := map[string][]domain.GraphNode{}
		for _, n := range existing {
			byType[strings.ToLower(n.Type)] = append(byType[strings.ToLower(n.Type)], n)
		}

		for _, m := range mentions {
			best, bestScore, ok, ferr := d.bestExistingMatch(ctx, m, byType[strings.ToLower(m.Type)])
			if ferr != nil {
				return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("scoring entity %q: %w", m.Name, ferr))
			}
			if !ok {
				remaining = append(remaining, m)
				continue
			}
			rec := d.Decision.Decide(bestScore, subjectFromMention(m), subjectFromNode(best))
			if rec.Class != decision.ClassAutoMerge {
				remaining = append(remaining, m)
				continue
			}
			existingID := best.ID
			mentionID := fragment.EntityNodeID(m.Name, m.Type)
			key := existingID
			group, seen := autoMerged[key]
			if !seen {
				group = unify.MergeGroup{Primary: existingID, MergedName: best.Name, MergedDesc: best.Description, Confidence: rec.Confidence, Reason: "similarity/decision fast path"}
			}
			if mentionID != existingID {
				group.Duplicates = appendUniqueStr(group.Duplicates, mentionID)
			}
			autoMerged[key] = group
		}
	} else {
		remaining = mentions
	}

	result := unify.Result{}
	if len(remaining) > 0 {
		result = d.Unifier.Unify(ctx, unify.Input{NewEntities: remaining, ExistingSample: existing}, st.Mode)
	}

	groups := result.MergeGroups
	for _, key := range sortedKeys(autoMerged) {
		groups = append(groups, autoMerged[key])
	}
	result.MergeGroups = groups
	st.UnifyResult = result
	st.Summary.MergeGroups = len(groups)

	return map[string]any{
		"merge_groups":    len(groups),
		"auto_merged":     len(autoMerged),
		"independent":     len(result.Independent),
		"uncertain_cases": len(result.UncertainCases),
	}, nil
}

// bestExistingMatch scores m against every same-type candidate in sample and
// returns the highest-scoring one. Sample sets are bounded by
// VectorPrescreenTopK before scoring, so this stays within the documented
// per-pair scoring budget even for a type with many existing nodes.
func (d GraphDeps) bestExistingMatch(ctx context.Context, m domain.EntityMention, sample []domain.GraphNode) (domain.GraphNode, similarity.Score, bool, error) {
	topK := d.Cfg.VectorPrescreenTopK
	if topK <= 0 || topK > len(sample) {
		topK = len(sample)
	}
	sample = sample[:topK]

	cand := similarity.Candidate{Name: m.Name, Type: m.Type, Description: m.Description}
	var best domain.GraphNode
	var bestScore similarity.Score
	found := false
	for _, n := range sample {
		s, err := d.Similarity.Score(ctx, cand, similarity.Candidate{Name: n.Name, Type: n.Type, Description: n.Description, Aliases: n.Aliases})
		if err != nil {
			return domain.GraphNode{}, similarity.Score{}, false, err
		}
		if !found || s.Total > bestScore.Total {
			best, bestScore, found = n, s, true
		}
	}
	return best, bestScore, found, nil
}

// sampleExisting builds the candidate set of existing graph nodes the
// unifier will adjudicate new mentions against. How that set is built
// depends on mode: incremental stays close to the document being
// ingested, sampling draws a stratified random cross-section of the whole
// graph, and global_semantic follows embedding similarity wherever it
// leads, independent of graph topology.
func (d GraphDeps) sampleExisting(ctx context.Context, mentions []domain.EntityMention, mode domain.UnificationMode, documentID string) ([]domain.GraphNode, error) {
	wanted := map[string]bool{}
	for _, m := range mentions {
		wanted[strings.ToLower(m.Type)] = true
	}
	topK := d.Cfg.VectorPrescreenTopK
	if topK <= 0 {
		topK = 20
	}

	switch mode {
	case domain.ModeSampling:
		return d.sampleStratifiedRandom(ctx, wanted, topK)
	case domain.ModeGlobalSemantic:
		out, err := d.sampleSemanticNeighbors(ctx, mentions, wanted, topK)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
		// No vector index to query yet (first entities in the graph): fall
		// back to the type-filtered scan so the first document still gets
		// a candidate set.
		return d.sampleByType(ctx, wanted, topK)
	default: // domain.ModeIncremental and any unset/unknown mode
		out, err := d.sampleDocumentNeighborhood(ctx, documentID, wanted, topK)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
		// A document ingested for the first time has no prior neighborhood
		// to sample from; fall back to the type-filtered scan.
		return d.sampleByType(ctx, wanted, topK)
	}
}

// sampleByType loads every Entity-labeled node sharing a type with one of
// the wanted types, grounded on the community detector's AllNodes(labels)
// use. The per-type cap at topK keeps the fast path's scoring work bounded
// regardless of graph size.
func (d GraphDeps) sampleByType(ctx context.Context, wanted map[string]bool, topK int) ([]domain.GraphNode, error) {
	nodes, err := d.Graph.AllNodes(ctx, []string{"Entity"})
	if err != nil {
		return nil, err
	}
	byType := map[string][]domain.GraphNode{}
	for _, n := range nodes {
		t, _ := n.Props["type"].(string)
		t = strings.ToLower(t)
		if !wanted[t] {
			continue
		}
		byType[t] = append(byType[t], nodeToGraphNode(n))
	}
	out := []domain.GraphNode{}
	for _, list := range byType {
		if len(list) > topK {
			list = list[:topK]
		}
		out = append(out, list...)
	}
	return out, nil
}

// sampleDocumentNeighborhood walks out from documentID (incremental mode):
// when the document was ingested before, its chunks and their HAS_ENTITY
// edges already reach the entities most likely to recur, which is a far
// tighter and cheaper candidate set than scanning the whole graph.
func (d GraphDeps) sampleDocumentNeighborhood(ctx context.Context, documentID string, wanted map[string]bool, topK int) ([]domain.GraphNode, error) {
	if documentID == "" {
		return nil, nil
	}
	visited, _, err := d.Graph.Traverse(ctx, documentID, 3, nil)
	if err != nil {
		return nil, err
	}
	byType := map[string][]domain.GraphNode{}
	for _, n := range visited {
		if !hasLabel(n.Labels, "Entity") {
			continue
		}
		t, _ := n.Props["type"].(string)
		t = strings.ToLower(t)
		if !wanted[t] {
			continue
		}
		byType[t] = append(byType[t], nodeToGraphNode(n))
	}
	out := []domain.GraphNode{}
	for _, list := range byType {
		if len(list) > topK {
			list = list[:topK]
		}
		out = append(out, list...)
	}
	return out, nil
}

// sampleStratifiedRandom draws up to topK nodes per wanted type, chosen
// uniformly at random from every node of that type in the graph (sampling
// mode), so the candidate set isn't biased toward whatever AllNodes
// happens to return first.
func (d GraphDeps) sampleStratifiedRandom(ctx context.Context, wanted map[string]bool, topK int) ([]domain.GraphNode, error) {
	nodes, err := d.Graph.AllNodes(ctx, []string{"Entity"})
	if err != nil {
		return nil, err
	}
	byType := map[string][]domain.GraphNode{}
	for _, n := range nodes {
		t, _ := n.Props["type"].(string)
		t = strings.ToLower(t)
		if !wanted[t] {
			continue
		}
		byType[t] = append(byType[t], nodeToGraphNode(n))
	}
	out := []domain.GraphNode{}
	for _, list := range byType {
		rand.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		if len(list) > topK {
			list = list[:topK]
		}
		out = append(out, list...)
	}
	return out, nil
}

// sampleSemanticNeighbors embeds one representative mention per wanted
// type and queries the vector index for its nearest existing entities
// (global_semantic mode): the candidate set follows embedding proximity
// across the entire graph rather than graph topology or uniform sampling.
func (d GraphDeps) sampleSemanticNeighbors(ctx context.Context, mentions []domain.EntityMention, wanted map[string]bool, topK int) ([]domain.GraphNode, error) {
	if d.Vectors == nil || d.Embedder == nil {
		return nil, nil
	}
	representative := map[string]domain.EntityMention{}
	for _, m := range mentions {
		t := strings.ToLower(m.Type)
		if !wanted[t] {
			continue
		}
		if _, ok := representative[t]; !ok {
			representative[t] = m
		}
	}

	seen := map[string]bool{}
	var out []domain.GraphNode
	for t, m := range representative {
		vec, err := d.Embedder.EmbedBatch(ctx, []string{m.Name + " " + m.Description})
		if err != nil {
			return nil, err
		}
		if len(vec) == 0 {
			continue
		}
		hits, err := d.Vectors.VectorKNN(ctx, vec[0], topK, map[string]string{"type": t})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			id := strings.TrimPrefix(h.ID, "entity:")
			if seen[id] {
				continue
			}
			node, ok, err := d.Graph.GetNode(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			seen[id] = true
			out = append(out, nodeToGraphNode(node))
		}
	}
	return out, nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func (d GraphDeps) buildFragment(_ context.Context, st *State) (map[string]any, error) {
	frag, err := fragment.Build(st.Document, st.Chunks, st.Extractions)
	if err != nil {
		return nil, apperror.New(apperror.KindLogic, fmt.Errorf("building fragment: %w", err))
	}
	st.Fragment = frag
	return map[string]any{"nodes": len(frag.Nodes), "edges": len(frag.Edges)}, nil
}

// writeGraph upserts the fragment's nodes and edges, then applies every
// merge group the unify step produced, translating candidate ids to graph
// node ids through fragment.EntityNodeID. Both upserts and merge
// application are idempotent, so a re-run after a prior partial failure
// converges rather than duplicating work.
func (d GraphDeps) writeGraph(ctx context.Context, st *State) (map[string]any, error) {
	nodes := make([]graphstore.Node, 0, len(st.Fragment.Nodes))
	for _, n := range st.Fragment.Nodes {
		nodes = append(nodes, graphstore.Node{ID: n.ID, Labels: []string{"Entity"}, Props: nodeProps(n)})
	}
	if len(nodes) > 0 {
		if err := d.Graph.BatchCreateNodes(ctx, nodes); err != nil {
			return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("writing fragment nodes: %w", err))
		}
	}

	edges := make([]graphstore.Edge, 0, len(st.Fragment.Edges))
	for _, e := range st.Fragment.Edges {
		edges = append(edges, graphstore.Edge{SourceID: e.SourceID, TargetID: e.TargetID, Type: e.Type, Props: map[string]any{
			"description": e.Description, "weight": e.Weight, "source_text_excerpt": e.SourceExcerpt,
		}})
	}
	if len(edges) > 0 {
		if err := d.Graph.BatchCreateEdges(ctx, edges); err != nil {
			return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("writing fragment edges: %w", err))
		}
	}

	if d.Vectors != nil && len(st.Fragment.Nodes) > 0 {
		texts := make([]string, len(st.Fragment.Nodes))
		for i, n := range st.Fragment.Nodes {
			texts[i] = n.Name + " " + n.Description
		}
		vecs, err := d.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("embedding entity nodes: %w", err))
		}
		items := make([]graphstore.VectorItem, 0, len(st.Fragment.Nodes))
		for i, n := range st.Fragment.Nodes {
			if i >= len(vecs) {
				break
			}
			items = append(items, graphstore.VectorItem{ID: "entity:" + n.ID, Vector: vecs[i], Metadata: map[string]string{"type": n.Type}})
		}
		if len(items) > 0 {
			if err := d.Vectors.BatchUpsert(ctx, items); err != nil {
				return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("storing entity vectors: %w", err))
			}
		}
	}

	applied := 0
	for _, g := range st.UnifyResult.MergeGroups {
		primaryID := resolveCandidateID(g.Primary, st.MentionsByID)
		dupIDs := make([]string, 0, len(g.Duplicates))
		for _, dup := range g.Duplicates {
			id := resolveCandidateID(dup, st.MentionsByID)
			if id != primaryID {
				dupIDs = append(dupIDs, id)
			}
		}
		if len(dupIDs) == 0 {
			continue
		}
		op := merge.Operation{Primary: primaryID, Duplicates: dupIDs, MergedName: g.MergedName, MergedDesc: g.MergedDesc}
		if err := d.Merger.Apply(ctx, op); err != nil {
			return nil, apperror.New(apperror.KindExternalTransient, fmt.Errorf("applying merge group: %w", err))
		}
		applied++
	}

	return map[string]any{"nodes_written": len(nodes), "edges_written": len(edges), "merges_applied": applied}, nil
}

// resolveCandidateID translates a unify candidate id into the node id the
// fragment writer actually used. A candidate id from the existing-sample
// set is already a graph node id (fragment.EntityNodeID's own scheme); a
// candidate id from a freshly extracted mention is chunk-scoped and must be
// recomputed through the same id function the fragment builder used.
func resolveCandidateID(candidateID string, mentions map[string]domain.EntityMention) string {
	if m, ok := mentions[candidateID]; ok {
		return fragment.EntityNodeID(m.Name, m.Type)
	}
	return candidateID
}

func allMentions(extractions []domain.ExtractionResult) []domain.EntityMention {
	var out []domain.EntityMention
	for _, ex := range extractions {
		out = append(out, ex.Entities...)
	}
	return out
}

func subjectFromMention(m domain.EntityMention) decision.Subject {
	return decision.Subject{
		Candidate:  similarity.Candidate{Name: m.Name, Type: m.Type, Description: m.Description},
		Properties: m.Attributes,
		Confidence: m.Confidence,
	}
}

func subjectFromNode(n domain.GraphNode) decision.Subject {
	return decision.Subject{
		Candidate:  similarity.Candidate{Name: n.Name, Type: n.Type, Description: n.Description, Aliases: n.Aliases},
		Properties: n.Attributes,
		Confidence: 1,
	}
}

func nodeToGraphNode(n graphstore.Node) domain.GraphNode {
	name, _ := n.Props["name"].(string)
	typ, _ := n.Props["type"].(string)
	desc, _ := n.Props["description"].(string)
	var aliases []string
	if raw, _ := n.Props["aliases"].(string); raw != "" {
		for _, a := range strings.Split(raw, "|") {
			if a = strings.TrimSpace(a); a != "" {
				aliases = append(aliases, a)
			}
		}
	}
	var mergedFrom []string
	if raw, _ := n.Props["merged_from"].(string); raw != "" {
		for _, id := range strings.Split(raw, "|") {
			if id = strings.TrimSpace(id); id != "" {
				mergedFrom = append(mergedFrom, id)
			}
		}
	}
	return domain.GraphNode{
		ID:              n.ID,
		Name:            name,
		Type:            typ,
		Description:     desc,
		Aliases:         aliases,
		QualityScore:    floatProp(n.Props, "quality_score"),
		ImportanceScore: floatProp(n.Props, "importance_score"),
		MergedFrom:      mergedFrom,
	}
}

func floatProp(props map[string]any, key string) float64 {
	var f float64
	fmt.Sscanf(fmt.Sprintf("%v", props[key]), "%g", &f)
	return f
}

func nodeProps(n domain.GraphNode) map[string]any {
	return map[string]any{
		"name":                n.Name,
		"type":                n.Type,
		"description":         n.Description,
		"aliases":             strings.Join(n.Aliases, "|"),
		"merge_count":         "0",
		"confidence":          n.Attributes["confidence"],
		"source_text_excerpt": n.Attributes["source_text_excerpt"],
		"quality_score":       fmt.Sprintf("%.4f", n.QualityScore),
		"importance_score":    fmt.Sprintf("%.4f", n.ImportanceScore),
		"merged_from":         strings.Join(n.MergedFrom, "|"),
	}
}

func appendUniqueStr(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
