// Package community implements the community detector (C13): a periodic
// refresh that clusters the shared entity graph hierarchically, links
// entities to their communities at every level, and summarizes each level-0
// community via the LLM client, using the bounded-concurrency worker-pool
// pattern from internal/tools/web/fetch_tool.go's errgroup.Group use,
// generalized from bounded concurrent fetches to bounded concurrent
// summarization calls.
package community

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ingestgraph/internal/config"
	"ingestgraph/internal/domain"
	"ingestgraph/internal/embedding"
	"ingestgraph/internal/graphstore"
	"ingestgraph/internal/llmclient"
)

const (
	labelEntity    = "Entity"
	labelCommunity = "Community"
	relInCommunity = "IN_COMMUNITY"
	relParentComm  = "PARENT_COMMUNITY"
	relHasEntity   = "HAS_ENTITY"
	relPartOf      = "PART_OF"
	relRelationship = "RELATIONSHIP"
)

// Detector owns one refresh pass over the shared graph.
type Detector struct {
	graph    graphstore.GraphDB
	vector   graphstore.VectorStore
	search   graphstore.FullTextSearch
	llm      llmclient.Provider
	embedder embedding.Embedder
	model    string

	maxLevels      int
	workerPoolSize int
	minClusterSize int
}

// New builds a Detector from configuration.
func New(graph graphstore.GraphDB, vector graphstore.VectorStore, search graphstore.FullTextSearch, llm llmclient.Provider, embedder embedding.Embedder, model string, cfg *config.Config) *Detector {
	return &Detector{
		graph:          graph,
		vector:         vector,
		search:         search,
		llm:            llm,
		embedder:       embedder,
		model:          model,
		maxLevels:      cfg.CommunityMaxLevels,
		workerPoolSize: cfg.CommunityWorkerPoolSize,
		minClusterSize: cfg.CommunityMinClusterSize,
	}
}

// SummaryFailure records a single community whose LLM summary call failed;
// the community itself is still created, just without a title/summary.
type SummaryFailure struct {
	CommunityID string
	Err         string
}

// RefreshResult is the outcome of one Refresh call.
type RefreshResult struct {
	Communities      []domain.Community
	SummaryFailures  []SummaryFailure
	EntitiesClustered int
}

// Refresh recomputes the community hierarchy from scratch: it drops every
// existing community node and IN_COMMUNITY/PARENT_COMMUNITY edge, clusters
// the current entity graph, recreates the hierarchy, computes weight/rank,
// and summarizes level-0 communities with more than one entity. When dryRun
// is true, the clustering and summaries are still computed but nothing is
// written to the graph or the indices.
func (d *Detector) Refresh(ctx context.Context, dryRun bool) (RefreshResult, error) {
	entities, err := d.graph.AllNodes(ctx, []string{labelEntity})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("community: listing entities: %w", err)
	}
	if len(entities) == 0 {
		if !dryRun {
			if err := d.dropExisting(ctx); err != nil {
				return RefreshResult{}, err
			}
		}
		return RefreshResult{}, nil
	}

	entityIDs := make([]string, len(entities))
	byID := make(map[string]graphstore.Node, len(entities))
	for i, n := range entities {
		entityIDs[i] = n.ID
		byID[n.ID] = n
	}
	sort.Strings(entityIDs)

	relEdges, err := d.graph.AllEdges(ctx, []string{relRelationship})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("community: listing relations: %w", err)
	}
	weights := map[[2]string]float64{}
	entitySet := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		entitySet[id] = true
	}
	for _, e := range relEdges {
		if !entitySet[e.SourceID] || !entitySet[e.TargetID] {
			continue
		}
		w := 1.0
		if raw, ok := e.Props["weight"]; ok {
			if f, ok := raw.(float64); ok && f > 0 {
				w = f
			}
		}
		weights[edgeKey(e.SourceID, e.TargetID)] += w
	}

	levels := computeHierarchy(entityIDs, weights, d.maxLevels, d.minClusterSize)
	if len(levels) == 0 {
		return RefreshResult{}, nil
	}

	communities, parentOf := buildCommunities(levels)

	var failures []SummaryFailure
	if d.llm != nil {
		failures = d.summarizeLevelZero(ctx, communities, byID, relEdges)
	}

	if !dryRun {
		if err := d.commit(ctx, communities, parentOf); err != nil {
			return RefreshResult{}, err
		}
	}

	return RefreshResult{Communities: communities, SummaryFailures: failures, EntitiesClustered: len(entityIDs)}, nil
}

func edgeKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// buildCommunities turns the clustering levels into domain.Community values
// with ids "{level}-{clusterId}" and their member entity ids, and a parent
// map from level-k community id to its level-k+1 parent. Weight and rank are
// not set here; commit computes them via weightAndRank.
func buildCommunities(levels []levelResult) ([]domain.Community, map[string]string) {
	var out []domain.Community
	parentOf := map[string]string{}

	// entityCluster[level][entityID] = clusterID at that level, needed to
	// derive PARENT_COMMUNITY links between consecutive levels.
	entityCluster := make([]map[string]int, len(levels))
	for level, lvl := range levels {
		entityCluster[level] = map[string]int{}
		for clusterID, members := range lvl.membersByCluster {
			for _, e := range members {
				entityCluster[level][e] = clusterID
			}
		}
	}

	for level, lvl := range levels {
		var clusterIDs []int
		for id := range lvl.membersByCluster {
			clusterIDs = append(clusterIDs, id)
		}
		sort.Ints(clusterIDs)

		for _, clusterID := range clusterIDs {
			members := lvl.membersByCluster[clusterID]
			commID := fmt.Sprintf("%d-%d", level, clusterID)

			out = append(out, domain.Community{
				ID:      commID,
				Level:   level,
				NodeIDs: members,
			})

			if level+1 < len(levels) {
				// Parent is whichever level-(level+1) cluster any member of
				// this community belongs to (they all agree, since the
				// aggregated graph only merges whole clusters).
				for _, e := range members {
					if parentCluster, ok := entityCluster[level+1][e]; ok {
						parentOf[commID] = fmt.Sprintf("%d-%d", level+1, parentCluster)
						break
					}
				}
			}
		}
	}
	return out, parentOf
}

const summarySystemPrompt = `You summarize a cluster of related entities in a knowledge graph.

Given the entities and the relations among them, respond with a single JSON object (no prose) shaped exactly as:
{"title":"...","summary":"..."}

The title must be four words or fewer. The summary should be a few sentences describing what ties these entities together.`

func (d *Detector) summarizeLevelZero(ctx context.Context, communities []domain.Community, byID map[string]graphstore.Node, relEdges []graphstore.Edge) []SummaryFailure {
	poolSize := d.workerPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	relByEntity := map[string][]graphstore.Edge{}
	for _, e := range relEdges {
		relByEntity[e.SourceID] = append(relByEntity[e.SourceID], e)
		relByEntity[e.TargetID] = append(relByEntity[e.TargetID], e)
	}

	var failuresMu sync.Mutex
	var failures []SummaryFailure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for i := range communities {
		c := &communities[i]
		if c.Level != 0 || len(c.NodeIDs) <= 1 {
			continue
		}
		c := c
		g.Go(func() error {
			title, summary, err := d.summarizeOne(gctx, *c, byID, relByEntity)
			if err != nil {
				failuresMu.Lock()
				failures = append(failures, SummaryFailure{CommunityID: c.ID, Err: err.Error()})
				failuresMu.Unlock()
				return nil
			}
			c.Title = title
			c.Summary = summary
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].CommunityID < failures[j].CommunityID })
	return failures
}

func (d *Detector) summarizeOne(ctx context.Context, c domain.Community, byID map[string]graphstore.Node, relByEntity map[string][]graphstore.Edge) (string, string, error) {
	var sb strings.Builder
	sb.WriteString("Entities:\n")
	members := make(map[string]bool, len(c.NodeIDs))
	for _, id := range c.NodeIDs {
		members[id] = true
		n := byID[id]
		fmt.Fprintf(&sb, "- %v (%v): %v\n", n.Props["name"], n.Props["type"], n.Props["description"])
	}
	sb.WriteString("\nLocal relations:\n")
	seen := map[string]bool{}
	for _, id := range c.NodeIDs {
		for _, e := range relByEntity[id] {
			if !members[e.SourceID] || !members[e.TargetID] {
				continue
			}
			key := e.SourceID + "|" + e.Type + "|" + e.TargetID
			if seen[key] {
				continue
			}
			seen[key] = true
			srcName := byID[e.SourceID].Props["name"]
			dstName := byID[e.TargetID].Props["name"]
			fmt.Fprintf(&sb, "- %v -[%v]-> %v\n", srcName, e.Type, dstName)
		}
	}

	resp, err := d.llm.Chat(ctx, []llmclient.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: sb.String()},
	}, nil, d.model)
	if err != nil {
		return "", "", fmt.Errorf("community summary: llm chat: %w", err)
	}

	title, summary, err := parseSummary(resp.Content)
	if err != nil {
		return "", "", fmt.Errorf("community summary: %w", err)
	}
	return title, summary, nil
}

var summaryJSONRe = regexp.MustCompile(`(?s)\{.*\}`)

func parseSummary(content string) (string, string, error) {
	raw := summaryJSONRe.FindString(content)
	if raw == "" {
		return "", "", fmt.Errorf("no JSON object found in summary response")
	}
	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", "", fmt.Errorf("decoding summary response: %w", err)
	}
	words := strings.Fields(out.Title)
	if len(words) > 4 {
		out.Title = strings.Join(words[:4], " ")
	}
	return out.Title, out.Summary, nil
}

// commit drops prior community structure and writes the freshly computed
// hierarchy: community nodes, IN_COMMUNITY edges, PARENT_COMMUNITY edges, and
// the per-entity "communities" attribute (the ordered list of community ids
// that entity belongs to, finest level first).
func (d *Detector) commit(ctx context.Context, communities []domain.Community, parentOf map[string]string) error {
	if err := d.dropExisting(ctx); err != nil {
		return err
	}

	entityCommunities := map[string][]string{}
	for _, c := range communities {
		for _, e := range c.NodeIDs {
			entityCommunities[e] = append(entityCommunities[e], c.ID)
		}
	}

	for _, c := range communities {
		weight, rank, err := d.weightAndRank(ctx, c)
		if err != nil {
			return err
		}
		props := map[string]any{"level": c.Level, "weight": weight, "rank": rank}
		if c.Title != "" {
			props["title"] = c.Title
		}
		if c.Summary != "" {
			props["summary"] = c.Summary
		}
		if err := d.graph.UpsertNode(ctx, c.ID, []string{labelCommunity}, props); err != nil {
			return fmt.Errorf("community: upserting community node %q: %w", c.ID, err)
		}
		for _, e := range c.NodeIDs {
			if err := d.graph.CreateEdge(ctx, e, relInCommunity, c.ID, nil); err != nil {
				return fmt.Errorf("community: linking %q to %q: %w", e, c.ID, err)
			}
		}
		if parent, ok := parentOf[c.ID]; ok {
			if err := d.graph.CreateEdge(ctx, c.ID, relParentComm, parent, nil); err != nil {
				return fmt.Errorf("community: linking %q to parent %q: %w", c.ID, parent, err)
			}
		}

		if c.Summary != "" && d.embedder != nil {
			vec, err := d.embedder.EmbedBatch(ctx, []string{c.Summary})
			if err == nil && len(vec) == 1 {
				_ = d.vector.Upsert(ctx, "community:"+c.ID, vec[0], map[string]string{"community_id": c.ID, "level": fmt.Sprint(c.Level)})
			}
			if d.search != nil {
				_ = d.search.Index(ctx, "community:"+c.ID, c.Summary, map[string]string{"community_id": c.ID, "title": c.Title})
			}
		}
	}

	for entityID, ids := range entityCommunities {
		node, found, err := d.graph.GetNode(ctx, entityID)
		if err != nil || !found {
			continue
		}
		props := copyProps(node.Props)
		sort.Strings(ids)
		props["communities"] = strings.Join(ids, ",")
		if err := d.graph.UpsertNode(ctx, entityID, node.Labels, props); err != nil {
			return fmt.Errorf("community: stamping communities on %q: %w", entityID, err)
		}
	}

	return nil
}

func copyProps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// weightAndRank recomputes weight (distinct chunks) and rank (distinct
// documents) for a community by walking HAS_ENTITY/PART_OF from its member
// entities, rather than trusting any value stashed during buildCommunities.
func (d *Detector) weightAndRank(ctx context.Context, c domain.Community) (int, int, error) {
	chunkSet := map[string]bool{}
	docSet := map[string]bool{}
	for _, e := range c.NodeIDs {
		edges, err := d.graph.EdgesOf(ctx, e)
		if err != nil {
			return 0, 0, fmt.Errorf("community: edges of %q: %w", e, err)
		}
		for _, edge := range edges {
			if edge.Type == relHasEntity && edge.TargetID == e {
				chunkSet[edge.SourceID] = true
			}
		}
	}
	for chunkID := range chunkSet {
		edges, err := d.graph.EdgesOf(ctx, chunkID)
		if err != nil {
			return 0, 0, fmt.Errorf("community: edges of chunk %q: %w", chunkID, err)
		}
		for _, edge := range edges {
			if edge.Type == relPartOf && edge.SourceID == chunkID {
				docSet[edge.TargetID] = true
			}
		}
	}
	return len(chunkSet), len(docSet), nil
}

// dropExisting removes every community node and IN_COMMUNITY/PARENT_COMMUNITY
// edge, and clears the "communities" attribute on every entity, so a refresh
// always starts from a clean slate.
func (d *Detector) dropExisting(ctx context.Context) error {
	comms, err := d.graph.AllNodes(ctx, []string{labelCommunity})
	if err != nil {
		return fmt.Errorf("community: listing existing communities: %w", err)
	}
	for _, c := range comms {
		if err := d.graph.DeleteNode(ctx, c.ID); err != nil {
			return fmt.Errorf("community: deleting stale community %q: %w", c.ID, err)
		}
		if d.vector != nil {
			_ = d.vector.Delete(ctx, "community:"+c.ID)
		}
		if d.search != nil {
			_ = d.search.Remove(ctx, "community:"+c.ID)
		}
	}

	entities, err := d.graph.AllNodes(ctx, []string{labelEntity})
	if err != nil {
		return fmt.Errorf("community: listing entities: %w", err)
	}
	for _, e := range entities {
		if _, ok := e.Props["communities"]; !ok {
			continue
		}
		props := copyProps(e.Props)
		delete(props, "communities")
		if err := d.graph.UpsertNode(ctx, e.ID, e.Labels, props); err != nil {
			return fmt.Errorf("community: clearing communities on %q: %w", e.ID, err)
		}
	}
	return nil
}
