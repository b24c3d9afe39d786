// Package fragment implements the graph fragment builder (C11): it turns a
// document's chunks plus the validated entity/relation mentions extracted
// from them into an in-memory domain.GraphFragment with deterministic node
// and edge ids, then validates referential integrity before the fragment
// is handed to the merger for writing.
package fragment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"ingestgraph/internal/domain"
)

// Build assembles a GraphFragment for one document from its ordered chunks
// and the per-chunk extraction results. Chunks must be supplied in index
// order; extractions need not cover every chunk.
func Build(doc domain.Document, chunks []domain.Chunk, extractions []domain.ExtractionResult) (domain.GraphFragment, error) {
	frag := domain.GraphFragment{DocumentID: doc.ID}

	byChunk := make(map[string]domain.ExtractionResult, len(extractions))
	for _, ex := range extractions {
		byChunk[ex.ChunkID] = ex
	}

	entities := make(map[string]*domain.GraphNode) // keyed by node id
	nodeOrder := []string{}

	for _, ex := range byChunk {
		for _, em := range ex.Entities {
			chunkID := em.ChunkID
			if chunkID == "" {
				chunkID = ex.ChunkID
			}
			id := entityNodeID(em.Name, em.Type)
			n, ok := entities[id]
			if !ok {
				n = &domain.GraphNode{
					ID:         id,
					Name:       em.Name,
					Type:       em.Type,
					Attributes: map[string]string{"document_id": doc.ID},
				}
				entities[id] = n
				nodeOrder = append(nodeOrder, id)
			}
			if n.Description == "" {
				n.Description = em.Description
			}
			n.ChunkIDs = appendUnique(n.ChunkIDs, chunkID)
			n.Attributes["confidence"] = fmt.Sprintf("%.4f", em.Confidence)
			if em.SourceExcerpt != "" && n.Attributes["source_text_excerpt"] == "" {
				n.Attributes["source_text_excerpt"] = em.SourceExcerpt
			}
			if em.QualityScore > n.QualityScore {
				n.QualityScore = em.QualityScore
			}
			// Importance grows with corroborating mentions: a name seen once
			// in one chunk is less central than one recurring across many.
			n.ImportanceScore = importanceFromMentionCount(len(n.ChunkIDs))
		}
	}

	sort.Strings(nodeOrder)
	for _, id := range nodeOrder {
		frag.Nodes = append(frag.Nodes, *entities[id])
	}

	edges := []domain.GraphEdge{}
	for i, chunk := range chunks {
		if i == 0 {
			edges = append(edges, domain.GraphEdge{
				ID: chunkEdgeID(doc.ID, chunk.ID, "FIRST_CHUNK"), SourceID: doc.ID, TargetID: chunk.ID, Type: "FIRST_CHUNK",
			})
		}
		if i+1 < len(chunks) {
			next := chunks[i+1]
			edges = append(edges, domain.GraphEdge{
				ID: chunkEdgeID(chunk.ID, next.ID, "NEXT_CHUNK"), SourceID: chunk.ID, TargetID: next.ID, Type: "NEXT_CHUNK",
			})
		}
		edges = append(edges, domain.GraphEdge{
			ID: chunkEdgeID(chunk.ID, doc.ID, "PART_OF"), SourceID: chunk.ID, TargetID: doc.ID, Type: "PART_OF",
		})
	}

	for _, id := range nodeOrder {
		n := entities[id]
		for _, chunkID := range n.ChunkIDs {
			edges = append(edges, domain.GraphEdge{
				ID: chunkEdgeID(chunkID, n.ID, "HAS_ENTITY"), SourceID: chunkID, TargetID: n.ID, Type: "HAS_ENTITY",
			})
		}
	}

	for _, ex := range byChunk {
		for _, rel := range ex.Relations {
			srcID := entityNodeID(rel.SourceName, rel.SourceType)
			tgtID := entityNodeID(rel.TargetName, rel.TargetType)
			edges = append(edges, domain.GraphEdge{
				ID:            relationEdgeID(srcID, tgtID, rel.Type),
				SourceID:      srcID,
				TargetID:      tgtID,
				Type:          "RELATIONSHIP",
				Description:   rel.Description,
				Weight:        rel.Confidence,
				ChunkIDs:      []string{rel.ChunkID},
				SourceExcerpt: rel.SourceExcerpt,
			})
		}
	}

	frag.Edges = dedupeEdges(edges)

	if err := Validate(frag, doc.ID, chunks); err != nil {
		return domain.GraphFragment{}, err
	}
	return frag, nil
}

// Validate checks referential integrity: every edge's endpoints resolve to
// a node present in the fragment (document or chunk ids, or an entity node
// id), and node/edge ids are unique.
func Validate(frag domain.GraphFragment, documentID string, chunks []domain.Chunk) error {
	known := make(map[string]bool)
	known[documentID] = true
	for _, c := range chunks {
		known[c.ID] = true
	}

	seenNodes := make(map[string]bool)
	for _, n := range frag.Nodes {
		if seenNodes[n.ID] {
			return fmt.Errorf("fragment: duplicate node id %q", n.ID)
		}
		seenNodes[n.ID] = true
		known[n.ID] = true
	}

	seenEdges := make(map[string]bool)
	for _, e := range frag.Edges {
		if seenEdges[e.ID] {
			return fmt.Errorf("fragment: duplicate edge id %q", e.ID)
		}
		seenEdges[e.ID] = true
		if !known[e.SourceID] {
			return fmt.Errorf("fragment: edge %q references unknown source %q", e.ID, e.SourceID)
		}
		if !known[e.TargetID] {
			return fmt.Errorf("fragment: edge %q references unknown target %q", e.ID, e.TargetID)
		}
	}
	return nil
}

// importanceFromMentionCount is a cheap proxy for centrality ahead of
// community detection: it climbs toward 1 as an entity recurs across more
// chunks but never reaches it, so a single-mention entity stays clearly
// below one that's corroborated many times over.
func importanceFromMentionCount(count int) float64 {
	if count < 1 {
		return 0
	}
	return 1 - 1/float64(count+1)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func dedupeEdges(edges []domain.GraphEdge) []domain.GraphEdge {
	seen := make(map[string]int, len(edges))
	out := make([]domain.GraphEdge, 0, len(edges))
	for _, e := range edges {
		if idx, ok := seen[e.ID]; ok {
			for _, cid := range e.ChunkIDs {
				out[idx].ChunkIDs = appendUnique(out[idx].ChunkIDs, cid)
			}
			continue
		}
		seen[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

func md5_8(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func entityNodeID(name, entityType string) string {
	return EntityNodeID(name, entityType)
}

// EntityNodeID computes the deterministic node id a mention with the given
// name and type would resolve to once built into a fragment. Exported so
// callers that need to relate an EntityMention to its eventual graph node
// (e.g. to translate a unification decision into a merge operation) don't
// have to reimplement the id scheme.
func EntityNodeID(name, entityType string) string {
	key := strings.ToLower(strings.TrimSpace(name)) + "_" + strings.ToLower(strings.TrimSpace(entityType))
	return "entity_" + md5_8(key)
}

func relationEdgeID(sourceID, targetID, relType string) string {
	return "rel_" + md5_8(sourceID+"_"+targetID+"_"+relType)
}

// chunkEdgeID is used for structural edges (FIRST_CHUNK/NEXT_CHUNK/PART_OF/
// HAS_ENTITY), which use a different edge type than relation edges but need
// the same determinism so re-running the builder over identical input
// reproduces identical edge ids.
func chunkEdgeID(sourceID, targetID, edgeType string) string {
	return "rel_" + md5_8(sourceID+"_"+targetID+"_"+edgeType)
}
