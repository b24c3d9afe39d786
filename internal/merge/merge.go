// Package merge implements the graph merger (C12): applying one merge
// operation (a primary node id, duplicate node ids, a merged name and
// description) against the shared graph store. Alias handling, edge
// rewiring and node deletion are grounded on graphstore.GraphDB, the C3
// adapter this package is the only caller of for mutation during
// unification.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ingestgraph/internal/graphstore"
)

// Operation is one merge decision to apply: fold every id in Duplicates
// into Primary.
type Operation struct {
	Primary    string
	Duplicates []string
	MergedName string
	MergedDesc string
	AliasMax   int
}

// Merger applies Operations against a graphstore.GraphDB.
type Merger struct {
	graph    graphstore.GraphDB
	aliasMax int
}

// New builds a Merger with the configured alias cap (defaulted to 20 when
// aliasMax <= 0).
func New(graph graphstore.GraphDB, aliasMax int) *Merger {
	if aliasMax <= 0 {
		aliasMax = 20
	}
	return &Merger{graph: graph, aliasMax: aliasMax}
}

// Apply updates the primary node's name/description/aliases/merge
// counters, rewires every duplicate's edges onto the primary, and deletes
// the duplicates. Re-applying an already-merged operation is a no-op: any
// duplicate id already gone from the store is simply skipped.
func (m *Merger) Apply(ctx context.Context, op Operation) error {
	primary, found, err := m.graph.GetNode(ctx, op.Primary)
	if err != nil {
		return fmt.Errorf("merge: loading primary %q: %w", op.Primary, err)
	}
	if !found {
		return fmt.Errorf("merge: primary node %q not found", op.Primary)
	}
	if primary.Props == nil {
		primary.Props = map[string]any{}
	}

	aliasMax := op.AliasMax
	if aliasMax <= 0 {
		aliasMax = m.aliasMax
	}

	var duplicateNames []string
	var remaining []string
	var mergedFrom []string
	for _, dupID := range op.Duplicates {
		dup, found, err := m.graph.GetNode(ctx, dupID)
		if err != nil {
			return fmt.Errorf("merge: loading duplicate %q: %w", dupID, err)
		}
		if !found {
			// Already merged in a prior application: nothing left to do.
			continue
		}
		remaining = append(remaining, dupID)
		duplicateNames = append(duplicateNames, stringProp(dup.Props, "name"))
		duplicateNames = append(duplicateNames, splitAliases(stringProp(dup.Props, "aliases"))...)
		mergedFrom = append(mergedFrom, dupID)
		mergedFrom = append(mergedFrom, splitAliases(stringProp(dup.Props, "merged_from"))...)
	}
	if len(op.Duplicates) > 0 && len(remaining) == 0 {
		// Every duplicate is already gone: this operation was applied before.
		return nil
	}

	if op.MergedName != "" {
		primary.Props["name"] = op.MergedName
	}
	if op.MergedDesc != "" {
		primary.Props["description"] = op.MergedDesc
	}
	primary.Props["aliases"] = joinAliases(mergeAliases(
		splitAliases(stringProp(primary.Props, "aliases")), duplicateNames, aliasMax))
	primary.Props["merge_count"] = incrementCounter(primary.Props["merge_count"])
	primary.Props["confidence"] = bumpConfidence(primary.Props["confidence"])
	primary.Props["merged_from"] = joinAliases(mergeAliases(
		splitAliases(stringProp(primary.Props, "merged_from")), mergedFrom, aliasMax*4))

	if err := m.graph.UpsertNode(ctx, primary.ID, primary.Labels, primary.Props); err != nil {
		return fmt.Errorf("merge: updating primary: %w", err)
	}

	for _, dupID := range remaining {
		if err := m.rewireAndDelete(ctx, op.Primary, dupID); err != nil {
			return fmt.Errorf("merge: rewiring duplicate %q: %w", dupID, err)
		}
	}
	return nil
}

// ResolvePrimary returns existingID (the id of a node expected to share the
// candidate's canonical name+type) when that node is present in graph,
// preferring it over a freshly-extracted id so the stable, already-referenced
// node id survives the merge; otherwise it returns candidateID.
func ResolvePrimary(ctx context.Context, graph graphstore.GraphDB, candidateID, existingID string) (string, error) {
	if existingID == "" || existingID == candidateID {
		return candidateID, nil
	}
	_, found, err := graph.GetNode(ctx, existingID)
	if err != nil {
		return candidateID, err
	}
	if found {
		return existingID, nil
	}
	return candidateID, nil
}

type edgeKey struct {
	other     string
	edgeType  string
	direction string
}

func (m *Merger) rewireAndDelete(ctx context.Context, primaryID, dupID string) error {
	edges, err := m.graph.EdgesOf(ctx, dupID)
	if err != nil {
		return err
	}

	seen := make(map[edgeKey]bool)
	for _, edge := range edges {
		var other, direction string
		switch {
		case edge.SourceID == dupID && edge.TargetID == primaryID:
			continue // already points at primary
		case edge.TargetID == dupID && edge.SourceID == primaryID:
			continue
		case edge.SourceID == dupID:
			other, direction = edge.TargetID, "out"
		case edge.TargetID == dupID:
			other, direction = edge.SourceID, "in"
		default:
			continue
		}

		k := edgeKey{other: other, edgeType: edge.Type, direction: direction}
		if seen[k] {
			continue // duplicate of the same (other,type,direction) triple, collapsed
		}
		seen[k] = true

		src, dst := edge.SourceID, edge.TargetID
		if direction == "out" {
			src = primaryID
		} else {
			dst = primaryID
		}
		if err := m.graph.CreateEdge(ctx, src, edge.Type, dst, edge.Props); err != nil {
			return err
		}
	}

	return m.graph.DeleteNode(ctx, dupID)
}

func stringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func splitAliases(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinAliases(aliases []string) string {
	return strings.Join(aliases, "|")
}

// mergeAliases unions existing aliases with the duplicates' names and
// aliases, dedupes case-insensitively, caps at max, and sorts by length
// ascending so the shortest (most canonical) forms survive truncation.
func mergeAliases(existing []string, added []string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range append(append([]string{}, existing...), added...) {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) < len(out[j]) })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func incrementCounter(raw any) string {
	n := 0
	fmt.Sscanf(fmt.Sprintf("%v", raw), "%d", &n)
	return fmt.Sprintf("%d", n+1)
}

func bumpConfidence(raw any) string {
	var c float64
	fmt.Sscanf(fmt.Sprintf("%v", raw), "%g", &c)
	c += 0.1
	if c > 1.0 {
		c = 1.0
	}
	return fmt.Sprintf("%.4f", c)
}
