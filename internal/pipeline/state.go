// Package pipeline implements the pipeline orchestrator (C14): it drives a
// named, ordered list of weighted steps against a single document, recording
// progress through a Recorder and stopping cleanly on step failure or
// cancellation. The dispatch shape follows internal/orchestrator/kafka.go's
// jobs-channel plus bounded goroutine pool, generalized from a Kafka
// consumer loop to a bounded in-process task queue.
package pipeline

import (
	"ingestgraph/internal/domain"
	"ingestgraph/internal/unify"
)

// State is the rolling accumulator threaded through a pipeline's steps. Each
// step reads what it needs from State and writes back what later steps (or
// the caller) need; nothing here is persisted between process runs.
type State struct {
	Document domain.Document
	Mode     domain.UnificationMode

	RawBytes []byte
	Text     string

	Chunks      []domain.Chunk
	Extractions []domain.ExtractionResult
	Fragment    domain.GraphFragment

	// UnifyResult holds the merge groups the unify step produced, consumed
	// by write-graph to apply them against the shared graph.
	UnifyResult unify.Result
	// MentionsByID resolves a fresh extraction's mention id back to its
	// name/type, since a merge candidate id may refer to a mention that was
	// never written to the graph under that id (fragment.EntityNodeID
	// recomputes the actual node id it resolved to).
	MentionsByID map[string]domain.EntityMention

	// Summary carries end-of-pipeline counts surfaced on a successful task.
	Summary Summary
}

// Summary is the count of produced artifacts, filled in on State as the
// steps run. No step copies it into a step's detail map.
type Summary struct {
	Chunks       int `json:"chunks"`
	Entities     int `json:"entities"`
	Relations    int `json:"relations"`
	MergeGroups  int `json:"merge_groups,omitempty"`
	Communities  int `json:"communities,omitempty"`
}
