// Package ingest implements the ingest commit path (C14): resolve the
// effective (most-permissive, clamped) policy for a principal's roles,
// filter incoming frames/contradictions against it, write the resulting
// entities/edges/memories as one logical unit of work, and enqueue a
// refresh job only once that write has committed.
//
// Grounded on internal/storage/retry.go's transactional retry wrapper and
// internal/search/outbox.go's "never enqueue on a failed write" discipline.
package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/policy"
)

// ErrExternalRejected is returned when a caller attempts to ingest an
// object sourced externally — spec.md §4.12's invariant: external items
// are never persisted, enforced here as a hard guard independent of C12.
var ErrExternalRejected = fmt.Errorf("ingest: external-sourced objects cannot be persisted")

// Frame is one proposed write unit: a set of concept/frame entities, their
// edges, and contradiction markers to attach to existing or new memories.
type Frame struct {
	Type           string // must be in the effective policy's AllowedFrameTypes
	Entities       []model.Entity
	Edges          []model.Edge
	Memories       []model.Memory
	Contradictions []ScoredContradiction
	External       bool // true if this frame originated from an external-comparer fetch
}

// ScoredContradiction pairs a contradiction marker with the score the
// upstream scorer assigned it; filtered against the effective policy's
// ContradictionTolerance (marker is written iff score >= tolerance).
type ScoredContradiction struct {
	Marker   model.ContradictionMarker
	MemoryID string
	Score    float64
}

// Outcome reports what the commit actually did.
type Outcome struct {
	Committed          bool
	EntitiesWritten    int
	EdgesWritten       int
	MemoriesUpdated    int
	ContradictionsKept int
	RefreshJobID       int64
	RejectionReason    string
}

// Committer performs the ingest commit.
type Committer struct {
	policy *policy.Store
	kv     model.KVStore
	queue  model.Queue
}

// New builds a Committer.
func New(policyStore *policy.Store, kv model.KVStore, queue model.Queue) *Committer {
	return &Committer{policy: policyStore, kv: kv, queue: queue}
}

// clampByConfidence enforces max on the entities of type typ within
// entities, keeping the highest-confidence ones when the cap is exceeded
// (spec.md §4.14). Entities of other types pass through untouched; max<=0
// means no cap. Indices, not ids, identify which entities survive, since
// entity ids are not guaranteed unique within one frame.
func clampByConfidence(entities []model.Entity, typ model.EntityType, max int) []model.Entity {
	if max <= 0 {
		return entities
	}
	var matching []int
	for i, e := range entities {
		if e.Type == typ {
			matching = append(matching, i)
		}
	}
	if len(matching) <= max {
		return entities
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return entities[matching[i]].Confidence > entities[matching[j]].Confidence
	})
	keep := make(map[int]bool, max)
	for _, i := range matching[:max] {
		keep[i] = true
	}
	out := make([]model.Entity, 0, len(entities))
	for i, e := range entities {
		if e.Type != typ || keep[i] {
			out = append(out, e)
		}
	}
	return out
}

// Commit applies one Frame on behalf of a principal with the given roles.
// Frame sizes beyond the effective policy's caps are clamped by retaining
// the highest-confidence entities of the relevant type (concepts capped by
// MaxConceptsPerFile, frames capped by MaxFramesPerChunk); contradictions
// below the effective tolerance are dropped. The write and the refresh-job
// enqueue are one logical unit: if the write fails, nothing is enqueued.
func (c *Committer) Commit(ctx context.Context, roles []string, frame Frame) (Outcome, error) {
	if frame.External {
		return Outcome{RejectionReason: ErrExternalRejected.Error()}, ErrExternalRejected
	}

	eff := c.policy.EffectiveIngestPolicy(roles)

	if len(eff.AllowedFrameTypes) > 0 && !eff.AllowedFrameTypes[frame.Type] {
		return Outcome{RejectionReason: fmt.Sprintf("frame type %q not permitted", frame.Type)}, nil
	}

	entities := clampByConfidence(frame.Entities, model.EntityConcept, eff.MaxConceptsPerFile)
	entities = clampByConfidence(entities, model.EntityFrame, eff.MaxFramesPerChunk)
	edges := frame.Edges

	var kept []ScoredContradiction
	if eff.WriteContradictionsToMemories {
		for _, sc := range frame.Contradictions {
			if sc.Score >= eff.ContradictionTolerance {
				kept = append(kept, sc)
			}
		}
	}

	out := Outcome{}
	for _, e := range entities {
		if err := c.kv.InsertEntity(ctx, e); err != nil {
			return Outcome{RejectionReason: "entity write failed"}, fmt.Errorf("ingest: insert entity %q: %w", e.ID, err)
		}
		out.EntitiesWritten++
	}
	for _, e := range edges {
		if err := c.kv.InsertEdge(ctx, e); err != nil {
			return Outcome{RejectionReason: "edge write failed"}, fmt.Errorf("ingest: insert edge %s->%s: %w", e.Src, e.Dst, err)
		}
		out.EdgesWritten++
	}

	memoriesByID := make(map[string]model.Memory, len(frame.Memories))
	for _, m := range frame.Memories {
		memoriesByID[m.ID] = m
	}
	for _, sc := range kept {
		m, ok := memoriesByID[sc.MemoryID]
		if !ok {
			continue
		}
		m.Contradictions = append(m.Contradictions, sc.Marker)
		memoriesByID[sc.MemoryID] = m
	}
	for _, m := range memoriesByID {
		if err := c.kv.UpdateMemory(ctx, m); err != nil {
			return Outcome{RejectionReason: "memory write failed"}, fmt.Errorf("ingest: update memory %q: %w", m.ID, err)
		}
		out.MemoriesUpdated++
	}
	out.ContradictionsKept = len(kept)

	entityIDs := make([]string, 0, len(entities))
	for _, e := range entities {
		entityIDs = append(entityIDs, e.ID)
	}
	if len(entityIDs) > 0 {
		jobID, err := c.queue.Enqueue(ctx, entityIDs)
		if err != nil {
			// The write already committed; a failed enqueue must not be
			// reported as a failed ingest, but the caller needs to know no
			// refresh was scheduled.
			out.Committed = true
			return out, fmt.Errorf("ingest: enqueue refresh job: %w", err)
		}
		out.RefreshJobID = jobID
	}

	out.Committed = true
	return out, nil
}
