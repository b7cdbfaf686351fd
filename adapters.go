package nous

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/nous-run/nous/internal/external"
	"github.com/nous-run/nous/internal/ingest"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/selector"
	"github.com/nous-run/nous/internal/vectorindex"
)

// embeddingProviderAdapter lets a caller-supplied EmbeddingProvider (which
// deals in []float32) satisfy embedding.Provider (which deals in
// pgvector.Vector), the same float32-slice <-> pgvector.Vector boundary
// internal/embedding's own OpenAI/noop providers cross internally.
type embeddingProviderAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingProviderAdapter) Dimensions() int { return a.p.Dimensions() }

// reviewerAdapter lets a caller-supplied Reviewer (public memories) satisfy
// selector.Reviewer (internal model.Memory).
type reviewerAdapter struct {
	r Reviewer
}

func (a *reviewerAdapter) Review(ctx context.Context, draftAnswer string, memories []model.Memory) error {
	return a.r.Review(ctx, draftAnswer, toPublicMemories(memories))
}

func toPublicMemories(memories []model.Memory) []Memory {
	out := make([]Memory, len(memories))
	for i, m := range memories {
		out[i] = toPublicMemory(m)
	}
	return out
}

func toPublicMemory(m model.Memory) Memory {
	return Memory{
		ID:                  m.ID,
		Text:                m.Text,
		EntityIDs:           m.EntityIDs,
		ProcessTraceSummary: m.ProcessTraceSummary,
		Contradictions:      toPublicContradictions(m.Contradictions),
	}
}

func toPublicContradictions(markers []model.ContradictionMarker) []ContradictionMarker {
	out := make([]ContradictionMarker, len(markers))
	for i, m := range markers {
		out[i] = ContradictionMarker{
			Subject:           m.Subject,
			EvidenceAnchor:    m.EvidenceAnchor,
			Severity:          string(m.Severity),
			CounterpartMemory: m.CounterpartMemory,
		}
	}
	return out
}

func toPublicFallback(f *vectorindex.FallbackInfo) *FallbackInfo {
	if f == nil {
		return nil
	}
	return &FallbackInfo{Used: f.Used, Reason: f.Reason, ReducedK: f.ReducedK}
}

// toPublicSelectionResult converts a selector.Result to the public schema.
func toPublicSelectionResult(res selector.Result) SelectionResult {
	return SelectionResult{
		Context:  toPublicMemories(res.Memories),
		Fallback: toPublicFallback(res.Fallback),
		Trace:    res.Trace,
	}
}

func toInternalFrame(f IngestFrame) ingest.Frame {
	entities := make([]model.Entity, len(f.Entities))
	for i, e := range f.Entities {
		entities[i] = model.Entity{ID: e.ID, Type: model.EntityType(e.Type), Name: e.Name, Attributes: e.Attributes, Confidence: e.Confidence}
	}
	edges := make([]model.Edge, len(f.Edges))
	for i, e := range f.Edges {
		edges[i] = model.Edge{Src: e.Src, RelType: e.RelType, Dst: e.Dst, Weight: e.Weight}
	}
	memories := make([]model.Memory, len(f.Memories))
	for i, m := range f.Memories {
		memories[i] = model.Memory{
			ID:                  m.ID,
			Text:                m.Text,
			EntityIDs:           m.EntityIDs,
			RoleViewLevel:       m.RoleViewLevel,
			ProcessTraceSummary: m.ProcessTraceSummary,
		}
	}
	contradictions := make([]ingest.ScoredContradiction, len(f.Contradictions))
	for i, c := range f.Contradictions {
		contradictions[i] = ingest.ScoredContradiction{
			Marker: model.ContradictionMarker{
				Subject:           c.Marker.Subject,
				EvidenceAnchor:    c.Marker.EvidenceAnchor,
				Severity:          model.Severity(c.Marker.Severity),
				CounterpartMemory: c.Marker.CounterpartMemory,
			},
			MemoryID: c.MemoryID,
			Score:    c.Score,
		}
	}
	return ingest.Frame{
		Type:           f.Type,
		Entities:       entities,
		Edges:          edges,
		Memories:       memories,
		Contradictions: contradictions,
		External:       f.External,
	}
}

func toPublicIngestOutcome(o ingest.Outcome) IngestOutcome {
	return IngestOutcome{
		Committed:          o.Committed,
		EntitiesWritten:    o.EntitiesWritten,
		EdgesWritten:       o.EdgesWritten,
		MemoriesUpdated:    o.MemoriesUpdated,
		ContradictionsKept: o.ContradictionsKept,
		RefreshJobID:       o.RefreshJobID,
		RejectionReason:    o.RejectionReason,
	}
}

func toInternalProposal(p HypothesisProposal) model.HypothesisProposal {
	return model.HypothesisProposal{
		ID:   p.ID,
		Text: p.Text,
		Signals: model.Signals{
			Novelty:          p.Novelty,
			EvidenceStrength: p.EvidenceStrength,
			Coherence:        p.Coherence,
			Specificity:      p.Specificity,
		},
		OverrideReason: p.OverrideReason,
	}
}

func toPublicParetoDecision(d model.ParetoDecision) ParetoDecision {
	return ParetoDecision{
		Persisted:        d.Persisted,
		Score:            d.Score,
		Threshold:        d.Threshold,
		Override:         d.Override,
		OverrideReason:   d.OverrideReason,
		RejectionReason:  d.RejectionReason,
		ScoringLatencyMS: d.ScoringLatencyMS,
	}
}

func toPublicExternalBlock(res external.RunResult) ExternalComparisonBlock {
	items := make([]ExternalItem, len(res.Block.Items))
	for i, it := range res.Block.Items {
		items[i] = ExternalItem{
			Label:   it.Label,
			Host:    it.Host,
			Snippet: it.Snippet,
			Provenance: Provenance{
				URL:       it.URL,
				FetchedAt: it.FetchedAt,
			},
		}
	}
	return ExternalComparisonBlock{
		Heading:      res.Block.Heading,
		Items:        items,
		UsedExternal: res.UsedExternal,
	}
}
