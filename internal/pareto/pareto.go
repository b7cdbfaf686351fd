// Package pareto implements the Pareto gate (C16): a pure weighted-score
// admission decision over a hypothesis proposal's four signals, plus an
// unconditional audit write — every call is recorded regardless of outcome.
//
// Grounded on internal/search.ReScore's documented-coefficient style
// (comments stating the exact formula) and internal/conflicts/scorer.go's
// discipline of writing an audit trail for every consequential decision.
package pareto

import (
	"context"
	"time"

	"github.com/nous-run/nous/internal/model"
)

// Coefficients and threshold for the weighted score (spec.md §4.16):
//
//	score = 0.35*novelty + 0.30*evidence_strength + 0.20*coherence + 0.15*specificity
//
// A proposal persists iff score >= Threshold, or a non-empty override
// reason is supplied (an explicit human/operator override of the gate).
const (
	WeightNovelty          = 0.35
	WeightEvidenceStrength = 0.30
	WeightCoherence        = 0.20
	WeightSpecificity      = 0.15
	Threshold              = 0.65
)

// Score computes the weighted sum over a proposal's signals.
func Score(s model.Signals) float64 {
	return WeightNovelty*s.Novelty +
		WeightEvidenceStrength*s.EvidenceStrength +
		WeightCoherence*s.Coherence +
		WeightSpecificity*s.Specificity
}

// Evaluate is the pure decision function: no I/O, safe to call repeatedly.
func Evaluate(p model.HypothesisProposal) model.ParetoDecision {
	score := Score(p.Signals)
	decision := model.ParetoDecision{
		Score:     score,
		Threshold: Threshold,
	}

	if score >= Threshold {
		decision.Persisted = true
		return decision
	}

	if p.OverrideReason != "" {
		decision.Persisted = true
		decision.Override = true
		decision.OverrideReason = p.OverrideReason
		return decision
	}

	decision.RejectionReason = "score below threshold"
	return decision
}

// Gate wraps Evaluate with the mandatory audit write — spec.md §4.16
// requires every evaluation, persisted or rejected, to be recorded.
type Gate struct {
	audit model.AuditLog
}

// New builds a Gate. audit must not be nil.
func New(audit model.AuditLog) *Gate {
	return &Gate{audit: audit}
}

// EvaluateAndRecord runs Evaluate, times it, and writes an audit record
// before returning — the write happens regardless of the decision.
func (g *Gate) EvaluateAndRecord(ctx context.Context, p model.HypothesisProposal) (model.ParetoDecision, error) {
	start := time.Now()
	decision := Evaluate(p)
	decision.ScoringLatencyMS = float64(time.Since(start)) / float64(time.Millisecond)

	rec := model.AuditRecord{
		Kind:      "pareto_decision",
		SubjectID: p.ID,
		Payload: map[string]any{
			"score":            decision.Score,
			"threshold":        decision.Threshold,
			"persisted":        decision.Persisted,
			"override":         decision.Override,
			"override_reason":  decision.OverrideReason,
			"rejection_reason": decision.RejectionReason,
		},
		CreatedAt: time.Now(),
	}
	if err := g.audit.Write(ctx, rec); err != nil {
		return decision, err
	}
	return decision, nil
}
