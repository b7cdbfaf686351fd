package model

import "time"

// Signals are the four inputs to the Pareto gate's weighted score, each in [0,1].
type Signals struct {
	Novelty          float64
	EvidenceStrength float64
	Coherence        float64
	Specificity      float64
}

// HypothesisProposal is a candidate admitted or rejected by the Pareto gate (C16).
type HypothesisProposal struct {
	ID             string
	Text           string
	Signals        Signals
	OverrideReason string
}

// ParetoDecision is the outcome of evaluating one HypothesisProposal.
type ParetoDecision struct {
	Persisted        bool
	Score            float64
	Threshold        float64
	Override         bool
	OverrideReason   string
	RejectionReason  string
	ScoringLatencyMS float64
}

// RefreshJob is a queued unit of implicate-refresh work: a deduplicated set
// of entity ids whose implicate vectors need recomputation.
type RefreshJob struct {
	ID         int64
	EntityIDs  []string
	EnqueuedAt time.Time
	RetryCount int
}

// AuditRecord is the generic append-only audit row shared by the Pareto
// gate and the role-management collaborator (spec.md §6 audit.write).
type AuditRecord struct {
	ID        string
	Kind      string
	SubjectID string
	Payload   map[string]any
	CreatedAt time.Time
}
