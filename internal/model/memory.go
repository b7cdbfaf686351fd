package model

import "time"

// Memory is a stored passage: the unit the selector returns to callers.
type Memory struct {
	ID        string
	Text      string
	EntityIDs []string

	// RoleViewLevel gates visibility: a memory is visible to a caller iff
	// RoleViewLevel <= max(visibility level over the caller's roles).
	RoleViewLevel int

	// ProcessTraceSummary is optional multi-line provenance text, capped and
	// redacted for low-visibility callers by the selector (spec.md §4.11 step 7).
	ProcessTraceSummary string

	Contradictions []ContradictionMarker
}

// Severity is a contradiction marker's severity, totally ordered low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityRank gives Severity its total order for "pick the highest" tooltip rendering.
var severityRank = map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}

// HighestSeverity returns the highest-ranked severity among markers, or "" if empty.
func HighestSeverity(markers []ContradictionMarker) Severity {
	var best Severity
	bestRank := -1
	for _, m := range markers {
		if r := severityRank[m.Severity]; r > bestRank {
			bestRank = r
			best = m.Severity
		}
	}
	return best
}

// ContradictionMarker is attached to a memory, optionally pointing at a
// counterpart memory that contradicts it.
type ContradictionMarker struct {
	Subject           string
	EvidenceAnchor    string
	Severity          Severity
	CounterpartMemory *string
}

// EntityType enumerates the closed set of entity kinds named in spec.md §3.
type EntityType string

const (
	EntityConcept EntityType = "concept"
	EntityFrame   EntityType = "frame"
)

// Entity is a node in the concept/frame graph. Confidence is the
// extractor's confidence that this entity was correctly identified
// (0..1); ingest clamping retains the highest-confidence entities first
// when a frame exceeds a policy's per-type cap (spec.md §4.14).
type Entity struct {
	ID         string
	Type       EntityType
	Name       string
	Attributes map[string]any
	Confidence float64
	CreatedAt  time.Time
}

// Edge is a directed, weighted triple. The edge set is a multi-relation
// graph: no uniqueness is enforced across distinct RelType values for the
// same (Src, Dst) pair.
type Edge struct {
	Src     string
	RelType string
	Dst     string
	Weight  *float64
}
