package nous

import "time"

// Role is the public mirror of internal/model.Role — the closed set of
// caller roles spec.md §3 defines.
type Role string

const (
	RoleGeneral   Role = "general"
	RolePro       Role = "pro"
	RoleScholars  Role = "scholars"
	RoleAnalytics Role = "analytics"
	RoleOps       Role = "ops"
)

// ContradictionMarker is the public view of a memory's contradiction flag.
type ContradictionMarker struct {
	Subject           string
	EvidenceAnchor    string
	Severity          string
	CounterpartMemory *string
}

// Memory is one retrieved passage, as spec.md §6's response schema
// presents it to a caller — the selector's internal model.Memory with its
// visibility gating already applied.
type Memory struct {
	ID                  string
	Text                string
	EntityIDs           []string
	ProcessTraceSummary string
	Contradictions      []ContradictionMarker
}

// FallbackInfo reports whether a Select call was served by the secondary
// vector store, and why — callers must surface this verbatim (spec.md §4.10).
type FallbackInfo struct {
	Used     bool
	Reason   string
	ReducedK bool
}

// SelectionResult is spec.md §6's `{context, fallback, trace}` response
// schema: the memories selected for one query, the fallback routing state,
// and a free-text trace the caller may choose to surface or drop.
type SelectionResult struct {
	Context  []Memory
	Fallback *FallbackInfo
	Trace    []string
}

// SelectionRequest is one Select call's input.
type SelectionRequest struct {
	Query         string
	Embedding     []float32
	BypassCache   bool
	ForceFallback bool
}

// Provenance attaches a fetch origin to one external comparison item.
type Provenance struct {
	URL       string
	FetchedAt time.Time
}

// ExternalItem is one fetched external source, spec.md §6's external
// comparison item schema.
type ExternalItem struct {
	Label      string
	Host       string
	Snippet    string
	Provenance Provenance
}

// ExternalComparisonBlock is spec.md §6's external comparison response:
// `{heading, items:[{label, host, snippet, provenance}]}`.
type ExternalComparisonBlock struct {
	Heading      string
	Items        []ExternalItem
	UsedExternal bool
}

// AdmissionRejection is spec.md §6's 429 response schema: `{error,
// message, retry_after}`.
type AdmissionRejection struct {
	Error      string
	Message    string
	RetryAfter int // seconds
}

// HypothesisProposal is a candidate for the Pareto gate (C16).
type HypothesisProposal struct {
	ID               string
	Text             string
	Novelty          float64
	EvidenceStrength float64
	Coherence        float64
	Specificity      float64
	OverrideReason   string
}

// ParetoDecision is spec.md §6's Pareto decision response: `{persisted,
// score, threshold, override, override_reason?, rejection_reason?,
// scoring_latency_ms}`.
type ParetoDecision struct {
	Persisted        bool
	Score            float64
	Threshold        float64
	Override         bool
	OverrideReason   string
	RejectionReason  string
	ScoringLatencyMS float64
}

// IngestEntity, IngestEdge, and IngestMemory are the public write-path
// shapes accepted by Ingest; they mirror internal/model's Entity/Edge/
// Memory closely enough that the conversion in nous.go is a straight field
// copy, but stay defined here so callers never import internal/model.
type IngestEntity struct {
	ID         string
	Type       string
	Name       string
	Attributes map[string]any
	// Confidence is the caller's confidence that this entity was
	// correctly identified (0..1); used to decide which entities survive
	// when a frame exceeds the effective policy's per-type cap.
	Confidence float64
}

type IngestEdge struct {
	Src     string
	RelType string
	Dst     string
	Weight  *float64
}

type IngestMemory struct {
	ID                  string
	Text                string
	EntityIDs           []string
	RoleViewLevel       int
	ProcessTraceSummary string
}

type IngestContradiction struct {
	Marker   ContradictionMarker
	MemoryID string
	Score    float64
}

// IngestFrame is one proposed write unit for Ingest.
type IngestFrame struct {
	Type           string
	Entities       []IngestEntity
	Edges          []IngestEdge
	Memories       []IngestMemory
	Contradictions []IngestContradiction
	External       bool
}

// IngestOutcome reports what an Ingest call actually committed.
type IngestOutcome struct {
	Committed          bool
	EntitiesWritten    int
	EdgesWritten       int
	MemoriesUpdated    int
	ContradictionsKept int
	RefreshJobID       int64
	RejectionReason    string
}

// ErrorKind is the public mirror of spec.md §7's eight-kind error
// taxonomy, exposed so callers can branch on failure class without
// importing internal/model. ClassifyError resolves any error returned by
// this package's public methods to its Kind.
type ErrorKind string

const (
	KindBudgetExceeded       ErrorKind = "budget_exceeded"
	KindUpstreamUnavailable  ErrorKind = "upstream_unavailable"
	KindRateLimited          ErrorKind = "rate_limited"
	KindAuthorizationDenied  ErrorKind = "authorization_denied"
	KindValidation           ErrorKind = "validation"
	KindAdmissionDenied      ErrorKind = "admission_denied"
	KindPersistenceConflict  ErrorKind = "persistence_conflict"
	KindConfiguration        ErrorKind = "configuration"
	KindUnknown              ErrorKind = "unknown"
)
