// Package selector implements the dual-index selector (C11): the central
// retrieval operation. It consults the selection cache, dispatches the
// explicate and implicate vector queries (concurrently or sequentially),
// optionally expands a graph seed, merges and de-duplicates candidates,
// applies the visibility filter, caps trace summaries, writes the cache,
// and optionally submits the draft answer for review.
//
// Grounded on internal/search.ReScore's merge/sort/truncate shape (adapted
// here to interleave-by-source instead of rescore-by-formula) and
// internal/conflicts.Scorer.ScoreForDecision's multi-stage pipeline
// (fetch candidates → hydrate → filter → gate), with concurrency grounded
// on the same package's errgroup-bounded fan-out.
package selector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-run/nous/internal/graph"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/querycache"
	"github.com/nous-run/nous/internal/rbac"
	"github.com/nous-run/nous/internal/vectorindex"
)

var (
	uuidPattern     = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	dbPrefixPattern = regexp.MustCompile(`\bdb\.\w+\b`)
)

// Flags bundles the feature-flag-controlled knobs C11 reads (spec.md §6).
type Flags struct {
	RetrievalParallel bool
	RetrievalTimeout  time.Duration // PERF_RETRIEVAL_TIMEOUT_MS, default 450ms
	GraphEnabled      bool
	GraphTimeout      time.Duration // PERF_GRAPH_TIMEOUT_MS, default 150ms
	ReviewerEnabled   bool
	ReviewerBudget    time.Duration // PERF_REVIEWER_BUDGET_MS, default 500ms
}

// DefaultFlags returns spec.md §4 and §6's stated defaults.
func DefaultFlags() Flags {
	return Flags{
		RetrievalTimeout: 450 * time.Millisecond,
		GraphTimeout:     150 * time.Millisecond,
		ReviewerBudget:   500 * time.Millisecond,
	}
}

// Request is one Select call's input.
type Request struct {
	Query         string
	Embedding     []float32
	CallerRoles   []string
	BypassCache   bool
	ForceFallback bool
}

// Result is what Select returns: the response schema from spec.md §6 plus
// an internal trace the caller may choose to expose.
type Result struct {
	Memories []model.Memory
	Fallback *vectorindex.FallbackInfo
	Trace    []string
}

// Reviewer is C13's extension point, consumed optionally at the end of
// Select. Defined here (not imported from internal/reviewer) to avoid a
// selector->reviewer->selector import cycle; internal/reviewer implements it.
type Reviewer interface {
	Review(ctx context.Context, draftAnswer string, memories []model.Memory) error
}

// Selector holds the collaborators C11 orchestrates.
type Selector struct {
	cache      *querycache.Stores
	router     *vectorindex.Router
	graphStore model.GraphStore
	reviewer   Reviewer // optional; nil disables step 9 entirely
}

// New constructs a Selector. graphStore and reviewer may be nil to disable
// their respective steps.
func New(cache *querycache.Stores, router *vectorindex.Router, graphStore model.GraphStore, reviewer Reviewer) *Selector {
	return &Selector{cache: cache, router: router, graphStore: graphStore, reviewer: reviewer}
}

// cacheKey partitions by the caller's maximal visibility level, not their
// literal role name, so two roles at the same level share cache entries
// (spec.md §4.11 step 1).
func cacheKey(query string, callerRoles []string) string {
	level := rbac.MaxLevel(callerRoles)
	return querycache.Key(fmt.Sprintf("level:%d", level), query)
}

type namespaceHits struct {
	namespace string
	hits      []model.VectorHit
	fallback  vectorindex.FallbackInfo
}

// Select runs the full C11 procedure.
func (s *Selector) Select(ctx context.Context, req Request, flags Flags) (Result, error) {
	maxLevel := rbac.MaxLevel(req.CallerRoles)
	key := cacheKey(req.Query, req.CallerRoles)

	// Step 1: cache consult.
	if !req.BypassCache {
		if cached, ok := s.cache.Selections.Get(key); ok {
			if res, ok := cached.(Result); ok {
				res.Trace = append(append([]string{}, res.Trace...), "cache_hit")
				return res, nil
			}
		}
	}

	filter := model.VectorFilter{RoleViewLevelMax: &maxLevel}

	retrievalCtx, cancel := context.WithTimeout(ctx, flags.RetrievalTimeout)
	defer cancel()

	// Step 2: dispatch explicate+implicate, concurrently or sequentially.
	namespaces := []string{vectorindex.NamespaceExplicate, vectorindex.NamespaceImplicate}
	results := make([]namespaceHits, len(namespaces))

	dispatch := func(i int) error {
		ns := namespaces[i]
		qr, err := s.router.Query(retrievalCtx, ns, req.Embedding, filter, req.ForceFallback)
		if err != nil {
			// Step 3/failure semantics: a sub-call failure is contained —
			// record nothing for this namespace and continue.
			return nil
		}
		results[i] = namespaceHits{namespace: ns, hits: qr.Hits, fallback: qr.Fallback}
		return nil
	}

	if flags.RetrievalParallel {
		g, gCtx := errgroup.WithContext(retrievalCtx)
		for i := range namespaces {
			i := i
			g.Go(func() error {
				_ = gCtx
				return dispatch(i)
			})
		}
		_ = g.Wait() // dispatch never returns an error; sub-call failures are contained above
	} else {
		for i := range namespaces {
			_ = dispatch(i)
		}
	}

	var fallback *vectorindex.FallbackInfo
	for _, r := range results {
		if r.fallback.Used {
			f := r.fallback
			fallback = &f
			break
		}
	}

	// Step 4: optional graph expansion seeded from the top explicate hit.
	var trace []string
	var expanded []model.Memory
	if flags.GraphEnabled && s.graphStore != nil && len(results) > 0 && len(results[0].hits) > 0 {
		seed := entityIDFromMetadata(results[0].hits[0].Metadata)
		if seed != "" {
			graphRes, err := graph.Expand(ctx, s.graphStore, graph.Request{
				SeedEntityIDs:      []string{seed},
				MaxNodes:           20,
				Budget:             flags.GraphTimeout,
				MaxVisibilityLevel: maxLevel,
			})
			if err == nil {
				expanded = graphRes.Memories
				if graphRes.Truncated {
					trace = append(trace, "graph_truncated:"+graphRes.TruncationReason)
				}
			}
		}
	}

	// Step 5: merge, de-duplicating by memory id, interleaved starting with
	// explicate, each source's internal order preserved.
	merged := interleave(results)
	merged = append(merged, expanded...)
	merged = dedupeByID(merged)

	// Step 6: visibility filter.
	visible := make([]model.Memory, 0, len(merged))
	for _, m := range merged {
		if rbac.Visible(m.RoleViewLevel, maxLevel) {
			visible = append(visible, m)
		}
	}

	// Step 7: trace-summary capping + redaction for low-visibility callers.
	for i := range visible {
		visible[i].ProcessTraceSummary = capTraceSummary(visible[i].ProcessTraceSummary, maxLevel)
	}

	res := Result{Memories: visible, Fallback: fallback, Trace: trace}

	// Step 8: cache write, keyed by the entity-id union over kept memories.
	entityIDs := entityIDUnion(visible)
	s.cache.Selections.Set(key, res, entityIDs)

	// Step 9: optional reviewer submission, skippable under its own breaker.
	if flags.ReviewerEnabled && s.reviewer != nil {
		reviewCtx, reviewCancel := context.WithTimeout(ctx, flags.ReviewerBudget)
		draft := draftAnswer(visible)
		_ = s.reviewer.Review(reviewCtx, draft, visible)
		reviewCancel()
	}

	return res, nil
}

// interleave merges per-namespace hit lists into model.Memory stubs
// (hydrated from vector-store metadata), alternating sources starting with
// explicate, preserving each source's internal ranking.
func interleave(results []namespaceHits) []model.Memory {
	var out []model.Memory
	maxLen := 0
	for _, r := range results {
		if len(r.hits) > maxLen {
			maxLen = len(r.hits)
		}
	}
	for i := 0; i < maxLen; i++ {
		for _, r := range results {
			if i < len(r.hits) {
				out = append(out, memoryFromHit(r.hits[i]))
			}
		}
	}
	return out
}

func dedupeByID(memories []model.Memory) []model.Memory {
	seen := make(map[string]struct{}, len(memories))
	out := make([]model.Memory, 0, len(memories))
	for _, m := range memories {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func memoryFromHit(hit model.VectorHit) model.Memory {
	m := model.Memory{ID: hit.ID}
	if hit.Metadata == nil {
		return m
	}
	if text, ok := hit.Metadata["text"].(string); ok {
		m.Text = text
	}
	if lvl, ok := hit.Metadata["role_view_level"].(int); ok {
		m.RoleViewLevel = lvl
	}
	if summary, ok := hit.Metadata["process_trace_summary"].(string); ok {
		m.ProcessTraceSummary = summary
	}
	if ids, ok := hit.Metadata["entity_ids"].([]string); ok {
		m.EntityIDs = ids
	}
	return m
}

func entityIDFromMetadata(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if ids, ok := meta["entity_ids"].([]string); ok && len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func entityIDUnion(memories []model.Memory) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range memories {
		for _, id := range m.EntityIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// capTraceSummary applies spec.md §4.11 step 7: at visibility level 0,
// retain the first 4 lines and append a truncation marker; strip sensitive
// markers. At level >= 1, return the summary unchanged.
func capTraceSummary(summary string, callerMaxLevel int) string {
	if summary == "" || callerMaxLevel >= 1 {
		return summary
	}
	lines := strings.Split(summary, "\n")
	kept := lines
	suffix := ""
	if len(lines) > 4 {
		kept = lines[:4]
		suffix = fmt.Sprintf("... (%d more lines)", len(lines)-4)
	}
	redacted := make([]string, 0, len(kept))
	for _, l := range kept {
		redacted = append(redacted, redactLine(l))
	}
	out := strings.Join(redacted, "\n")
	if suffix != "" {
		out += "\n" + suffix
	}
	return out
}

// redactLine strips sensitive markers from one trace line: UUIDs,
// "[internal]" annotations, and "db." prefixed identifiers.
func redactLine(line string) string {
	line = uuidPattern.ReplaceAllString(line, "[redacted]")
	line = strings.ReplaceAll(line, "[internal]", "[redacted]")
	line = dbPrefixPattern.ReplaceAllString(line, "[redacted]")
	return line
}

func draftAnswer(memories []model.Memory) string {
	var b strings.Builder
	for i, m := range memories {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Text)
	}
	return b.String()
}
