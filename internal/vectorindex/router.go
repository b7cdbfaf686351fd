package vectorindex

import (
	"context"
	"time"

	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/model"
)

// Nominal and reduced-k values per namespace (spec.md §4.10).
const (
	NominalKExplicate = 16
	NominalKImplicate = 8
	ReducedKExplicate = 8
	ReducedKImplicate = 4

	// FallbackBudget bounds the secondary-store call once routing to it.
	FallbackBudget = 350 * time.Millisecond
)

// NominalK returns the nominal k for namespace.
func NominalK(namespace string) int {
	if namespace == NamespaceImplicate {
		return NominalKImplicate
	}
	return NominalKExplicate
}

// ReducedK returns the reduced k for namespace.
func ReducedK(namespace string) int {
	if namespace == NamespaceImplicate {
		return ReducedKImplicate
	}
	return ReducedKExplicate
}

// FallbackInfo reports whether a query was served by the secondary store,
// why, and whether it ran at reduced k — callers must preserve this field
// verbatim in their own output (spec.md §4.10).
type FallbackInfo struct {
	Used     bool
	Reason   string
	ReducedK bool
}

// QueryResult is one Router.Query outcome.
type QueryResult struct {
	Hits     []model.VectorHit
	Fallback FallbackInfo
}

// Router selects between the primary and secondary VectorStore, wrapping
// the primary's health probe and query in the C4 circuit breaker.
type Router struct {
	primary   model.VectorStore
	secondary model.VectorStore
	br        *breaker.Breaker
}

// NewRouter builds a Router. secondary may be nil, in which case a primary
// failure (or a forced fallback) returns an error reporting that no
// secondary store is configured; the primary's own error is not included.
func NewRouter(primary, secondary model.VectorStore, br *breaker.Breaker) *Router {
	return &Router{primary: primary, secondary: secondary, br: br}
}

// Query routes to the primary unless forceFallback is set or the primary's
// breaker-guarded health probe fails, in which case it routes to the
// secondary at reduced k within FallbackBudget. No cross-namespace merging
// is performed in fallback mode — this call only ever touches one namespace.
func (r *Router) Query(ctx context.Context, namespace string, embedding []float32, filter model.VectorFilter, forceFallback bool) (QueryResult, error) {
	if !forceFallback {
		var hits []model.VectorHit
		nominal := NominalK(namespace)
		err := r.br.Call(func() error {
			if err := r.primary.Describe(ctx, namespace); err != nil {
				return err
			}
			var err error
			hits, err = r.primary.Query(ctx, namespace, embedding, nominal, filter)
			return err
		})
		if err == nil {
			return QueryResult{Hits: hits, Fallback: FallbackInfo{Used: false}}, nil
		}
		return r.fallback(ctx, namespace, embedding, filter, "primary_unhealthy: "+err.Error())
	}
	return r.fallback(ctx, namespace, embedding, filter, "force_fallback")
}

func (r *Router) fallback(ctx context.Context, namespace string, embedding []float32, filter model.VectorFilter, reason string) (QueryResult, error) {
	if r.secondary == nil {
		return QueryResult{}, errNoFallback
	}
	fctx, cancel := context.WithTimeout(ctx, FallbackBudget)
	defer cancel()

	k := ReducedK(namespace)
	hits, err := r.secondary.Query(fctx, namespace, embedding, k, filter)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Hits: hits, Fallback: FallbackInfo{Used: true, Reason: reason, ReducedK: true}}, nil
}

// Upsert writes to the primary store only; a degraded read path does not
// imply a degraded write path, and dual-writing to the fallback backend on
// every ingest would defeat its purpose as a cold-standby.
func (r *Router) Upsert(ctx context.Context, namespace string, items []model.VectorItem) error {
	return r.primary.Upsert(ctx, namespace, items)
}

var errNoFallback = &fallbackUnavailableError{}

type fallbackUnavailableError struct{}

func (e *fallbackUnavailableError) Error() string {
	return "vectorindex: primary unavailable and no secondary store configured"
}
