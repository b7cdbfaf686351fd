// Package graph implements the bounded graph expander (C9): single-hop
// neighbour enumeration from a set of seed entities, bounded by a node
// count and a wall-clock budget, filtered by visibility level, returning
// a partial result with a truncation summary if the budget runs out
// before every seed's neighbourhood has been walked.
//
// Grounded on internal/conflicts.Scorer.BackfillScoring's errgroup fan-out
// (bounded worker count via SetLimit, per-item context-cancellation check,
// atomic progress counter) — adapted from "score N decisions concurrently"
// to "expand N seed entities concurrently under a shared node/time cap."
package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-run/nous/internal/model"
)

// DefaultMaxWorkers bounds concurrent Neighbors calls during one expansion.
const DefaultMaxWorkers = 4

// Request configures one bounded expansion.
type Request struct {
	SeedEntityIDs []string
	MaxNodes      int           // total distinct entities visited across the whole expansion
	Budget        time.Duration // wall-clock budget for the whole expansion
	MaxVisibilityLevel int      // passed through to GetMemoriesFor
	MaxWorkers    int           // default DefaultMaxWorkers
}

// Result is the (possibly partial) outcome of one expansion.
type Result struct {
	Memories         []model.Memory
	VisitedEntityIDs []string
	Truncated        bool
	TruncationReason string // "node_budget_exhausted" | "time_budget_exhausted" | ""
}

// Expand walks one hop out from every seed entity, merging memories
// reachable from each neighbour, subject to req.MaxNodes total visits and
// req.Budget wall-clock time. On exhaustion of either bound it stops early
// and returns whatever it collected, with Truncated=true and a reason.
// The returned error is always nil: a failed Neighbors or GetMemoriesFor
// lookup only skips that entity, and cancellation of the caller's context
// stops the walk early the same way a spent time budget does.
func Expand(ctx context.Context, store model.GraphStore, req Request) (Result, error) {
	if req.MaxWorkers <= 0 {
		req.MaxWorkers = DefaultMaxWorkers
	}
	if req.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Budget)
		defer cancel()
	}

	var (
		visited   sync.Map // entityID -> struct{}
		nodeCount atomic.Int64
		mu        sync.Mutex
		memories  []model.Memory
		truncated atomic.Bool
		reason    atomic.Value
	)
	reason.Store("")

	budgetExceeded := func() bool {
		select {
		case <-ctx.Done():
			if req.Budget > 0 {
				truncated.Store(true)
				reason.Store("time_budget_exhausted")
			}
			return true
		default:
		}
		if req.MaxNodes > 0 && nodeCount.Load() >= int64(req.MaxNodes) {
			truncated.Store(true)
			reason.Store("node_budget_exhausted")
			return true
		}
		return false
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(req.MaxWorkers)

	for _, seed := range req.SeedEntityIDs {
		seed := seed
		if budgetExceeded() {
			break
		}
		g.Go(func() error {
			if budgetExceeded() {
				return nil
			}
			if _, already := visited.LoadOrStore(seed, struct{}{}); already {
				return nil
			}
			nodeCount.Add(1)

			edges, err := store.Neighbors(gCtx, seed)
			if err != nil {
				budgetExceeded() // records truncation if the lookup failed because the budget ran out
				return nil       // a single bad seed is not fatal to the whole expansion
			}
			for _, e := range edges {
				if budgetExceeded() {
					return nil
				}
				neighborID := e.Dst
				if neighborID == seed {
					neighborID = e.Src
				}
				if _, already := visited.LoadOrStore(neighborID, struct{}{}); already {
					continue
				}
				nodeCount.Add(1)

				mems, err := store.GetMemoriesFor(gCtx, neighborID, req.MaxVisibilityLevel)
				if err != nil {
					continue
				}
				mu.Lock()
				memories = append(memories, mems...)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	visitedIDs := make([]string, 0)
	visited.Range(func(k, _ any) bool {
		visitedIDs = append(visitedIDs, k.(string))
		return true
	})

	r := reason.Load().(string)
	return Result{
		Memories:         memories,
		VisitedEntityIDs: visitedIDs,
		Truncated:        truncated.Load(),
		TruncationReason: r,
	}, nil
}
