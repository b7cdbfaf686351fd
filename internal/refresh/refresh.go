// Package refresh implements the implicate refresh worker (C15): it polls
// the refresh queue for deduplicated entity-id batches, recomputes each
// entity's implicate-namespace inputs, embeds them, upserts the implicate
// vector index, and acks or dead-letters the job.
//
// Grounded, structurally almost line-for-line, on internal/search/outbox.go:
// the same poll-loop/drain lifecycle (started atomic.Bool, done/drainOnce
// channels), the same exponential backoff formula
// (LEAST(POWER(2, attempts+1), cap)) for deferred retries, and the same
// dead-letter-after-maxAttempts discipline — adapted from a Postgres-outbox
// table to the model.Queue interface so it has no direct pgx dependency.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nous-run/nous/internal/embedding"
	"github.com/nous-run/nous/internal/metrics"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/vectorindex"
)

// MaxAttempts bounds the retry/backoff cycle before a job is dead-lettered.
const MaxAttempts = 10

// MaxBackoffSeconds caps the exponential backoff applied to retried jobs.
const MaxBackoffSeconds = 300

// ImplicateInputs resolves an entity's current graph-derived content for
// implicate re-embedding — resolution strategy is SPEC_FULL §11's Open
// Question 2 decision (see DESIGN.md): concatenate the entity's name,
// type, and linked-memory texts, deduplicated and order-stable.
type ImplicateInputs interface {
	ImplicateText(ctx context.Context, entityID string) (string, error)
}

// Worker polls queue, embeds via batcher, and upserts into the implicate
// namespace of router.
type Worker struct {
	queue    model.Queue
	inputs   ImplicateInputs
	batcher  *embedding.Batcher
	router   *vectorindex.Router
	logger   *slog.Logger
	sink     *metrics.Sink

	pollInterval time.Duration
	batchSize    int

	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	drainOnce sync.Once
	drainCh   chan context.Context
}

// New builds a Worker.
func New(queue model.Queue, inputs ImplicateInputs, batcher *embedding.Batcher, router *vectorindex.Router, logger *slog.Logger, sink *metrics.Sink, pollInterval time.Duration, batchSize int) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		inputs:       inputs,
		batcher:      batcher,
		router:       router,
		logger:       logger,
		sink:         sink,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("refresh: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, runs one final batch, and blocks until done
// or ctx expires.
func (w *Worker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("refresh: drain context channel busy, final poll uses fallback timeout")
		}
		sendCancel()
		if w.cancel != nil {
			w.cancel()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("refresh: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx == nil {
				var fallbackCancel context.CancelFunc
				drainCtx, fallbackCancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer fallbackCancel()
			}
			w.processBatch(drainCtx)
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch dequeues one batch and processes each job independently — a
// single job's failure never blocks its batch-mates.
func (w *Worker) processBatch(ctx context.Context) {
	jobs, err := w.queue.Dequeue(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("refresh: dequeue", "error", err)
		w.inc("dequeue_error")
		return
	}
	for _, job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job model.RefreshJob) {
	start := time.Now()
	entityIDs := dedupe(job.EntityIDs)

	texts := make([]string, 0, len(entityIDs))
	resolved := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		text, err := w.inputs.ImplicateText(ctx, id)
		if err != nil {
			w.logger.Warn("refresh: resolve implicate text", "entity_id", id, "error", err)
			continue
		}
		texts = append(texts, text)
		resolved = append(resolved, id)
	}
	if len(texts) == 0 {
		w.failJob(ctx, job, "no resolvable entities in batch")
		return
	}

	result, err := w.batcher.EmbedAll(ctx, texts)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("embed: %v", err))
		return
	}

	items := make([]model.VectorItem, len(resolved))
	for i, id := range resolved {
		items[i] = model.VectorItem{
			ID:        id,
			Embedding: result.Embeddings[i].Slice(),
			Metadata:  map[string]any{"entity_ids": []string{id}},
		}
	}
	if err := w.router.Upsert(ctx, vectorindex.NamespaceImplicate, items); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("upsert: %v", err))
		return
	}

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		w.logger.Error("refresh: ack", "job_id", job.ID, "error", err)
	}
	w.inc("job_succeeded")
	w.observe("job_latency_ms", float64(time.Since(start))/float64(time.Millisecond))
}

// failJob retries with capped exponential backoff, or dead-letters once
// this attempt (job.RetryCount+1) reaches MaxAttempts — the same
// LEAST(POWER(2, attempts+1), cap) formula as the teacher's outbox worker.
func (w *Worker) failJob(ctx context.Context, job model.RefreshJob, reason string) {
	if job.RetryCount+1 >= MaxAttempts {
		if err := w.queue.DeadLetter(ctx, job.ID, reason); err != nil {
			w.logger.Error("refresh: dead-letter", "job_id", job.ID, "error", err)
		}
		w.logger.Warn("refresh: dead-lettered job", "job_id", job.ID, "attempts", job.RetryCount+1, "reason", reason)
		w.inc("job_dead_lettered")
		return
	}
	backoff := math.Min(math.Pow(2, float64(job.RetryCount+1)), MaxBackoffSeconds)
	if err := w.queue.Retry(ctx, job.ID, backoff); err != nil {
		w.logger.Error("refresh: retry", "job_id", job.ID, "error", err)
	}
	w.inc("job_deferred")
}

func (w *Worker) inc(name string) {
	if w.sink != nil {
		w.sink.Inc("refresh."+name, 1, nil)
	}
}

func (w *Worker) observe(name string, v float64) {
	if w.sink != nil {
		w.sink.Observe("refresh."+name, v, nil)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
