package nous

import "context"

// EmbeddingProvider generates vector embeddings from text. When supplied
// via WithEmbeddingProvider, replaces the auto-detected OpenAI/noop
// provider (C8). Uses []float32 rather than pgvector.Vector so consumers
// of this package are never forced to depend on pgvector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Reviewer critiques a draft answer against the memories that produced it
// (C13). When supplied via WithReviewer, replaces the built-in OpenAI/noop
// reviewer. Select calls it after building its result and discards the
// returned error; the result is returned unchanged either way.
type Reviewer interface {
	Review(ctx context.Context, draftAnswer string, memories []Memory) error
}

// EventHook receives asynchronous notifications for ingest and Pareto-gate
// lifecycle events. Multiple hooks may be registered via multiple
// WithEventHook calls. Hook methods run in goroutines — they must not
// block indefinitely — and their failures are logged, never surfaced to
// the originating caller.
type EventHook interface {
	OnMemoryIngested(ctx context.Context, outcome IngestOutcome) error
	OnHypothesisEvaluated(ctx context.Context, decision ParetoDecision) error
}
