// Package embedding implements the embedding batcher (C8): a Provider
// interface fronted by a fixed-size request batcher, a pool of concurrent
// client slots, and retryable-vs-fatal error classification with jittered
// capped exponential backoff.
//
// Grounded on internal/service/embedding's OpenAIProvider (request/response
// shape, index-ordered result reassembly, NoopProvider "absence is a quiet
// runtime state" idiom) and internal/storage's reconnect backoff (jittered
// exponential, capped, attempt-counted) — combined into one component per
// spec.md §4.8, which neither teacher file does alone.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ErrNoProvider mirrors the teacher's "no provider configured" sentinel:
// callers skip embedding storage rather than treat it as a hard failure.
var ErrNoProvider = errors.New("embedding: no provider configured (noop)")

// ErrPoolExhausted is returned when no pool slot frees up within
// PoolAcquireTimeout — distinct from the caller's own context ending, so
// callers can tell "we're overloaded" from "the caller gave up" (spec.md §4.8).
var ErrPoolExhausted = errors.New("embedding: pool exhausted (acquire timeout)")

const maxResponseBody = 10 * 1024 * 1024

// StatusError carries the HTTP status code a Provider's upstream call
// returned, so retry logic can classify it (spec.md §4.8: rate-limit and
// 5xx are retryable, other 4xx are terminal) without string-matching.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	Dimensions() int
}

// Result carries the batcher's per-call bookkeeping, per spec.md §4.8:
// embeddings in input order, upstream token usage if reported, wall-clock
// latency, and how many retries/upstream calls this request needed.
type Result struct {
	Embeddings []pgvector.Vector
	UsageTotal int
	Latency    time.Duration
	Retries    int
	Calls      int
}

// BatchConfig configures the Batcher.
type BatchConfig struct {
	BatchSize          int           // texts per upstream call; default 8
	PoolSize           int           // concurrent upstream calls in flight; default 3
	InitialBackoff     time.Duration // default 200ms
	MaxBackoff         time.Duration // default 5s
	MaxRetries         int           // default 3
	JitterFraction     float64       // default 0.2 (±20%)
	PoolAcquireTimeout time.Duration // default 2s
}

// DefaultBatchConfig returns spec.md §4.8's defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:          8,
		PoolSize:           3,
		InitialBackoff:     200 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		MaxRetries:         3,
		JitterFraction:     0.2,
		PoolAcquireTimeout: 2 * time.Second,
	}
}

// Batcher wraps a Provider with fixed-size batching, a bounded pool of
// concurrent upstream calls (blocking acquire via a buffered channel
// semaphore), and retry-with-backoff around each upstream call.
type Batcher struct {
	provider Provider
	cfg      BatchConfig
	sem      chan struct{}
}

// NewBatcher constructs a Batcher. A zero-value cfg field is replaced with
// its DefaultBatchConfig() counterpart.
func NewBatcher(provider Provider, cfg BatchConfig) *Batcher {
	d := DefaultBatchConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = d.PoolSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = d.JitterFraction
	}
	if cfg.PoolAcquireTimeout <= 0 {
		cfg.PoolAcquireTimeout = d.PoolAcquireTimeout
	}
	return &Batcher{
		provider: provider,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.PoolSize),
	}
}

// EmbedAll splits texts into BatchSize chunks and embeds each chunk through
// a pool slot, retrying transient failures with jittered capped exponential
// backoff. Results are reassembled in input order. The first non-retryable
// (or retry-exhausted) error aborts the whole call.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) (Result, error) {
	start := time.Now()
	if len(texts) == 0 {
		return Result{Latency: time.Since(start)}, nil
	}

	out := make([]pgvector.Vector, 0, len(texts))
	var totalRetries, totalCalls, totalUsage int

	for i := 0; i < len(texts); i += b.cfg.BatchSize {
		end := i + b.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[i:end]

		vecs, usage, retries, calls, err := b.embedChunk(ctx, chunk)
		totalRetries += retries
		totalCalls += calls
		totalUsage += usage
		if err != nil {
			return Result{Latency: time.Since(start), Retries: totalRetries, Calls: totalCalls}, err
		}
		out = append(out, vecs...)
	}

	return Result{
		Embeddings: out,
		UsageTotal: totalUsage,
		Latency:    time.Since(start),
		Retries:    totalRetries,
		Calls:      totalCalls,
	}, nil
}

// embedChunk acquires a pool slot, then retries the upstream call on
// retryable errors with jittered capped exponential backoff.
func (b *Batcher) embedChunk(ctx context.Context, chunk []string) ([]pgvector.Vector, int, int, int, error) {
	acquireCtx, acquireCancel := context.WithTimeout(ctx, b.cfg.PoolAcquireTimeout)
	defer acquireCancel()
	select {
	case b.sem <- struct{}{}:
	case <-acquireCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, 0, 0, 0, err
		}
		return nil, 0, 0, 0, ErrPoolExhausted
	}
	defer func() { <-b.sem }()

	backoff := b.cfg.InitialBackoff
	var lastErr error
	calls := 0
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		calls++
		vecs, err := b.provider.EmbedBatch(ctx, chunk)
		if err == nil {
			return vecs, 0, attempt, calls, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == b.cfg.MaxRetries {
			break
		}

		sleep := backoff
		if sleep > b.cfg.MaxBackoff {
			sleep = b.cfg.MaxBackoff
		}
		jitter := sleep * b.cfg.JitterFraction * (2*rand.Float64() - 1)
		wait := sleep + time.Duration(jitter)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil, 0, attempt + 1, calls, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, 0, b.cfg.MaxRetries, calls, fmt.Errorf("embedding: batch failed after %d attempts: %w", calls, lastErr)
}

// isRetryable classifies upstream failures per spec.md §4.8: rate-limit
// (429), 5xx, and network-level errors (no status attached, e.g. timeouts
// or connection resets) are retryable; every other 4xx is terminal.
// Context cancellation and the noop-provider sentinel are never retried.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoProvider) || errors.Is(err, ErrPoolExhausted) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return true
}

// OpenAIProvider generates embeddings using the OpenAI API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. dimensions
// defaults to 1536 (text-embedding-3-small) when <= 0.
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: OpenAI API key is required")
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return nil, &StatusError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("embedding: openai error (HTTP %d): %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message),
			}
		}
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings but got %d", len(texts), len(result.Data))
	}

	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopProvider returns ErrNoProvider for every call. Used when no embedding
// provider is configured — callers skip embedding storage rather than
// persist zero vectors.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that always fails with ErrNoProvider.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// Embed returns ErrNoProvider.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.Vector{}, ErrNoProvider
}

// EmbedBatch returns ErrNoProvider.
func (p *NoopProvider) EmbedBatch(_ context.Context, _ []string) ([]pgvector.Vector, error) {
	return nil, ErrNoProvider
}
