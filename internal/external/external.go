// Package external implements the external comparer (C12): a bounded,
// whitelist-gated, rate-limited fetch loop that supplements (never
// replaces) internal retrieval results with snippets from approved
// external sources.
//
// Grounded on internal/service/embedding's OpenAIProvider HTTP-client shape
// (timeout'd *http.Client, context-bound request, bounded body read) and
// internal/urlmatch/internal/ratelimit for the per-URL admission chain.
package external

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/ratelimit"
	"github.com/nous-run/nous/internal/urlmatch"
)

const maxFetchBody = 1 << 20 // 1MB

// defaultMaxSnippetChars is used when a matched source has no override.
const defaultMaxSnippetChars = 480

// Item is one fetched external result, matching spec.md §6's external
// comparison item schema.
type Item struct {
	Label       string
	Host        string
	Snippet     string
	URL         string
	FetchedAt   time.Time
	External    bool // always true; callers use this to reject persistence attempts
	SourceID    string
}

// Block is the full external comparison block.
type Block struct {
	Heading string
	Items   []Item
}

// RunResult carries the invariant-relevant bookkeeping spec.md §4.12 asks
// callers to surface alongside the block itself.
type RunResult struct {
	Block            Block
	UsedExternal     bool
	FetchTime        time.Duration
	FetchCount       int
	TimeoutCount     int
	ErrorCount       int
	Errors           []string
}

// Fetcher is the subset of *http.Client the comparer needs; lets tests
// substitute a stub transport without spinning up a real server.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Comparer runs the bounded per-URL fetch loop.
type Comparer struct {
	matcher *urlmatch.Matcher
	limiter *ratelimit.RateLimiter
	br      *breaker.Breaker
	client  Fetcher
	policy  model.ComparePolicy
}

// New builds a Comparer. client may be nil, in which case a default
// *http.Client with a generous top-level timeout is used (the per-request
// timeout actually enforced comes from policy.TimeoutMSPerRequest via
// context, same idiom as the teacher's OpenAI client).
func New(matcher *urlmatch.Matcher, limiter *ratelimit.RateLimiter, br *breaker.Breaker, client Fetcher, policy model.ComparePolicy) *Comparer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Comparer{matcher: matcher, limiter: limiter, br: br, client: client, policy: policy}
}

// Run fan-outs fetches across the given candidate URLs with a concurrency
// bound of policy.MaxExternalSourcesPerRun, skipping anything not
// whitelisted or rate-limited, and stopping acceptance once that many
// items have been collected. Internal results are always present
// regardless of this call's outcome — the caller composes them
// separately; Run only ever produces the additive external block.
func (c *Comparer) Run(ctx context.Context, heading string, candidateURLs []string) RunResult {
	start := time.Now()
	res := RunResult{Block: Block{Heading: heading}}

	limit := c.policy.MaxExternalSourcesPerRun
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for _, raw := range candidateURLs {
		mu.Lock()
		full := len(res.Block.Items) >= c.policy.MaxExternalSourcesPerRun
		mu.Unlock()
		if full {
			break
		}

		src, ok := c.matcher.Match(raw)
		if !ok {
			continue
		}
		host, err := hostOf(raw)
		if err != nil {
			continue
		}
		if ok, _ := c.limiter.Acquire(host); !ok {
			continue
		}

		raw, host, src := raw, host, src
		g.Go(func() error {
			item, err := c.fetchOne(gctx, raw, host, src)

			mu.Lock()
			defer mu.Unlock()
			res.FetchCount++
			if err != nil {
				res.ErrorCount++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", raw, err))
				if isTimeout(err) {
					res.TimeoutCount++
				}
				return nil
			}
			if len(res.Block.Items) < c.policy.MaxExternalSourcesPerRun {
				res.Block.Items = append(res.Block.Items, item)
				res.UsedExternal = true
			}
			return nil
		})
	}
	_ = g.Wait() // fetchOne never returns a non-nil error from the goroutine itself; errors are recorded, not propagated

	res.FetchTime = time.Since(start)
	return res
}

func (c *Comparer) fetchOne(ctx context.Context, rawURL, host string, src model.WhitelistSource) (Item, error) {
	timeout := time.Duration(c.policy.TimeoutMSPerRequest) * time.Millisecond
	if timeout <= 0 {
		timeout = 2000 * time.Millisecond
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body []byte
	err := c.br.Call(func() error {
		req, err := http.NewRequestWithContext(fctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("external: build request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("external: fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("external: unexpected status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return fmt.Errorf("external: read body: %w", err)
		}
		body = b
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	snippetLimit := src.MaxSnippetChars
	if snippetLimit <= 0 {
		snippetLimit = defaultMaxSnippetChars
	}
	snippet := redact(truncate(string(body), snippetLimit), c.policy.RedactPatterns)

	return Item{
		Label:     src.Label,
		Host:      host,
		Snippet:   snippet,
		URL:       rawURL,
		FetchedAt: time.Now(),
		External:  true,
		SourceID:  src.SourceID,
	}, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("external: parse url: %w", err)
	}
	return strings.ToLower(u.Hostname()), nil
}

// truncate is rune-safe, grounded on internal/conflicts/validator.go's
// truncateRunes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func redact(s string, patterns []string) string {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue // malformed pattern: skip rather than abort the whole fetch
		}
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; e = unwrap(e) {
		if te, ok := e.(timeouter); ok {
			t = te
			break
		}
	}
	return t != nil && t.Timeout()
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
