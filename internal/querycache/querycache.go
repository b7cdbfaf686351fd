// Package querycache implements the query cache (C7): two independent
// short-TTL in-memory caches — one for embedding lookups (≈120s), one for
// selection results (≈60s) — plus an entity-id inverted index supporting
// targeted invalidation on write.
//
// Grounded on internal/authz.GrantCache's guarded-map-with-background-
// eviction shape, generalized from a single TTL/key scheme into two
// independently-configured caches sharing one inverted-index invalidation
// path, and widened from a bare boolean-set value to an arbitrary stored
// payload plus the entity-ids that payload depends on.
package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nous-run/nous/internal/metrics"
)

// whitespaceRun collapses any run of whitespace to a single space, part of
// spec.md §4.7 step 1's query normalization.
var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizePart lowercases, collapses internal whitespace runs to one
// space, and trims the result — spec.md §4.7 step 1 and §8's invariant
// "∀ case/whitespace variants of q: key(q1)=key(q2) in the same role
// partition."
func normalizePart(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Key derives a fixed-width cache key from a role and the normalized query
// text/parameters. Role-partitioning means the same question asked under
// two roles never shares a cache entry (spec.md §4.7's visibility-safety
// requirement: a cache hit must never leak a broader view than the asking
// role is entitled to).
func Key(role string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(normalizePart(role)))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(normalizePart(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	value     any
	entityIDs []string
	expiresAt time.Time
}

// Cache is one TTL-bounded, entity-indexed cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	byEntity map[string]map[string]struct{} // entity_id -> set of cache keys depending on it

	ttl  time.Duration
	name string // metrics label, e.g. "embedding" or "selection"
	sink *metrics.Sink

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache with the given TTL. sink may be nil (metrics become
// no-ops). name identifies this cache in metric labels.
func New(name string, ttl time.Duration, sink *metrics.Sink) *Cache {
	c := &Cache{
		entries:  make(map[string]entry),
		byEntity: make(map[string]map[string]struct{}),
		ttl:      ttl,
		name:     name,
		sink:     sink,
		done:     make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached value and true on a live hit, or nil, false on
// miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.inc("miss")
		return nil, false
	}
	c.inc("hit")
	return e.value, true
}

// Set stores value under key with the configured TTL, indexing it against
// entityIDs so a later write touching any of those entities can invalidate
// it via InvalidateByEntities.
func (c *Cache) Set(key string, value any, entityIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{
		value:     value,
		entityIDs: entityIDs,
		expiresAt: time.Now().Add(c.ttl),
	}
	for _, id := range entityIDs {
		set, ok := c.byEntity[id]
		if !ok {
			set = make(map[string]struct{})
			c.byEntity[id] = set
		}
		set[key] = struct{}{}
	}
	c.inc("write")
}

// InvalidateByEntities evicts every cache entry that depends on any of the
// given entity ids (spec.md §4.14: an ingest commit invalidates cached
// selections/embeddings touching the entities it just wrote).
func (c *Cache) InvalidateByEntities(entityIDs []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	seen := make(map[string]struct{})
	for _, id := range entityIDs {
		for key := range c.byEntity[id] {
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			if e, ok := c.entries[key]; ok {
				for _, eid := range e.entityIDs {
					delete(c.byEntity[eid], key)
				}
				delete(c.entries, key)
				removed++
			}
		}
		delete(c.byEntity, id)
	}
	if removed > 0 {
		c.inc("invalidation")
	}
	return removed
}

func (c *Cache) inc(outcome string) {
	if c.sink == nil {
		return
	}
	c.sink.Inc("querycache_total", 1, map[string]string{"cache": c.name, "outcome": outcome})
}

func (c *Cache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			for _, eid := range e.entityIDs {
				delete(c.byEntity[eid], key)
			}
			delete(c.entries, key)
		}
	}
}

// Close stops the background eviction goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Len reports the current entry count, for diagnostics/tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stores bundles the two caches C7 defines: embeddings (default TTL ≈120s)
// and selections (default TTL ≈60s). Construct with NewStores.
type Stores struct {
	Embeddings *Cache
	Selections *Cache
}

const (
	// DefaultEmbeddingTTL and DefaultSelectionTTL are spec.md §4.7's defaults.
	DefaultEmbeddingTTL = 120 * time.Second
	DefaultSelectionTTL = 60 * time.Second
)

// NewStores builds both caches sharing one metrics sink.
func NewStores(sink *metrics.Sink) *Stores {
	return &Stores{
		Embeddings: New("embedding", DefaultEmbeddingTTL, sink),
		Selections: New("selection", DefaultSelectionTTL, sink),
	}
}

// InvalidateByEntities fans out to both caches.
func (s *Stores) InvalidateByEntities(entityIDs []string) int {
	return s.Embeddings.InvalidateByEntities(entityIDs) + s.Selections.InvalidateByEntities(entityIDs)
}

// Close stops both caches' eviction goroutines.
func (s *Stores) Close() {
	s.Embeddings.Close()
	s.Selections.Close()
}

// sortedCopy is a small helper kept for callers that need a stable entity-id
// ordering before deriving a Key (e.g. so the same entity set always yields
// the same cache key regardless of discovery order).
func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}

// SortedKey is Key with its trailing parts pre-sorted via sortedCopy,
// convenient when the caller's parts are an unordered entity-id set.
func SortedKey(role string, unordered []string) string {
	return Key(role, sortedCopy(unordered)...)
}
