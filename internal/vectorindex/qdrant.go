// Package vectorindex implements the vector fallback adapter (C10): a
// primary Qdrant-backed dual-namespace (explicate/implicate) store, a
// secondary sqlite-backed brute-force fallback store, and a Router that
// picks between them behind a health cache and the C4 circuit breaker,
// applying spec.md §4.10's reduced-k routing when the primary is degraded
// or the caller forces fallback. The caller's remaining time budget is not
// consulted when choosing a store.
//
// Grounded on internal/search/qdrant.go almost directly: connection setup
// via parseQdrantURL, EnsureCollection's HNSW/payload-index shape
// generalized from one collection to two (explicate/implicate), Search's
// condition-building and over-fetch pattern, and Healthy()'s 5-second
// result cache generalized into a configurable TTL.
package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nous-run/nous/internal/model"
)

// Namespace selects between the two vector spaces spec.md §3 defines.
const (
	NamespaceExplicate = "explicate"
	NamespaceImplicate = "implicate"
)

// Config holds Qdrant connection parameters plus both collection names.
type Config struct {
	URL                 string
	APIKey              string
	ExplicateCollection string
	ImplicateCollection string
	Dims                uint64
	HealthCacheTTL      time.Duration // default 30s per spec.md §4.10
}

// DefaultHealthCacheTTL is spec.md §4.10's default.
const DefaultHealthCacheTTL = 30 * time.Second

// QdrantStore is the primary VectorStore implementation.
type QdrantStore struct {
	client *qdrant.Client
	cfg    Config

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("vectorindex: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("vectorindex: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// NewQdrantStore connects to Qdrant over gRPC.
func NewQdrantStore(cfg Config) (*QdrantStore, error) {
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = DefaultHealthCacheTTL
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantStore{client: client, cfg: cfg}, nil
}

func (q *QdrantStore) collectionFor(namespace string) (string, error) {
	switch namespace {
	case NamespaceExplicate:
		return q.cfg.ExplicateCollection, nil
	case NamespaceImplicate:
		return q.cfg.ImplicateCollection, nil
	default:
		return "", fmt.Errorf("vectorindex: unknown namespace %q", namespace)
	}
}

// EnsureCollections creates both collections if they don't already exist,
// with HNSW parameters tuned for cosine similarity, plus an integer payload
// index on role_view_level, the field used for visibility filtering.
func (q *QdrantStore) EnsureCollections(ctx context.Context) error {
	for _, coll := range []string{q.cfg.ExplicateCollection, q.cfg.ImplicateCollection} {
		if err := q.ensureOne(ctx, coll); err != nil {
			return err
		}
	}
	return nil
}

func (q *QdrantStore) ensureOne(ctx context.Context, collection string) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("vectorindex: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.Dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %q: %w", collection, err)
	}

	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      "role_view_level",
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("vectorindex: create index on role_view_level: %w", err)
	}
	return nil
}

// Query searches namespace for the k nearest neighbours of embedding,
// requesting up to k*3 candidates from Qdrant but returning only the first
// k, and applying the role-view-level ceiling from filter server-side.
func (q *QdrantStore) Query(ctx context.Context, namespace string, embedding []float32, k int, filter model.VectorFilter) ([]model.VectorHit, error) {
	collection, err := q.collectionFor(namespace)
	if err != nil {
		return nil, err
	}

	var must []*qdrant.Condition
	if filter.RoleViewLevelMax != nil {
		must = append(must, qdrant.NewRange("role_view_level", &qdrant.Range{
			Lte: qdrant.PtrOf(float64(*filter.RoleViewLevelMax)),
		}))
	}

	fetchLimit := uint64(k) * 3 //nolint:gosec // k is bounded by caller
	var qfilter *qdrant.Filter
	if len(must) > 0 {
		qfilter = &qdrant.Filter{Must: must}
	}
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         qfilter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: qdrant query %q: %w", namespace, err)
	}

	out := make([]model.VectorHit, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			id = sp.Id.GetNum().String()
		}
		meta := map[string]any{}
		for k, v := range sp.Payload {
			meta[k] = v.AsInterface()
		}
		out = append(out, model.VectorHit{ID: id, Score: sp.Score, Metadata: meta})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Upsert writes items into namespace.
func (q *QdrantStore) Upsert(ctx context.Context, namespace string, items []model.VectorItem) error {
	collection, err := q.collectionFor(namespace)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(items))
	for i, it := range items {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(it.ID),
			Vectors: qdrant.NewVectorsDense(it.Embedding),
			Payload: qdrant.NewValueMap(it.Metadata),
		}
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorindex: qdrant upsert %d points into %q: %w", len(items), namespace, err)
	}
	return nil
}

// Describe performs a cheap health probe against namespace's collection,
// result-cached for cfg.HealthCacheTTL to avoid hammering Qdrant on every
// selection request. One cached result is shared by both namespaces: within
// the TTL, a probe of either namespace returns the last result, whichever
// collection it came from.
func (q *QdrantStore) Describe(ctx context.Context, namespace string) error {
	collection, err := q.collectionFor(namespace)
	if err != nil {
		return err
	}

	q.healthMu.Lock()
	defer q.healthMu.Unlock()
	if time.Since(q.lastCheck) < q.cfg.HealthCacheTTL {
		return q.lastErr
	}

	_, err = q.client.GetCollectionInfo(ctx, collection)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("vectorindex: qdrant %q unhealthy: %w", collection, err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}
