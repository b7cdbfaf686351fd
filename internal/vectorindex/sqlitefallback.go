// Secondary fallback store for C10: a brute-force, sqlite-resident vector
// store used when the primary Qdrant store is unhealthy. Newly grounded on
// the teacher's modernc.org/sqlite dependency (present in go.mod but
// otherwise unexercised in the retrieved pack) — repurposed here as the
// "possibly local, possibly slower" fallback spec.md §4.10 calls for.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/nous-run/nous/internal/model"
)

// SQLiteFallback is a brute-force cosine-similarity vector store backed by
// a local sqlite database. It exists purely as a degraded-mode substitute
// for QdrantStore: correctness over speed, no ANN index.
type SQLiteFallback struct {
	db *sql.DB
}

// NewSQLiteFallback opens (and migrates) the fallback store at path. Use
// ":memory:" for an ephemeral store, e.g. in tests.
func NewSQLiteFallback(path string) (*SQLiteFallback, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open sqlite fallback: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			namespace       TEXT NOT NULL,
			id              TEXT NOT NULL,
			embedding       BLOB NOT NULL,
			metadata        TEXT NOT NULL,
			role_view_level INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (namespace, id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorindex: migrate sqlite fallback: %w", err)
	}
	return &SQLiteFallback{db: db}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Query scans every row in namespace, scores it by cosine similarity, and
// returns the top k honoring filter.RoleViewLevelMax. Intentionally O(n):
// the fallback is only reached when the primary ANN store is unavailable
// and correctness matters more than latency.
func (s *SQLiteFallback) Query(ctx context.Context, namespace string, embedding []float32, k int, filter model.VectorFilter) ([]model.VectorHit, error) {
	query := `SELECT id, embedding, metadata, role_view_level FROM vectors WHERE namespace = ?`
	args := []any{namespace}
	if filter.RoleViewLevelMax != nil {
		query += ` AND role_view_level <= ?`
		args = append(args, *filter.RoleViewLevelMax)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: sqlite fallback query: %w", err)
	}
	defer rows.Close()

	type scored struct {
		hit   model.VectorHit
		score float32
	}
	var all []scored
	for rows.Next() {
		var id, metaJSON string
		var embBytes []byte
		var level int
		if err := rows.Scan(&id, &embBytes, &metaJSON, &level); err != nil {
			return nil, fmt.Errorf("vectorindex: sqlite fallback scan: %w", err)
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]any{}
		}
		score := cosineSimilarity(embedding, decodeVector(embBytes))
		all = append(all, scored{hit: model.VectorHit{ID: id, Score: score, Metadata: meta}, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorindex: sqlite fallback iterate: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make([]model.VectorHit, len(all))
	for i, s := range all {
		out[i] = s.hit
	}
	return out, nil
}

// Upsert writes items into namespace, replacing any existing row with the
// same (namespace, id).
func (s *SQLiteFallback) Upsert(ctx context.Context, namespace string, items []model.VectorItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: sqlite fallback begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (namespace, id, embedding, metadata, role_view_level)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET embedding = excluded.embedding, metadata = excluded.metadata, role_view_level = excluded.role_view_level
	`)
	if err != nil {
		return fmt.Errorf("vectorindex: sqlite fallback prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		metaJSON, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("vectorindex: sqlite fallback marshal metadata: %w", err)
		}
		level := 0
		if lv, ok := it.Metadata["role_view_level"].(int); ok {
			level = lv
		}
		if _, err := stmt.ExecContext(ctx, namespace, it.ID, encodeVector(it.Embedding), string(metaJSON), level); err != nil {
			return fmt.Errorf("vectorindex: sqlite fallback upsert %q: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: sqlite fallback commit: %w", err)
	}
	return nil
}

// Describe ignores namespace and pings the sqlite handle; the fallback has
// no remote health concept, so this is nil while the database is open.
func (s *SQLiteFallback) Describe(_ context.Context, _ string) error {
	return s.db.Ping()
}

// Close closes the underlying sqlite connection.
func (s *SQLiteFallback) Close() error {
	return s.db.Close()
}
