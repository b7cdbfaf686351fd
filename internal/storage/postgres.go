package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nous-run/nous/internal/model"
)

// Store implements model.KVStore, model.GraphStore, model.Queue, and
// model.AuditLog against the general-purpose Postgres schema in
// migrations/001_initial.sql. Write methods that can hit a serialization
// conflict (InsertEntity/InsertEdge/UpdateMemory, called from C14's single
// logical unit-of-work commit) go through WithRetry.
type Store struct {
	db *DB
}

// NewStore builds a Store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// InsertEntity upserts an entity (idempotent on id, matching C14's
// at-least-once retry semantics).
func (s *Store) InsertEntity(ctx context.Context, e model.Entity) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("storage: marshal entity attributes: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.pool.Exec(ctx, `
			INSERT INTO entities (id, type, name, attributes, confidence, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				type = EXCLUDED.type,
				name = EXCLUDED.name,
				attributes = EXCLUDED.attributes,
				confidence = EXCLUDED.confidence
		`, e.ID, string(e.Type), e.Name, string(attrs), e.Confidence, createdAt)
		return err
	})
}

// InsertEdge upserts an edge (idempotent on the (src, rel_type, dst) triple).
func (s *Store) InsertEdge(ctx context.Context, e model.Edge) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.pool.Exec(ctx, `
			INSERT INTO edges (src, rel_type, dst, weight)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (src, rel_type, dst) DO UPDATE SET weight = EXCLUDED.weight
		`, e.Src, e.RelType, e.Dst, e.Weight)
		return err
	})
}

// UpdateMemory upserts a memory, including any newly attached
// contradiction markers (C14).
func (s *Store) UpdateMemory(ctx context.Context, m model.Memory) error {
	contradictions, err := json.Marshal(m.Contradictions)
	if err != nil {
		return fmt.Errorf("storage: marshal contradictions: %w", err)
	}
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.pool.Exec(ctx, `
			INSERT INTO memories (id, text, entity_ids, role_view_level, process_trace_summary, contradictions, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
			ON CONFLICT (id) DO UPDATE SET
				text = EXCLUDED.text,
				entity_ids = EXCLUDED.entity_ids,
				role_view_level = EXCLUDED.role_view_level,
				process_trace_summary = EXCLUDED.process_trace_summary,
				contradictions = EXCLUDED.contradictions,
				updated_at = now()
		`, m.ID, m.Text, m.EntityIDs, m.RoleViewLevel, m.ProcessTraceSummary, string(contradictions))
		return err
	})
}

// Neighbors returns the outbound edges of entityID (C9's graph expansion).
func (s *Store) Neighbors(ctx context.Context, entityID string) ([]model.Edge, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT src, rel_type, dst, weight FROM edges WHERE src = $1`, entityID)
	if err != nil {
		return nil, fmt.Errorf("storage: query neighbors: %w", err)
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(&e.Src, &e.RelType, &e.Dst, &e.Weight); err != nil {
			return nil, fmt.Errorf("storage: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetEntity fetches one entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	var e model.Entity
	var attrs []byte
	row := s.db.pool.QueryRow(ctx, `SELECT id, type, name, attributes, confidence, created_at FROM entities WHERE id = $1`, id)
	if err := row.Scan(&e.ID, &e.Type, &e.Name, &attrs, &e.Confidence, &e.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return model.Entity{}, fmt.Errorf("storage: entity %q not found: %w", id, err)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return model.Entity{}, fmt.Errorf("storage: unmarshal entity attributes: %w", err)
	}
	return e, nil
}

// GetMemoriesFor returns memories linked to entityID, filtered to
// RoleViewLevel <= maxLevel (the role-visibility contract of spec.md §6).
func (s *Store) GetMemoriesFor(ctx context.Context, entityID string, maxLevel int) ([]model.Memory, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT id, text, entity_ids, role_view_level, process_trace_summary, contradictions
		FROM memories
		WHERE $1 = ANY(entity_ids) AND role_view_level <= $2
	`, entityID, maxLevel)
	if err != nil {
		return nil, fmt.Errorf("storage: query memories for entity: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemoryRow(rows pgx.Rows) (model.Memory, error) {
	var m model.Memory
	var contradictions []byte
	if err := rows.Scan(&m.ID, &m.Text, &m.EntityIDs, &m.RoleViewLevel, &m.ProcessTraceSummary, &contradictions); err != nil {
		return model.Memory{}, fmt.Errorf("storage: scan memory: %w", err)
	}
	if len(contradictions) > 0 {
		if err := json.Unmarshal(contradictions, &m.Contradictions); err != nil {
			return model.Memory{}, fmt.Errorf("storage: unmarshal contradictions: %w", err)
		}
	}
	return m, nil
}

// Enqueue inserts a refresh job for the given deduplicated entity ids (C14).
func (s *Store) Enqueue(ctx context.Context, entityIDs []string) (int64, error) {
	var id int64
	err := s.db.pool.QueryRow(ctx, `
		INSERT INTO refresh_jobs (entity_ids) VALUES ($1) RETURNING id
	`, entityIDs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: enqueue refresh job: %w", err)
	}
	return id, nil
}

// Dequeue claims up to batchSize ready jobs (not_before <= now, not yet
// dead-lettered), using FOR UPDATE SKIP LOCKED so concurrent refresh
// workers never claim the same job twice — the same claim pattern the
// teacher's outbox worker uses for its poll loop.
func (s *Store) Dequeue(ctx context.Context, batchSize int) ([]model.RefreshJob, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT id, entity_ids, enqueued_at, retry_count
		FROM refresh_jobs
		WHERE not_before <= now() AND dead_letter_reason IS NULL
		ORDER BY enqueued_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("storage: dequeue refresh jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.RefreshJob
	for rows.Next() {
		var j model.RefreshJob
		if err := rows.Scan(&j.ID, &j.EntityIDs, &j.EnqueuedAt, &j.RetryCount); err != nil {
			return nil, fmt.Errorf("storage: scan refresh job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ack deletes a successfully processed job.
func (s *Store) Ack(ctx context.Context, jobID int64) error {
	_, err := s.db.pool.Exec(ctx, `DELETE FROM refresh_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("storage: ack refresh job: %w", err)
	}
	return nil
}

// Retry bumps retry_count and reschedules the job after backoff seconds.
func (s *Store) Retry(ctx context.Context, jobID int64, backoff float64) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE refresh_jobs
		SET retry_count = retry_count + 1, not_before = now() + make_interval(secs => $2)
		WHERE id = $1
	`, jobID, backoff)
	if err != nil {
		return fmt.Errorf("storage: retry refresh job: %w", err)
	}
	return nil
}

// DeadLetter marks a job as permanently failed without deleting it, so an
// operator can inspect dead_letter_reason.
func (s *Store) DeadLetter(ctx context.Context, jobID int64, reason string) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE refresh_jobs SET dead_letter_reason = $2 WHERE id = $1
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("storage: dead-letter refresh job: %w", err)
	}
	return nil
}

// Write appends an audit record (C16's mandatory per-decision write, and
// the role-management collaborator's audit trail).
func (s *Store) Write(ctx context.Context, rec model.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO audit_log (kind, subject_id, payload) VALUES ($1, $2, $3::jsonb)
	`, rec.Kind, rec.SubjectID, string(payload))
	if err != nil {
		return fmt.Errorf("storage: write audit record: %w", err)
	}
	return nil
}
