package model

import "context"

// VectorHit is one result from a vector-store query.
type VectorHit struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// VectorFilter restricts a vector query; only RoleViewLevelMax is required
// to be honoured by every implementation (spec.md §6).
type VectorFilter struct {
	RoleViewLevelMax *int
}

// VectorItem is one record to upsert into a vector namespace.
type VectorItem struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// VectorStore is the storage contract consumed by C11/C14/C15 (spec.md §6).
// One namespace argument selects between the explicate and implicate spaces.
type VectorStore interface {
	Query(ctx context.Context, namespace string, embedding []float32, k int, filter VectorFilter) ([]VectorHit, error)
	Upsert(ctx context.Context, namespace string, items []VectorItem) error
	Describe(ctx context.Context, namespace string) error
}

// GraphStore is the storage contract consumed by C9 and C14.
type GraphStore interface {
	Neighbors(ctx context.Context, entityID string) ([]Edge, error)
	GetEntity(ctx context.Context, id string) (Entity, error)
	GetMemoriesFor(ctx context.Context, entityID string, maxLevel int) ([]Memory, error)
}

// KVStore is the write path used by C14.
type KVStore interface {
	InsertEntity(ctx context.Context, e Entity) error
	InsertEdge(ctx context.Context, e Edge) error
	UpdateMemory(ctx context.Context, m Memory) error
}

// Queue is the refresh-job queue consumed by C14 (enqueue) and C15 (dequeue/ack/dead-letter).
type Queue interface {
	Enqueue(ctx context.Context, entityIDs []string) (int64, error)
	Dequeue(ctx context.Context, batchSize int) ([]RefreshJob, error)
	Ack(ctx context.Context, jobID int64) error
	Retry(ctx context.Context, jobID int64, backoff float64) error
	DeadLetter(ctx context.Context, jobID int64, reason string) error
}

// AuditLog is the append-only sink used by C16 and the role-management collaborator.
type AuditLog interface {
	Write(ctx context.Context, rec AuditRecord) error
}
