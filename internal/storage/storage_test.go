package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/storage"
	"github.com/nous-run/nous/migrations"
)

// testStore holds a shared test database connection for all tests in this package.
var testStore *storage.Store
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "nous",
			"POSTGRES_PASSWORD": "nous",
			"POSTGRES_DB":       "nous",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://nous:nous@%s:%s/nous?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}
	testStore = storage.NewStore(testDB)

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestInsertAndGetEntity(t *testing.T) {
	ctx := context.Background()

	e := model.Entity{ID: "ent-1", Type: model.EntityConcept, Name: "gravity", Attributes: map[string]any{"weight": 1.0}}
	require.NoError(t, testStore.InsertEntity(ctx, e))

	got, err := testStore.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, "gravity", got.Name)
	assert.Equal(t, model.EntityConcept, got.Type)
	assert.Equal(t, 1.0, got.Attributes["weight"])
}

func TestInsertEntityIsIdempotent(t *testing.T) {
	ctx := context.Background()

	e := model.Entity{ID: "ent-2", Type: model.EntityConcept, Name: "first"}
	require.NoError(t, testStore.InsertEntity(ctx, e))
	e.Name = "second"
	require.NoError(t, testStore.InsertEntity(ctx, e))

	got, err := testStore.GetEntity(ctx, "ent-2")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestInsertEdgeAndNeighbors(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.InsertEntity(ctx, model.Entity{ID: "ent-src", Type: model.EntityConcept, Name: "src"}))
	require.NoError(t, testStore.InsertEntity(ctx, model.Entity{ID: "ent-dst", Type: model.EntityConcept, Name: "dst"}))

	w := 0.5
	require.NoError(t, testStore.InsertEdge(ctx, model.Edge{Src: "ent-src", RelType: "relates_to", Dst: "ent-dst", Weight: &w}))

	edges, err := testStore.Neighbors(ctx, "ent-src")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "ent-dst", edges[0].Dst)
	assert.Equal(t, "relates_to", edges[0].RelType)
}

func TestUpdateMemoryAndGetMemoriesForRespectsVisibility(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.InsertEntity(ctx, model.Entity{ID: "ent-mem", Type: model.EntityConcept, Name: "mem-entity"}))

	require.NoError(t, testStore.UpdateMemory(ctx, model.Memory{
		ID: "mem-public", Text: "public memory", EntityIDs: []string{"ent-mem"}, RoleViewLevel: 0,
	}))
	require.NoError(t, testStore.UpdateMemory(ctx, model.Memory{
		ID: "mem-restricted", Text: "restricted memory", EntityIDs: []string{"ent-mem"}, RoleViewLevel: 2,
	}))

	visible, err := testStore.GetMemoriesFor(ctx, "ent-mem", 0)
	require.NoError(t, err)
	ids := make([]string, len(visible))
	for i, m := range visible {
		ids[i] = m.ID
	}
	assert.Contains(t, ids, "mem-public")
	assert.NotContains(t, ids, "mem-restricted")

	all, err := testStore.GetMemoriesFor(ctx, "ent-mem", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateMemoryPersistsContradictions(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.UpdateMemory(ctx, model.Memory{
		ID:        "mem-contradicted",
		Text:      "disputed claim",
		EntityIDs: []string{"ent-contradicted"},
		Contradictions: []model.ContradictionMarker{
			{Subject: "claim-1", EvidenceAnchor: "doc-1", Severity: model.SeverityHigh},
		},
	}))

	got, err := testStore.GetMemoriesFor(ctx, "ent-contradicted", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Contradictions, 1)
	assert.Equal(t, "claim-1", got[0].Contradictions[0].Subject)

	visible, err := testStore.GetMemoriesFor(ctx, "nonexistent-entity", 10)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestQueueEnqueueDequeueAckRetryDeadLetter(t *testing.T) {
	ctx := context.Background()

	id, err := testStore.Enqueue(ctx, []string{"ent-a", "ent-b"})
	require.NoError(t, err)
	require.Positive(t, id)

	jobs, err := testStore.Dequeue(ctx, 10)
	require.NoError(t, err)
	var found bool
	for _, j := range jobs {
		if j.ID == id {
			found = true
			assert.ElementsMatch(t, []string{"ent-a", "ent-b"}, j.EntityIDs)
		}
	}
	require.True(t, found)

	require.NoError(t, testStore.Ack(ctx, id))

	id2, err := testStore.Enqueue(ctx, []string{"ent-c"})
	require.NoError(t, err)
	require.NoError(t, testStore.Retry(ctx, id2, 0))

	require.NoError(t, testStore.DeadLetter(ctx, id2, "too many attempts"))
	jobsAfter, err := testStore.Dequeue(ctx, 10)
	require.NoError(t, err)
	for _, j := range jobsAfter {
		assert.NotEqual(t, id2, j.ID)
	}
}

func TestAuditLogWrite(t *testing.T) {
	ctx := context.Background()
	err := testStore.Write(ctx, model.AuditRecord{
		Kind:      "pareto_decision",
		SubjectID: "proposal-1",
		Payload:   map[string]any{"score": 0.7},
	})
	require.NoError(t, err)
}
