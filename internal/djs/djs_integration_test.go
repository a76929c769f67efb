package djs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
)

// newTestStore spins up an ephemeral Postgres container, runs the embedded
// migrations, and returns a connected Store. Mirrors
// jobs/recovery_integration_test.go's container + MigrateDatabase shape.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	store, err := Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func seedModelVersion(t *testing.T, store *Store) int64 {
	t.Helper()
	mv, err := store.Queries.InsertModelVersion(context.Background(), djssqlc.InsertModelVersionParams{
		Name:        "densenet121-chexpert",
		WeightsPath: "/weights/densenet121-chexpert.pt",
	})
	require.NoError(t, err)
	return mv.ID
}

func TestInsertJob_StartsQueued(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)

	job, err := store.Queries.InsertJob(context.Background(), djssqlc.InsertJobParams{
		InputSHA256:    "deadbeef",
		ModelVersionID: mvID,
	})
	require.NoError(t, err)
	assert.Equal(t, djssqlc.StatusQueued, job.Status)
	assert.Equal(t, "deadbeef", job.InputSHA256)
}

func TestPromoteToInProgress_IsBulkAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.NoError(t, store.Queries.PromoteToInProgress(ctx, ids))
	for _, id := range ids {
		job, err := store.Queries.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, djssqlc.StatusInProgress, job.Status)
	}

	// Applying the same promotion twice is a no-op (spec §8 round-trip law).
	require.NoError(t, store.Queries.PromoteToInProgress(ctx, ids))
	for _, id := range ids {
		job, err := store.Queries.GetJobByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, djssqlc.StatusInProgress, job.Status)
	}
}

func TestCompleteJob_WritesExactlyOneResult(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
	require.NoError(t, err)
	require.NoError(t, store.Queries.PromoteToInProgress(ctx, []int64{job.ID}))

	output, _ := json.Marshal(map[string]float64{"Effusion": 0.8})
	_, err = store.Queries.InsertResult(ctx, djssqlc.InsertResultParams{
		JobID: job.ID, Output: output, TopLabel: "Effusion",
	})
	require.NoError(t, err)
	require.NoError(t, store.Queries.CompleteJob(ctx, job.ID))

	got, err := store.Queries.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, djssqlc.StatusCompleted, got.Status)

	result, ok, err := store.Queries.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Effusion", result.TopLabel)
}

func TestFailJob_HasNoResult(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
	require.NoError(t, err)

	require.NoError(t, store.Queries.FailJob(ctx, job.ID, "retries_exhausted"))

	got, err := store.Queries.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, djssqlc.StatusFailed, got.Status)
	require.NotNil(t, got.LastFailureReason)
	assert.Equal(t, "retries_exhausted", *got.LastFailureReason)

	_, ok, err := store.Queries.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetToQueued_GuardedByInProgressStatus(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
	require.NoError(t, err)

	// Still QUEUED: guard blocks the reset, it's a no-op.
	require.NoError(t, store.Queries.ResetToQueued(ctx, job.ID))
	got, err := store.Queries.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, djssqlc.StatusQueued, got.Status)

	require.NoError(t, store.Queries.PromoteToInProgress(ctx, []int64{job.ID}))
	require.NoError(t, store.Queries.ResetToQueued(ctx, job.ID))
	got, err = store.Queries.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, djssqlc.StatusQueued, got.Status)
}

func TestScanStuckInProgress(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
	require.NoError(t, err)
	require.NoError(t, store.Queries.PromoteToInProgress(ctx, []int64{job.ID}))

	// Not stuck yet: the threshold is before updated_at.
	stuck, err := store.Queries.ScanStuckInProgress(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.NotContains(t, stuck, job.ID)

	// Stuck: threshold is after updated_at.
	stuck, err = store.Queries.ScanStuckInProgress(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, stuck, job.ID)
}

func TestLatencySamplesMsSince_OnlyCompletedJobs(t *testing.T) {
	store := newTestStore(t)
	mvID := seedModelVersion(t, store)
	ctx := context.Background()

	job, err := store.Queries.InsertJob(ctx, djssqlc.InsertJobParams{InputSHA256: "h", ModelVersionID: mvID})
	require.NoError(t, err)
	require.NoError(t, store.Queries.PromoteToInProgress(ctx, []int64{job.ID}))

	output, _ := json.Marshal(map[string]float64{"Effusion": 0.8})
	_, err = store.Queries.InsertResult(ctx, djssqlc.InsertResultParams{JobID: job.ID, Output: output, TopLabel: "Effusion"})
	require.NoError(t, err)
	require.NoError(t, store.Queries.CompleteJob(ctx, job.ID))

	samples, err := store.Queries.LatencySamplesMsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.GreaterOrEqual(t, samples[0], 0.0)
}
