//go:build integration

package db_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-occupancy/internal/database"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	"ms-occupancy/internal/occupancy/db"
)

// TestPostgresConcurrentDeltas runs the ledger against a real Postgres so the
// FOR UPDATE row lock is exercised under contention, for entries and for
// exits racing the zero clamp.
func TestPostgresConcurrentDeltas(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}

	ctx := context.Background()
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "occupancy",
				"POSTGRES_PASSWORD": "occupancy",
				"POSTGRES_DB":       "occupancy",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}
	defer pg.Terminate(ctx)

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://occupancy:occupancy@%s:%s/occupancy?sslmode=disable", host, port.Port())
	sqldb, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	require.NoError(t, database.CreateSchema(ctx, bunDB))

	store := &db.DB{Bun: bunDB}
	area := &models.Area{ID: uuid.NewString(), VenueID: "venue-1", BusinessID: "biz-1", Name: "Main Floor", Capacity: 500}
	require.NoError(t, store.CreateArea(ctx, area))

	svc := occupancy.NewService(store, nil, nil, nil, nil, logger.NewNopLogger())

	const workers = 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.ApplyDelta(ctx, occupancy.DeltaRequest{
				Scope:          occupancy.Scope{BusinessID: "biz-1", VenueID: "venue-1", AreaID: area.ID},
				Delta:          1,
				Source:         "clicker",
				IdempotencyKey: fmt.Sprintf("tap-%d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetArea(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, got.CurrentOccupancy)

	count, err := store.CountEvents(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, count)

	summary, err := svc.ResetCounts(ctx, occupancy.ResetRequest{Scope: occupancy.ResetArea, BusinessID: "biz-1", AreaID: area.ID, Reason: "end of night"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	totals, err := svc.GetTotals(ctx, occupancy.TotalsRequest{Scope: occupancy.Scope{BusinessID: "biz-1", AreaID: area.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.EventCount)

	// More exits than people inside: the lock must keep the clamp exact.
	scope := occupancy.Scope{BusinessID: "biz-1", VenueID: "venue-1", AreaID: area.ID}
	_, err = svc.ApplyDelta(ctx, occupancy.DeltaRequest{Scope: scope, Delta: 10, Source: "clicker"})
	require.NoError(t, err)

	const exits = 40
	exitErrs := make(chan error, exits)
	for i := 0; i < exits; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.ApplyDelta(ctx, occupancy.DeltaRequest{
				Scope:          scope,
				Delta:          -1,
				Source:         "clicker",
				IdempotencyKey: fmt.Sprintf("exit-%d", n),
			})
			exitErrs <- err
		}(i)
	}
	wg.Wait()
	close(exitErrs)
	for err := range exitErrs {
		require.NoError(t, err)
	}

	got, err = store.GetArea(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentOccupancy)

	totals, err = svc.GetTotals(ctx, occupancy.TotalsRequest{Scope: occupancy.Scope{BusinessID: "biz-1", AreaID: area.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), totals.TotalIn)
	assert.Equal(t, int64(10), totals.TotalOut)
	assert.Equal(t, int64(exits+1), totals.EventCount)

	report, err := svc.Reconcile(ctx, "", area.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Drift)
}
