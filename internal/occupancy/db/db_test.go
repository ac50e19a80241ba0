package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-occupancy/internal/database"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	"ms-occupancy/internal/occupancy/db"
)

func setupTestDB(t *testing.T) (*db.DB, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	// Every :memory: connection is its own database.
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	if err := database.CreateSchema(context.Background(), bunDB); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	t.Cleanup(func() { bunDB.Close() })

	return &db.DB{Bun: bunDB}, bunDB
}

func seedArea(t *testing.T, bunDB *bun.DB, businessID, venueID string) *models.Area {
	ctx := context.Background()
	_, err := bunDB.NewInsert().Model(&models.Business{ID: businessID, Name: "Biz", Timezone: "America/Chicago"}).On("CONFLICT DO NOTHING").Exec(ctx)
	require.NoError(t, err)
	_, err = bunDB.NewInsert().Model(&models.Venue{ID: venueID, BusinessID: businessID, Name: "Venue"}).On("CONFLICT DO NOTHING").Exec(ctx)
	require.NoError(t, err)

	area := &models.Area{
		ID:         uuid.NewString(),
		VenueID:    venueID,
		BusinessID: businessID,
		Name:       "Main Floor",
		Capacity:   100,
	}
	require.NoError(t, (&db.DB{Bun: bunDB}).CreateArea(ctx, area))
	return area
}

func insertEvent(t *testing.T, bunDB *bun.DB, area *models.Area, delta int, at time.Time) {
	event := &models.OccupancyEvent{
		ID:             uuid.NewString(),
		BusinessID:     area.BusinessID,
		VenueID:        area.VenueID,
		AreaID:         area.ID,
		Delta:          delta,
		RequestedDelta: delta,
		FlowType:       models.FlowFor(delta),
		EventType:      models.EventTypeTap,
		Source:         "clicker",
		IdempotencyKey: uuid.NewString(),
		Timestamp:      at.UTC(),
	}
	_, err := bunDB.NewInsert().Model(event).Exec(context.Background())
	require.NoError(t, err)
}

func TestInAreaTx_AppendAndSaveSnapshot(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	area := seedArea(t, store.Bun, "biz-1", "venue-1")

	now := time.Now().UTC().Truncate(time.Microsecond)
	err := store.InAreaTx(ctx, area.ID, func(ctx context.Context, tx occupancy.AreaTx) error {
		locked, err := tx.LockArea(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, locked.CurrentOccupancy)

		err = tx.AppendEvent(ctx, &models.OccupancyEvent{
			ID:             "evt-1",
			BusinessID:     locked.BusinessID,
			VenueID:        locked.VenueID,
			AreaID:         locked.ID,
			Delta:          2,
			RequestedDelta: 2,
			OccupancyAfter: 2,
			FlowType:       models.FlowIn,
			EventType:      models.EventTypeBulk,
			Source:         "manual",
			IdempotencyKey: "key-1",
			Timestamp:      now,
		})
		if err != nil {
			return err
		}
		locked.CurrentOccupancy = 2
		locked.UpdatedAt = now
		return tx.SaveSnapshot(ctx, locked)
	})
	require.NoError(t, err)

	got, err := store.GetArea(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentOccupancy)

	outside, err := store.EventByKey(ctx, area.ID, "key-1")
	require.NoError(t, err)
	require.NotNil(t, outside)
	assert.Equal(t, "evt-1", outside.ID)
	other, err := store.EventByKey(ctx, "other-area", "key-1")
	require.NoError(t, err)
	assert.Nil(t, other)

	err = store.InAreaTx(ctx, area.ID, func(ctx context.Context, tx occupancy.AreaTx) error {
		event, err := tx.EventByKey(ctx, "key-1")
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "evt-1", event.ID)
		assert.Equal(t, 2, event.OccupancyAfter)

		missing, err := tx.EventByKey(ctx, "key-2")
		require.NoError(t, err)
		assert.Nil(t, missing)

		latest, err := tx.LatestEventAt(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(now))

		sum, err := tx.SumSince(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, sum)
		return nil
	})
	require.NoError(t, err)
}

func TestInAreaTx_RollsBackOnError(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	area := seedArea(t, store.Bun, "biz-1", "venue-1")

	boom := errors.New("boom")
	err := store.InAreaTx(ctx, area.ID, func(ctx context.Context, tx occupancy.AreaTx) error {
		locked, err := tx.LockArea(ctx)
		require.NoError(t, err)
		locked.CurrentOccupancy = 50
		require.NoError(t, tx.SaveSnapshot(ctx, locked))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetArea(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentOccupancy)
}

func TestLockArea_SoftDeletedAreaIsNotFound(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	area := seedArea(t, store.Bun, "biz-1", "venue-1")

	require.NoError(t, store.SoftDeleteArea(ctx, area.ID))
	assert.ErrorIs(t, store.SoftDeleteArea(ctx, area.ID), occupancy.ErrAreaNotFound)

	err := store.InAreaTx(ctx, area.ID, func(ctx context.Context, tx occupancy.AreaTx) error {
		_, err := tx.LockArea(ctx)
		return err
	})
	assert.ErrorIs(t, err, occupancy.ErrAreaNotFound)

	_, err = store.GetArea(ctx, area.ID)
	assert.ErrorIs(t, err, occupancy.ErrAreaNotFound)
}

func TestAppendEvent_DuplicateKeyIsStorageConflict(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	area := seedArea(t, store.Bun, "biz-1", "venue-1")

	appendWithKey := func(id string) error {
		return store.InAreaTx(ctx, area.ID, func(ctx context.Context, tx occupancy.AreaTx) error {
			return tx.AppendEvent(ctx, &models.OccupancyEvent{
				ID:             id,
				BusinessID:     area.BusinessID,
				VenueID:        area.VenueID,
				AreaID:         area.ID,
				Delta:          1,
				RequestedDelta: 1,
				OccupancyAfter: 1,
				FlowType:       models.FlowIn,
				EventType:      models.EventTypeTap,
				Source:         "clicker",
				IdempotencyKey: "same-key",
				Timestamp:      time.Now().UTC(),
			})
		})
	}

	require.NoError(t, appendWithKey("evt-a"))
	err := appendWithKey("evt-b")
	assert.ErrorIs(t, err, occupancy.ErrStorageConflict)

	count, err := store.CountEvents(ctx, area.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSumEvents_ExcludesEventsAtOrBeforeReset(t *testing.T) {
	store, bunDB := setupTestDB(t)
	ctx := context.Background()
	area := seedArea(t, bunDB, "biz-1", "venue-1")

	base := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	insertEvent(t, bunDB, area, 3, base)
	insertEvent(t, bunDB, area, -1, base.Add(time.Minute))
	insertEvent(t, bunDB, area, -2, base.Add(2*time.Minute)) // the reset itself
	insertEvent(t, bunDB, area, 4, base.Add(3*time.Minute))

	resetAt := base.Add(2 * time.Minute)
	_, err := bunDB.NewUpdate().Model((*models.Area)(nil)).
		Set("last_reset_at = ?", resetAt).
		Where("id = ?", area.ID).
		Exec(ctx)
	require.NoError(t, err)

	totals, err := store.SumEvents(ctx, occupancy.EventFilter{
		BusinessID: "biz-1",
		Start:      base.Add(-time.Hour),
		End:        base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TrafficTotals{TotalIn: 4, TotalOut: 0, NetDelta: 4, EventCount: 1}, totals)
}

func TestSumEvents_WindowAndScopeFilters(t *testing.T) {
	store, bunDB := setupTestDB(t)
	ctx := context.Background()
	patio := seedArea(t, bunDB, "biz-1", "venue-1")
	floor := seedArea(t, bunDB, "biz-1", "venue-2")
	other := seedArea(t, bunDB, "biz-2", "venue-3")

	base := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	insertEvent(t, bunDB, patio, 5, base)
	insertEvent(t, bunDB, patio, -2, base.Add(time.Minute))
	insertEvent(t, bunDB, floor, 7, base.Add(2*time.Minute))
	insertEvent(t, bunDB, floor, 1, base.Add(2*time.Hour)) // outside window
	insertEvent(t, bunDB, other, 9, base)

	window := occupancy.EventFilter{BusinessID: "biz-1", Start: base, End: base.Add(time.Hour)}

	totals, err := store.SumEvents(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, int64(12), totals.TotalIn)
	assert.Equal(t, int64(2), totals.TotalOut)
	assert.Equal(t, int64(10), totals.NetDelta)
	assert.Equal(t, int64(3), totals.EventCount)

	venueOnly := window
	venueOnly.VenueID = "venue-1"
	totals, err = store.SumEvents(ctx, venueOnly)
	require.NoError(t, err)
	assert.Equal(t, models.TrafficTotals{TotalIn: 5, TotalOut: 2, NetDelta: 3, EventCount: 2}, totals)

	areaOnly := window
	areaOnly.AreaID = floor.ID
	events, err := store.ListEvents(ctx, areaOnly)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 7, events[0].Delta)
}

func TestSumEvents_ExcludesSoftDeletedAreas(t *testing.T) {
	store, bunDB := setupTestDB(t)
	ctx := context.Background()
	live := seedArea(t, bunDB, "biz-1", "venue-1")
	gone := seedArea(t, bunDB, "biz-1", "venue-1")

	base := time.Now().UTC().Add(-time.Minute)
	insertEvent(t, bunDB, live, 2, base)
	insertEvent(t, bunDB, gone, 6, base)
	require.NoError(t, store.SoftDeleteArea(ctx, gone.ID))

	totals, err := store.SumEvents(ctx, occupancy.EventFilter{BusinessID: "biz-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.TotalIn)
	assert.Equal(t, int64(1), totals.EventCount)
}

func TestListAreas_ScopeAndDeletedVenues(t *testing.T) {
	store, bunDB := setupTestDB(t)
	ctx := context.Background()
	a1 := seedArea(t, bunDB, "biz-1", "venue-1")
	seedArea(t, bunDB, "biz-1", "venue-2")
	seedArea(t, bunDB, "biz-2", "venue-3")

	all, err := store.ListAreas(ctx, occupancy.Scope{BusinessID: "biz-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := store.ListAreas(ctx, occupancy.Scope{BusinessID: "biz-1", AreaID: a1.ID})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, a1.ID, one[0].ID)

	_, err = bunDB.NewUpdate().Model((*models.Venue)(nil)).
		Set("deleted_at = ?", time.Now().UTC()).
		Where("id = ?", "venue-2").
		Exec(ctx)
	require.NoError(t, err)

	remaining, err := store.ListAreas(ctx, occupancy.Scope{BusinessID: "biz-1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "venue-1", remaining[0].VenueID)
}

func TestTimezone_VenueThenBusiness(t *testing.T) {
	store, bunDB := setupTestDB(t)
	ctx := context.Background()
	seedArea(t, bunDB, "biz-1", "venue-1")

	_, err := bunDB.NewInsert().Model(&models.Venue{ID: "venue-tz", BusinessID: "biz-1", Name: "Rooftop", Timezone: "Europe/Berlin"}).Exec(ctx)
	require.NoError(t, err)

	tz, err := store.Timezone(ctx, "biz-1", "venue-tz")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", tz)

	tz, err = store.Timezone(ctx, "biz-1", "venue-1")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", tz)

	tz, err = store.Timezone(ctx, "missing", "")
	require.NoError(t, err)
	assert.Equal(t, "", tz)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, db.IsConflict(&pq.Error{Code: "40001"}))
	assert.True(t, db.IsConflict(&pq.Error{Code: "40P01"}))
	assert.True(t, db.IsConflict(&pq.Error{Code: "23505"}))
	assert.False(t, db.IsConflict(&pq.Error{Code: "23503"}))
	assert.True(t, db.IsConflict(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, db.IsConflict(errors.New("no such table: areas")))
}
