package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
)

type areaTx struct {
	tx        bun.Tx
	areaID    string
	forUpdate bool
}

// LockArea reads the area row with SELECT ... FOR UPDATE on Postgres.
// sqlite serialises writers at the database level instead.
func (t *areaTx) LockArea(ctx context.Context) (*models.Area, error) {
	var area models.Area
	q := t.tx.NewSelect().
		Model(&area).
		Where("id = ?", t.areaID).
		Where("deleted_at IS NULL").
		Where("venue_id NOT IN (?)", deletedVenues(t.tx)).
		Limit(1)
	if t.forUpdate {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, occupancy.ErrAreaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &area, nil
}

func (t *areaTx) EventByKey(ctx context.Context, idempotencyKey string) (*models.OccupancyEvent, error) {
	return eventByKey(ctx, t.tx, t.areaID, idempotencyKey)
}

func eventByKey(ctx context.Context, db bun.IDB, areaID, idempotencyKey string) (*models.OccupancyEvent, error) {
	var event models.OccupancyEvent
	err := db.NewSelect().
		Model(&event).
		Where("area_id = ?", areaID).
		Where("idempotency_key = ?", idempotencyKey).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// LatestEventAt → timestamp of the newest event for the area, zero if none
func (t *areaTx) LatestEventAt(ctx context.Context) (time.Time, error) {
	var event models.OccupancyEvent
	err := t.tx.NewSelect().
		Model(&event).
		Column("occurred_at").
		Where("area_id = ?", t.areaID).
		Order("occurred_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return event.Timestamp.UTC(), nil
}

// SumSince replays the area's deltas strictly after boundary.
func (t *areaTx) SumSince(ctx context.Context, boundary time.Time) (int, error) {
	var sum int64
	q := t.tx.NewSelect().
		Model((*models.OccupancyEvent)(nil)).
		ColumnExpr("CAST(COALESCE(SUM(delta), 0) AS BIGINT)").
		Where("area_id = ?", t.areaID)
	if !boundary.IsZero() {
		q = q.Where("occurred_at > ?", boundary.UTC())
	}
	if err := q.Scan(ctx, &sum); err != nil {
		return 0, err
	}
	return int(sum), nil
}

func (t *areaTx) AppendEvent(ctx context.Context, event *models.OccupancyEvent) error {
	event.Timestamp = event.Timestamp.UTC()
	_, err := t.tx.NewInsert().Model(event).Exec(ctx)
	return err
}

func (t *areaTx) SaveSnapshot(ctx context.Context, area *models.Area) error {
	_, err := t.tx.NewUpdate().
		Model(area).
		Column("current_occupancy", "last_reset_at", "updated_at").
		Where("id = ?", t.areaID).
		Exec(ctx)
	return err
}
