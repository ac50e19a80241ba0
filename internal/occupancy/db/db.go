package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) isPostgres() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

// InAreaTx runs fn inside one transaction. Driver-level contention errors
// come back as occupancy.ErrStorageConflict.
func (d *DB) InAreaTx(ctx context.Context, areaID string, fn func(ctx context.Context, tx occupancy.AreaTx) error) error {
	err := d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &areaTx{tx: tx, areaID: areaID, forUpdate: d.isPostgres()})
	})
	return classify(err)
}

// GetArea → fetch one live area
func (d *DB) GetArea(ctx context.Context, areaID string) (*models.Area, error) {
	var area models.Area
	err := d.Bun.NewSelect().
		Model(&area).
		Where("id = ?", areaID).
		Where("deleted_at IS NULL").
		Where("venue_id NOT IN (?)", deletedVenues(d.Bun)).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, occupancy.ErrAreaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &area, nil
}

// EventByKey → the event recorded under an idempotency key, nil if none
func (d *DB) EventByKey(ctx context.Context, areaID, idempotencyKey string) (*models.OccupancyEvent, error) {
	return eventByKey(ctx, d.Bun, areaID, idempotencyKey)
}

// ListAreas → live areas in scope, ordered by venue then name
func (d *DB) ListAreas(ctx context.Context, scope occupancy.Scope) ([]models.Area, error) {
	var areas []models.Area
	q := d.Bun.NewSelect().
		Model(&areas).
		Where("business_id = ?", scope.BusinessID).
		Where("deleted_at IS NULL").
		Where("venue_id NOT IN (?)", deletedVenues(d.Bun))
	if scope.VenueID != "" {
		q = q.Where("venue_id = ?", scope.VenueID)
	}
	if scope.AreaID != "" {
		q = q.Where("id = ?", scope.AreaID)
	}
	if err := q.Order("venue_id", "name", "id").Scan(ctx); err != nil {
		return nil, err
	}
	return areas, nil
}

// SumEvents → in/out/net/count over the filter, honouring each area's reset boundary
func (d *DB) SumEvents(ctx context.Context, f occupancy.EventFilter) (models.TrafficTotals, error) {
	var totals models.TrafficTotals
	q := d.Bun.NewSelect().
		TableExpr("occupancy_events AS e").
		ColumnExpr("CAST(COALESCE(SUM(CASE WHEN e.delta > 0 THEN e.delta ELSE 0 END), 0) AS BIGINT) AS total_in").
		ColumnExpr("CAST(COALESCE(SUM(CASE WHEN e.delta < 0 THEN -e.delta ELSE 0 END), 0) AS BIGINT) AS total_out").
		ColumnExpr("CAST(COALESCE(SUM(e.delta), 0) AS BIGINT) AS net_delta").
		ColumnExpr("COUNT(e.id) AS event_count")
	q = applyEventFilter(d.Bun, q, f)
	if err := q.Scan(ctx, &totals); err != nil {
		return models.TrafficTotals{}, err
	}
	return totals, nil
}

// ListEvents → events counted by SumEvents, oldest first
func (d *DB) ListEvents(ctx context.Context, f occupancy.EventFilter) ([]models.OccupancyEvent, error) {
	var events []models.OccupancyEvent
	q := d.Bun.NewSelect().
		TableExpr("occupancy_events AS e").
		ColumnExpr("e.*")
	q = applyEventFilter(d.Bun, q, f)
	if err := q.OrderExpr("e.occurred_at ASC").Scan(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Timezone → venue timezone, else business timezone, else ""
func (d *DB) Timezone(ctx context.Context, businessID, venueID string) (string, error) {
	if venueID != "" {
		var venue models.Venue
		err := d.Bun.NewSelect().Model(&venue).Column("timezone").Where("id = ?", venueID).Limit(1).Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		if venue.Timezone != "" {
			return venue.Timezone, nil
		}
	}

	var business models.Business
	err := d.Bun.NewSelect().Model(&business).Column("timezone").Where("id = ?", businessID).Limit(1).Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return business.Timezone, nil
}

// CreateArea inserts a new area with an empty snapshot. Used by venue setup.
func (d *DB) CreateArea(ctx context.Context, area *models.Area) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	area.CurrentOccupancy = 0
	area.LastResetAt = nil
	if area.CreatedAt.IsZero() {
		area.CreatedAt = now
	}
	area.UpdatedAt = now
	_, err := d.Bun.NewInsert().Model(area).Exec(ctx)
	return err
}

// SoftDeleteArea hides an area from the ledger and totals without touching its events.
func (d *DB) SoftDeleteArea(ctx context.Context, areaID string) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := d.Bun.NewUpdate().
		Model((*models.Area)(nil)).
		Set("deleted_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", areaID).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return occupancy.ErrAreaNotFound
	}
	return nil
}

// CountEvents → number of ledger rows for an area, including resets
func (d *DB) CountEvents(ctx context.Context, areaID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.OccupancyEvent)(nil)).
		Where("area_id = ?", areaID).
		Count(ctx)
}

func deletedVenues(db bun.IDB) *bun.SelectQuery {
	return db.NewSelect().
		Model((*models.Venue)(nil)).
		Column("id").
		Where("deleted_at IS NOT NULL")
}

func applyEventFilter(db bun.IDB, q *bun.SelectQuery, f occupancy.EventFilter) *bun.SelectQuery {
	q = q.Join("JOIN areas AS a ON a.id = e.area_id").
		Where("a.deleted_at IS NULL").
		Where("a.venue_id NOT IN (?)", deletedVenues(db)).
		Where("(a.last_reset_at IS NULL OR e.occurred_at > a.last_reset_at)").
		Where("e.business_id = ?", f.BusinessID)
	if f.VenueID != "" {
		q = q.Where("e.venue_id = ?", f.VenueID)
	}
	if f.AreaID != "" {
		q = q.Where("e.area_id = ?", f.AreaID)
	}
	if !f.Start.IsZero() {
		q = q.Where("e.occurred_at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		q = q.Where("e.occurred_at < ?", f.End.UTC())
	}
	return q
}
