package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"ms-occupancy/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) InsertScan(ctx context.Context, scan *models.IDScan) error {
	_, err := d.Bun.NewInsert().Model(scan).Exec(ctx)
	return err
}

// Filter narrows scan queries; Start is inclusive and End exclusive.
type Filter struct {
	BusinessID string
	VenueID    string
	Start      time.Time
	End        time.Time
}

func applyFilter(q *bun.SelectQuery, f Filter) *bun.SelectQuery {
	q = q.Where("business_id = ?", f.BusinessID)
	if f.VenueID != "" {
		q = q.Where("venue_id = ?", f.VenueID)
	}
	if !f.Start.IsZero() {
		q = q.Where("occurred_at >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		q = q.Where("occurred_at < ?", f.End.UTC())
	}
	return q
}

// ListScans → newest first, at most limit rows
func (d *DB) ListScans(ctx context.Context, f Filter, limit int) ([]models.IDScan, error) {
	var scans []models.IDScan
	q := applyFilter(d.Bun.NewSelect().Model(&scans), f).Order("occurred_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return scans, nil
}

type BandCount struct {
	AgeBand string `bun:"age_band" json:"age_band"`
	Sex     string `bun:"sex" json:"sex"`
	Result  string `bun:"result" json:"result"`
	Count   int64  `bun:"count" json:"count"`
}

// Demographics → scan counts grouped by age band, sex and result
func (d *DB) Demographics(ctx context.Context, f Filter) ([]BandCount, error) {
	var rows []BandCount
	q := d.Bun.NewSelect().
		Model((*models.IDScan)(nil)).
		ColumnExpr("COALESCE(age_band, '') AS age_band").
		ColumnExpr("COALESCE(sex, '') AS sex").
		ColumnExpr("result").
		ColumnExpr("COUNT(*) AS count")
	q = applyFilter(q, f).
		GroupExpr("COALESCE(age_band, ''), COALESCE(sex, ''), result").
		OrderExpr("1, 2, 3")
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
