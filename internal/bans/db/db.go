package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-occupancy/internal/models"
)

var ErrBanNotFound = errors.New("ban not found")

type DB struct {
	Bun *bun.DB
}

// InsertBan stores a ban together with its CREATED audit row.
func (d *DB) InsertBan(ctx context.Context, ban *models.PatronBan, audit *models.BanAuditLog) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(ban).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(audit).Exec(ctx)
		return err
	})
}

func (d *DB) GetBan(ctx context.Context, banID string) (*models.PatronBan, error) {
	var ban models.PatronBan
	err := d.Bun.NewSelect().Model(&ban).Where("id = ?", banID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ban, nil
}

// ListBans → bans for a business, newest first. Only ACTIVE rows unless includeInactive.
func (d *DB) ListBans(ctx context.Context, businessID string, includeInactive bool) ([]models.PatronBan, error) {
	var bans []models.PatronBan
	q := d.Bun.NewSelect().Model(&bans).Where("business_id = ?", businessID)
	if !includeInactive {
		q = q.Where("status = ?", models.BanStatusActive)
	}
	if err := q.Order("created_at DESC", "id").Scan(ctx); err != nil {
		return nil, err
	}
	return bans, nil
}

// ActiveForPerson → ACTIVE bans on a person key; expiry and venue coverage
// are left to the caller.
func (d *DB) ActiveForPerson(ctx context.Context, businessID, personKey string) ([]models.PatronBan, error) {
	var bans []models.PatronBan
	err := d.Bun.NewSelect().
		Model(&bans).
		Where("business_id = ?", businessID).
		Where("person_key = ?", personKey).
		Where("status = ?", models.BanStatusActive).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return bans, nil
}

// MarkRemoved flips an ACTIVE ban to REMOVED and writes the audit row.
// Returns ErrBanNotFound when the ban is missing or no longer active.
func (d *DB) MarkRemoved(ctx context.Context, banID, actorID, reason string, at time.Time, audit *models.BanAuditLog) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.PatronBan)(nil)).
			Set("status = ?", models.BanStatusRemoved).
			Set("removed_by = ?", actorID).
			Set("removed_at = ?", at).
			Set("removal_reason = ?", reason).
			Where("id = ?", banID).
			Where("status = ?", models.BanStatusActive).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrBanNotFound
		}
		_, err = tx.NewInsert().Model(audit).Exec(ctx)
		return err
	})
}

func (d *DB) InsertAudit(ctx context.Context, audit *models.BanAuditLog) error {
	_, err := d.Bun.NewInsert().Model(audit).Exec(ctx)
	return err
}

func (d *DB) AuditTrail(ctx context.Context, banID string) ([]models.BanAuditLog, error) {
	var logs []models.BanAuditLog
	err := d.Bun.NewSelect().Model(&logs).Where("ban_id = ?", banID).Order("occurred_at ASC").Scan(ctx)
	return logs, err
}
