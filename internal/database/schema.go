package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-occupancy/internal/models"
)

// Tables lists every model owned by the service, parents first.
var Tables = []interface{}{
	(*models.Business)(nil),
	(*models.Venue)(nil),
	(*models.Area)(nil),
	(*models.BusinessMember)(nil),
	(*models.OccupancyEvent)(nil),
	(*models.PatronBan)(nil),
	(*models.BanAuditLog)(nil),
	(*models.IDScan)(nil),
	(*models.AppError)(nil),
}

// CreateSchema creates the tables and read-path indexes straight from the
// models. Production databases are migrated with golang-migrate instead;
// this is used for sqlite test databases and local bootstrap.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range Tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*models.OccupancyEvent)(nil), "idx_occupancy_events_area_time", []string{"area_id", "occurred_at"}},
		{(*models.OccupancyEvent)(nil), "idx_occupancy_events_business_time", []string{"business_id", "occurred_at"}},
		{(*models.Area)(nil), "idx_areas_venue", []string{"venue_id"}},
		{(*models.PatronBan)(nil), "idx_patron_bans_person", []string{"business_id", "person_key"}},
		{(*models.IDScan)(nil), "idx_id_scans_venue_time", []string{"venue_id", "occurred_at"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			IfNotExists().
			Column(idx.columns...).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// DropSchema removes every table, children first.
func DropSchema(ctx context.Context, db *bun.DB) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(Tables[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", Tables[i], err)
		}
	}
	return nil
}
