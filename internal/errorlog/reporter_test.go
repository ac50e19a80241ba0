package errorlog

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-occupancy/internal/database"
	"ms-occupancy/internal/models"
)

func TestReporter_PersistsInBackground(t *testing.T) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	defer db.Close()
	require.NoError(t, database.CreateSchema(context.Background(), db))

	r := NewReporter(db, nil)
	r.Report("reset", "area area-1 failed", map[string]string{"area_id": "area-1"}, "manager-1", "biz-1")
	r.Wait()

	var rows []models.AppError
	require.NoError(t, db.NewSelect().Model(&rows).Scan(context.Background()))
	require.Len(t, rows, 1)
	assert.Equal(t, "reset", rows[0].Feature)
	assert.JSONEq(t, `{"area_id":"area-1"}`, rows[0].Payload)
	assert.Equal(t, "biz-1", rows[0].BusinessID)
}

func TestReporter_NilIsSafe(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() {
		r.Report("ledger", "boom", nil, "", "")
		r.Wait()
	})
}
