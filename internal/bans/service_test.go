package bans_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/bans"
	bandb "ms-occupancy/internal/bans/db"
	"ms-occupancy/internal/database"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
)

var patron = bans.Identity{
	FirstName:    "Jamie",
	LastName:     "Rivera",
	DateOfBirth:  "1994-03-02",
	IDNumber:     "D1234-5678",
	IssuingState: "tx",
}

func setupBanService(t *testing.T) (*bans.BanService, *bandb.DB, *auth.ScopeAuthorizer) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })
	require.NoError(t, database.CreateSchema(context.Background(), bunDB))

	store := &bandb.DB{Bun: bunDB}
	authz := auth.NewScopeAuthorizer(bunDB)
	ctx := context.Background()
	require.NoError(t, authz.Grant(ctx, "owner", "biz-1", "", auth.RoleOwner))
	require.NoError(t, authz.Grant(ctx, "door", "biz-1", "venue-1", auth.RoleStaff))

	return bans.NewBanService(store, authz, logger.NewNopLogger()), store, authz
}

func TestPersonKey_NormalizesIdentity(t *testing.T) {
	a := bans.PersonKey(patron)
	b := bans.PersonKey(bans.Identity{IDNumber: " d1234-5678 ", IssuingState: "TX", DateOfBirth: "1994-03-02"})
	assert.NotEmpty(t, a)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b, "the ID document identifies the person regardless of name")

	byName := bans.PersonKey(bans.Identity{FirstName: "jamie", LastName: " rivera", DateOfBirth: "1994-03-02"})
	assert.NotEmpty(t, byName)
	assert.NotEqual(t, a, byName)
	assert.Equal(t, byName, bans.PersonKey(bans.Identity{FirstName: "JAMIE", LastName: "RIVERA", DateOfBirth: "1994-03-02"}))

	assert.Empty(t, bans.PersonKey(bans.Identity{FirstName: "Jamie"}))
}

func TestCreateBan_AndActiveBanCoverage(t *testing.T) {
	svc, store, _ := setupBanService(t)
	ctx := context.Background()

	ban, err := svc.CreateBan(ctx, bans.CreateBanRequest{
		BusinessID: "biz-1",
		Identity:   patron,
		Scope:      models.BanScopeVenue,
		VenueIDs:   []string{"venue-1"},
		Reason:     "fighting",
		ActorID:    "owner",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BanStatusActive, ban.Status)
	assert.Equal(t, "5678", ban.IDLast4)

	key := bans.PersonKey(patron)
	got, err := svc.ActiveBan(ctx, "biz-1", "venue-1", key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ban.ID, got.ID)
	assert.Equal(t, []string{"venue-1"}, got.VenueIDs)

	got, err = svc.ActiveBan(ctx, "biz-1", "venue-2", key)
	require.NoError(t, err)
	assert.Nil(t, got, "venue ban does not cover other venues")

	got, err = svc.ActiveBan(ctx, "biz-2", "venue-1", key)
	require.NoError(t, err)
	assert.Nil(t, got)

	trail, err := store.AuditTrail(ctx, ban.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.BanActionCreated, trail[0].Action)
}

func TestCreateBan_Validation(t *testing.T) {
	svc, _, _ := setupBanService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		req  bans.CreateBanRequest
		err  error
	}{
		{"no identity", bans.CreateBanRequest{BusinessID: "biz-1", ActorID: "owner"}, bans.ErrInvalidBan},
		{"venue scope without venues", bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, Scope: "VENUE", ActorID: "owner"}, bans.ErrInvalidBan},
		{"unknown scope", bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, Scope: "PLANET", ActorID: "owner"}, bans.ErrInvalidBan},
		{"already expired", bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, ExpiresAt: &past, ActorID: "owner"}, bans.ErrInvalidBan},
		{"staff cannot ban business wide", bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, ActorID: "door"}, occupancy.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBan(ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBan_ExpiryAndRemoval(t *testing.T) {
	svc, store, _ := setupBanService(t)
	ctx := context.Background()
	key := bans.PersonKey(patron)

	expires := time.Now().UTC().Add(time.Hour)
	ban, err := svc.CreateBan(ctx, bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, ExpiresAt: &expires, ActorID: "owner"})
	require.NoError(t, err)

	got, err := svc.IsBanned(ctx, "biz-1", "venue-7", patron)
	require.NoError(t, err)
	require.NotNil(t, got, "business ban covers every venue")

	// Two hours later the ban has lapsed.
	svc.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	got, err = svc.ActiveBan(ctx, "biz-1", "venue-1", key)
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := svc.ListBans(ctx, "owner", "biz-1", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.BanStatusExpired, list[0].Status)

	list, err = svc.ListBans(ctx, "owner", "biz-1", false)
	require.NoError(t, err)
	assert.Empty(t, list)

	svc.Now = time.Now
	removed, err := svc.RemoveBan(ctx, "owner", ban.ID, "appeal granted")
	require.NoError(t, err)
	assert.Equal(t, models.BanStatusRemoved, removed.Status)

	_, err = svc.RemoveBan(ctx, "owner", ban.ID, "again")
	assert.ErrorIs(t, err, bans.ErrBanNotFound)

	trail, err := store.AuditTrail(ctx, ban.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.BanActionRemoved, trail[1].Action)
	assert.Equal(t, "appeal granted", trail[1].Details)
}

func TestRecordEnforcement(t *testing.T) {
	svc, store, _ := setupBanService(t)
	ctx := context.Background()

	ban, err := svc.CreateBan(ctx, bans.CreateBanRequest{BusinessID: "biz-1", Identity: patron, ActorID: "owner"})
	require.NoError(t, err)
	require.NoError(t, svc.RecordEnforcement(ctx, ban, "venue-1", "door"))

	trail, err := store.AuditTrail(ctx, ban.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.BanActionEnforced, trail[1].Action)
	assert.Equal(t, "venue-1", trail[1].VenueID)
}
