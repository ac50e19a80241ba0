package scan_api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/bans"
	bandb "ms-occupancy/internal/bans/db"
	"ms-occupancy/internal/database"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	occdb "ms-occupancy/internal/occupancy/db"
	"ms-occupancy/internal/scans"
	scandb "ms-occupancy/internal/scans/db"
)

type env struct {
	router   http.Handler
	banSvc   *bans.BanService
	occStore *occdb.DB
}

func setup(t *testing.T, actor string) env {
	ctx := context.Background()
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })
	require.NoError(t, database.CreateSchema(ctx, bunDB))

	authz := auth.NewScopeAuthorizer(bunDB)
	require.NoError(t, authz.Grant(ctx, "owner", "biz-1", "", auth.RoleOwner))
	require.NoError(t, authz.Grant(ctx, "door", "biz-1", "venue-1", auth.RoleStaff))

	occStore := &occdb.DB{Bun: bunDB}
	require.NoError(t, occStore.CreateArea(ctx, &models.Area{ID: "area-1", VenueID: "venue-1", BusinessID: "biz-1", Name: "Front Door", Capacity: 200}))

	banSvc := bans.NewBanService(&bandb.DB{Bun: bunDB}, authz, nil)
	ledger := occupancy.NewService(occStore, authz, banSvc, nil, nil, nil)
	scanSvc := scans.NewScanService(&scandb.DB{Bun: bunDB}, ledger, authz, 21, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), actor)))
		})
	})
	r.Route("/api", NewHandler(scanSvc, nil).RegisterRoutes)
	return env{router: r, banSvc: banSvc, occStore: occStore}
}

func send(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type scanResponse struct {
	Data scans.ScanResult `json:"data"`
}

func decodeScan(t *testing.T, rec *httptest.ResponseRecorder) scans.ScanResult {
	var resp scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func scanBody(age int, identity map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"business_id": "biz-1",
		"venue_id":    "venue-1",
		"area_id":     "area-1",
		"age":         age,
		"identity":    identity,
		"sex":         "m",
	}
}

func TestProcessScan_AdmitsAndCounts(t *testing.T) {
	e := setup(t, "door")
	identity := map[string]string{"first_name": "Alex", "last_name": "Kim", "dob": "1990-02-14"}

	rec := send(t, e.router, http.MethodPost, "/api/scans/", scanBody(34, identity), map[string]string{"Idempotency-Key": "scan-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeScan(t, rec)
	assert.Equal(t, models.ScanAccepted, res.Result)
	assert.Equal(t, 1, res.NewOccupancy)
	assert.Equal(t, "31-40", res.AgeBand)

	// Same key replays without a second entry.
	rec = send(t, e.router, http.MethodPost, "/api/scans/", scanBody(34, identity), map[string]string{"Idempotency-Key": "scan-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeScan(t, rec).Duplicate)

	area, err := e.occStore.GetArea(context.Background(), "area-1")
	require.NoError(t, err)
	assert.Equal(t, 1, area.CurrentOccupancy)

	rec = send(t, e.router, http.MethodGet, "/api/scans?business_id=biz-1&venue_id=venue-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.IDScan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)
}

func TestProcessScan_DeniesBannedAndUnderage(t *testing.T) {
	e := setup(t, "door")
	identity := map[string]string{"first_name": "Pat", "last_name": "Doyle", "dob": "1988-11-30"}
	_, err := e.banSvc.CreateBan(context.Background(), bans.CreateBanRequest{
		BusinessID: "biz-1",
		Identity:   bans.Identity{FirstName: "pat", LastName: "doyle", DateOfBirth: "1988-11-30"},
		Reason:     "fighting",
		ActorID:    "owner",
	})
	require.NoError(t, err)

	rec := send(t, e.router, http.MethodPost, "/api/scans/", scanBody(35, identity), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeScan(t, rec)
	assert.Equal(t, models.ScanDenied, res.Result)
	assert.Equal(t, models.DenyBanned, res.DenyReason)

	rec = send(t, e.router, http.MethodPost, "/api/scans/", scanBody(19, map[string]string{"last_name": "Young", "dob": "2005-05-05"}), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.DenyUnderage, decodeScan(t, rec).DenyReason)

	area, err := e.occStore.GetArea(context.Background(), "area-1")
	require.NoError(t, err)
	assert.Equal(t, 0, area.CurrentOccupancy)

	rec = send(t, e.router, http.MethodGet, "/api/scans/demographics?business_id=biz-1&venue_id=venue-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var demo struct {
		Data []scandb.BandCount `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &demo))
	assert.Len(t, demo.Data, 2)
}

func TestScanEndpoints_Errors(t *testing.T) {
	tests := []struct {
		name   string
		actor  string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"missing area", "door", http.MethodPost, "/api/scans/", map[string]string{"business_id": "biz-1", "venue_id": "venue-1"}, http.StatusBadRequest},
		{"stranger", "stranger", http.MethodPost, "/api/scans/", scanBody(30, map[string]string{"last_name": "X", "dob": "1990-01-01"}), http.StatusForbidden},
		{"bad limit", "door", http.MethodGet, "/api/scans?business_id=biz-1&limit=zero", nil, http.StatusBadRequest},
		{"reversed window", "door", http.MethodGet, "/api/scans?business_id=biz-1&start=2024-07-11T00:00:00Z&end=2024-07-10T00:00:00Z", nil, http.StatusBadRequest},
		{"no business", "door", http.MethodGet, "/api/scans/demographics", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t, tt.actor)
			rec := send(t, e.router, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}
