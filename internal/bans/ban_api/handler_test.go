package ban_api

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
)

func setupRouter(t *testing.T, actor string) http.Handler {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })
	require.NoError(t, database.CreateSchema(context.Background(), bunDB))

	authz := auth.NewScopeAuthorizer(bunDB)
	require.NoError(t, authz.Grant(context.Background(), "owner", "biz-1", "", auth.RoleOwner))

	h := NewHandler(bans.NewBanService(&bandb.DB{Bun: bunDB}, authz, nil), nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), actor)))
		})
	})
	r.Route("/api", h.RegisterRoutes)
	return r
}

func send(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestBanLifecycle_Endpoints(t *testing.T) {
	router := setupRouter(t, "owner")
	identity := map[string]string{"last_name": "Rivera", "first_name": "Jamie", "dob": "1994-03-02"}

	rec := send(t, router, http.MethodPost, "/api/bans/", map[string]interface{}{
		"business_id": "biz-1", "identity": identity, "reason": "theft",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data models.PatronBan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.BanScopeBusiness, created.Data.Scope)

	rec = send(t, router, http.MethodPost, "/api/bans/check", map[string]interface{}{
		"business_id": "biz-1", "venue_id": "venue-3", "identity": identity,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var check struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, true, check.Data["banned"])

	rec = send(t, router, http.MethodGet, "/api/bans/?business_id=biz-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.PatronBan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)

	rec = send(t, router, http.MethodPost, "/api/bans/"+created.Data.ID+"/remove", map[string]string{"reason": "appeal"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = send(t, router, http.MethodPost, "/api/bans/"+created.Data.ID+"/remove", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBanEndpoints_Errors(t *testing.T) {
	router := setupRouter(t, "stranger")

	rec := send(t, router, http.MethodPost, "/api/bans/", map[string]interface{}{"business_id": "biz-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(t, router, http.MethodPost, "/api/bans/", map[string]interface{}{
		"business_id": "biz-1", "identity": map[string]string{"id_number": "X99"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = send(t, router, http.MethodGet, "/api/bans/", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
