package auth

import (
	"context"

	"github.com/uptrace/bun"

	"ms-occupancy/internal/models"
)

const (
	RoleOwner   = "OWNER"
	RoleManager = "MANAGER"
	RoleStaff   = "STAFF"
)

// ScopeAuthorizer grants access from business_members rows. A row without a
// venue covers the whole business; a venue row covers only that venue.
type ScopeAuthorizer struct {
	DB *bun.DB
}

func NewScopeAuthorizer(db *bun.DB) *ScopeAuthorizer {
	return &ScopeAuthorizer{DB: db}
}

func (a *ScopeAuthorizer) Authorize(ctx context.Context, actorID, businessID, venueID string) (bool, error) {
	if actorID == "" || businessID == "" {
		return false, nil
	}
	q := a.DB.NewSelect().
		Model((*models.BusinessMember)(nil)).
		Where("user_id = ?", actorID).
		Where("business_id = ?", businessID)
	if venueID == "" {
		q = q.Where("venue_id IS NULL")
	} else {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("venue_id IS NULL").WhereOr("venue_id = ?", venueID)
		})
	}
	return q.Exists(ctx)
}

// Grant adds a membership. An empty venueID grants the whole business.
func (a *ScopeAuthorizer) Grant(ctx context.Context, userID, businessID, venueID, role string) error {
	member := &models.BusinessMember{
		BusinessID: businessID,
		UserID:     userID,
		VenueID:    venueID,
		Role:       role,
	}
	_, err := a.DB.NewInsert().Model(member).On("CONFLICT DO NOTHING").Exec(ctx)
	return err
}

// Trusted allows every actor. Used by the admin CLI, which runs with database credentials.
type Trusted struct{}

func (Trusted) Authorize(ctx context.Context, actorID, businessID, venueID string) (bool, error) {
	return true, nil
}
