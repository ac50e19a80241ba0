package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Business struct {
	bun.BaseModel `bun:"table:businesses"`

	ID        string    `bun:"id,pk" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	Timezone  string    `bun:"timezone,nullzero" json:"timezone,omitempty"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type Venue struct {
	bun.BaseModel `bun:"table:venues"`

	ID         string     `bun:"id,pk" json:"id"`
	BusinessID string     `bun:"business_id,notnull" json:"business_id"`
	Name       string     `bun:"name,notnull" json:"name"`
	Timezone   string     `bun:"timezone,nullzero" json:"timezone,omitempty"`
	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	DeletedAt  *time.Time `bun:"deleted_at,nullzero" json:"deleted_at,omitempty"`
}

// Area is the snapshot row for one counted space. CurrentOccupancy and
// LastResetAt are written only by the occupancy ledger and reset engine.
type Area struct {
	bun.BaseModel `bun:"table:areas"`

	ID               string     `bun:"id,pk" json:"id"`
	VenueID          string     `bun:"venue_id,notnull" json:"venue_id"`
	BusinessID       string     `bun:"business_id,notnull" json:"business_id"`
	Name             string     `bun:"name,notnull" json:"name"`
	Capacity         int        `bun:"capacity,notnull,default:0" json:"capacity"`
	CurrentOccupancy int        `bun:"current_occupancy,notnull,default:0" json:"current_occupancy"`
	LastResetAt      *time.Time `bun:"last_reset_at,nullzero" json:"last_reset_at,omitempty"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt        *time.Time `bun:"deleted_at,nullzero" json:"deleted_at,omitempty"`
}

// ResetBoundary returns the instant after which events count toward the
// area's current occupancy. The zero time means the area was never reset.
func (a *Area) ResetBoundary() time.Time {
	if a.LastResetAt == nil {
		return time.Time{}
	}
	return a.LastResetAt.UTC()
}

// BusinessMember scopes a user to a business, and optionally to a single venue.
type BusinessMember struct {
	bun.BaseModel `bun:"table:business_members"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	BusinessID string    `bun:"business_id,notnull,unique:member_scope" json:"business_id"`
	UserID     string    `bun:"user_id,notnull,unique:member_scope" json:"user_id"`
	VenueID    string    `bun:"venue_id,nullzero,unique:member_scope" json:"venue_id,omitempty"`
	Role       string    `bun:"role,notnull" json:"role"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
