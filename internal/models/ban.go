package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	BanStatusActive  = "ACTIVE"
	BanStatusExpired = "EXPIRED"
	BanStatusRemoved = "REMOVED"
)

const (
	BanScopeBusiness = "BUSINESS"
	BanScopeVenue    = "VENUE"
)

const (
	BanActionCreated  = "CREATED"
	BanActionRemoved  = "REMOVED"
	BanActionEnforced = "ENFORCED"
)

// PatronBan identifies a person by PersonKey, a hash of their normalized identity.
type PatronBan struct {
	bun.BaseModel `bun:"table:patron_bans"`

	ID            string     `bun:"id,pk" json:"id"`
	BusinessID    string     `bun:"business_id,notnull" json:"business_id"`
	PersonKey     string     `bun:"person_key,notnull" json:"person_key"`
	FirstName     string     `bun:"first_name,nullzero" json:"first_name,omitempty"`
	LastName      string     `bun:"last_name,nullzero" json:"last_name,omitempty"`
	DateOfBirth   string     `bun:"dob,nullzero" json:"dob,omitempty"`
	IDLast4       string     `bun:"id_last4,nullzero" json:"id_last4,omitempty"`
	Scope         string     `bun:"scope,notnull" json:"scope"`
	VenueIDs      []string   `bun:"venue_ids" json:"venue_ids,omitempty"`
	Status        string     `bun:"status,notnull" json:"status"`
	Reason        string     `bun:"reason,nullzero" json:"reason,omitempty"`
	Notes         string     `bun:"notes,nullzero" json:"notes,omitempty"`
	ExpiresAt     *time.Time `bun:"expires_at,nullzero" json:"expires_at,omitempty"`
	CreatedBy     string     `bun:"created_by,notnull" json:"created_by"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	RemovedBy     string     `bun:"removed_by,nullzero" json:"removed_by,omitempty"`
	RemovedAt     *time.Time `bun:"removed_at,nullzero" json:"removed_at,omitempty"`
	RemovalReason string     `bun:"removal_reason,nullzero" json:"removal_reason,omitempty"`
}

// Covers reports whether the ban applies at venueID.
func (b *PatronBan) Covers(venueID string) bool {
	if b.Scope == BanScopeBusiness {
		return true
	}
	for _, id := range b.VenueIDs {
		if id == venueID {
			return true
		}
	}
	return false
}

// EffectiveStatus folds expiry into the stored status.
func (b *PatronBan) EffectiveStatus(now time.Time) string {
	if b.Status == BanStatusActive && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return BanStatusExpired
	}
	return b.Status
}

type BanAuditLog struct {
	bun.BaseModel `bun:"table:ban_audit_logs"`

	ID        string    `bun:"id,pk" json:"id"`
	BanID     string    `bun:"ban_id,notnull" json:"ban_id"`
	Action    string    `bun:"action,notnull" json:"action"`
	ActorID   string    `bun:"actor_id,nullzero" json:"actor_id,omitempty"`
	VenueID   string    `bun:"venue_id,nullzero" json:"venue_id,omitempty"`
	Details   string    `bun:"details,nullzero" json:"details,omitempty"`
	Timestamp time.Time `bun:"occurred_at,notnull" json:"timestamp"`
}
