package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ScanAccepted = "ACCEPTED"
	ScanDenied   = "DENIED"
)

const (
	DenyUnderage = "UNDERAGE"
	DenyBanned   = "BANNED"
	DenyInvalid  = "INVALID"
)

// IDScan is the audit row written for every identity scan, accepted or not.
type IDScan struct {
	bun.BaseModel `bun:"table:id_scans"`

	ID               string    `bun:"id,pk" json:"id"`
	BusinessID       string    `bun:"business_id,notnull" json:"business_id"`
	VenueID          string    `bun:"venue_id,notnull" json:"venue_id"`
	AreaID           string    `bun:"area_id,nullzero" json:"area_id,omitempty"`
	Result           string    `bun:"result,notnull" json:"result"`
	DenyReason       string    `bun:"deny_reason,nullzero" json:"deny_reason,omitempty"`
	Age              int       `bun:"age" json:"age"`
	AgeBand          string    `bun:"age_band,nullzero" json:"age_band,omitempty"`
	Sex              string    `bun:"sex,nullzero" json:"sex,omitempty"`
	Zip              string    `bun:"zip,nullzero" json:"zip,omitempty"`
	PersonKey        string    `bun:"person_key,nullzero" json:"person_key,omitempty"`
	OccupancyEventID string    `bun:"occupancy_event_id,nullzero" json:"occupancy_event_id,omitempty"`
	UserID           string    `bun:"user_id,nullzero" json:"user_id,omitempty"`
	DeviceID         string    `bun:"device_id,nullzero" json:"device_id,omitempty"`
	Timestamp        time.Time `bun:"occurred_at,notnull" json:"timestamp"`
}

// AppError is a best-effort remote copy of a failure seen by the service.
type AppError struct {
	bun.BaseModel `bun:"table:app_errors"`

	ID         string    `bun:"id,pk" json:"id"`
	Feature    string    `bun:"feature,notnull" json:"feature"`
	Message    string    `bun:"message,notnull" json:"message"`
	Payload    string    `bun:"payload,nullzero" json:"payload,omitempty"`
	UserID     string    `bun:"user_id,nullzero" json:"user_id,omitempty"`
	BusinessID string    `bun:"business_id,nullzero" json:"business_id,omitempty"`
	CreatedAt  time.Time `bun:"created_at,notnull" json:"created_at"`
}
