package occupancy

import (
	"time"

	"ms-occupancy/internal/models"
)

// Scope narrows an operation to a business, optionally a venue, optionally an area.
type Scope struct {
	BusinessID string `json:"business_id"`
	VenueID    string `json:"venue_id,omitempty"`
	AreaID     string `json:"area_id,omitempty"`
}

type DeltaRequest struct {
	Scope
	Delta          int
	Source         string
	EventType      string
	DeviceID       string
	Gender         string
	IdempotencyKey string
	ActorID        string
	// PersonKey identifies the scanned patron; only consulted for scan entries.
	PersonKey string
}

type DeltaResult struct {
	NewOccupancy int    `json:"new_occupancy"`
	EventID      string `json:"event_id"`
	AppliedDelta int    `json:"applied_delta"`
	Clamped      bool   `json:"clamped"`
	Duplicate    bool   `json:"duplicate"`
}

// Window is half-open: [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type TotalsRequest struct {
	Scope
	Window  Window
	ActorID string
}

type TotalsReport struct {
	models.TrafficTotals
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`
}

type ResetScope string

const (
	ResetBusiness ResetScope = "BUSINESS"
	ResetVenue    ResetScope = "VENUE"
	ResetArea     ResetScope = "AREA"
)

type ResetRequest struct {
	Scope      ResetScope
	BusinessID string
	VenueID    string
	AreaID     string
	ActorID    string
	Reason     string
}

type AreaResetResult struct {
	AreaID            string `json:"area_id"`
	VenueID           string `json:"venue_id"`
	PreviousOccupancy int    `json:"previous_occupancy"`
	ClampedDelta      int    `json:"clamped_delta"`
	EventID           string `json:"event_id,omitempty"`
	Error             string `json:"error,omitempty"`

	Err error `json:"-"`
}

// ResetSummary reports every area touched by a reset. Failures are listed,
// not returned as an error.
type ResetSummary struct {
	Scope           ResetScope        `json:"scope"`
	AffectedAreaIDs []string          `json:"affected_area_ids"`
	Results         []AreaResetResult `json:"results"`
	Succeeded       int               `json:"succeeded"`
	Failed          int               `json:"failed"`
}

// EventFilter selects ledger events counted toward totals. Events at or
// before an area's last reset are always excluded by the store.
type EventFilter struct {
	BusinessID string
	VenueID    string
	AreaID     string
	Start      time.Time
	End        time.Time
}

type AreaView struct {
	AreaID           string     `json:"area_id"`
	VenueID          string     `json:"venue_id"`
	Name             string     `json:"name"`
	Capacity         int        `json:"capacity"`
	CurrentOccupancy int        `json:"current_occupancy"`
	LastResetAt      *time.Time `json:"last_reset_at,omitempty"`
	PercentFull      float64    `json:"percent_full"`
	AtCapacity       bool       `json:"at_capacity"`
}

type OccupancyView struct {
	Scope            Scope      `json:"scope"`
	CurrentOccupancy int        `json:"current_occupancy"`
	Capacity         int        `json:"capacity"`
	Areas            []AreaView `json:"areas"`
}

type ReconcileReport struct {
	AreaID   string `json:"area_id"`
	Snapshot int    `json:"snapshot"`
	Replayed int    `json:"replayed"`
	Drift    int    `json:"drift"`
	Repaired bool   `json:"repaired"`
}
