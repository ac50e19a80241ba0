package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	FlowIn  = "IN"
	FlowOut = "OUT"
)

const (
	EventTypeTap   = "TAP"
	EventTypeBulk  = "BULK"
	EventTypeScan  = "SCAN"
	EventTypeReset = "RESET"
)

const SourceReset = "reset"

// OccupancyEvent is one immutable row of the occupancy ledger.
// Delta is the change actually applied to the snapshot, after clamping.
type OccupancyEvent struct {
	bun.BaseModel `bun:"table:occupancy_events"`

	ID             string    `bun:"id,pk" json:"id"`
	BusinessID     string    `bun:"business_id,notnull" json:"business_id"`
	VenueID        string    `bun:"venue_id,notnull" json:"venue_id"`
	AreaID         string    `bun:"area_id,notnull,unique:area_idempotency" json:"area_id"`
	Delta          int       `bun:"delta,notnull" json:"delta"`
	RequestedDelta int       `bun:"requested_delta,notnull" json:"requested_delta"`
	OccupancyAfter int       `bun:"occupancy_after,notnull" json:"occupancy_after"`
	FlowType       string    `bun:"flow_type,notnull" json:"flow_type"`
	EventType      string    `bun:"event_type,notnull" json:"event_type"`
	Source         string    `bun:"source,notnull" json:"source"`
	DeviceID       string    `bun:"device_id,nullzero" json:"device_id,omitempty"`
	Gender         string    `bun:"gender,nullzero" json:"gender,omitempty"`
	IdempotencyKey string    `bun:"idempotency_key,notnull,unique:area_idempotency" json:"idempotency_key"`
	UserID         string    `bun:"user_id,nullzero" json:"user_id,omitempty"`
	Reason         string    `bun:"reason,nullzero" json:"reason,omitempty"`
	Timestamp      time.Time `bun:"occurred_at,notnull" json:"timestamp"`
}

// FlowFor labels a delta for reporting. The sign of the delta stays authoritative.
func FlowFor(delta int) string {
	if delta < 0 {
		return FlowOut
	}
	return FlowIn
}

// TrafficTotals is derived on demand and never stored.
type TrafficTotals struct {
	TotalIn    int64 `bun:"total_in" json:"total_in"`
	TotalOut   int64 `bun:"total_out" json:"total_out"`
	NetDelta   int64 `bun:"net_delta" json:"net_delta"`
	EventCount int64 `bun:"event_count" json:"event_count"`
}

type HourlyTraffic struct {
	Hour    time.Time `json:"hour"`
	Entries int64     `json:"entries"`
	Exits   int64     `json:"exits"`
	Net     int64     `json:"net"`
}

const (
	ChangeDelta = "DELTA"
	ChangeReset = "RESET"
)

// OccupancyChange is the post-commit notification emitted for every ledger write.
type OccupancyChange struct {
	Kind       string    `json:"kind"`
	BusinessID string    `json:"business_id"`
	VenueID    string    `json:"venue_id"`
	AreaID     string    `json:"area_id"`
	EventID    string    `json:"event_id"`
	Delta      int       `json:"delta"`
	Occupancy  int       `json:"occupancy"`
	Source     string    `json:"source,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
