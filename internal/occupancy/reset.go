package occupancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
)

// ResetCounts zeroes every live area in scope. Each area is reset in its own
// transaction by appending a compensating RESET event and advancing
// last_reset_at; history is never deleted. Per-area failures are collected
// in the summary. A BUSINESS reset covers every area of every venue.
func (s *Service) ResetCounts(ctx context.Context, req ResetRequest) (*ResetSummary, error) {
	started := time.Now()
	defer observe("reset_counts", started)

	scope, err := resetTarget(req)
	if err != nil {
		return nil, err
	}
	if scope.AreaID != "" && scope.VenueID == "" {
		area, err := s.Store.GetArea(ctx, scope.AreaID)
		if err != nil {
			return nil, err
		}
		if area.BusinessID != scope.BusinessID {
			return nil, ErrAreaNotFound
		}
		scope.VenueID = area.VenueID
	}
	if err := s.authorize(ctx, req.ActorID, req.BusinessID, scope.VenueID); err != nil {
		return nil, err
	}

	areas, err := s.Store.ListAreas(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list areas for reset: %w", err)
	}
	if len(areas) == 0 && req.Scope != ResetBusiness {
		return nil, ErrAreaNotFound
	}

	metrics.ResetsTotal.WithLabelValues(string(req.Scope)).Inc()
	s.Logger.LogReset(string(req.Scope), targetID(req), fmt.Sprintf("resetting %d areas (actor %s)", len(areas), req.ActorID))

	summary := &ResetSummary{
		Scope:           req.Scope,
		AffectedAreaIDs: make([]string, 0, len(areas)),
		Results:         make([]AreaResetResult, 0, len(areas)),
	}
	for _, area := range areas {
		res := s.resetArea(ctx, area.ID, req)
		res.VenueID = area.VenueID
		summary.AffectedAreaIDs = append(summary.AffectedAreaIDs, area.ID)
		summary.Results = append(summary.Results, res)
		if res.Err != nil {
			summary.Failed++
			metrics.ResetAreaFailures.Inc()
			s.Logger.Error("RESET", fmt.Sprintf("area %s failed to reset: %v", area.ID, res.Err))
			continue
		}
		summary.Succeeded++
	}

	s.Logger.LogReset(string(req.Scope), targetID(req), fmt.Sprintf("%d of %d areas reset, %d failed", summary.Succeeded, len(areas), summary.Failed))
	return summary, nil
}

func (s *Service) resetArea(ctx context.Context, areaID string, req ResetRequest) AreaResetResult {
	res := AreaResetResult{AreaID: areaID}
	var event *models.OccupancyEvent

	err := s.withAreaLock(ctx, areaID, func() error {
		return s.Store.InAreaTx(ctx, areaID, func(ctx context.Context, tx AreaTx) error {
			area, err := tx.LockArea(ctx)
			if err != nil {
				return err
			}
			latest, err := tx.LatestEventAt(ctx)
			if err != nil {
				return err
			}

			// The reset instant must not precede any recorded event, or that
			// event would keep counting after the reset.
			boundary := area.ResetBoundary()
			if latest.After(boundary) {
				boundary = latest
			}
			ts := s.stampAfter(boundary)

			current := area.CurrentOccupancy
			event = &models.OccupancyEvent{
				ID:             uuid.NewString(),
				BusinessID:     area.BusinessID,
				VenueID:        area.VenueID,
				AreaID:         area.ID,
				Delta:          -current,
				RequestedDelta: -current,
				OccupancyAfter: 0,
				FlowType:       models.FlowFor(-current),
				EventType:      models.EventTypeReset,
				Source:         models.SourceReset,
				IdempotencyKey: "reset:" + uuid.NewString(),
				UserID:         req.ActorID,
				Reason:         req.Reason,
				Timestamp:      ts,
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return fmt.Errorf("append reset event: %w", err)
			}

			area.CurrentOccupancy = 0
			area.LastResetAt = &ts
			area.UpdatedAt = ts
			if err := tx.SaveSnapshot(ctx, area); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}

			res.PreviousOccupancy = current
			res.ClampedDelta = -current
			res.EventID = event.ID
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrStorageConflict) {
			metrics.StorageConflicts.Inc()
		}
		res.Err = err
		res.Error = err.Error()
		return res
	}

	s.notify(ctx, models.OccupancyChange{
		Kind:       models.ChangeReset,
		BusinessID: event.BusinessID,
		VenueID:    event.VenueID,
		AreaID:     event.AreaID,
		EventID:    event.ID,
		Delta:      event.Delta,
		Occupancy:  0,
		Source:     event.Source,
		ActorID:    event.UserID,
		OccurredAt: event.Timestamp,
	})
	return res
}

func resetTarget(req ResetRequest) (Scope, error) {
	if req.BusinessID == "" {
		return Scope{}, fmt.Errorf("%w: business_id is required", ErrInvalidScope)
	}
	switch req.Scope {
	case ResetBusiness:
		return Scope{BusinessID: req.BusinessID}, nil
	case ResetVenue:
		if req.VenueID == "" {
			return Scope{}, fmt.Errorf("%w: venue_id is required for VENUE reset", ErrInvalidScope)
		}
		return Scope{BusinessID: req.BusinessID, VenueID: req.VenueID}, nil
	case ResetArea:
		if req.AreaID == "" {
			return Scope{}, fmt.Errorf("%w: area_id is required for AREA reset", ErrInvalidScope)
		}
		return Scope{BusinessID: req.BusinessID, VenueID: req.VenueID, AreaID: req.AreaID}, nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown reset scope %q", ErrInvalidScope, req.Scope)
	}
}

func targetID(req ResetRequest) string {
	switch req.Scope {
	case ResetArea:
		return req.AreaID
	case ResetVenue:
		return req.VenueID
	default:
		return req.BusinessID
	}
}
