package occupancy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
)

// ApplyDelta records one occupancy change for an area. The snapshot update
// and the event append commit together; a negative delta larger than the
// current occupancy is clamped and the clamped value is what gets recorded.
// A repeated idempotency key returns the originally recorded result.
func (s *Service) ApplyDelta(ctx context.Context, req DeltaRequest) (DeltaResult, error) {
	started := time.Now()
	defer observe("apply_delta", started)

	source := req.Source
	if source == "" {
		source = "manual"
	}
	req.Source = source

	if req.Delta == 0 || req.Delta > maxDelta || req.Delta < -maxDelta {
		metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeRejected).Inc()
		return DeltaResult{}, fmt.Errorf("%w: %d", ErrInvalidDelta, req.Delta)
	}
	eventType, err := entryEventType(req)
	if err != nil {
		metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeRejected).Inc()
		return DeltaResult{}, err
	}
	if req.AreaID == "" || req.BusinessID == "" {
		metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeRejected).Inc()
		return DeltaResult{}, ErrAreaNotFound
	}
	if err := s.authorize(ctx, req.ActorID, req.BusinessID, req.VenueID); err != nil {
		metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeRejected).Inc()
		return DeltaResult{}, err
	}

	if eventType == models.EventTypeScan && req.Delta > 0 {
		// A retried entry that already went through must not be re-judged
		// against a ban placed after it was recorded.
		if req.IdempotencyKey != "" {
			prior, err := s.Store.EventByKey(ctx, req.AreaID, req.IdempotencyKey)
			if err != nil {
				metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeFailed).Inc()
				return DeltaResult{}, fmt.Errorf("apply delta to area %s: %w", req.AreaID, err)
			}
			if prior != nil && prior.BusinessID == req.BusinessID && (req.VenueID == "" || prior.VenueID == req.VenueID) {
				metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeDuplicate).Inc()
				s.Logger.LogLedger("DUPLICATE", req.AreaID, fmt.Sprintf("key %s already recorded as event %s", prior.IdempotencyKey, prior.ID))
				return recordedResult(prior), nil
			}
		}
		if err := s.checkBan(ctx, req); err != nil {
			return DeltaResult{}, err
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	var result DeltaResult
	var event *models.OccupancyEvent
	err = s.withAreaLock(ctx, req.AreaID, func() error {
		return s.Store.InAreaTx(ctx, req.AreaID, func(ctx context.Context, tx AreaTx) error {
			area, err := tx.LockArea(ctx)
			if err != nil {
				return err
			}
			if area.BusinessID != req.BusinessID || (req.VenueID != "" && area.VenueID != req.VenueID) {
				return ErrAreaNotFound
			}

			prior, err := tx.EventByKey(ctx, key)
			if err != nil {
				return err
			}
			if prior != nil {
				result = recordedResult(prior)
				return nil
			}

			applied := req.Delta
			if applied < -area.CurrentOccupancy {
				applied = -area.CurrentOccupancy
			}
			if int64(area.CurrentOccupancy)+int64(applied) > maxDelta {
				return fmt.Errorf("%w: occupancy %d cannot take %+d", ErrInvalidDelta, area.CurrentOccupancy, applied)
			}
			ts := s.stampAfter(area.ResetBoundary())

			event = &models.OccupancyEvent{
				ID:             uuid.NewString(),
				BusinessID:     area.BusinessID,
				VenueID:        area.VenueID,
				AreaID:         area.ID,
				Delta:          applied,
				RequestedDelta: req.Delta,
				OccupancyAfter: area.CurrentOccupancy + applied,
				FlowType:       models.FlowFor(req.Delta),
				EventType:      eventType,
				Source:         source,
				DeviceID:       req.DeviceID,
				Gender:         req.Gender,
				IdempotencyKey: key,
				UserID:         req.ActorID,
				Timestamp:      ts,
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return fmt.Errorf("append event: %w", err)
			}

			area.CurrentOccupancy = event.OccupancyAfter
			area.UpdatedAt = ts
			if err := tx.SaveSnapshot(ctx, area); err != nil {
				return fmt.Errorf("save snapshot: %w", err)
			}

			result = DeltaResult{
				NewOccupancy: event.OccupancyAfter,
				EventID:      event.ID,
				AppliedDelta: applied,
				Clamped:      applied != req.Delta,
			}
			return nil
		})
	})
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, ErrAreaNotFound) || errors.Is(err, ErrInvalidDelta) {
			outcome = metrics.OutcomeRejected
		}
		if errors.Is(err, ErrStorageConflict) {
			metrics.StorageConflicts.Inc()
		}
		metrics.DeltasTotal.WithLabelValues(source, outcome).Inc()
		s.Logger.Warn("LEDGER", fmt.Sprintf("apply delta %+d to area %s failed: %v", req.Delta, req.AreaID, err))
		return DeltaResult{}, fmt.Errorf("apply delta to area %s: %w", req.AreaID, err)
	}

	if result.Duplicate {
		metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeDuplicate).Inc()
		s.Logger.LogLedger("DUPLICATE", req.AreaID, fmt.Sprintf("key %s already recorded as event %s", key, result.EventID))
		return result, nil
	}

	metrics.DeltasTotal.WithLabelValues(source, metrics.OutcomeApplied).Inc()
	if result.Clamped {
		metrics.ClampedTotal.Inc()
		s.Logger.LogLedger("CLAMPED", req.AreaID, fmt.Sprintf("requested %+d, applied %+d", req.Delta, result.AppliedDelta))
	}
	s.Logger.Debug("LEDGER", fmt.Sprintf("area %s %+d -> %d (event %s)", req.AreaID, result.AppliedDelta, result.NewOccupancy, result.EventID))

	s.notify(ctx, models.OccupancyChange{
		Kind:       models.ChangeDelta,
		BusinessID: event.BusinessID,
		VenueID:    event.VenueID,
		AreaID:     event.AreaID,
		EventID:    event.ID,
		Delta:      event.Delta,
		Occupancy:  event.OccupancyAfter,
		Source:     event.Source,
		ActorID:    event.UserID,
		OccurredAt: event.Timestamp,
	})

	return result, nil
}

// maxDelta bounds both a single delta and the resulting occupancy so the
// stored integer column can never wrap.
const maxDelta = math.MaxInt32

// entryEventType resolves the event type ApplyDelta records. RESET is
// reserved for ResetCounts; scan entries must carry a patron identity.
func entryEventType(req DeltaRequest) (string, error) {
	switch req.EventType {
	case "", models.EventTypeTap:
		return models.EventTypeTap, nil
	case models.EventTypeBulk:
		return models.EventTypeBulk, nil
	case models.EventTypeScan:
		if req.Delta > 0 && req.PersonKey == "" {
			return "", fmt.Errorf("%w: scan entry requires a patron identity", ErrInvalidDelta)
		}
		return models.EventTypeScan, nil
	default:
		return "", fmt.Errorf("%w: event type %q not accepted", ErrInvalidDelta, req.EventType)
	}
}

func recordedResult(prior *models.OccupancyEvent) DeltaResult {
	return DeltaResult{
		NewOccupancy: prior.OccupancyAfter,
		EventID:      prior.ID,
		AppliedDelta: prior.Delta,
		Clamped:      prior.Delta != prior.RequestedDelta,
		Duplicate:    true,
	}
}

// checkBan rejects scan entries for a patron with an active ban at the venue.
// The enforcement is recorded in place of an occupancy event.
func (s *Service) checkBan(ctx context.Context, req DeltaRequest) error {
	if s.Bans == nil || req.PersonKey == "" {
		return nil
	}
	ban, err := s.Bans.ActiveBan(ctx, req.BusinessID, req.VenueID, req.PersonKey)
	if err != nil {
		return fmt.Errorf("ban lookup: %w", err)
	}
	if ban == nil {
		return nil
	}

	metrics.DeltasTotal.WithLabelValues(req.Source, metrics.OutcomeBanned).Inc()
	s.Logger.LogSecurity("BAN_ENFORCED", fmt.Sprintf("ban %s blocked entry to area %s", ban.ID, req.AreaID))
	if err := s.Bans.RecordEnforcement(ctx, ban, req.VenueID, req.ActorID); err != nil {
		s.Logger.Error("BANS", fmt.Sprintf("failed to record enforcement of ban %s: %v", ban.ID, err))
	}
	return ErrBannedPatron
}
