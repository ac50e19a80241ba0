package occupancy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ms-occupancy/internal/models"
	"ms-occupancy/internal/utils"
)

// GetTotals sums ledger deltas for the scope over the window. Only events
// after each area's last reset count, so totals read zero right after a
// reset even when the window starts earlier.
func (s *Service) GetTotals(ctx context.Context, req TotalsRequest) (*TotalsReport, error) {
	started := time.Now()
	defer observe("get_totals", started)

	scope, err := s.resolveReadScope(ctx, req.ActorID, req.Scope)
	if err != nil {
		return nil, err
	}
	window, tz, err := s.resolveWindow(ctx, scope, req.Window)
	if err != nil {
		return nil, err
	}

	totals, err := s.Store.SumEvents(ctx, EventFilter{
		BusinessID: scope.BusinessID,
		VenueID:    scope.VenueID,
		AreaID:     scope.AreaID,
		Start:      window.Start,
		End:        window.End,
	})
	if err != nil {
		return nil, fmt.Errorf("sum events: %w", err)
	}

	return &TotalsReport{
		TrafficTotals: totals,
		Start:         window.Start,
		End:           window.End,
		Timezone:      tz.String(),
	}, nil
}

// GetHourlyTraffic buckets the same events GetTotals counts into local hours.
// Hours without events are omitted.
func (s *Service) GetHourlyTraffic(ctx context.Context, req TotalsRequest) ([]models.HourlyTraffic, error) {
	started := time.Now()
	defer observe("hourly_traffic", started)

	scope, err := s.resolveReadScope(ctx, req.ActorID, req.Scope)
	if err != nil {
		return nil, err
	}
	window, tz, err := s.resolveWindow(ctx, scope, req.Window)
	if err != nil {
		return nil, err
	}

	events, err := s.Store.ListEvents(ctx, EventFilter{
		BusinessID: scope.BusinessID,
		VenueID:    scope.VenueID,
		AreaID:     scope.AreaID,
		Start:      window.Start,
		End:        window.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	buckets := make(map[time.Time]*models.HourlyTraffic)
	for _, e := range events {
		local := e.Timestamp.In(tz)
		hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, tz)
		b, ok := buckets[hour]
		if !ok {
			b = &models.HourlyTraffic{Hour: hour}
			buckets[hour] = b
		}
		if e.Delta > 0 {
			b.Entries += int64(e.Delta)
		} else {
			b.Exits += int64(-e.Delta)
		}
		b.Net += int64(e.Delta)
	}

	out := make([]models.HourlyTraffic, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// resolveReadScope authorizes a read, filling the venue from the area when
// only an area was given.
func (s *Service) resolveReadScope(ctx context.Context, actorID string, scope Scope) (Scope, error) {
	if scope.BusinessID == "" {
		return scope, fmt.Errorf("%w: business_id is required", ErrInvalidScope)
	}
	if scope.AreaID != "" {
		area, err := s.Store.GetArea(ctx, scope.AreaID)
		if err != nil {
			return scope, err
		}
		if area.BusinessID != scope.BusinessID || (scope.VenueID != "" && area.VenueID != scope.VenueID) {
			return scope, ErrAreaNotFound
		}
		scope.VenueID = area.VenueID
	}
	if err := s.authorize(ctx, actorID, scope.BusinessID, scope.VenueID); err != nil {
		return scope, err
	}
	return scope, nil
}

// resolveWindow defaults an empty window to today in the scope's timezone
// and an open end to now.
func (s *Service) resolveWindow(ctx context.Context, scope Scope, w Window) (Window, *time.Location, error) {
	name, err := s.Store.Timezone(ctx, scope.BusinessID, scope.VenueID)
	if err != nil {
		return w, nil, fmt.Errorf("resolve timezone: %w", err)
	}
	loc := utils.LoadLocation(name, s.DefaultTimezone)

	now := s.now()
	if w.Start.IsZero() && w.End.IsZero() {
		start, end := utils.DayWindow(now, loc)
		return Window{Start: start, End: end}, loc, nil
	}
	if w.End.IsZero() {
		w.End = now.Add(time.Microsecond)
	}
	w.Start = w.Start.UTC()
	w.End = w.End.UTC()
	return w, loc, nil
}
