package occupancy

import (
	"context"
	"fmt"
	"time"

	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
)

// Store is the transactional backing store for areas and ledger events.
type Store interface {
	// InAreaTx runs fn in one transaction scoped to a single area.
	InAreaTx(ctx context.Context, areaID string, fn func(ctx context.Context, tx AreaTx) error) error
	GetArea(ctx context.Context, areaID string) (*models.Area, error)
	// EventByKey reads outside any transaction; nil when the key is unused.
	EventByKey(ctx context.Context, areaID, idempotencyKey string) (*models.OccupancyEvent, error)
	ListAreas(ctx context.Context, scope Scope) ([]models.Area, error)
	SumEvents(ctx context.Context, filter EventFilter) (models.TrafficTotals, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.OccupancyEvent, error)
	// Timezone returns the venue timezone, falling back to the business one.
	Timezone(ctx context.Context, businessID, venueID string) (string, error)
}

// AreaTx is bound to one area for the lifetime of a transaction.
type AreaTx interface {
	// LockArea reads the live area row and holds it until commit.
	LockArea(ctx context.Context) (*models.Area, error)
	EventByKey(ctx context.Context, idempotencyKey string) (*models.OccupancyEvent, error)
	LatestEventAt(ctx context.Context) (time.Time, error)
	SumSince(ctx context.Context, boundary time.Time) (int, error)
	AppendEvent(ctx context.Context, event *models.OccupancyEvent) error
	SaveSnapshot(ctx context.Context, area *models.Area) error
}

type Authorizer interface {
	Authorize(ctx context.Context, actorID, businessID, venueID string) (bool, error)
}

type BanChecker interface {
	// ActiveBan returns the ban covering venueID, or nil.
	ActiveBan(ctx context.Context, businessID, venueID, personKey string) (*models.PatronBan, error)
	RecordEnforcement(ctx context.Context, ban *models.PatronBan, venueID, actorID string) error
}

// AreaLocker serialises writers to one area across service instances.
type AreaLocker interface {
	Acquire(ctx context.Context, areaID string) (release func(), err error)
}

type Notifier interface {
	Notify(ctx context.Context, change models.OccupancyChange)
}

type Service struct {
	Store    Store
	Authz    Authorizer
	Bans     BanChecker
	Locker   AreaLocker
	Notifier Notifier
	Logger   *logger.Logger

	DefaultTimezone string
	Now             func() time.Time
}

func NewService(store Store, authz Authorizer, bans BanChecker, locker AreaLocker, notifier Notifier, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Service{
		Store:           store,
		Authz:           authz,
		Bans:            bans,
		Locker:          locker,
		Notifier:        notifier,
		Logger:          log,
		DefaultTimezone: "UTC",
		Now:             time.Now,
	}
}

func (s *Service) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}

// stampAfter returns the current time, pushed forward so it lands strictly
// after boundary.
func (s *Service) stampAfter(boundary time.Time) time.Time {
	ts := s.now()
	if !boundary.IsZero() && !ts.After(boundary) {
		ts = boundary.Add(time.Microsecond)
	}
	return ts
}

func (s *Service) authorize(ctx context.Context, actorID, businessID, venueID string) error {
	if s.Authz == nil {
		return nil
	}
	ok, err := s.Authz.Authorize(ctx, actorID, businessID, venueID)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", actorID, err)
	}
	if !ok {
		s.Logger.LogSecurity("SCOPE_DENIED", fmt.Sprintf("actor %s on business %s venue %s", actorID, businessID, venueID))
		return ErrUnauthorized
	}
	return nil
}

// withAreaLock holds the distributed area lock, when one is configured, around fn.
func (s *Service) withAreaLock(ctx context.Context, areaID string, fn func() error) error {
	if s.Locker == nil {
		return fn()
	}
	release, err := s.Locker.Acquire(ctx, areaID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Service) notify(ctx context.Context, change models.OccupancyChange) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Notify(ctx, change)
}

func observe(op string, started time.Time) {
	metrics.LedgerDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
