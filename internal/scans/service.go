package scans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ms-occupancy/internal/bans"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	scandb "ms-occupancy/internal/scans/db"
)

const DefaultMinEntryAge = 21

const ScanSource = "scan"

type DBLayer interface {
	InsertScan(ctx context.Context, scan *models.IDScan) error
	ListScans(ctx context.Context, f scandb.Filter, limit int) ([]models.IDScan, error)
	Demographics(ctx context.Context, f scandb.Filter) ([]scandb.BandCount, error)
}

// Ledger is the part of occupancy.Service a scan needs.
type Ledger interface {
	ApplyDelta(ctx context.Context, req occupancy.DeltaRequest) (occupancy.DeltaResult, error)
}

type ScanRequest struct {
	BusinessID string `json:"business_id"`
	VenueID    string `json:"venue_id"`
	AreaID     string `json:"area_id"`
	// Age wins over DateOfBirth when both are present.
	Age            int           `json:"age"`
	Identity       bans.Identity `json:"identity"`
	Sex            string        `json:"sex"`
	Zip            string        `json:"zip"`
	DeviceID       string        `json:"device_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	ActorID        string        `json:"-"`
}

type ScanResult struct {
	ScanID       string `json:"scan_id"`
	Result       string `json:"result"`
	DenyReason   string `json:"deny_reason,omitempty"`
	Age          int    `json:"age"`
	AgeBand      string `json:"age_band"`
	EventID      string `json:"event_id,omitempty"`
	NewOccupancy int    `json:"new_occupancy"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type ScanService struct {
	DB          DBLayer
	Ledger      Ledger
	Authz       occupancy.Authorizer
	MinEntryAge int
	Logger      *logger.Logger
	Now         func() time.Time
}

func NewScanService(db DBLayer, ledger Ledger, authz occupancy.Authorizer, minAge int, log *logger.Logger) *ScanService {
	if minAge <= 0 {
		minAge = DefaultMinEntryAge
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ScanService{DB: db, Ledger: ledger, Authz: authz, MinEntryAge: minAge, Logger: log, Now: time.Now}
}

// AgeBand buckets an age for reporting.
func AgeBand(age int) string {
	switch {
	case age < 21:
		return "Under 21"
	case age <= 25:
		return "21-25"
	case age <= 30:
		return "26-30"
	case age <= 40:
		return "31-40"
	default:
		return "41+"
	}
}

// AgeOn returns the age in whole years on the given day.
func AgeOn(dob, on time.Time) int {
	age := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		age--
	}
	return age
}

func (s *ScanService) resolveAge(req ScanRequest, now time.Time) (int, bool) {
	if req.Age > 0 {
		return req.Age, true
	}
	dob := strings.TrimSpace(req.Identity.DateOfBirth)
	if dob == "" {
		return 0, false
	}
	t, err := time.Parse("2006-01-02", dob)
	if err != nil || t.After(now) {
		return 0, false
	}
	return AgeOn(t, now), true
}

// ProcessScan decides entry for one scanned ID. Underage and banned patrons
// are denied; everyone else is admitted through the ledger as a +1 SCAN
// event. Every decision leaves an id_scans row.
func (s *ScanService) ProcessScan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if req.BusinessID == "" || req.VenueID == "" || req.AreaID == "" {
		return nil, fmt.Errorf("%w: business_id, venue_id and area_id are required", occupancy.ErrInvalidScope)
	}
	if s.Authz != nil {
		ok, err := s.Authz.Authorize(ctx, req.ActorID, req.BusinessID, req.VenueID)
		if err != nil {
			return nil, fmt.Errorf("authorize %s: %w", req.ActorID, err)
		}
		if !ok {
			return nil, occupancy.ErrUnauthorized
		}
	}

	now := s.Now().UTC().Truncate(time.Microsecond)
	personKey := bans.PersonKey(req.Identity)
	scan := &models.IDScan{
		ID:         uuid.NewString(),
		BusinessID: req.BusinessID,
		VenueID:    req.VenueID,
		AreaID:     req.AreaID,
		Sex:        strings.ToUpper(strings.TrimSpace(req.Sex)),
		Zip:        strings.TrimSpace(req.Zip),
		PersonKey:  personKey,
		UserID:     req.ActorID,
		DeviceID:   req.DeviceID,
		Timestamp:  now,
	}

	age, ok := s.resolveAge(req, now)
	switch {
	case !ok:
		scan.Result, scan.DenyReason = models.ScanDenied, models.DenyInvalid
	case age < s.MinEntryAge:
		scan.Age, scan.AgeBand = age, AgeBand(age)
		scan.Result, scan.DenyReason = models.ScanDenied, models.DenyUnderage
	case personKey == "":
		// Without an identity there is nothing to check bans against.
		scan.Age, scan.AgeBand = age, AgeBand(age)
		scan.Result, scan.DenyReason = models.ScanDenied, models.DenyInvalid
	default:
		scan.Age, scan.AgeBand = age, AgeBand(age)
	}

	result := &ScanResult{ScanID: scan.ID, Age: scan.Age, AgeBand: scan.AgeBand}
	if scan.Result == "" {
		res, err := s.Ledger.ApplyDelta(ctx, occupancy.DeltaRequest{
			Scope:          occupancy.Scope{BusinessID: req.BusinessID, VenueID: req.VenueID, AreaID: req.AreaID},
			Delta:          1,
			Source:         ScanSource,
			EventType:      models.EventTypeScan,
			DeviceID:       req.DeviceID,
			Gender:         scan.Sex,
			IdempotencyKey: req.IdempotencyKey,
			ActorID:        req.ActorID,
			PersonKey:      personKey,
		})
		switch {
		case errors.Is(err, occupancy.ErrBannedPatron):
			scan.Result, scan.DenyReason = models.ScanDenied, models.DenyBanned
		case err != nil:
			return nil, err
		default:
			scan.Result = models.ScanAccepted
			scan.OccupancyEventID = res.EventID
			result.EventID = res.EventID
			result.NewOccupancy = res.NewOccupancy
			result.Duplicate = res.Duplicate
		}
	}
	result.Result, result.DenyReason = scan.Result, scan.DenyReason
	metrics.ScansTotal.WithLabelValues(strings.ToLower(scan.Result + reasonSuffix(scan.DenyReason))).Inc()

	// A retried accepted scan already has its audit row.
	if result.Duplicate {
		return result, nil
	}
	if err := s.DB.InsertScan(ctx, scan); err != nil {
		// The entry decision stands even if the audit row is lost.
		s.Logger.Error("SCANS", fmt.Sprintf("failed to record scan %s: %v", scan.ID, err))
		return result, nil
	}

	if scan.Result == models.ScanDenied {
		s.Logger.Info("SCANS", fmt.Sprintf("scan %s denied at venue %s: %s", scan.ID, scan.VenueID, scan.DenyReason))
	}
	return result, nil
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return "_" + reason
}

func (s *ScanService) authorizeRead(ctx context.Context, actorID string, f scandb.Filter) error {
	if f.BusinessID == "" {
		return fmt.Errorf("%w: business_id is required", occupancy.ErrInvalidScope)
	}
	if s.Authz == nil {
		return nil
	}
	ok, err := s.Authz.Authorize(ctx, actorID, f.BusinessID, f.VenueID)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", actorID, err)
	}
	if !ok {
		return occupancy.ErrUnauthorized
	}
	return nil
}

func (s *ScanService) ListScans(ctx context.Context, actorID string, f scandb.Filter, limit int) ([]models.IDScan, error) {
	if err := s.authorizeRead(ctx, actorID, f); err != nil {
		return nil, err
	}
	return s.DB.ListScans(ctx, f, limit)
}

func (s *ScanService) Demographics(ctx context.Context, actorID string, f scandb.Filter) ([]scandb.BandCount, error) {
	if err := s.authorizeRead(ctx, actorID, f); err != nil {
		return nil, err
	}
	return s.DB.Demographics(ctx, f)
}
