package bans

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	bandb "ms-occupancy/internal/bans/db"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
)

var (
	ErrBanNotFound = bandb.ErrBanNotFound
	ErrInvalidBan  = errors.New("invalid ban")
)

type DBLayer interface {
	InsertBan(ctx context.Context, ban *models.PatronBan, audit *models.BanAuditLog) error
	GetBan(ctx context.Context, banID string) (*models.PatronBan, error)
	ListBans(ctx context.Context, businessID string, includeInactive bool) ([]models.PatronBan, error)
	ActiveForPerson(ctx context.Context, businessID, personKey string) ([]models.PatronBan, error)
	MarkRemoved(ctx context.Context, banID, actorID, reason string, at time.Time, audit *models.BanAuditLog) error
	InsertAudit(ctx context.Context, audit *models.BanAuditLog) error
}

// Identity is what a scan or a manager knows about a patron.
type Identity struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	DateOfBirth  string `json:"dob"` // YYYY-MM-DD
	IDNumber     string `json:"id_number"`
	IssuingState string `json:"issuing_state"`
}

func norm(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// PersonKey hashes the normalized identity. The ID document wins when
// present; otherwise name and date of birth are used. Empty when neither is
// usable.
func PersonKey(id Identity) string {
	var raw string
	switch {
	case norm(id.IDNumber) != "":
		raw = norm(id.IssuingState) + "|" + norm(id.IDNumber) + "|" + norm(id.DateOfBirth)
	case norm(id.LastName) != "" && norm(id.DateOfBirth) != "":
		raw = norm(id.FirstName) + " " + norm(id.LastName) + "|" + norm(id.DateOfBirth)
	default:
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type CreateBanRequest struct {
	BusinessID string     `json:"business_id"`
	Identity   Identity   `json:"identity"`
	Scope      string     `json:"scope"`
	VenueIDs   []string   `json:"venue_ids"`
	Reason     string     `json:"reason"`
	Notes      string     `json:"notes"`
	ExpiresAt  *time.Time `json:"expires_at"`
	ActorID    string     `json:"-"`
}

var _ occupancy.BanChecker = (*BanService)(nil)

type BanService struct {
	DB     DBLayer
	Authz  occupancy.Authorizer
	Logger *logger.Logger
	Now    func() time.Time
}

func NewBanService(db DBLayer, authz occupancy.Authorizer, log *logger.Logger) *BanService {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &BanService{DB: db, Authz: authz, Logger: log, Now: time.Now}
}

func (s *BanService) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}

func (s *BanService) authorize(ctx context.Context, actorID, businessID string, venueIDs []string) error {
	if s.Authz == nil {
		return nil
	}
	// Business-wide bans need business-wide access; venue bans need each venue.
	targets := venueIDs
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, venueID := range targets {
		ok, err := s.Authz.Authorize(ctx, actorID, businessID, venueID)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", actorID, err)
		}
		if !ok {
			return occupancy.ErrUnauthorized
		}
	}
	return nil
}

// Authorize checks actor access to one venue, or the whole business when venueID is empty.
func (s *BanService) Authorize(ctx context.Context, actorID, businessID, venueID string) error {
	if venueID == "" {
		return s.authorize(ctx, actorID, businessID, nil)
	}
	return s.authorize(ctx, actorID, businessID, []string{venueID})
}

func (s *BanService) CreateBan(ctx context.Context, req CreateBanRequest) (*models.PatronBan, error) {
	if req.BusinessID == "" {
		return nil, fmt.Errorf("%w: business_id is required", ErrInvalidBan)
	}
	key := PersonKey(req.Identity)
	if key == "" {
		return nil, fmt.Errorf("%w: an ID number or last name and date of birth are required", ErrInvalidBan)
	}

	scope := strings.ToUpper(req.Scope)
	if scope == "" {
		scope = models.BanScopeBusiness
	}
	switch scope {
	case models.BanScopeBusiness:
		req.VenueIDs = nil
	case models.BanScopeVenue:
		if len(req.VenueIDs) == 0 {
			return nil, fmt.Errorf("%w: venue_ids are required for a VENUE ban", ErrInvalidBan)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidBan, req.Scope)
	}

	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at is in the past", ErrInvalidBan)
	}
	if err := s.authorize(ctx, req.ActorID, req.BusinessID, req.VenueIDs); err != nil {
		return nil, err
	}

	ban := &models.PatronBan{
		ID:          uuid.NewString(),
		BusinessID:  req.BusinessID,
		PersonKey:   key,
		FirstName:   strings.TrimSpace(req.Identity.FirstName),
		LastName:    strings.TrimSpace(req.Identity.LastName),
		DateOfBirth: strings.TrimSpace(req.Identity.DateOfBirth),
		IDLast4:     last4(req.Identity.IDNumber),
		Scope:       scope,
		VenueIDs:    req.VenueIDs,
		Status:      models.BanStatusActive,
		Reason:      req.Reason,
		Notes:       req.Notes,
		ExpiresAt:   req.ExpiresAt,
		CreatedBy:   req.ActorID,
		CreatedAt:   now,
	}
	audit := &models.BanAuditLog{
		ID:        uuid.NewString(),
		BanID:     ban.ID,
		Action:    models.BanActionCreated,
		ActorID:   req.ActorID,
		Details:   req.Reason,
		Timestamp: now,
	}
	if err := s.DB.InsertBan(ctx, ban, audit); err != nil {
		return nil, fmt.Errorf("insert ban: %w", err)
	}

	s.Logger.Info("BANS", fmt.Sprintf("ban %s created (%s) by %s", ban.ID, scope, req.ActorID))
	return ban, nil
}

func (s *BanService) RemoveBan(ctx context.Context, actorID, banID, reason string) (*models.PatronBan, error) {
	ban, err := s.DB.GetBan(ctx, banID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actorID, ban.BusinessID, ban.VenueIDs); err != nil {
		return nil, err
	}

	now := s.now()
	audit := &models.BanAuditLog{
		ID:        uuid.NewString(),
		BanID:     ban.ID,
		Action:    models.BanActionRemoved,
		ActorID:   actorID,
		Details:   reason,
		Timestamp: now,
	}
	if err := s.DB.MarkRemoved(ctx, ban.ID, actorID, reason, now, audit); err != nil {
		return nil, err
	}

	ban.Status = models.BanStatusRemoved
	ban.RemovedBy = actorID
	ban.RemovedAt = &now
	ban.RemovalReason = reason
	s.Logger.Info("BANS", fmt.Sprintf("ban %s removed by %s", ban.ID, actorID))
	return ban, nil
}

// ListBans returns the business's bans with expiry folded into Status.
func (s *BanService) ListBans(ctx context.Context, actorID, businessID string, includeInactive bool) ([]models.PatronBan, error) {
	if err := s.authorize(ctx, actorID, businessID, nil); err != nil {
		return nil, err
	}
	bans, err := s.DB.ListBans(ctx, businessID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}

	now := s.now()
	out := bans[:0]
	for _, b := range bans {
		b.Status = b.EffectiveStatus(now)
		if !includeInactive && b.Status != models.BanStatusActive {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// ActiveBan returns the newest unexpired ban on personKey that covers venueID.
func (s *BanService) ActiveBan(ctx context.Context, businessID, venueID, personKey string) (*models.PatronBan, error) {
	if personKey == "" {
		return nil, nil
	}
	bans, err := s.DB.ActiveForPerson(ctx, businessID, personKey)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range bans {
		if bans[i].EffectiveStatus(now) == models.BanStatusActive && bans[i].Covers(venueID) {
			return &bans[i], nil
		}
	}
	return nil, nil
}

// IsBanned checks an identity directly, for lookups outside a scan.
func (s *BanService) IsBanned(ctx context.Context, businessID, venueID string, id Identity) (*models.PatronBan, error) {
	return s.ActiveBan(ctx, businessID, venueID, PersonKey(id))
}

func (s *BanService) RecordEnforcement(ctx context.Context, ban *models.PatronBan, venueID, actorID string) error {
	return s.DB.InsertAudit(ctx, &models.BanAuditLog{
		ID:        uuid.NewString(),
		BanID:     ban.ID,
		Action:    models.BanActionEnforced,
		ActorID:   actorID,
		VenueID:   venueID,
		Timestamp: s.now(),
	})
}

func last4(idNumber string) string {
	id := strings.ReplaceAll(strings.TrimSpace(idNumber), " ", "")
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
