package scan_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/occupancy/occupancy_api"
	"ms-occupancy/internal/scans"
	scandb "ms-occupancy/internal/scans/db"
	"ms-occupancy/internal/utils"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type Handler struct {
	ScanService *scans.ScanService
	Logger      *logger.Logger
}

func NewHandler(svc *scans.ScanService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Handler{ScanService: svc, Logger: log}
}

// RegisterRoutes registers the scan routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/scans", func(r chi.Router) {
		r.Post("/", h.ProcessScan)
		r.Get("/", h.ListScans)
		r.Get("/demographics", h.Demographics)
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if occupancy_api.WriteServiceError(w, err) == http.StatusInternalServerError {
		h.Logger.Error("SCANS", fmt.Sprintf("scan request failed: %v", err))
	}
}

// ProcessScan answers 201 for every recorded decision, including denials;
// the entry outcome is in data.result.
func (h *Handler) ProcessScan(w http.ResponseWriter, r *http.Request) {
	var req scans.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}
	req.ActorID = auth.UserID(r.Context())
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.ScanService.ProcessScan(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	utils.SendSuccess(w, status, "scan processed", res)
}

func parseFilter(r *http.Request) (scandb.Filter, error) {
	q := r.URL.Query()
	f := scandb.Filter{BusinessID: q.Get("business_id"), VenueID: q.Get("venue_id")}
	var err error
	if f.Start, err = utils.ParseTimestamp(q.Get("start")); err != nil {
		return f, fmt.Errorf("invalid start: %w", err)
	}
	if f.End, err = utils.ParseTimestamp(q.Get("end")); err != nil {
		return f, fmt.Errorf("invalid end: %w", err)
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return f, fmt.Errorf("end must not be before start")
	}
	return f, nil
}

func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.SendError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.ScanService.ListScans(r.Context(), auth.UserID(r.Context()), f, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", list)
}

func (h *Handler) Demographics(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}
	counts, err := h.ScanService.Demographics(r.Context(), auth.UserID(r.Context()), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", counts)
}
