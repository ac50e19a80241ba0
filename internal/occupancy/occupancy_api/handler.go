package occupancy_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	"ms-occupancy/internal/utils"
)

const maxBodyBytes = 64 << 10

type ErrorReporter interface {
	Report(feature, message string, payload interface{}, userID, businessID string)
}

type ChangeSubscriber interface {
	Subscribe(ctx context.Context, businessID string) <-chan models.OccupancyChange
	ClientCount(businessID string) int
}

type Handler struct {
	Service *occupancy.Service
	Feed    ChangeSubscriber
	Errors  ErrorReporter
	Logger  *logger.Logger
}

func NewHandler(svc *occupancy.Service, feed ChangeSubscriber, errs ErrorReporter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Handler{Service: svc, Feed: feed, Errors: errs, Logger: log}
}

// RegisterRoutes registers the occupancy routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/occupancy", func(r chi.Router) {
		r.Post("/areas/{areaId}/delta", h.ApplyDelta)
		r.Get("/totals", h.GetTotals)
		r.Get("/hourly", h.GetHourlyTraffic)
		r.Get("/snapshot", h.GetSnapshot)
		r.Post("/reset", h.ResetCounts)
		if h.Feed != nil {
			r.Get("/stream", h.Stream)
		}
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, feature, businessID string, err error) {
	status := WriteServiceError(w, err)
	if status != http.StatusInternalServerError {
		return
	}
	h.Logger.Error("API", fmt.Sprintf("%s %s failed: %v", r.Method, r.URL.Path, err))
	if h.Errors != nil {
		h.Errors.Report(feature, err.Error(), map[string]string{"path": r.URL.Path}, auth.UserID(r.Context()), businessID)
	}
}

type deltaBody struct {
	BusinessID     string `json:"business_id"`
	VenueID        string `json:"venue_id"`
	Delta          int    `json:"delta"`
	Source         string `json:"source"`
	EventType      string `json:"event_type"`
	DeviceID       string `json:"device_id"`
	Gender         string `json:"gender"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) ApplyDelta(w http.ResponseWriter, r *http.Request) {
	var body deltaBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := h.Service.ApplyDelta(r.Context(), occupancy.DeltaRequest{
		Scope:          occupancy.Scope{BusinessID: body.BusinessID, VenueID: body.VenueID, AreaID: chi.URLParam(r, "areaId")},
		Delta:          body.Delta,
		Source:         body.Source,
		EventType:      body.EventType,
		DeviceID:       body.DeviceID,
		Gender:         body.Gender,
		IdempotencyKey: key,
		ActorID:        auth.UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, "ledger", body.BusinessID, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	utils.SendSuccess(w, status, "delta applied", res)
}

func parseScope(r *http.Request) occupancy.Scope {
	q := r.URL.Query()
	return occupancy.Scope{
		BusinessID: q.Get("business_id"),
		VenueID:    q.Get("venue_id"),
		AreaID:     q.Get("area_id"),
	}
}

func parseTotalsRequest(r *http.Request) (occupancy.TotalsRequest, error) {
	q := r.URL.Query()
	start, err := utils.ParseTimestamp(q.Get("start"))
	if err != nil {
		return occupancy.TotalsRequest{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := utils.ParseTimestamp(q.Get("end"))
	if err != nil {
		return occupancy.TotalsRequest{}, fmt.Errorf("invalid end: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return occupancy.TotalsRequest{}, fmt.Errorf("end is before start")
	}
	return occupancy.TotalsRequest{
		Scope:   parseScope(r),
		Window:  occupancy.Window{Start: start, End: end},
		ActorID: auth.UserID(r.Context()),
	}, nil
}

func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	req, err := parseTotalsRequest(r)
	if err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}
	report, err := h.Service.GetTotals(r.Context(), req)
	if err != nil {
		h.fail(w, r, "totals", req.BusinessID, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", report)
}

func (h *Handler) GetHourlyTraffic(w http.ResponseWriter, r *http.Request) {
	req, err := parseTotalsRequest(r)
	if err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}
	hours, err := h.Service.GetHourlyTraffic(r.Context(), req)
	if err != nil {
		h.fail(w, r, "totals", req.BusinessID, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", hours)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := parseScope(r)
	view, err := h.Service.GetOccupancy(r.Context(), auth.UserID(r.Context()), scope)
	if err != nil {
		h.fail(w, r, "snapshot", scope.BusinessID, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", view)
}

type resetBody struct {
	Scope      occupancy.ResetScope `json:"scope"`
	BusinessID string               `json:"business_id"`
	VenueID    string               `json:"venue_id"`
	AreaID     string               `json:"area_id"`
	Reason     string               `json:"reason"`
}

func (h *Handler) ResetCounts(w http.ResponseWriter, r *http.Request) {
	var body resetBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}

	summary, err := h.Service.ResetCounts(r.Context(), occupancy.ResetRequest{
		Scope:      body.Scope,
		BusinessID: body.BusinessID,
		VenueID:    body.VenueID,
		AreaID:     body.AreaID,
		ActorID:    auth.UserID(r.Context()),
		Reason:     body.Reason,
	})
	if err != nil {
		h.fail(w, r, "reset", body.BusinessID, err)
		return
	}

	if summary.Failed > 0 && h.Errors != nil {
		h.Errors.Report("reset", fmt.Sprintf("%d of %d areas failed to reset", summary.Failed, len(summary.Results)), summary, auth.UserID(r.Context()), body.BusinessID)
	}
	status := http.StatusOK
	if summary.Failed > 0 {
		status = http.StatusMultiStatus
	}
	utils.SendSuccess(w, status, fmt.Sprintf("%d areas reset", summary.Succeeded), summary)
}

// Stream pushes occupancy changes for a business as server-sent events,
// starting with the current snapshot.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.SendError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	scope := parseScope(r)
	view, err := h.Service.GetOccupancy(r.Context(), auth.UserID(r.Context()), scope)
	if err != nil {
		h.fail(w, r, "stream", scope.BusinessID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	changes := h.Feed.Subscribe(ctx, scope.BusinessID)
	h.Logger.Debug("STREAM", fmt.Sprintf("subscriber joined business %s (%d live)", scope.BusinessID, h.Feed.ClientCount(scope.BusinessID)))

	writeEvent(w, "snapshot", view)
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if scope.VenueID != "" && change.VenueID != scope.VenueID {
				continue
			}
			if scope.AreaID != "" && change.AreaID != scope.AreaID {
				continue
			}
			writeEvent(w, "change", change)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
