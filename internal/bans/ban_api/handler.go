package ban_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/bans"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/occupancy/occupancy_api"
	"ms-occupancy/internal/utils"
)

type Handler struct {
	BanService *bans.BanService
	Logger     *logger.Logger
}

func NewHandler(svc *bans.BanService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Handler{BanService: svc, Logger: log}
}

// RegisterRoutes registers the ban routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/bans", func(r chi.Router) {
		r.Get("/", h.ListBans)
		r.Post("/", h.CreateBan)
		r.Post("/check", h.CheckBan)
		r.Post("/{banId}/remove", h.RemoveBan)
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bans.ErrInvalidBan):
		utils.SendError(w, http.StatusBadRequest, "INVALID_BAN", err.Error())
	case errors.Is(err, bans.ErrBanNotFound):
		utils.SendError(w, http.StatusNotFound, "BAN_NOT_FOUND", err.Error())
	default:
		if occupancy_api.WriteServiceError(w, err) == http.StatusInternalServerError {
			h.Logger.Error("BANS", fmt.Sprintf("ban request failed: %v", err))
		}
	}
}

func (h *Handler) CreateBan(w http.ResponseWriter, r *http.Request) {
	var req bans.CreateBanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}
	req.ActorID = auth.UserID(r.Context())

	ban, err := h.BanService.CreateBan(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SendSuccess(w, http.StatusCreated, "ban created", ban)
}

func (h *Handler) ListBans(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		utils.SendError(w, http.StatusBadRequest, "INVALID_SCOPE", "business_id is required")
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	list, err := h.BanService.ListBans(r.Context(), auth.UserID(r.Context()), businessID, includeInactive)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "", list)
}

func (h *Handler) RemoveBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	ban, err := h.BanService.RemoveBan(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "banId"), body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.SendSuccess(w, http.StatusOK, "ban removed", ban)
}

func (h *Handler) CheckBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BusinessID string        `json:"business_id"`
		VenueID    string        `json:"venue_id"`
		Identity   bans.Identity `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.SendError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body: "+err.Error())
		return
	}
	if body.BusinessID == "" {
		utils.SendError(w, http.StatusBadRequest, "INVALID_SCOPE", "business_id is required")
		return
	}
	if err := h.BanService.Authorize(r.Context(), auth.UserID(r.Context()), body.BusinessID, body.VenueID); err != nil {
		h.writeError(w, err)
		return
	}

	ban, err := h.BanService.IsBanned(r.Context(), body.BusinessID, body.VenueID, body.Identity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]interface{}{"banned": ban != nil}
	if ban != nil {
		resp["ban_id"] = ban.ID
		resp["reason"] = ban.Reason
		resp["expires_at"] = ban.ExpiresAt
	}
	utils.SendSuccess(w, http.StatusOK, "", resp)
}
