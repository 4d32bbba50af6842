package challan

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/challanflow/challanflow/internal/platform/httpx"
	"github.com/challanflow/challanflow/internal/shared"
)

// Handler wires HTTP endpoints for the challan module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the challan handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the authenticated challan routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{challanID}", h.handleGet)
	r.Put("/{challanID}", h.handleUpdate)
	r.Delete("/{challanID}", h.handleDelete)
	r.Post("/{challanID}/finalize", h.handleFinalize)
	r.Post("/{challanID}/send", h.handleSend)
	r.Post("/{challanID}/forward", h.handleForward)
	r.Post("/{challanID}/respond", h.handleRespondInternal)
	r.Post("/{challanID}/notes", h.handleAddNote)
	r.Post("/{challanID}/cancel", h.handleCancel)
}

// MountPublicRoutes registers the unauthenticated token/OTP routes.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/{token}", h.handlePublicView)
	r.Post("/{token}/otp", h.handleRequestOTP)
	r.Post("/{token}/respond", h.handleRespondPublic)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	var req CreateChallanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.Create(r.Context(), id, req)
	if err != nil {
		h.logger.Warn("challan create failed", "error", err, "company_id", id.CompanyID)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	filter := ListFilter{
		Status:  Status(r.URL.Query().Get("status")),
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "per_page"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unknown status")
		return
	}
	if partyStr := r.URL.Query().Get("party_id"); partyStr != "" {
		pid, err := strconv.ParseInt(partyStr, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "party_id must be numeric")
			return
		}
		filter.PartyID = pid
	}
	items, total, err := h.service.List(r.Context(), id, filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"challans":   items,
		"pagination": shared.NewPagination(filter.Page, filter.PerPage, total),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	c, err := h.service.Get(r.Context(), id, challanID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	var req UpdateChallanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.Update(r.Context(), id, challanID, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	if err := h.service.Delete(r.Context(), id, challanID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	c, err := h.service.Finalize(r.Context(), id, challanID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	c, err := h.service.Send(r.Context(), id, challanID)
	if err != nil {
		h.logger.Warn("challan send failed", "error", err, "challan_id", challanID)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	var req ForwardRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.Forward(r.Context(), id, challanID, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleRespondInternal(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	var req InternalResponseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.RespondInternal(r.Context(), id, challanID, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	var req NoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.AddNote(r.Context(), id, challanID, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing identity")
		return
	}
	challanID, err := paramID(r, "challanID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid challan id")
		return
	}
	c, err := h.service.Cancel(r.Context(), id, challanID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

// ============================================================================
// PUBLIC (token + OTP)
// ============================================================================

func (h *Handler) handlePublicView(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	c, err := h.service.repo.GetByToken(r.Context(), token)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// The public view exposes the document contents but never internal
	// routing state or the trail.
	httpx.JSON(w, http.StatusOK, map[string]any{
		"number":      c.Number,
		"status":      c.Status,
		"items":       c.Items,
		"subtotal":    c.Subtotal,
		"tax_total":   c.TaxTotal,
		"grand_total": c.GrandTotal,
		"notes":       c.Notes,
		"sent_at":     c.SentAt,
	})
}

func (h *Handler) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.service.RequestOTP(r.Context(), token); err != nil {
		h.logger.Warn("otp issue failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "otp_sent"})
}

func (h *Handler) handleRespondPublic(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req PublicResponseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	c, err := h.service.RespondPublic(r.Context(), token, req)
	if err != nil {
		h.logger.Warn("public response failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"number": c.Number,
		"status": c.Status,
	})
}

func paramID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
