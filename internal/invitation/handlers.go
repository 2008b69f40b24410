package invitation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/hierarchy"
	"github.com/mbd888/distrokit/internal/validation"
)

// Handler provides HTTP endpoints for invitations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an invitation handler.
func NewHandler(s *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: s, logger: logger}
}

// RegisterRoutes mounts invitation routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invitations", h.Create)
	r.GET("/invitations/pending", h.ListPending)
	r.GET("/invitations/:id", validation.IDParamMiddleware("id"), h.Get)
	r.POST("/invitations/:id/accept", validation.IDParamMiddleware("id"), h.Accept)
	r.POST("/invitations/:id/decline", validation.IDParamMiddleware("id"), h.Decline)
}

// Create handles POST /invitations. The caller is the inviter.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("labelId", req.LabelID),
		validation.Required("targetEmail", req.TargetEmail),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	req.InviterAccountID = auth.GetAuthenticatedAccount(c)

	inv, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// Get handles GET /invitations/:id for the inviter or an addressee.
func (h *Handler) Get(c *gin.Context) {
	inv, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok, err := h.service.CanView(c.Request.Context(), inv, auth.GetAuthenticatedAccount(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		// Do not reveal that the invitation exists.
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found", "message": "Invitation not found"})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Accept handles POST /invitations/:id/accept.
func (h *Handler) Accept(c *gin.Context) {
	res, err := h.service.Accept(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAccount(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Decline handles POST /invitations/:id/decline.
func (h *Handler) Decline(c *gin.Context) {
	inv, err := h.service.Decline(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAccount(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ListPending handles GET /invitations/pending for the caller's email.
func (h *Handler) ListPending(c *gin.Context) {
	list, err := h.service.PendingFor(c.Request.Context(), auth.GetAuthenticatedAccount(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": list, "count": len(list)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvitationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found", "message": "Invitation not found"})
	case errors.Is(err, hierarchy.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "Account not found"})
	case errors.Is(err, hierarchy.ErrLabelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "label_not_found", "message": "Label not found"})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "not_pending", "message": err.Error()})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "expired", "message": err.Error()})
	case errors.Is(err, ErrEmailMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "email_mismatch", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrOwnerOnly):
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_only", "message": err.Error()})
	case errors.Is(err, ErrPermissionEscalation):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_escalation", "message": err.Error()})
	case errors.Is(err, hierarchy.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member", "message": err.Error()})
	case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrTierRequired), errors.Is(err, ErrInvalidTier),
		errors.Is(err, ErrNoSubdistributor), errors.Is(err, ErrInvalidEmail),
		errors.Is(err, hierarchy.ErrInvalidRole), errors.Is(err, hierarchy.ErrInvalidPermission):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		h.logger.Error("invitation request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
