package hierarchy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/auth"
	"github.com/mbd888/distrokit/internal/pagination"
	"github.com/mbd888/distrokit/internal/validation"
)

// Handler provides HTTP endpoints for the account graph.
type Handler struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewHandler creates a hierarchy handler.
func NewHandler(r *Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{resolver: r, logger: logger}
}

// RegisterRoutes mounts read and membership routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/hierarchy/:accountId", validation.IDParamMiddleware("accountId"), h.Resolve)
	r.GET("/hierarchy/:accountId/permissions", validation.IDParamMiddleware("accountId"), h.Permissions)
	r.PUT("/hierarchy/:accountId/active-label", validation.IDParamMiddleware("accountId"), h.SetActiveLabel)

	members := r.Group("/labels/:labelId/members", validation.IDParamMiddleware("labelId"))
	members.GET("", h.ListMembers)
	members.PATCH("/:accountId", validation.IDParamMiddleware("accountId"), h.UpdateMember)
	members.DELETE("/:accountId", validation.IDParamMiddleware("accountId"), h.RemoveMember)
}

// RegisterAdminRoutes mounts operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/accounts", h.CreateAccount)
	r.GET("/admin/accounts/:accountId", validation.IDParamMiddleware("accountId"), h.GetAccount)
	r.POST("/admin/accounts/:accountId/parent", validation.IDParamMiddleware("accountId"), h.SetParent)
	r.PUT("/admin/accounts/:accountId/billing-customer", validation.IDParamMiddleware("accountId"), h.SetBillingCustomer)
	r.POST("/admin/labels", h.CreateLabel)
	r.PUT("/admin/labels/:labelId/banner", validation.IDParamMiddleware("labelId"), h.SetLabelBanner)
	r.POST("/admin/subdistributors", h.CreateSubdistributor)
	r.PUT("/admin/subdistributors/:subdistributorId/branding", validation.IDParamMiddleware("subdistributorId"), h.UpdateBranding)
}

// Resolve handles GET /hierarchy/:accountId.
func (h *Handler) Resolve(c *gin.Context) {
	accountID := c.Param("accountId")
	if !h.canView(c, accountID) {
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Permissions handles GET /hierarchy/:accountId/permissions?labelId=.
func (h *Handler) Permissions(c *gin.Context) {
	accountID := c.Param("accountId")
	labelID := c.Query("labelId")
	if labelID == "" || !validation.IsValidID(labelID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "labelId query parameter is required"})
		return
	}
	if !h.canView(c, accountID) {
		return
	}

	perms, err := h.resolver.EffectivePermissions(c.Request.Context(), accountID, labelID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId":   accountID,
		"labelId":     labelID,
		"permissions": perms,
	})
}

type activeLabelRequest struct {
	LabelID string `json:"labelId"`
}

// SetActiveLabel handles PUT /hierarchy/:accountId/active-label. Callers
// may only switch their own context.
func (h *Handler) SetActiveLabel(c *gin.Context) {
	accountID := c.Param("accountId")
	if auth.GetAuthenticatedAccount(c) != accountID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Can only change your own active label"})
		return
	}
	var req activeLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	if err := h.resolver.SetActiveLabel(c.Request.Context(), accountID, req.LabelID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": accountID, "activeLabelId": req.LabelID})
}

// ListMembers handles GET /labels/:labelId/members?limit=&cursor=.
func (h *Handler) ListMembers(c *gin.Context) {
	labelID := c.Param("labelId")
	if !h.requirePermission(c, labelID, PermMembersManage) {
		return
	}
	members, err := h.resolver.ListLabelMembers(c.Request.Context(), labelID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	page, err := pagination.Apply(members, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")),
		func(m Membership) (time.Time, string) { return m.CreatedAt, m.AccountID })
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"members":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

type updateMemberRequest struct {
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
}

// UpdateMember handles PATCH /labels/:labelId/members/:accountId.
func (h *Handler) UpdateMember(c *gin.Context) {
	labelID := c.Param("labelId")
	if !h.requirePermission(c, labelID, PermMembersManage) {
		return
	}
	var req updateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	m, err := h.resolver.ChangeMember(c.Request.Context(), auth.GetAuthenticatedAccount(c),
		c.Param("accountId"), labelID, req.Role, req.Permissions)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// RemoveMember handles DELETE /labels/:labelId/members/:accountId. Members
// may always remove themselves; the label owner never can be.
func (h *Handler) RemoveMember(c *gin.Context) {
	labelID := c.Param("labelId")
	accountID := c.Param("accountId")
	caller := auth.GetAuthenticatedAccount(c)
	if caller != accountID && !h.requirePermission(c, labelID, PermMembersManage) {
		return
	}

	if err := h.resolver.RemoveMember(c.Request.Context(), caller, accountID, labelID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Membership removed", "accountId": accountID, "labelId": labelID})
}

// CreateAccount handles POST /admin/accounts.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("email", req.Email),
		validation.Email("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	a, err := h.resolver.CreateAccount(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// GetAccount handles GET /admin/accounts/:accountId.
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.resolver.GetAccount(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type setParentRequest struct {
	ParentAccountID string `json:"parentAccountId"`
}

// SetParent handles POST /admin/accounts/:accountId/parent. An empty
// parentAccountId detaches the account.
func (h *Handler) SetParent(c *gin.Context) {
	var req setParentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	accountID := c.Param("accountId")
	if err := h.resolver.SetParent(c.Request.Context(), accountID, req.ParentAccountID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": accountID, "parentAccountId": req.ParentAccountID})
}

type billingCustomerRequest struct {
	BillingCustomerRef string `json:"billingCustomerRef"`
}

// SetBillingCustomer handles PUT /admin/accounts/:accountId/billing-customer.
func (h *Handler) SetBillingCustomer(c *gin.Context) {
	var req billingCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	accountID := c.Param("accountId")
	if err := h.resolver.SetBillingCustomer(c.Request.Context(), accountID, req.BillingCustomerRef); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": accountID, "billingCustomerRef": req.BillingCustomerRef})
}

// CreateLabel handles POST /admin/labels.
func (h *Handler) CreateLabel(c *gin.Context) {
	var req CreateLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.Required("ownerAccountId", req.OwnerAccountID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	l, err := h.resolver.CreateLabel(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// SetLabelBanner handles PUT /admin/labels/:labelId/banner. A null body
// clears the override.
func (h *Handler) SetLabelBanner(c *gin.Context) {
	var banner *Branding
	if err := c.ShouldBindJSON(&banner); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	l, err := h.resolver.SetLabelBanner(c.Request.Context(), c.Param("labelId"), banner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// CreateSubdistributor handles POST /admin/subdistributors.
func (h *Handler) CreateSubdistributor(c *gin.Context) {
	var req CreateSubdistributorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("ownerAccountId", req.OwnerAccountID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	s, err := h.resolver.CreateSubdistributor(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// UpdateBranding handles PUT /admin/subdistributors/:subdistributorId/branding.
func (h *Handler) UpdateBranding(c *gin.Context) {
	var b Branding
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	s, err := h.resolver.UpdateSubdistributorBranding(c.Request.Context(), c.Param("subdistributorId"), b)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) canView(c *gin.Context, accountID string) bool {
	ok, err := h.resolver.CanView(c.Request.Context(), auth.GetAuthenticatedAccount(c), accountID)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not allowed to view this account"})
		return false
	}
	return true
}

func (h *Handler) requirePermission(c *gin.Context, labelID string, p Permission) bool {
	ok, err := h.resolver.HasPermission(c.Request.Context(), auth.GetAuthenticatedAccount(c), labelID, p)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Missing permission " + string(p)})
		return false
	}
	return true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "Account not found"})
	case errors.Is(err, ErrLabelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "label_not_found", "message": "Label not found"})
	case errors.Is(err, ErrSubdistributorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subdistributor_not_found", "message": "Subdistributor not found"})
	case errors.Is(err, ErrMembershipNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "membership_not_found", "message": "Membership not found"})
	case errors.Is(err, ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member", "message": err.Error()})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": err.Error()})
	case errors.Is(err, ErrCustomerRefTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "billing_customer_taken", "message": err.Error()})
	case errors.Is(err, ErrParentNotRoot):
		c.JSON(http.StatusConflict, gin.H{"error": "parent_not_root", "message": err.Error()})
	case errors.Is(err, ErrHasSubaccounts):
		c.JSON(http.StatusConflict, gin.H{"error": "has_subaccounts", "message": err.Error()})
	case errors.Is(err, ErrHierarchyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "hierarchy_conflict", "message": err.Error()})
	case errors.Is(err, ErrSelfParent), errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidPermission), errors.Is(err, ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_member", "message": err.Error()})
	case errors.Is(err, ErrOwnerOnly):
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_only", "message": err.Error()})
	case errors.Is(err, ErrPermissionEscalation):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_escalation", "message": err.Error()})
	case errors.Is(err, ErrLabelOwnerProtected):
		c.JSON(http.StatusConflict, gin.H{"error": "label_owner_protected", "message": err.Error()})
	default:
		h.logger.Error("hierarchy request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
