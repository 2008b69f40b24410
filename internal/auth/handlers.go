package auth

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/logging"
)

// Handler serves API key management.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts self-service key management on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes mounts key issuance for operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/accounts/:accountId/keys", h.IssueKey)
}

// CreateKeyRequest is the body of both key creation routes. The body is
// optional.
type CreateKeyRequest struct {
	Name          string `json:"name" binding:"max=64"`
	ExpiresInDays int    `json:"expiresInDays" binding:"gte=0,lte=365"`
}

// KeyResponse carries the only clear-text copy of a new key.
type KeyResponse struct {
	APIKey  string  `json:"apiKey"`
	Key     *APIKey `json:"key"`
	Warning string  `json:"warning"`
}

func (h *Handler) ListKeys(c *gin.Context) {
	accountID := GetAuthenticatedAccount(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKey issues an additional key for the caller's own account.
func (h *Handler) CreateKey(c *gin.Context) {
	h.issue(c, GetAuthenticatedAccount(c), "Additional key")
}

// IssueKey issues a key for any existing account.
func (h *Handler) IssueKey(c *gin.Context) {
	h.issue(c, c.Param("accountId"), "Primary")
}

func (h *Handler) issue(c *gin.Context, accountID, defaultName string) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if req.Name == "" {
		req.Name = defaultName
	}

	issued, err := h.manager.Issue(c.Request.Context(), IssueRequest{
		AccountID: accountID,
		Name:      req.Name,
		TTL:       time.Duration(req.ExpiresInDays) * 24 * time.Hour,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, KeyResponse{
		APIKey:  issued.RawKey,
		Key:     issued.Key,
		Warning: "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's other keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	current, ok := GetAPIKey(c)
	if !ok {
		h.writeError(c, ErrNoAPIKey)
		return
	}
	keyID := c.Param("keyId")
	if keyID == current.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Revoke this key from another key",
		})
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, current.AccountID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": keyID, "revoked": true})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoAPIKey):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": err.Error()})
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": "Key not found or already revoked"})
	case errors.Is(err, ErrKeyLimit):
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": err.Error()})
	case errors.Is(err, ErrInvalidTTL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("api key operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "API key operation failed"})
	}
}
