package market

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/idgen"
)

const (
	defaultCreditsLimit = 50
	maxCreditsLimit     = 200
)

// Handler provides HTTP endpoints for sessions and accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new market handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetMe)
	r.GET("/me/credits", h.ListCredits)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/confirm", h.ConfirmSession)
}

// RegisterAdminRoutes sets up admin-only account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.RegisterUser)
}

// GetMe handles GET /v1/me
func (h *Handler) GetMe(c *gin.Context) {
	u, err := h.service.GetUser(c.Request.Context(), c.GetInt64("authUserID"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// ListCredits handles GET /v1/me/credits
func (h *Handler) ListCredits(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultCreditsLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be a positive integer"})
		return
	}
	if limit > maxCreditsLimit {
		limit = maxCreditsLimit
	}
	entries, err := h.service.ListCredits(c.Request.Context(), c.GetInt64("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list credits"})
		return
	}
	if entries == nil {
		entries = []*BalanceEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"credits": entries, "count": len(entries)})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get session"})
		return
	}
	caller := c.GetInt64("authUserID")
	if caller != sess.ClientID && caller != sess.ModelID && c.GetString("authRole") != RoleAdmin {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ConfirmSession handles POST /v1/sessions/:id/confirm
func (h *Handler) ConfirmSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.service.ConfirmSession(c.Request.Context(), id, c.GetInt64("authUserID"))
	if err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNotParticipant):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to confirm session"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// RegisterUserRequest contains the parameters for creating an account.
type RegisterUserRequest struct {
	TelegramID int64  `json:"telegramId" binding:"required"`
	Username   string `json:"username"`
	Role       string `json:"role" binding:"required"`
}

// RegisterUser handles POST /v1/admin/users
func (h *Handler) RegisterUser(c *gin.Context) {
	var req RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "telegramId and role are required"})
		return
	}
	u, err := h.service.RegisterUser(c.Request.Context(), req.TelegramID, req.Username, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, idgen.ErrPublicIDExhausted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "id_exhausted", "message": "Could not allocate a public id"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to register user"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid session id"})
		return 0, false
	}
	return id, true
}
