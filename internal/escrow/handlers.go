package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for counterparties.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListMine)
	r.GET("/escrows/:ref", h.GetEscrow)
	r.POST("/escrows/:ref/dispute", h.DisputeEscrow)
}

// GetEscrow handles GET /v1/escrows/:ref
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get escrow"})
		return
	}

	// Non-participants get the same answer as for a missing escrow.
	if !e.IsCounterparty(c.GetInt64("authUserID")) && c.GetString("authRole") != "admin" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListMine handles GET /v1/escrows?status=held
func (h *Handler) ListMine(c *gin.Context) {
	// A zero UserID filter matches every escrow.
	userID := c.GetInt64("authUserID")
	if userID <= 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "A user account is required"})
		return
	}
	escrows, err := h.service.List(c.Request.Context(), Filter{
		Status: Status(c.Query("status")),
		UserID: userID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list escrows"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeEscrow handles POST /v1/escrows/:ref/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxReasonLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	e, err := h.service.Dispute(c.Request.Context(), c.Param("ref"), c.GetInt64("authUserID"), reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ErrNotCounterparty):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
		case errors.Is(err, ErrReasonRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to dispute escrow"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
