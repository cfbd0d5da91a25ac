package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/velvetrooms/escrowd/internal/audit"
	"github.com/velvetrooms/escrowd/internal/escrow"
	"github.com/velvetrooms/escrowd/internal/ledger"
	"github.com/velvetrooms/escrowd/internal/market"
	"github.com/velvetrooms/escrowd/internal/pagination"
	"github.com/velvetrooms/escrowd/internal/validation"
)

const maxPageSize = 500

// Handler provides admin HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up admin routes. The group must already enforce the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/transactions", h.listPending)
	r.POST("/admin/transactions/:ref/approve", h.approve)
	r.POST("/admin/transactions/:ref/reject", h.reject)
	r.GET("/admin/escrows", h.listEscrows)
	r.POST("/admin/escrows", h.createEscrow)
	r.POST("/admin/escrows/:ref/release", h.release)
	r.POST("/admin/escrows/:ref/refund", h.refund)
	r.POST("/admin/users/:id/ban", h.banUser)
	r.GET("/admin/actions", h.listActions)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// bindReason reads the optional reason body. It writes a 400 and returns
// false when the reason is too long.
func bindReason(c *gin.Context) (string, bool) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxReasonLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return "", false
	}
	return validation.SanitizeString(req.Reason, validation.MaxReasonLength), true
}

func (h *Handler) listPending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

func (h *Handler) approve(c *gin.Context) {
	res, err := h.service.Approve(c.Request.Context(), c.GetInt64("authUserID"), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) reject(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	t, err := h.service.Reject(c.Request.Context(), c.GetInt64("authUserID"), c.Param("ref"), reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

func (h *Handler) listEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is not valid"})
		return
	}
	escrows, err := h.service.ListEscrows(c.Request.Context(), escrow.Filter{
		Status:   escrow.Status(c.Query("status")),
		BeforeID: before,
		Limit:    limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list escrows"})
		return
	}
	escrows, next := pagination.Page(escrows, limit, func(e *escrow.Escrow) int64 { return e.ID })
	c.JSON(http.StatusOK, gin.H{
		"escrows":     escrows,
		"count":       len(escrows),
		"next_cursor": next,
		"has_more":    next != "",
	})
}

type createEscrowRequest struct {
	Purpose    string          `json:"purpose" binding:"required"`
	RelatedID  int64           `json:"relatedId"`
	PayerID    int64           `json:"payerId" binding:"required"`
	ReceiverID int64           `json:"receiverId" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

func (h *Handler) createEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "purpose, payerId and receiverId are required"})
		return
	}
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxReasonLength)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	e, err := h.service.CreateEscrow(c.Request.Context(), c.GetInt64("authUserID"), CreateEscrowRequest{
		Purpose:    ledger.Purpose(req.Purpose),
		RelatedID:  req.RelatedID,
		PayerID:    req.PayerID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Reason:     validation.SanitizeString(req.Reason, validation.MaxReasonLength),
	})
	switch {
	case errors.Is(err, ErrDirectHoldPurpose), errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case err != nil:
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

func (h *Handler) release(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	e, changed, err := h.service.Release(c.Request.Context(), c.GetInt64("authUserID"), c.Param("ref"), reason)
	respondResolution(c, e, changed, err)
}

func (h *Handler) refund(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}

	e, changed, err := h.service.Refund(c.Request.Context(), c.GetInt64("authUserID"), c.Param("ref"), reason)
	respondResolution(c, e, changed, err)
}

func respondResolution(c *gin.Context, e *escrow.Escrow, changed bool, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update escrow"})
		return
	}
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "changed": changed})
}

func (h *Handler) banUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid user id"})
		return
	}
	u, err := h.service.BanUser(c.Request.Context(), c.GetInt64("authUserID"), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

func (h *Handler) listActions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	actorID, _ := strconv.ParseInt(c.Query("actor"), 10, 64)
	actions, err := h.service.ListActions(c.Request.Context(), audit.Filter{
		ActorID:    actorID,
		Kind:       audit.Kind(c.Query("kind")),
		TargetType: c.Query("targetType"),
		TargetID:   c.Query("targetId"),
		Limit:      limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list actions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, market.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found"})
	case errors.Is(err, ledger.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Request failed"})
	}
}
