package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payment intents.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required transaction routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:ref", h.GetTransaction)
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.PayerID = c.GetInt64("authUserID")

	txn, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownPurpose):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		default:
			h.logger.Error("failed to create transaction", "payer", req.PayerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create transaction"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:ref
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get transaction"})
		return
	}

	if txn.PayerID != c.GetInt64("authUserID") && c.GetString("authRole") != "admin" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}
