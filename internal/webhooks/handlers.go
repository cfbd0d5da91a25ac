package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/logging"
	"github.com/velvetrooms/escrowd/internal/metrics"
)

// maxBodyBytes bounds a provider delivery.
const maxBodyBytes = 1 << 20

// Handler exposes the provider webhook endpoints.
type Handler struct {
	settler Settler
	secrets Secrets
}

// NewHandler creates a webhook handler.
func NewHandler(settler Settler, secrets Secrets) *Handler {
	return &Handler{settler: settler, secrets: secrets}
}

// RegisterRoutes sets up the unauthenticated provider routes. Providers
// without a configured secret answer 503.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/paystack", h.receive(ProviderPaystack))
	r.POST("/webhooks/flutterwave", h.receive(ProviderFlutterwave))
	r.POST("/webhooks/stripe", h.receive(ProviderStripe))
}

func (h *Handler) receive(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx).With("provider", provider)

		respond := func(code int, body gin.H) {
			metrics.WebhooksTotal.WithLabelValues(provider, strconv.Itoa(code)).Inc()
			c.JSON(code, body)
		}

		verifier, err := NewVerifier(provider, h.secrets)
		if err != nil {
			respond(http.StatusServiceUnavailable, gin.H{
				"error":   "not_configured",
				"message": provider + " webhook secret not configured",
			})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			respond(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
			return
		}

		delivery, err := verifier.Verify(c.Request.Header, body)
		switch {
		case errors.Is(err, ErrInvalidSignature):
			logger.Warn("webhook signature rejected", "remote", c.ClientIP())
			respond(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Invalid " + provider + " signature"})
			return
		case err != nil:
			respond(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Malformed payload"})
			return
		}

		if delivery.Reference == "" {
			respond(http.StatusBadRequest, gin.H{"error": "missing_reference", "message": "Missing transaction reference"})
			return
		}
		logger = logger.With("ref", delivery.Reference)

		if delivery.Ignored {
			logger.Info("webhook ignored: charge not successful")
			respond(http.StatusOK, gin.H{"status": "ok"})
			return
		}

		e, err := h.settler.Process(ctx, delivery.Reference, provider, delivery.Payload)
		if err != nil {
			logger.Error("settlement failed", "error", err)
			respond(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Settlement failed"})
			return
		}
		if e != nil {
			logger.Info("escrow created", "escrow_ref", e.Ref, "purpose", e.Purpose, "amount", e.Amount.String())
		}
		respond(http.StatusOK, gin.H{"status": "ok"})
	}
}
