package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/logging"
)

// Handler exposes on-demand reconciliation to administrators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up admin-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.run)
}

func (h *Handler) run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
