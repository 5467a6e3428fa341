package reconciliation

import (
	"errors"
	"net/http"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/escrow"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/pagination"
	"github.com/gin-gonic/gin"
)

// Handler exposes the journal to arbitrators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation admin handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up admin routes. Callers must hold the arbitrator role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin/reconciliation", auth.RequireRole(auth.RoleArbitrator))
	admin.GET("", h.Status)
	admin.POST("/run", h.Run)
}

// Status handles GET /v1/admin/reconciliation
func (h *Handler) Status(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, DefaultBatchSize)
	open, err := h.runner.Open(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list pending commits failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	if open == nil {
		open = []*escrow.PendingCommit{}
	}
	c.JSON(http.StatusOK, gin.H{
		"open":       open,
		"count":      len(open),
		"lastReport": h.runner.LastReport(),
	})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if errors.Is(err, ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "run_in_progress",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
