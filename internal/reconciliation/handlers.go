package reconciliation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for reconciliation.
type Handler struct {
	runner  *Runner
	repairs RepairStore
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner, repairs RepairStore) *Handler {
	return &Handler{runner: runner, repairs: repairs}
}

// RegisterRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.LastReport)
	r.POST("/reconciliation/run", h.Run)
	r.GET("/repairs", h.ListRepairs)
}

// LastReport handles GET /v1/admin/reconciliation
func (h *Handler) LastReport(c *gin.Context) {
	report := h.runner.LastReport()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"report": nil, "message": "no reconciliation pass has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ListRepairs handles GET /v1/admin/repairs
func (h *Handler) ListRepairs(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	records, err := h.repairs.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"repairs": records,
		"count":   len(records),
	})
}
