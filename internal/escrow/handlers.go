package escrow

import (
	"errors"
	"net/http"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/pagination"
	"github.com/castline/escrowd/internal/validation"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	query   *QueryService
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, query *QueryService) *Handler {
	return &Handler{service: service, query: query}
}

// RegisterRoutes sets up escrow routes. All of them require an
// authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "contractId", "userId")

	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", ids, h.GetEscrow)
	r.POST("/escrows/:id/fund", ids, h.FundEscrow)
	r.POST("/escrows/:id/release", ids, h.ReleaseEscrow)
	r.POST("/escrows/:id/dispute", ids, h.DisputeEscrow)
	r.POST("/escrows/:id/resolve", ids, h.ResolveEscrow)
	r.POST("/escrows/:id/cancel", ids, h.CancelEscrow)
	r.GET("/contracts/:contractId/escrows", ids, h.ListContractEscrows)
	r.GET("/users/:userId/escrows", ids, h.GetHistory)
	r.GET("/users/:userId/earnings", ids, h.GetEarnings)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if !bindJSON(c, &req) {
		return
	}

	e, err := h.service.Create(c.Request.Context(), callerFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	view, err := h.query.GetStatus(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	e, err := h.service.Fund(c.Request.Context(), callerFrom(c), c.Param("id"), req)
	respond(c, e, err)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	e, err := h.service.Release(c.Request.Context(), callerFrom(c), c.Param("id"))
	respond(c, e, err)
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	e, err := h.service.Dispute(c.Request.Context(), callerFrom(c), c.Param("id"), req)
	respond(c, e, err)
}

// ResolveEscrow handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if !bindJSON(c, &req) {
		return
	}

	e, err := h.service.Resolve(c.Request.Context(), callerFrom(c), c.Param("id"), req)
	respond(c, e, err)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	e, err := h.service.Cancel(c.Request.Context(), callerFrom(c), c.Param("id"))
	respond(c, e, err)
}

// ListContractEscrows handles GET /v1/contracts/:contractId/escrows
func (h *Handler) ListContractEscrows(c *gin.Context) {
	escrows, err := h.query.GetByContract(c.Request.Context(), callerFrom(c), c.Param("contractId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetHistory handles GET /v1/users/:userId/escrows?role=&limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), DefaultHistoryLimit, MaxHistoryLimit)

	page, err := h.query.GetHistory(c.Request.Context(), callerFrom(c),
		c.Param("userId"), Role(c.DefaultQuery("role", string(RoleAll))), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetEarnings handles GET /v1/users/:userId/earnings
func (h *Handler) GetEarnings(c *gin.Context) {
	summary, err := h.query.GetEarningsSummary(c.Request.Context(), callerFrom(c), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"earnings": summary})
}

func callerFrom(c *gin.Context) Caller {
	return Caller{
		UserID:     auth.UserID(c),
		Arbitrator: auth.HasRole(c, auth.RoleArbitrator),
	}
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func respond(c *gin.Context, e *Escrow, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// writeError maps ledger errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrReconciliationRequired):
		// Money may have moved. This is not a failure the caller should retry.
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "reconciliation_pending",
			"message": "The payment was processed and is being recorded. Check the escrow status shortly.",
		})
	case errors.Is(err, ErrValidation):
		resp := gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		}
		if details, ok := validation.AsErrors(err); ok {
			resp["details"] = details
		}
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Contract not found",
		})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProcessorFailure):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "processor_failure",
			"message":   "The payment processor did not complete the request. Retrying is safe.",
			"retryable": true,
		})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
