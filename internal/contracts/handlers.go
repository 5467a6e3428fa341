package contracts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/validation"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up contract routes. Callers must be authenticated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("contractId", "userId")

	r.POST("/contracts", h.ProposeContract)
	r.GET("/contracts/:contractId", ids, h.GetContract)
	r.POST("/contracts/:contractId/accept", ids, h.AcceptContract)
	r.POST("/contracts/:contractId/cancel", ids, h.CancelContract)
	r.POST("/contracts/:contractId/complete", ids, h.CompleteContract)
	r.GET("/users/:userId/contracts", ids, auth.RequireSelf("userId"), h.ListContracts)
}

// ProposeContract handles POST /v1/contracts
func (h *Handler) ProposeContract(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	contract, err := h.service.Propose(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:contractId
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("contractId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !contract.IsParty(auth.UserID(c)) && !auth.HasRole(c, auth.RoleArbitrator) {
		writeError(c, ErrUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// AcceptContract handles POST /v1/contracts/:contractId/accept
func (h *Handler) AcceptContract(c *gin.Context) {
	contract, err := h.service.Accept(c.Request.Context(), c.Param("contractId"), auth.UserID(c))
	respond(c, contract, err)
}

// CancelContract handles POST /v1/contracts/:contractId/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	contract, err := h.service.Cancel(c.Request.Context(), c.Param("contractId"), auth.UserID(c))
	respond(c, contract, err)
}

// CompleteContract handles POST /v1/contracts/:contractId/complete
func (h *Handler) CompleteContract(c *gin.Context) {
	contract, err := h.service.Complete(c.Request.Context(), c.Param("contractId"), auth.UserID(c))
	respond(c, contract, err)
}

// ListContracts handles GET /v1/users/:userId/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Contract{}
	}

	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

func respond(c *gin.Context, contract *Contract, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

func writeError(c *gin.Context, err error) {
	if details, ok := validation.AsErrors(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": details,
		})
		return
	}
	switch {
	case errors.Is(err, ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Contract not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("contract request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
