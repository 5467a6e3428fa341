package profiles

import (
	"errors"
	"net/http"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/validation"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new profile handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("userId")

	r.GET("/users/:userId/profile", ids, h.GetProfile)
	r.PUT("/users/:userId/profile", ids, auth.RequireSelf("userId"), h.UpdateProfile)
}

// GetProfile handles GET /v1/users/:userId/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if p.ID != auth.UserID(c) {
		p.Email = ""
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// UpdateProfile handles PUT /v1/users/:userId/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Update(c.Request.Context(), c.Param("userId"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
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
	if errors.Is(err, ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Profile not found",
		})
		return
	}
	logging.L(c.Request.Context()).Error("profile request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
