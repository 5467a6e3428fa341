package notify

import (
	"net/http"

	"github.com/castline/escrowd/internal/auth"
	"github.com/castline/escrowd/internal/logging"
	"github.com/castline/escrowd/internal/pagination"
	"github.com/castline/escrowd/internal/validation"
	"github.com/gin-gonic/gin"
)

// Handler serves a user's recent notifications.
type Handler struct {
	inbox Inbox
}

// NewHandler creates a notification handler over inbox.
func NewHandler(inbox Inbox) *Handler {
	return &Handler{inbox: inbox}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/notifications",
		validation.IDParamMiddleware("userId"), auth.RequireSelf("userId"), h.ListNotifications)
}

// ListNotifications handles GET /v1/users/:userId/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 20, DefaultInboxSize)

	items, err := h.inbox.Recent(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list notifications failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	if items == nil {
		items = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}
