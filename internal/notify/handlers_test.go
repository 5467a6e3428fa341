package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/castline/escrowd/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListNotifications(t *testing.T) {
	gin.SetMode(gin.TestMode)
	inbox := NewMemoryInbox(10)
	require.NoError(t, inbox.Deliver(context.Background(), &Notification{ID: "ntf_1", UserID: "usr_1", Kind: "escrow_funded"}))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-User-ID"))
		c.Next()
	})
	NewHandler(inbox).RegisterRoutes(v1)

	get := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/users/usr_1/notifications", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("usr_1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Notifications []Notification `json:"notifications"`
		Count         int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "ntf_1", body.Notifications[0].ID)

	assert.Equal(t, http.StatusForbidden, get("usr_2").Code)
}
