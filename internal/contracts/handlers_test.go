package contracts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/castline/escrowd/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	// X-User-ID stands in for the JWT middleware
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)
	return r
}

func do(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type contractResponse struct {
	Contract Contract `json:"contract"`
	Error    string   `json:"error"`
}

func TestHandlerLifecycle(t *testing.T) {
	r := setupTestRouter()

	w := do(r, http.MethodPost, "/v1/contracts", producer, ProposeRequest{Title: "Pilot", TalentID: talent})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created contractResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Contract.ID

	w = do(r, http.MethodGet, "/v1/contracts/"+id, "usr_stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/contracts/"+id+"/accept", producer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/contracts/"+id+"/accept", talent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var accepted contractResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, StatusActive, accepted.Contract.Status)

	w = do(r, http.MethodPost, "/v1/contracts/"+id+"/cancel", producer, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodGet, "/v1/users/"+talent+"/contracts", talent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(r, http.MethodGet, "/v1/users/"+talent+"/contracts", producer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlerErrors(t *testing.T) {
	r := setupTestRouter()

	w := do(r, http.MethodPost, "/v1/contracts", producer, ProposeRequest{TalentID: talent})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = do(r, http.MethodGet, "/v1/contracts/ctr_missing", producer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/contracts/bad%20id", producer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
