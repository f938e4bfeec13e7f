package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/services"
	"pikacall/pkg/circuitbreaker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter(auth services.AuthService, required domain.APIRole, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/x", AuthMiddleware(auth), RequireRole(required), handler)
	return router
}

func do(router *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Minute)
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	router := newRouter(auth, domain.RoleOperator, ok)

	w := do(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	assert.Equal(t, http.StatusUnauthorized, do(router, "Bearer garbage").Code)

	viewer, err := auth.GenerateToken("dash", domain.RoleViewer)
	require.NoError(t, err)
	w = do(router, "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, w))

	operator, err := auth.GenerateToken("ops", domain.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do(router, "bearer "+operator).Code)
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	router := newRouter(nil, domain.RoleOperator, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, do(router, "").Code)
}

func TestErrorHandlerMapsCallErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.StateError{CallID: "c1", Status: domain.StatusActive, Action: "accept", Err: domain.ErrInvalidTransition}, 409, "INVALID_STATE"},
		{fmt.Errorf("start: %w", domain.ErrCallInProgress), 409, "CONFLICT"},
		{domain.ErrNoSuchCall, 404, "NOT_FOUND"},
		{domain.ErrCallRecordNotFound, 404, "NOT_FOUND"},
		{domain.ErrServiceClosed, 503, "SERVICE_UNAVAILABLE"},
		{&domain.TransportError{Op: "connect", Err: domain.ErrConnectFailed}, 503, "SERVICE_UNAVAILABLE"},
		{fmt.Errorf("list: %w", circuitbreaker.ErrOpen), 503, "SERVICE_UNAVAILABLE"},
		{fmt.Errorf("boom"), 500, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			router := newRouter(nil, domain.RoleViewer, func(c *gin.Context) { _ = c.Error(tc.err) })
			w := do(router, "")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/x", func(c *gin.Context) { panic("boom") })

	w := do(router, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, w))
}
