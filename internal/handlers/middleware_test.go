package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestID_Generated(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestID_HonorsCallerSupplied(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "caller-id-1")
	router.ServeHTTP(w, req)

	assert.Equal(t, "caller-id-1", w.Header().Get(RequestIDHeader))
}

func TestInternalAuth(t *testing.T) {
	router := gin.New()
	internal := router.Group("/internal")
	internal.Use(InternalAuth("secret-token"))
	internal.POST("/sessions/:id/container_ready", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer secret-token", http.StatusOK},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/sessions/sess_1/container_ready", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	created := time.Date(2026, 7, 1, 12, 30, 45, 123456789, time.UTC)

	cursor := encodeCursor(created, "sess_abc")
	ts, id, err := decodeCursor(cursor)

	require.NoError(t, err)
	assert.True(t, created.Equal(ts))
	assert.Equal(t, "sess_abc", id)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	_, _, err := decodeCursor("not base64!!")
	assert.Error(t, err)

	_, _, err = decodeCursor("bm8tcGlwZQ") // valid base64, no separator
	assert.Error(t, err)
}
