package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func originFilterServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// The padded entry mimics a sloppy ALLOWED_ORIGINS env value.
	r.Use(OriginFilter([]string{"http://localhost:3000", " https://app.fitpulse.example "}))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doWithOrigin(t *testing.T, srv *httptest.Server, method, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+"/health", nil)
	require.NoError(t, err)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOriginFilter(t *testing.T) {
	srv := originFilterServer(t)

	resp := doWithOrigin(t, srv, http.MethodGet, "http://localhost:3000")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = doWithOrigin(t, srv, http.MethodGet, "http://evil.example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Requests without an Origin header (curl, server-to-server) pass.
	resp = doWithOrigin(t, srv, http.MethodGet, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Config whitespace around an origin does not change what matches.
	resp = doWithOrigin(t, srv, http.MethodGet, "https://app.fitpulse.example")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doWithOrigin(t, srv, http.MethodOptions, "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))

	// Preflight from an unknown origin is refused outright.
	resp = doWithOrigin(t, srv, http.MethodOptions, "http://evil.example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
