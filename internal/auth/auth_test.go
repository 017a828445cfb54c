package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEcho(keys []string) *echo.Echo {
	e := echo.New()
	e.Use(APIKeyAuthMiddleware(keys))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	return e
}

func do(e *echo.Echo, key string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if key != "" {
		req.Header.Set(HeaderAPIKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestAPIKeyAuth(t *testing.T) {
	e := newEcho([]string{"alpha", "beta"})
	assert.Equal(t, http.StatusOK, do(e, "alpha"))
	assert.Equal(t, http.StatusOK, do(e, "beta"))
	assert.Equal(t, http.StatusUnauthorized, do(e, "gamma"))
	assert.Equal(t, http.StatusUnauthorized, do(e, ""))
}

func TestAPIKeyAuthDisabledWithoutKeys(t *testing.T) {
	e := newEcho([]string{""})
	assert.Equal(t, http.StatusOK, do(e, ""))
}

func TestPackageLoggerIsLiveAtInit(t *testing.T) {
	// init runs before main installs a global logger.
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestWarnsWhenUnauthenticated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	saved := logger
	logger = zap.New(core)
	t.Cleanup(func() { logger = saved })

	newEcho(nil)
	assert.Equal(t, 1, logs.FilterMessageSnippet("unauthenticated").Len())

	newEcho([]string{"alpha"})
	assert.Equal(t, 1, logs.Len())
}
