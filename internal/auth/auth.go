package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HeaderAPIKey carries the management API key.
const HeaderAPIKey = "X-API-Key"

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "auth"))
}

// APIKeyAuthMiddleware accepts requests whose X-API-Key header matches one of keys.
// With no keys configured every request is let through.
func APIKeyAuthMiddleware(keys []string) echo.MiddlewareFunc {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			accepted = append(accepted, []byte(k))
		}
	}
	if len(accepted) == 0 {
		logger.Warn("no API keys configured, management API is unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + HeaderAPIKey,
		Validator: func(key string, c echo.Context) (bool, error) {
			for _, a := range accepted {
				if subtle.ConstantTimeCompare([]byte(key), a) == 1 {
					return true, nil
				}
			}
			if l, ok := c.Get("logger").(*zap.Logger); ok {
				l.Warn("rejected API key", zap.String("path", c.Path()))
			}
			return false, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
		},
	})
}
