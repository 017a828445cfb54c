package server

import (
	"errors"
	"net/http"

	"github.com/blockadesystems/certforge/internal/api"
	"github.com/blockadesystems/certforge/internal/auth"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/management"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/storage"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error string `json:"error"`
}

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, orders *issuance.OrderCoordinator, renewals *issuance.RenewalCoordinator, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.HTTPErrorHandler = jsonErrorHandler(e)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	// Middleware to set context values
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("orders", orders)
			c.Set("renewals", renewals)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// jsonErrorHandler renders errors as {"error": "..."}. Bodies that a handler
// already wrote, such as an invalid verify outcome, are left alone.
func jsonErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else if l, ok := c.Get("logger").(*zap.Logger); ok {
			l.Error("Unhandled error", zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, errorBody{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

// SetupRouter defines the routes of the challenge listener and the API listener.
func SetupRouter(challengeInstance, apiInstance *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	// --- Challenge listener (plain HTTP, reached by the ACME server) ---
	challengeInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certforge challenge responder")
	})
	challengeInstance.GET("/.well-known/acme-challenge/:token", api.HandleChallengeToken)
	challengeInstance.GET("/api/v1/acme-challenge/:token", api.HandleChallengeToken)

	// --- API listener ---
	apiInstance.GET("/healthz", func(c echo.Context) error {
		store := c.Get("store").(storage.Storage)
		if err := store.Ping(c.Request().Context()); err != nil {
			c.Get("logger").(*zap.Logger).Warn("Health check failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	apiInstance.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiGroup := apiInstance.Group("/api/v1")
	apiGroup.Use(auth.APIKeyAuthMiddleware(cfg.APIKeys))

	apiGroup.POST("/generate", api.HandleGenerate)
	apiGroup.POST("/verify-http-challenge", api.HandleVerifyHTTPChallenge)
	apiGroup.POST("/finalize-certificate", api.HandleFinalizeCertificate)
	apiGroup.POST("/renew-certificate", api.HandleRenewCertificate)

	// Management routes
	apiGroup.GET("/certificates", management.HandleListCertificates)
	apiGroup.GET("/certificates/:domain", management.HandleGetCertificate)
	apiGroup.GET("/pending", management.HandleListPending)
	apiGroup.DELETE("/pending/:id", management.HandleDeletePending)
}
