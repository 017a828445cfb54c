package api

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/model"
)

// RFC 8555 tokens are base64url without padding.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HandleGenerate starts an issuance. dns-01 returns the certificate, http-01
// returns the challenge the operator must publish.
func HandleGenerate(c echo.Context) error {
	reqLogger := requestLogger(c, "HandleGenerate")

	var req generateRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	reqLogger = reqLogger.With(zap.String("domain", req.Domain), zap.String("challenge_type", req.ChallengeType))

	res, err := orders(c).Issue(c.Request().Context(), issuance.IssueRequest{
		Domain:        req.Domain,
		ChallengeType: model.ChallengeType(req.ChallengeType),
		DNS:           req.DNSConfig,
	})
	if err != nil {
		return httpError(reqLogger, err)
	}
	return resultResponse(c, res, "Certificate issued.")
}

// HandleVerifyHTTPChallenge asks the ACME server to validate a pending http-01
// challenge. A failed validation is answered with 400 and status "invalid".
func HandleVerifyHTTPChallenge(c echo.Context) error {
	reqLogger := requestLogger(c, "HandleVerifyHTTPChallenge")

	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	if req.OrderURL == "" || req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "orderUrl and domain are required")
	}
	reqLogger = reqLogger.With(zap.String("domain", req.Domain), zap.String("order", req.OrderURL))

	res, err := orders(c).VerifyHTTPChallenge(c.Request().Context(), issuance.VerifyRequest{
		ChallengeURL: req.ChallengeURL,
		OrderURL:     req.OrderURL,
		Domain:       req.Domain,
	})
	if err != nil {
		return httpError(reqLogger, err)
	}

	code := http.StatusOK
	if res.Status == model.VerifyInvalid {
		code = http.StatusBadRequest
	}
	return c.JSON(code, verifyResponse{Status: res.Status, Message: res.Message})
}

// HandleFinalizeCertificate completes a verified http-01 order.
func HandleFinalizeCertificate(c echo.Context) error {
	reqLogger := requestLogger(c, "HandleFinalizeCertificate")

	var req finalizeRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	if req.OrderURL == "" || req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "orderUrl and domain are required")
	}
	reqLogger = reqLogger.With(zap.String("domain", req.Domain), zap.String("order", req.OrderURL))

	cert, err := orders(c).FinalizeHTTPOrder(c.Request().Context(), issuance.FinalizeRequest{
		OrderURL: req.OrderURL,
		Domain:   req.Domain,
	})
	if err != nil {
		return httpError(reqLogger, err)
	}
	return c.JSON(http.StatusOK, issued(cert, "Certificate issued."))
}

// HandleRenewCertificate renews with the method recorded for the domain.
func HandleRenewCertificate(c echo.Context) error {
	reqLogger := requestLogger(c, "HandleRenewCertificate")

	var req renewRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}
	reqLogger = reqLogger.With(zap.String("domain", req.Domain))

	res, err := renewals(c).Renew(c.Request().Context(), req.Domain)
	if err != nil {
		return httpError(reqLogger, err)
	}
	return resultResponse(c, res, "Certificate renewed.")
}

// HandleChallengeToken serves the stored key authorization for an http-01 token.
func HandleChallengeToken(c echo.Context) error {
	reqLogger := requestLogger(c, "HandleChallengeToken")

	token := c.Param("token")
	if !tokenPattern.MatchString(token) {
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed challenge token")
	}

	cr, err := store(c).GetChallengeResponse(c.Request().Context(), token)
	if err != nil {
		reqLogger.Error("Failed to read challenge response", zap.String("token", token), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read challenge response")
	}
	if cr == nil {
		reqLogger.Debug("Unknown challenge token", zap.String("token", token))
		return echo.NewHTTPError(http.StatusNotFound, "Unknown challenge token")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	reqLogger.Info("Served challenge response", zap.String("token", token))
	return c.String(http.StatusOK, cr.KeyAuthorization)
}
