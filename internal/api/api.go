// Package api holds the echo handlers for issuance, renewal and challenge serving.
//
// Handlers read their collaborators from the echo context, where the server
// middleware stores them: "orders", "renewals", "store" and a request scoped "logger".
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

// Response statuses.
const (
	StatusIssued  = "issued"
	StatusPending = "http-01-pending"
)

type generateRequest struct {
	Domain        string           `json:"domain"`
	ChallengeType string           `json:"challengeType"`
	DNSConfig     *model.DNSConfig `json:"dnsConfig,omitempty"`
}

type verifyRequest struct {
	ChallengeURL string `json:"challengeUrl"`
	OrderURL     string `json:"orderUrl"`
	Domain       string `json:"domain"`
}

type finalizeRequest struct {
	OrderURL string `json:"orderUrl"`
	Domain   string `json:"domain"`
}

type renewRequest struct {
	Domain string `json:"domain"`
}

// issuedResponse and pendingResponse are the two shapes of a generate or renew result.
type issuedResponse struct {
	Status         string              `json:"status"`
	Domain         string              `json:"domain"`
	CertificatePEM string              `json:"certificatePem"`
	PrivateKeyPEM  string              `json:"privateKeyPem"`
	ChallengeType  model.ChallengeType `json:"challengeType"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	Message        string              `json:"message,omitempty"`
}

type pendingResponse struct {
	Status           string `json:"status"`
	Domain           string `json:"domain"`
	Token            string `json:"token"`
	KeyAuthorization string `json:"keyAuthorization"`
	ChallengeURL     string `json:"challengeUrl"`
	OrderURL         string `json:"orderUrl"`
	Message          string `json:"message"`
}

type verifyResponse struct {
	Status  model.VerifyStatus `json:"status"`
	Message string             `json:"message"`
}

func issued(cert *model.IssuedCertificate, message string) issuedResponse {
	return issuedResponse{
		Status:         StatusIssued,
		Domain:         cert.Domain,
		CertificatePEM: cert.CertificatePEM,
		PrivateKeyPEM:  cert.PrivateKeyPEM,
		ChallengeType:  cert.ChallengeType,
		ExpiresAt:      cert.ExpiresAt,
		Message:        message,
	}
}

func pending(p *model.PendingChallenge) pendingResponse {
	return pendingResponse{
		Status:           StatusPending,
		Domain:           p.Domain,
		Token:            p.Token,
		KeyAuthorization: p.KeyAuthorization,
		ChallengeURL:     p.ChallengeURL,
		OrderURL:         p.OrderURL,
		Message: "Serve keyAuthorization as text/plain at http://" + p.Domain +
			"/.well-known/acme-challenge/" + p.Token + ", then call verify-http-challenge.",
	}
}

func resultResponse(c echo.Context, res *issuance.Result, issuedMessage string) error {
	if res.Pending != nil {
		return c.JSON(http.StatusOK, pending(res.Pending))
	}
	return c.JSON(http.StatusOK, issued(res.Issued, issuedMessage))
}

// httpError maps issuance errors onto HTTP statuses. Unknown errors are logged
// and reported without internal detail.
func httpError(log *zap.Logger, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, issuance.ErrInvalidDomain),
		errors.Is(err, issuance.ErrInvalidChallengeType),
		errors.Is(err, issuance.ErrMissingCredentials),
		errors.Is(err, issuance.ErrInvalidCredentials),
		errors.Is(err, issuance.ErrUnsupportedDNSProvider),
		errors.Is(err, issuance.ErrChallengeUnavailable),
		errors.Is(err, issuance.ErrChallengeValidationFailed),
		errors.Is(err, issuance.ErrOrderNotReady),
		errors.Is(err, issuance.ErrDomainMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, issuance.ErrUnknownDomain),
		errors.Is(err, issuance.ErrPendingOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, issuance.ErrIssuanceInProgress):
		status = http.StatusConflict
	case errors.Is(err, issuance.ErrAcmeServer),
		errors.Is(err, issuance.ErrDNSProvider):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(status, "internal error")
	}
	log.Info("request rejected", zap.Int("status", status), zap.Error(err))
	return echo.NewHTTPError(status, err.Error())
}

func requestLogger(c echo.Context, handler string) *zap.Logger {
	l, ok := c.Get("logger").(*zap.Logger)
	if !ok {
		l = zap.NewNop()
	}
	return l.With(zap.String("handler", handler))
}

func orders(c echo.Context) *issuance.OrderCoordinator {
	return c.Get("orders").(*issuance.OrderCoordinator)
}

func renewals(c echo.Context) *issuance.RenewalCoordinator {
	return c.Get("renewals").(*issuance.RenewalCoordinator)
}

func store(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}
