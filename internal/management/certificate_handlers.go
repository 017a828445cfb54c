// Package management exposes read and cleanup endpoints over issued certificates
// and pending http-01 orders.
package management

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// --- Certificates ---

// certificateSummary is a CertificateRecord without its private key or DNS credential.
type certificateSummary struct {
	Domain         string              `json:"domain"`
	ChallengeType  model.ChallengeType `json:"challengeType"`
	DNSProvider    string              `json:"dnsProvider,omitempty"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	IssuedAt       time.Time           `json:"issuedAt"`
	CertificatePEM string              `json:"certificatePem,omitempty"`
}

func summarize(rec *model.CertificateRecord, withChain bool) certificateSummary {
	s := certificateSummary{
		Domain:        rec.Domain,
		ChallengeType: rec.ChallengeType,
		ExpiresAt:     rec.ExpiresAt,
		IssuedAt:      rec.IssuedAt,
	}
	if rec.DNSConfig != nil {
		s.DNSProvider = rec.DNSConfig.Provider
	}
	if withChain {
		s.CertificatePEM = rec.CertificatePEM
	}
	return s
}

// HandleListCertificates handles GET requests listing every stored certificate.
func HandleListCertificates(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListCertificates"))
	ctx := c.Request().Context()

	recs, err := store.ListCertificates(ctx)
	if err != nil {
		reqLogger.Error("Failed to list certificates from storage", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve certificates")
	}

	out := make([]certificateSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec, false))
	}
	return c.JSON(http.StatusOK, out)
}

// HandleGetCertificate handles GET requests for one domain's certificate chain.
func HandleGetCertificate(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleGetCertificate"))
	ctx := c.Request().Context()

	domainParam := c.Param("domain")
	domain, err := url.PathUnescape(domainParam)
	if err != nil {
		reqLogger.Warn("Failed to unescape domain parameter", zap.String("param", domainParam), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid domain parameter encoding: %v", err))
	}
	domain, err = issuance.NormalizeDomain(domain)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := store.GetCertificate(ctx, domain)
	if err != nil {
		reqLogger.Error("Failed to read certificate from storage", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve certificate")
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("No certificate for %s", domain))
	}
	return c.JSON(http.StatusOK, summarize(rec, true))
}

// --- Pending http-01 orders ---

type pendingSummary struct {
	ID               string    `json:"id"`
	Domain           string    `json:"domain"`
	Token            string    `json:"token"`
	KeyAuthorization string    `json:"keyAuthorization"`
	ChallengeURL     string    `json:"challengeUrl"`
	OrderURL         string    `json:"orderUrl"`
	CreatedAt        time.Time `json:"createdAt"`
}

// HandleListPending handles GET requests listing orders awaiting verify or finalize.
func HandleListPending(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListPending"))
	ctx := c.Request().Context()

	orders, err := store.ListPendingOrders(ctx)
	if err != nil {
		reqLogger.Error("Failed to list pending orders from storage", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve pending orders")
	}

	out := make([]pendingSummary, 0, len(orders))
	for _, o := range orders {
		out = append(out, pendingSummary{
			ID:               o.Key,
			Domain:           o.Domain,
			Token:            o.Token,
			KeyAuthorization: o.KeyAuthorization,
			ChallengeURL:     o.ChallengeURL,
			OrderURL:         o.OrderURL,
			CreatedAt:        o.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleDeletePending handles DELETE requests abandoning a pending order. Its
// challenge token is no longer served afterwards.
func HandleDeletePending(c echo.Context) error {
	orders := c.Get("orders").(*issuance.OrderCoordinator)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeletePending"))
	ctx := c.Request().Context()

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Pending order id cannot be empty")
	}

	err := orders.AbandonPendingOrder(ctx, id)
	if errors.Is(err, issuance.ErrPendingOrderNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Pending order not found")
	}
	if err != nil {
		reqLogger.Error("Failed to abandon pending order", zap.String("id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete pending order")
	}

	reqLogger.Info("Abandoned pending order", zap.String("id", id))
	return c.NoContent(http.StatusNoContent)
}
