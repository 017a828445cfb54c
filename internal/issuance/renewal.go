package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

// RenewalCoordinator re-runs issuance with the method recorded for a domain.
type RenewalCoordinator struct {
	store   storage.CertificateStore
	orders  *OrderCoordinator
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRenewalCoordinator(store storage.CertificateStore, orders *OrderCoordinator, m *metrics.Metrics) *RenewalCoordinator {
	return &RenewalCoordinator{store: store, orders: orders, metrics: m, now: orders.now}
}

// Renew never switches challenge type. An http-01 renewal returns a new pending
// challenge and the manual flow has to be repeated.
func (r *RenewalCoordinator) Renew(ctx context.Context, domain string) (*Result, error) {
	name, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	rec, err := r.store.GetCertificate(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("issuance: failed to load certificate record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}

	req := IssueRequest{Domain: rec.Domain, ChallengeType: rec.ChallengeType}
	if rec.ChallengeType == model.ChallengeDNS01 {
		if rec.DNSConfig == nil || rec.DNSConfig.Provider == "" || rec.DNSConfig.APIKey == "" {
			r.metrics.ObserveRenewal(string(rec.ChallengeType), metrics.OutcomeFailed)
			return nil, fmt.Errorf("%w: stored record for %s has no DNS credentials", ErrMissingCredentials, name)
		}
		dns := *rec.DNSConfig
		req.DNS = &dns
	}

	logger.Info("renewing certificate", zap.String("domain", name), zap.String("challenge_type", string(rec.ChallengeType)), zap.Time("expires_at", rec.ExpiresAt))
	res, err := r.orders.Issue(ctx, req)
	outcome := metrics.OutcomeFailed
	switch {
	case err != nil:
	case res.Pending != nil:
		outcome = metrics.OutcomePending
	default:
		outcome = metrics.OutcomeIssued
	}
	r.metrics.ObserveRenewal(string(rec.ChallengeType), outcome)
	return res, err
}

// RenewDue renews every dns-01 certificate that expires within window. http-01
// certificates need an operator and are skipped. Failures for one domain do not
// stop the others; they are returned joined.
func (r *RenewalCoordinator) RenewDue(ctx context.Context, window time.Duration) ([]string, error) {
	recs, err := r.store.ListCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("issuance: failed to list certificates: %w", err)
	}

	deadline := r.now().Add(window)
	var renewed []string
	var errs []error
	for _, rec := range recs {
		if rec.ChallengeType != model.ChallengeDNS01 || rec.ExpiresAt.After(deadline) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := r.Renew(ctx, rec.Domain); err != nil {
			logger.Warn("automatic renewal failed", zap.String("domain", rec.Domain), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", rec.Domain, err))
			continue
		}
		renewed = append(renewed, rec.Domain)
	}
	return renewed, errors.Join(errs...)
}
