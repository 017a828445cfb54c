package issuance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/model"
)

const dnsCleanupTimeout = 30 * time.Second

// PropagationWaiter blocks until a TXT record is visible to the validating CA.
type PropagationWaiter interface {
	Wait(ctx context.Context, fqdn, value string) error
}

// DNS01Strategy publishes the TXT record, waits for it to propagate and has the
// ACME server validate it, all within the calling request.
type DNS01Strategy struct {
	acme        acme.Client
	propagation PropagationWaiter
	metrics     *metrics.Metrics
}

func NewDNS01Strategy(client acme.Client, propagation PropagationWaiter, m *metrics.Metrics) *DNS01Strategy {
	return &DNS01Strategy{acme: client, propagation: propagation, metrics: m}
}

func (s *DNS01Strategy) Type() model.ChallengeType { return model.ChallengeDNS01 }

func (s *DNS01Strategy) Initiate(ctx context.Context, a *attempt) (*model.PendingChallenge, error) {
	if a.Provider == nil {
		return nil, ErrMissingCredentials
	}
	rec := dnsprovider.NewRecord(a.Domain, a.Challenge.Token, a.KeyAuthorization)
	log := logger.With(zap.String("domain", a.Domain), zap.String("provider", a.Provider.Name()), zap.String("fqdn", rec.FQDN))

	// A provider may fail after the record already exists, so cleanup is armed first.
	defer s.removeRecord(ctx, a.Provider, rec, log)
	if err := a.Provider.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: failed to publish dns-01 record: %w", ErrDNSProvider, err)
	}

	log.Info("waiting for TXT record propagation")
	if err := s.propagation.Wait(ctx, rec.FQDN, rec.Value); err != nil {
		return nil, fmt.Errorf("%w: dns-01 record for %s never became visible: %w", ErrDNSProvider, a.Domain, err)
	}

	if err := s.acme.CompleteChallenge(ctx, a.Challenge); err != nil {
		return nil, acmeError("accept challenge", err)
	}
	if err := s.acme.WaitForValidStatus(ctx, a.Authorization.URL); err != nil {
		return nil, acmeError("wait for authorization", err)
	}
	log.Info("dns-01 challenge validated")
	return nil, nil
}

// removeRecord runs on every exit path. Its failure is logged and never replaces
// the validation outcome.
func (s *DNS01Strategy) removeRecord(ctx context.Context, p dnsprovider.Provider, rec dnsprovider.Record, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dnsCleanupTimeout)
	defer cancel()
	if err := p.RemoveRecord(ctx, rec); err != nil {
		s.metrics.ObserveDNSCleanup(false)
		log.Warn("failed to remove dns-01 record", zap.Error(err))
		return
	}
	s.metrics.ObserveDNSCleanup(true)
	log.Debug("dns-01 record removed")
}
