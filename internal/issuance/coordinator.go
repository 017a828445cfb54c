// Package issuance drives ACME orders from creation to a stored certificate.
//
// OrderCoordinator owns one issuance attempt and dispatches to a ChallengeStrategy:
// DNS01Strategy finishes inside the request, HTTP01Strategy stops after storing a
// pending order and is resumed by VerifyHTTPChallenge and FinalizeHTTPOrder.
// RenewalCoordinator replays the configuration stored with the last certificate.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "issuance"))
}

type IssueRequest struct {
	Domain        string
	ChallengeType model.ChallengeType
	DNS           *model.DNSConfig // required for dns-01
}

// Result holds exactly one of Issued or Pending.
type Result struct {
	Issued  *model.IssuedCertificate
	Pending *model.PendingChallenge
}

type VerifyRequest struct {
	ChallengeURL string
	OrderURL     string
	Domain       string
}

type VerifyResult struct {
	Status  model.VerifyStatus
	Message string
}

type FinalizeRequest struct {
	OrderURL string
	Domain   string
}

type Options struct {
	KeyType string // lego certcrypto key type for certificate keys
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type OrderCoordinator struct {
	acme      acme.Client
	store     storage.Storage
	providers *dnsprovider.Registry
	dns01     *DNS01Strategy
	http01    *HTTP01Strategy
	finisher  *finisher
	keyType   string
	metrics   *metrics.Metrics
	locks     *domainLocks
	now       func() time.Time
}

func NewOrderCoordinator(client acme.Client, store storage.Storage, providers *dnsprovider.Registry, propagation PropagationWaiter, opts Options) *OrderCoordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyType == "" {
		opts.KeyType = "2048"
	}
	return &OrderCoordinator{
		acme:      client,
		store:     store,
		providers: providers,
		dns01:     NewDNS01Strategy(client, propagation, opts.Metrics),
		http01:    NewHTTP01Strategy(client, store, opts.Now),
		finisher:  &finisher{acme: client, store: store, now: opts.Now},
		keyType:   opts.KeyType,
		metrics:   opts.Metrics,
		locks:     newDomainLocks(),
		now:       opts.Now,
	}
}

func (c *OrderCoordinator) strategy(t model.ChallengeType) (ChallengeStrategy, error) {
	switch t {
	case model.ChallengeDNS01:
		return c.dns01, nil
	case model.ChallengeHTTP01:
		return c.http01, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidChallengeType, t)
}

// Issue runs one issuance attempt. Input is validated before any network call.
// A dns-01 attempt returns an issued certificate; an http-01 attempt returns the
// pending challenge the operator has to publish.
func (c *OrderCoordinator) Issue(ctx context.Context, req IssueRequest) (*Result, error) {
	domain, err := NormalizeDomain(req.Domain)
	if err != nil {
		return nil, err
	}
	strategy, err := c.strategy(req.ChallengeType)
	if err != nil {
		return nil, err
	}
	provider, err := c.provider(req)
	if err != nil {
		return nil, err
	}

	if !c.locks.tryLock(domain) {
		return nil, fmt.Errorf("%w: %s", ErrIssuanceInProgress, domain)
	}
	defer c.locks.unlock(domain)

	start := c.now()
	res, err := c.issue(ctx, domain, strategy, req.DNS, provider)
	outcome := metrics.OutcomeFailed
	switch {
	case err != nil:
		logger.Error("issuance failed", zap.String("domain", domain), zap.String("challenge_type", string(req.ChallengeType)), zap.Error(err))
	case res.Pending != nil:
		outcome = metrics.OutcomePending
	default:
		outcome = metrics.OutcomeIssued
	}
	c.metrics.ObserveIssue(string(req.ChallengeType), outcome, c.now().Sub(start).Seconds())
	return res, err
}

func (c *OrderCoordinator) provider(req IssueRequest) (dnsprovider.Provider, error) {
	if req.ChallengeType != model.ChallengeDNS01 {
		return nil, nil
	}
	if req.DNS == nil || req.DNS.Provider == "" || req.DNS.APIKey == "" {
		return nil, ErrMissingCredentials
	}
	if c.providers == nil || !c.providers.Supports(req.DNS.Provider) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDNSProvider, req.DNS.Provider)
	}
	p, err := c.providers.New(req.DNS.Provider, req.DNS.APIKey)
	switch {
	case errors.Is(err, dnsprovider.ErrInvalidCredentials):
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDNSProvider, err)
	}
	return p, nil
}

func (c *OrderCoordinator) issue(ctx context.Context, domain string, strategy ChallengeStrategy, dns *model.DNSConfig, provider dnsprovider.Provider) (*Result, error) {
	log := logger.With(zap.String("domain", domain), zap.String("challenge_type", string(strategy.Type())))

	if err := c.acme.EnsureAccount(ctx); err != nil {
		return nil, acmeError("account setup", err)
	}

	key, err := certutil.GenerateKey(c.keyType)
	if err != nil {
		return nil, err
	}
	keyPEM, err := certutil.EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	csr, err := certutil.CreateCSR(key, domain)
	if err != nil {
		return nil, err
	}

	order, err := c.acme.CreateOrder(ctx, domain)
	if err != nil {
		return nil, acmeError("create order", err)
	}
	log = log.With(zap.String("order", order.URL))
	log.Info("order created")

	authzs, err := c.acme.GetAuthorizations(ctx, order)
	if err != nil {
		return nil, acmeError("get authorizations", err)
	}
	authz, err := findAuthorization(authzs, domain)
	if err != nil {
		return nil, err
	}

	fin := finishInput{
		Domain:        domain,
		Order:         order,
		CSR:           csr,
		Key:           key,
		KeyPEM:        keyPEM,
		ChallengeType: strategy.Type(),
		DNS:           dns,
	}
	if authz.Status == acme.StatusValid {
		// Reused authorization from an earlier validation; no challenge to satisfy.
		log.Info("authorization already valid, finalizing")
		issued, err := c.finisher.finish(ctx, fin)
		if err != nil {
			return nil, err
		}
		return &Result{Issued: issued}, nil
	}

	ch, err := selectChallenge(authz, domain, strategy.Type())
	if err != nil {
		return nil, err
	}
	keyAuth, err := c.acme.KeyAuthorization(ctx, ch.Token)
	if err != nil {
		return nil, fmt.Errorf("issuance: failed to compute key authorization: %w", err)
	}

	a := &attempt{
		Domain:           domain,
		Order:            order,
		Authorization:    authz,
		Challenge:        ch,
		KeyAuthorization: keyAuth,
		Key:              key,
		KeyPEM:           keyPEM,
		CSR:              csr,
		DNS:              dns,
		Provider:         provider,
	}
	pending, err := strategy.Initiate(ctx, a)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return &Result{Pending: pending}, nil
	}

	issued, err := c.finisher.finish(ctx, fin)
	if err != nil {
		return nil, err
	}
	return &Result{Issued: issued}, nil
}

// findAuthorization returns the authorization covering domain.
func findAuthorization(authzs []*acme.Authorization, domain string) (*acme.Authorization, error) {
	for _, authz := range authzs {
		if authz.Domain == "" || authz.Domain == domain {
			return authz, nil
		}
	}
	return nil, fmt.Errorf("%w: no authorization for %s", ErrChallengeUnavailable, domain)
}

// selectChallenge returns the challenge of type t offered by authz.
func selectChallenge(authz *acme.Authorization, domain string, t model.ChallengeType) (*acme.Challenge, error) {
	if ch := authz.Find(string(t)); ch != nil {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrChallengeUnavailable, t, domain)
}

// pendingFor loads the pending order for orderURL and checks it belongs to domain.
func (c *OrderCoordinator) pendingFor(ctx context.Context, orderURL, domain string) (*model.PendingOrder, error) {
	if orderURL == "" {
		return nil, fmt.Errorf("%w: orderUrl is required", ErrPendingOrderNotFound)
	}
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	pending, err := c.store.GetPendingOrder(ctx, storage.PendingOrderKey(orderURL))
	if err != nil {
		return nil, fmt.Errorf("issuance: failed to load pending order: %w", err)
	}
	if pending == nil {
		return nil, fmt.Errorf("%w: %s", ErrPendingOrderNotFound, orderURL)
	}
	if pending.Domain != domain {
		return nil, fmt.Errorf("%w: order belongs to %s, not %s", ErrDomainMismatch, pending.Domain, domain)
	}
	return pending, nil
}

// VerifyHTTPChallenge is phase B of the http-01 flow. The pending order is kept
// whatever the outcome.
func (c *OrderCoordinator) VerifyHTTPChallenge(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	pending, err := c.pendingFor(ctx, req.OrderURL, req.Domain)
	if err != nil {
		return nil, err
	}
	if req.ChallengeURL != "" && req.ChallengeURL != pending.ChallengeURL {
		return nil, fmt.Errorf("%w: challenge URL is not part of order %s", ErrDomainMismatch, req.OrderURL)
	}

	status, msg, err := c.http01.Verify(ctx, pending)
	if err != nil {
		c.metrics.ObserveVerification("error")
		return nil, err
	}
	c.metrics.ObserveVerification(string(status))
	return &VerifyResult{Status: status, Message: msg}, nil
}

// FinalizeHTTPOrder is phase C of the http-01 flow.
func (c *OrderCoordinator) FinalizeHTTPOrder(ctx context.Context, req FinalizeRequest) (*model.IssuedCertificate, error) {
	pending, err := c.pendingFor(ctx, req.OrderURL, req.Domain)
	if err != nil {
		return nil, err
	}
	if !c.locks.tryLock(pending.Domain) {
		return nil, fmt.Errorf("%w: %s", ErrIssuanceInProgress, pending.Domain)
	}
	defer c.locks.unlock(pending.Domain)

	start := c.now()
	issued, err := c.http01.Finalize(ctx, pending)
	outcome := metrics.OutcomeIssued
	if err != nil {
		outcome = metrics.OutcomeFailed
		logger.Error("finalize failed", zap.String("domain", pending.Domain), zap.String("order", pending.OrderURL), zap.Error(err))
	}
	c.metrics.ObserveIssue(string(model.ChallengeHTTP01), outcome, c.now().Sub(start).Seconds())
	return issued, err
}

// AbandonPendingOrder definitively gives up on a pending http-01 order. Its
// challenge token stops being served.
func (c *OrderCoordinator) AbandonPendingOrder(ctx context.Context, key string) error {
	pending, err := c.store.GetPendingOrder(ctx, key)
	if err != nil {
		return fmt.Errorf("issuance: failed to load pending order: %w", err)
	}
	if pending == nil {
		return fmt.Errorf("%w: %s", ErrPendingOrderNotFound, key)
	}
	if err := c.store.DeletePendingOrder(ctx, key); err != nil {
		return fmt.Errorf("issuance: failed to delete pending order %s: %w", key, err)
	}
	logger.Info("pending order abandoned", zap.String("domain", pending.Domain), zap.String("order", pending.OrderURL))
	return nil
}
