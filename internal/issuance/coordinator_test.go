package issuance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/acme/acmetest"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

type harness struct {
	acme        *acmetest.Fake
	dns         *memoryDNS
	propagation *fakePropagation
	store       storage.Storage
	orders      *OrderCoordinator
	renewals    *RenewalCoordinator
	clock       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger = zaptest.NewLogger(t)

	kv, err := storage.NewDirKV(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		acme:        acmetest.New(t),
		dns:         newMemoryDNS(),
		propagation: &fakePropagation{},
		store:       storage.NewKVStorage(kv),
		clock:       time.Now(),
	}

	registry := dnsprovider.NewRegistry()
	registry.Register("cloudflare", func(string) (dnsprovider.Provider, error) { return h.dns, nil })

	h.orders = NewOrderCoordinator(h.acme, h.store, registry, h.propagation, Options{
		KeyType: "P256",
		Metrics: metrics.New(),
		Now:     func() time.Time { return h.clock },
	})
	h.renewals = NewRenewalCoordinator(h.store, h.orders, metrics.New())
	return h
}

func dnsRequest(domain string) IssueRequest {
	return IssueRequest{
		Domain:        domain,
		ChallengeType: model.ChallengeDNS01,
		DNS:           &model.DNSConfig{Provider: "cloudflare", APIKey: "k"},
	}
}

// servesKeyAuthorization validates http-01 the way a CA would: the stored
// challenge response for the token must equal the key authorization.
func servesKeyAuthorization(t *testing.T, store storage.ChallengeResponseStore) func(o *acmetest.Order) error {
	return func(o *acmetest.Order) error {
		token := o.Token("http-01")
		cr, err := store.GetChallengeResponse(context.Background(), token)
		require.NoError(t, err)
		if cr == nil || cr.KeyAuthorization != token+acmetest.KeyAuthSuffix {
			return fmt.Errorf("invalid response from http://%s/.well-known/acme-challenge/%s: 404", o.Domain, token)
		}
		return nil
	}
}

func TestIssueDNS01(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acme.Validate = func(o *acmetest.Order) error {
		want := dnsprovider.NewRecord(o.Domain, o.Token("dns-01"), o.Token("dns-01")+acmetest.KeyAuthSuffix)
		if v, ok := h.dns.lookup(want.FQDN); !ok || v != want.Value {
			return errors.New("no TXT record found")
		}
		return nil
	}

	res, err := h.orders.Issue(ctx, dnsRequest("Example.COM"))
	require.NoError(t, err)
	require.NotNil(t, res.Issued)
	assert.Nil(t, res.Pending)
	assert.Equal(t, "example.com", res.Issued.Domain)
	assert.Equal(t, model.ChallengeDNS01, res.Issued.ChallengeType)
	assert.True(t, res.Issued.ExpiresAt.After(time.Now()))
	assert.Contains(t, res.Issued.CertificatePEM, "BEGIN CERTIFICATE")
	assert.Contains(t, res.Issued.PrivateKeyPEM, "PRIVATE KEY")

	assert.Equal(t, 1, h.dns.created)
	assert.Equal(t, 1, h.dns.removed)
	require.Len(t, h.propagation.waits, 1)
	assert.Contains(t, h.propagation.waits[0], "_acme-challenge.example.com.=")

	rec, err := h.store.GetCertificate(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ChallengeDNS01, rec.ChallengeType)
	require.NotNil(t, rec.DNSConfig)
	assert.Equal(t, "cloudflare", rec.DNSConfig.Provider)
	assert.Equal(t, res.Issued.CertificatePEM, rec.CertificatePEM)

	pending, err := h.store.ListPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIssueHTTP01ThreePhases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acme.Validate = servesKeyAuthorization(t, h.store)

	res, err := h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Nil(t, res.Issued)
	p := res.Pending
	assert.Equal(t, "example.org", p.Domain)
	assert.Equal(t, p.Token+acmetest.KeyAuthSuffix, p.KeyAuthorization)
	assert.Zero(t, h.acme.AcceptCalls, "initiate must not ask the server to validate")

	cr, err := h.store.GetChallengeResponse(ctx, p.Token)
	require.NoError(t, err)
	require.NotNil(t, cr)
	assert.Equal(t, p.KeyAuthorization, cr.KeyAuthorization)

	// Finalizing before verification is refused.
	_, err = h.orders.FinalizeHTTPOrder(ctx, FinalizeRequest{OrderURL: p.OrderURL, Domain: "example.org"})
	require.ErrorIs(t, err, ErrOrderNotReady)

	vr, err := h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{ChallengeURL: p.ChallengeURL, OrderURL: p.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.VerifyValid, vr.Status)

	// Verifying again is idempotent and keeps the pending order.
	vr, err = h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{ChallengeURL: p.ChallengeURL, OrderURL: p.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.VerifyValid, vr.Status)
	assert.Equal(t, 1, h.acme.AcceptCalls)
	list, err := h.store.ListPendingOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	issued, err := h.orders.FinalizeHTTPOrder(ctx, FinalizeRequest{OrderURL: p.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeHTTP01, issued.ChallengeType)
	assert.True(t, issued.ExpiresAt.After(time.Now()))

	cr, err = h.store.GetChallengeResponse(ctx, p.Token)
	require.NoError(t, err)
	assert.Nil(t, cr, "token must not be served after issuance")
	got, err := h.store.GetPendingOrder(ctx, storage.PendingOrderKey(p.OrderURL))
	require.NoError(t, err)
	assert.Nil(t, got)

	rec, err := h.store.GetCertificate(ctx, "example.org")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.ChallengeHTTP01, rec.ChallengeType)
	assert.Nil(t, rec.DNSConfig)

	// The pending state is gone, so a repeated finalize cannot find it.
	_, err = h.orders.FinalizeHTTPOrder(ctx, FinalizeRequest{OrderURL: p.OrderURL, Domain: "example.org"})
	assert.ErrorIs(t, err, ErrPendingOrderNotFound)
}

func TestVerifyInvalidIsAnOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acme.Validate = func(o *acmetest.Order) error {
		return errors.New("invalid response from http://example.org/.well-known/acme-challenge/x: 404")
	}

	res, err := h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	p := res.Pending

	vr, err := h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{ChallengeURL: p.ChallengeURL, OrderURL: p.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.VerifyInvalid, vr.Status)
	assert.Contains(t, vr.Message, "404")

	// Still pending and still served so the operator can retry.
	cr, err := h.store.GetChallengeResponse(ctx, p.Token)
	require.NoError(t, err)
	assert.NotNil(t, cr)

	vr, err = h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{OrderURL: p.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.VerifyInvalid, vr.Status)
}

func TestVerifyRejectsMismatchedRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	p := res.Pending

	_, err = h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{ChallengeURL: p.ChallengeURL, OrderURL: p.OrderURL, Domain: "example.net"})
	assert.ErrorIs(t, err, ErrDomainMismatch)

	_, err = h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{ChallengeURL: "https://acme.test/other", OrderURL: p.OrderURL, Domain: "example.org"})
	assert.ErrorIs(t, err, ErrDomainMismatch)

	_, err = h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{OrderURL: "https://acme.test/order/404", Domain: "example.org"})
	assert.ErrorIs(t, err, ErrPendingOrderNotFound)

	_, err = h.orders.FinalizeHTTPOrder(ctx, FinalizeRequest{OrderURL: p.OrderURL, Domain: "example.net"})
	assert.ErrorIs(t, err, ErrDomainMismatch)
	assert.Zero(t, h.acme.AcceptCalls)
}

func TestIssueRejectsBadInputBeforeNetwork(t *testing.T) {
	tests := []struct {
		name string
		req  IssueRequest
		want error
	}{
		{"empty domain", IssueRequest{Domain: "", ChallengeType: model.ChallengeHTTP01}, ErrInvalidDomain},
		{"wildcard", IssueRequest{Domain: "*.example.com", ChallengeType: model.ChallengeHTTP01}, ErrInvalidDomain},
		{"spaces", IssueRequest{Domain: "exa mple.com", ChallengeType: model.ChallengeHTTP01}, ErrInvalidDomain},
		{"unknown method", IssueRequest{Domain: "example.com", ChallengeType: "tls-alpn-01"}, ErrInvalidChallengeType},
		{"dns without credentials", IssueRequest{Domain: "example.com", ChallengeType: model.ChallengeDNS01}, ErrMissingCredentials},
		{"dns without key", IssueRequest{Domain: "example.com", ChallengeType: model.ChallengeDNS01, DNS: &model.DNSConfig{Provider: "cloudflare"}}, ErrMissingCredentials},
		{"unsupported provider", IssueRequest{Domain: "example.com", ChallengeType: model.ChallengeDNS01, DNS: &model.DNSConfig{Provider: "route53", APIKey: "k"}}, ErrUnsupportedDNSProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orders.Issue(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, h.acme.EnsureCalls)
			assert.Zero(t, h.acme.CreateOrderCalls)
			assert.Zero(t, h.dns.created)
		})
	}
}

func TestDNS01ValidationFailureRemovesRecord(t *testing.T) {
	h := newHarness(t)
	h.acme.Validate = func(*acmetest.Order) error { return errors.New("incorrect TXT record") }

	_, err := h.orders.Issue(context.Background(), dnsRequest("example.com"))
	require.ErrorIs(t, err, ErrChallengeValidationFailed)
	assert.Contains(t, err.Error(), "incorrect TXT record")
	assert.Equal(t, 1, h.dns.created)
	assert.Equal(t, 1, h.dns.removed)
	assert.Zero(t, h.acme.FinalizeCalls)

	rec, err := h.store.GetCertificate(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDNS01PropagationFailureRemovesRecord(t *testing.T) {
	h := newHarness(t)
	h.propagation.err = dnsprovider.ErrPropagationTimeout

	_, err := h.orders.Issue(context.Background(), dnsRequest("example.com"))
	require.ErrorIs(t, err, dnsprovider.ErrPropagationTimeout)
	assert.Equal(t, 1, h.dns.removed)
	assert.Zero(t, h.acme.AcceptCalls, "the server must not be asked to validate an invisible record")
}

func TestDNS01CleanupFailureDoesNotMaskSuccess(t *testing.T) {
	h := newHarness(t)
	h.dns.removeErr = errors.New("api unavailable")

	res, err := h.orders.Issue(context.Background(), dnsRequest("example.com"))
	require.NoError(t, err)
	require.NotNil(t, res.Issued)
	assert.Equal(t, 1, h.dns.removed)
}

func TestIssueChallengeUnavailable(t *testing.T) {
	h := newHarness(t)
	h.acme.Offer = []string{"dns-01"}

	_, err := h.orders.Issue(context.Background(), IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.ErrorIs(t, err, ErrChallengeUnavailable)

	list, err := h.store.ListPendingOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIssueMapsAccountFailure(t *testing.T) {
	h := newHarness(t)
	h.acme.EnsureErr = fmt.Errorf("acme: account registration: %w: dial tcp: i/o timeout", acme.ErrTransport)

	_, err := h.orders.Issue(context.Background(), IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.ErrorIs(t, err, ErrAcmeServer)
	assert.Zero(t, h.acme.CreateOrderCalls)
}

func TestIssueSameDomainInProgress(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.orders.locks.tryLock("example.org"))

	_, err := h.orders.Issue(context.Background(), IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.ErrorIs(t, err, ErrIssuanceInProgress)

	// Other domains are unaffected.
	_, err = h.orders.Issue(context.Background(), IssueRequest{Domain: "example.net", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)

	h.orders.locks.unlock("example.org")
	_, err = h.orders.Issue(context.Background(), IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
}

func TestAbandonPendingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	key := storage.PendingOrderKey(res.Pending.OrderURL)

	require.NoError(t, h.orders.AbandonPendingOrder(ctx, key))
	cr, err := h.store.GetChallengeResponse(ctx, res.Pending.Token)
	require.NoError(t, err)
	assert.Nil(t, cr)

	assert.ErrorIs(t, h.orders.AbandonPendingOrder(ctx, key), ErrPendingOrderNotFound)
}

func TestSweepPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old, err := h.orders.Issue(ctx, IssueRequest{Domain: "old.example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	h.clock = h.clock.Add(2 * time.Hour)
	fresh, err := h.orders.Issue(ctx, IssueRequest{Domain: "fresh.example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)

	removed, err := h.orders.SweepPending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	cr, err := h.store.GetChallengeResponse(ctx, old.Pending.Token)
	require.NoError(t, err)
	assert.Nil(t, cr)
	cr, err = h.store.GetChallengeResponse(ctx, fresh.Pending.Token)
	require.NoError(t, err)
	assert.NotNil(t, cr)
}

func TestNormalizeDomain(t *testing.T) {
	good := map[string]string{
		"example.com":       "example.com",
		" Example.COM. ":    "example.com",
		"sub.example.co.uk": "sub.example.co.uk",
		"bücher.example":    "xn--bcher-kva.example",
		"a-b.example.org":   "a-b.example.org",
	}
	for in, want := range good {
		got, err := NormalizeDomain(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "localhost", "*.example.com", "192.0.2.1", "-bad.example.com", "exa_mple.com", "a..b.com"} {
		_, err := NormalizeDomain(in)
		assert.ErrorIs(t, err, ErrInvalidDomain, in)
	}
}

func TestAcmeErrorMapping(t *testing.T) {
	err := acmeError("create order", &acme.ValidationError{Domain: "example.org", Detail: "timeout during connect"})
	assert.ErrorIs(t, err, ErrChallengeValidationFailed)
	assert.Contains(t, err.Error(), "timeout during connect")

	err = acmeError("create order", &acme.ProblemError{Op: "create order", Status: 400, Detail: "rejected identifier"})
	assert.ErrorIs(t, err, ErrAcmeServer)
	assert.Contains(t, err.Error(), "rejected identifier")

	err = acmeError("create order", fmt.Errorf("acme: create order: %w", acme.ErrTransport))
	assert.ErrorIs(t, err, ErrAcmeServer)
	assert.ErrorIs(t, err, acme.ErrTransport)

	err = acmeError("wait", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAcmeServer)
}

func TestDNS01ProviderFailureAfterCreateRemovesRecord(t *testing.T) {
	h := newHarness(t)
	h.dns.createErr = errors.New("zone refresh failed")

	_, err := h.orders.Issue(context.Background(), dnsRequest("example.com"))
	require.ErrorIs(t, err, ErrDNSProvider)
	assert.Contains(t, err.Error(), "zone refresh failed")
	assert.Equal(t, 1, h.dns.created)
	assert.Equal(t, 1, h.dns.removed)
	_, ok := h.dns.lookup("_acme-challenge.example.com.")
	assert.False(t, ok, "the record stored before the error must be removed")
	assert.Empty(t, h.propagation.waits)
	assert.Zero(t, h.acme.AcceptCalls)
}

// Some ACME servers hand back the open order when the same identifier is
// ordered again. A failed attempt on such an order must leave the earlier
// http-01 attempt's state alone.
func TestFailedIssueKeepsPendingOrderOnReusedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acme.ReuseOrders = true
	h.acme.Validate = servesKeyAuthorization(t, h.store)

	first, err := h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	require.NotNil(t, first.Pending)

	h.propagation.err = dnsprovider.ErrPropagationTimeout
	_, err = h.orders.Issue(ctx, dnsRequest("example.org"))
	require.ErrorIs(t, err, ErrDNSProvider)
	assert.Equal(t, 2, h.acme.CreateOrderCalls)
	assert.Len(t, h.acme.Orders(), 1, "the server reused the open order")

	got, err := h.store.GetPendingOrder(ctx, storage.PendingOrderKey(first.Pending.OrderURL))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Pending.Token, got.Token)
	cr, err := h.store.GetChallengeResponse(ctx, first.Pending.Token)
	require.NoError(t, err)
	require.NotNil(t, cr)
	assert.Equal(t, first.Pending.KeyAuthorization, cr.KeyAuthorization)

	// The http-01 flow still completes.
	vr, err := h.orders.VerifyHTTPChallenge(ctx, VerifyRequest{OrderURL: first.Pending.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.VerifyValid, vr.Status)
	issued, err := h.orders.FinalizeHTTPOrder(ctx, FinalizeRequest{OrderURL: first.Pending.OrderURL, Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeHTTP01, issued.ChallengeType)
}

func TestIssueWithValidAuthorizationSkipsChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.acme.Validated = map[string]string{"example.org": "http-01"}

	res, err := h.orders.Issue(ctx, dnsRequest("example.org"))
	require.NoError(t, err)
	require.NotNil(t, res.Issued)
	assert.Equal(t, model.ChallengeDNS01, res.Issued.ChallengeType)
	assert.Zero(t, h.dns.created, "no record is published for a valid authorization")
	assert.Empty(t, h.propagation.waits)
	assert.Zero(t, h.acme.AcceptCalls)

	res, err = h.orders.Issue(ctx, IssueRequest{Domain: "example.org", ChallengeType: model.ChallengeHTTP01})
	require.NoError(t, err)
	require.NotNil(t, res.Issued, "http-01 finishes at once when nothing is left to validate")
	assert.Nil(t, res.Pending)
	assert.Equal(t, model.ChallengeHTTP01, res.Issued.ChallengeType)

	list, err := h.store.ListPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
