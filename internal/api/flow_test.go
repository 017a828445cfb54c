package api_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certforge/internal/acme/acmetest"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/testutils"
)

type zoneProvider struct {
	mu      sync.Mutex
	records map[string]string
	created int
}

func (z *zoneProvider) Name() string { return "zone" }

func (z *zoneProvider) CreateRecord(_ context.Context, rec dnsprovider.Record) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.created++
	z.records[rec.FQDN] = rec.Value
	return nil
}

func (z *zoneProvider) RemoveRecord(_ context.Context, rec dnsprovider.Record) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.records, rec.FQDN)
	return nil
}

func (z *zoneProvider) has(rec dnsprovider.Record) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.records[rec.FQDN] == rec.Value
}

type instantPropagation struct{}

func (instantPropagation) Wait(context.Context, string, string) error { return nil }

func TestHTTP01FlowOverAPI(t *testing.T) {
	ca := acmetest.New(t)
	ts := testutils.SetupTestServer(t, ca, nil)
	// The CA fetches the token from the challenge listener.
	ca.Validate = func(o *acmetest.Order) error {
		rec := httptest.NewRecorder()
		ts.Challenge.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/"+o.Token("http-01"), nil))
		if rec.Code != http.StatusOK || rec.Body.String() != o.KeyAuthorization("http-01") {
			return fmt.Errorf("invalid response from http://%s/.well-known/acme-challenge/%s: %d", o.Domain, o.Token("http-01"), rec.Code)
		}
		return nil
	}

	rec := do(t, ts.API, http.MethodPost, "/api/v1/generate", `{"domain":"Example.org","challengeType":"http-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decode(t, rec)
	assert.Equal(t, "http-01-pending", gen["status"])
	assert.Equal(t, "example.org", gen["domain"])
	tok, _ := gen["token"].(string)
	require.NotEmpty(t, tok)
	assert.Equal(t, tok+acmetest.KeyAuthSuffix, gen["keyAuthorization"])
	assert.NotEmpty(t, gen["challengeUrl"])
	assert.NotEmpty(t, gen["orderUrl"])
	assert.Contains(t, gen["message"], "/.well-known/acme-challenge/"+tok)
	assert.Zero(t, ca.AcceptCalls)

	rec = httptest.NewRecorder()
	ts.Challenge.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/"+tok, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gen["keyAuthorization"], rec.Body.String())

	body := fmt.Sprintf(`{"challengeUrl":%q,"orderUrl":%q,"domain":"example.org"}`, gen["challengeUrl"], gen["orderUrl"])
	rec = do(t, ts.API, http.MethodPost, "/api/v1/verify-http-challenge", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "valid", decode(t, rec)["status"])

	body = fmt.Sprintf(`{"orderUrl":%q,"domain":"example.org"}`, gen["orderUrl"])
	rec = do(t, ts.API, http.MethodPost, "/api/v1/finalize-certificate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decode(t, rec)
	assert.Equal(t, "issued", fin["status"])
	assert.Equal(t, "example.org", fin["domain"])
	assert.Equal(t, "http-01", fin["challengeType"])
	assert.Contains(t, fin["certificatePem"], "BEGIN CERTIFICATE")
	assert.Contains(t, fin["privateKeyPem"], "PRIVATE KEY")
	expires, err := time.Parse(time.RFC3339, fin["expiresAt"].(string))
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	// Issuance retires the token and the pending order.
	rec = httptest.NewRecorder()
	ts.Challenge.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/"+tok, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, ts.API, http.MethodGet, "/api/v1/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, ts.API, http.MethodGet, "/api/v1/certificates/example.org", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDNS01IssueAndRenewOverAPI(t *testing.T) {
	ca := acmetest.New(t)
	zone := &zoneProvider{records: make(map[string]string)}
	providers := dnsprovider.NewRegistry()
	providers.Register("cloudflare", func(string) (dnsprovider.Provider, error) { return zone, nil })
	ts := testutils.SetupTestServerWithDNS(t, ca, nil, providers, instantPropagation{})
	ca.Validate = func(o *acmetest.Order) error {
		if !zone.has(dnsprovider.NewRecord(o.Domain, o.Token("dns-01"), o.KeyAuthorization("dns-01"))) {
			return fmt.Errorf("no TXT record found at _acme-challenge.%s", o.Domain)
		}
		return nil
	}

	rec := do(t, ts.API, http.MethodPost, "/api/v1/generate",
		`{"domain":"example.com","challengeType":"dns-01","dnsConfig":{"provider":"cloudflare","apiKey":"k"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decode(t, rec)
	assert.Equal(t, "issued", gen["status"])
	assert.Equal(t, "dns-01", gen["challengeType"])
	assert.Contains(t, gen["certificatePem"], "BEGIN CERTIFICATE")
	assert.Empty(t, zone.records, "the TXT record is removed after validation")

	rec = do(t, ts.API, http.MethodPost, "/api/v1/renew-certificate", `{"domain":"example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewed := decode(t, rec)
	assert.Equal(t, "issued", renewed["status"])
	assert.Equal(t, "dns-01", renewed["challengeType"])
	assert.NotEqual(t, gen["privateKeyPem"], renewed["privateKeyPem"])
	assert.Equal(t, 2, ca.CreateOrderCalls)
	assert.Equal(t, 2, zone.created)
}
