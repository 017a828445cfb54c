// Package acmetest provides an in-memory ACME server behind the acme.Client
// interface. Certificates are signed by a throwaway CA so the full issuance path,
// leaf checks included, runs without a network.
package acmetest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certforge/internal/acme"
)

// BaseURL prefixes every order URL handed out by Fake.
const BaseURL = "https://acme.test/"

// KeyAuthSuffix stands in for the account thumbprint in key authorizations.
const KeyAuthSuffix = ".fake-thumbprint"

// Order is the server side state of one order.
type Order struct {
	URL             string
	Domain          string
	Status          string
	AuthzURL        string
	ChallengeStatus string
	ChallengeError  string
	Accepted        bool
	CertURL         string
}

func (o *Order) ChallengeURL(t string) string { return o.URL + "/chall/" + t }

// Token returns the challenge token of type t, e.g. "order-1-http-01".
func (o *Order) Token(t string) string {
	return strings.ReplaceAll(strings.TrimPrefix(o.URL, BaseURL), "/", "-") + "-" + t
}

// KeyAuthorization returns the key authorization Fake computes for the token of type t.
func (o *Order) KeyAuthorization(t string) string { return o.Token(t) + KeyAuthSuffix }

// Fake moves orders pending -> ready once WaitForValidStatus succeeds after
// CompleteChallenge. Exported knobs must be set before the first call.
type Fake struct {
	t *testing.T

	mu     sync.Mutex
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	orders map[string]*Order
	certs  map[string][][]byte
	nextID int

	// Offer lists the challenge types of new authorizations, both when empty.
	Offer []string
	// Validate runs inside WaitForValidStatus; a non-nil error marks the order invalid.
	Validate  func(o *Order) error
	EnsureErr error
	NotAfter  time.Duration
	// ReuseOrders hands back an open order for the same domain instead of a new one.
	ReuseOrders bool
	// Validated maps a domain to the challenge type of an existing valid
	// authorization. Orders for it start ready and list only that challenge.
	Validated map[string]string

	EnsureCalls      int
	CreateOrderCalls int
	AcceptCalls      int
	FinalizeCalls    int
}

var _ acme.Client = (*Fake)(nil)

func New(t *testing.T) *Fake {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Fake ACME Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, caKey.Public(), caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Fake{
		t:        t,
		caKey:    caKey,
		caCert:   caCert,
		orders:   make(map[string]*Order),
		certs:    make(map[string][][]byte),
		NotAfter: 90 * 24 * time.Hour,
	}
}

// Orders returns a snapshot of every order created so far.
func (f *Fake) Orders() []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, *o)
	}
	return out
}

func (f *Fake) offered(o *Order) []string {
	if t := f.Validated[o.Domain]; t != "" && o.ChallengeStatus == acme.StatusValid {
		return []string{t}
	}
	if len(f.Offer) == 0 {
		return []string{"http-01", "dns-01"}
	}
	return f.Offer
}

func (f *Fake) find(match func(o *Order) bool) *Order {
	for _, o := range f.orders {
		if match(o) {
			return o
		}
	}
	return nil
}

func (f *Fake) EnsureAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnsureCalls++
	return f.EnsureErr
}

func (f *Fake) CreateOrder(_ context.Context, domain string) (*acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateOrderCalls++

	if f.ReuseOrders {
		open := f.find(func(o *Order) bool {
			return o.Domain == domain && (o.Status == acme.StatusPending || o.Status == acme.StatusReady)
		})
		if open != nil {
			return f.view(open), nil
		}
	}

	f.nextID++
	url := fmt.Sprintf("%sorder/%d", BaseURL, f.nextID)
	o := &Order{URL: url, Domain: domain, Status: acme.StatusPending, AuthzURL: url + "/authz", ChallengeStatus: acme.StatusPending}
	if f.Validated[domain] != "" {
		o.Status = acme.StatusReady
		o.ChallengeStatus = acme.StatusValid
	}
	f.orders[url] = o
	return f.view(o), nil
}

func (f *Fake) view(o *Order) *acme.Order {
	return &acme.Order{
		URL:               o.URL,
		Status:            o.Status,
		Identifiers:       []string{o.Domain},
		AuthorizationURLs: []string{o.AuthzURL},
		FinalizeURL:       o.URL + "/finalize",
		CertificateURL:    o.CertURL,
	}
}

func (f *Fake) GetOrder(_ context.Context, orderURL string) (*acme.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderURL]
	if !ok {
		return nil, &acme.ProblemError{Op: "get order", Status: 404, Type: "urn:ietf:params:acme:error:malformed", Detail: "no such order"}
	}
	return f.view(o), nil
}

func (f *Fake) GetAuthorizations(_ context.Context, order *acme.Order) ([]*acme.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[order.URL]
	if !ok {
		return nil, &acme.ProblemError{Op: "get authorization", Status: 404, Detail: "no such order"}
	}
	status := acme.StatusPending
	switch o.ChallengeStatus {
	case acme.StatusValid, acme.StatusInvalid:
		status = o.ChallengeStatus
	}
	authz := &acme.Authorization{URL: o.AuthzURL, Status: status, Domain: o.Domain}
	for _, t := range f.offered(o) {
		authz.Challenges = append(authz.Challenges, &acme.Challenge{Type: t, URL: o.ChallengeURL(t), Token: o.Token(t), Status: o.ChallengeStatus})
	}
	return []*acme.Authorization{authz}, nil
}

func (f *Fake) GetChallenge(_ context.Context, challengeURL string) (*acme.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		for _, t := range f.offered(o) {
			if o.ChallengeURL(t) == challengeURL {
				return &acme.Challenge{Type: t, URL: challengeURL, Token: o.Token(t), Status: o.ChallengeStatus, Error: o.ChallengeError}, nil
			}
		}
	}
	return nil, &acme.ProblemError{Op: "get challenge", Status: 404, Detail: "no such challenge"}
}

func (f *Fake) KeyAuthorization(_ context.Context, token string) (string, error) {
	return token + KeyAuthSuffix, nil
}

func (f *Fake) CompleteChallenge(_ context.Context, ch *acme.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AcceptCalls++
	o := f.find(func(o *Order) bool { return strings.HasPrefix(ch.URL, o.URL+"/") })
	if o == nil {
		return &acme.ProblemError{Op: "accept challenge", Status: 404, Detail: "no such challenge"}
	}
	o.Accepted = true
	if o.ChallengeStatus == acme.StatusPending {
		o.ChallengeStatus = acme.StatusProcessing
	}
	return nil
}

func (f *Fake) WaitForValidStatus(_ context.Context, authzURL string) error {
	f.mu.Lock()
	o := f.find(func(o *Order) bool { return o.AuthzURL == authzURL })
	var snapshot Order
	if o != nil {
		snapshot = *o
	}
	validate := f.Validate
	f.mu.Unlock()
	if o == nil {
		return &acme.ProblemError{Op: "wait", Status: 404, Detail: "no such authorization"}
	}
	if !snapshot.Accepted {
		return fmt.Errorf("%w: %s", acme.ErrValidationTimeout, authzURL)
	}

	var err error
	if validate != nil {
		err = validate(&snapshot)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		o.ChallengeStatus = acme.StatusInvalid
		o.ChallengeError = err.Error()
		o.Status = acme.StatusInvalid
		return &acme.ValidationError{Domain: o.Domain, Detail: err.Error()}
	}
	o.ChallengeStatus = acme.StatusValid
	if o.Status == acme.StatusPending {
		o.Status = acme.StatusReady
	}
	return nil
}

func (f *Fake) FinalizeOrder(_ context.Context, finalizeURL string, csrDER []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FinalizeCalls++
	o := f.find(func(o *Order) bool { return o.URL+"/finalize" == finalizeURL })
	if o == nil || o.Status != acme.StatusReady {
		return "", &acme.ProblemError{Op: "finalize order", Status: 403, Type: "urn:ietf:params:acme:error:orderNotReady", Detail: "order is not ready"}
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(f.t, err)
	require.NoError(f.t, csr.CheckSignature())

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(f.t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: o.Domain},
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(f.NotAfter),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leaf, err := x509.CreateCertificate(rand.Reader, tmpl, f.caCert, csr.PublicKey, f.caKey)
	require.NoError(f.t, err)

	o.Status = acme.StatusValid
	o.CertURL = o.URL + "/cert"
	f.certs[o.CertURL] = [][]byte{leaf, f.caCert.Raw}
	return o.CertURL, nil
}

func (f *Fake) GetCertificate(_ context.Context, certURL string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	der, ok := f.certs[certURL]
	if !ok {
		return nil, &acme.ProblemError{Op: "fetch certificate", Status: 404, Detail: "no such certificate"}
	}
	return der, nil
}
