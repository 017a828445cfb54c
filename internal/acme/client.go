package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	xacme "golang.org/x/crypto/acme"

	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/storage"
)

const defaultValidationTimeout = 3 * time.Minute

// Options configures ACMEClient.
type Options struct {
	DirectoryURL      string
	ContactEmail      string
	UserAgent         string
	HTTPClient        *http.Client  // defaults to a pooled cleanhttp client
	ValidationTimeout time.Duration // bound for WaitForValidStatus
}

// registrar is the part of *xacme.Client used for account setup.
type registrar interface {
	GetReg(ctx context.Context, url string) (*xacme.Account, error)
	Register(ctx context.Context, acct *xacme.Account, prompt func(tosURL string) bool) (*xacme.Account, error)
}

// ACMEClient implements Client with golang.org/x/crypto/acme. The account key is
// read from (or created in) the credential store on first use.
type ACMEClient struct {
	opts  Options
	creds storage.CredentialStore

	mu           sync.Mutex
	client       *xacme.Client
	registered   bool
	accountURL   string
	newRegistrar func(*xacme.Client) registrar
}

var _ Client = (*ACMEClient)(nil)

func NewACMEClient(creds storage.CredentialStore, opts Options) *ACMEClient {
	if opts.DirectoryURL == "" {
		opts.DirectoryURL = xacme.LetsEncryptURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = defaultValidationTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "certforge"
	}
	return &ACMEClient{
		opts:         opts,
		creds:        creds,
		newRegistrar: func(c *xacme.Client) registrar { return c },
	}
}

// EnsureAccount is idempotent. Concurrent first calls serialize on the mutex; a
// registration racing with another process resolves to the existing account.
func (c *ACMEClient) EnsureAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	if c.client == nil {
		key, err := c.loadOrCreateKey(ctx)
		if err != nil {
			return err
		}
		c.client = &xacme.Client{
			Key:          key,
			DirectoryURL: c.opts.DirectoryURL,
			HTTPClient:   c.opts.HTTPClient,
			UserAgent:    c.opts.UserAgent,
		}
	}

	reg := c.newRegistrar(c.client)
	acct, err := reg.GetReg(ctx, "")
	if errors.Is(err, xacme.ErrNoAccount) {
		var contact []string
		if c.opts.ContactEmail != "" {
			contact = []string{"mailto:" + c.opts.ContactEmail}
		}
		acct, err = reg.Register(ctx, &xacme.Account{Contact: contact}, xacme.AcceptTOS)
		if errors.Is(err, xacme.ErrAccountAlreadyExists) {
			logger.Info("ACME account registered concurrently, re-reading it")
			acct, err = reg.GetReg(ctx, "")
		}
	}
	if err != nil {
		return classify("account registration", err)
	}

	c.registered = true
	c.accountURL = acct.URI
	logger.Info("ACME account ready", zap.String("account", acct.URI), zap.String("directory", c.opts.DirectoryURL))
	return nil
}

func (c *ACMEClient) loadOrCreateKey(ctx context.Context) (crypto.Signer, error) {
	keyPEM, err := c.creds.GetAccountKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to load account key: %w", err)
	}
	if keyPEM != nil {
		return certutil.ParsePrivateKey(keyPEM)
	}

	key, err := certutil.GenerateKey("P256")
	if err != nil {
		return nil, err
	}
	keyPEM, err = certutil.EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := c.creds.SaveAccountKey(ctx, keyPEM); err != nil {
		return nil, fmt.Errorf("acme: failed to persist account key: %w", err)
	}
	logger.Info("generated new ACME account key")
	return key, nil
}

// ready returns the underlying client once the account exists.
func (c *ACMEClient) ready(ctx context.Context) (*xacme.Client, error) {
	if err := c.EnsureAccount(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, nil
}

func (c *ACMEClient) CreateOrder(ctx context.Context, domain string) (*Order, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	o, err := client.AuthorizeOrder(ctx, xacme.DomainIDs(domain))
	if err != nil {
		return nil, classify("create order", err)
	}
	logger.Debug("order created", zap.String("domain", domain), zap.String("order", o.URI), zap.String("status", o.Status))
	return toOrder(o), nil
}

func (c *ACMEClient) GetOrder(ctx context.Context, orderURL string) (*Order, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	o, err := client.GetOrder(ctx, orderURL)
	if err != nil {
		return nil, classify("get order", err)
	}
	return toOrder(o), nil
}

func (c *ACMEClient) GetAuthorizations(ctx context.Context, order *Order) ([]*Authorization, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	authzs := make([]*Authorization, 0, len(order.AuthorizationURLs))
	for _, u := range order.AuthorizationURLs {
		a, err := client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, classify("get authorization", err)
		}
		authzs = append(authzs, toAuthorization(a))
	}
	return authzs, nil
}

func (c *ACMEClient) GetChallenge(ctx context.Context, challengeURL string) (*Challenge, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := client.GetChallenge(ctx, challengeURL)
	if err != nil {
		return nil, classify("get challenge", err)
	}
	return toChallenge(ch), nil
}

func (c *ACMEClient) KeyAuthorization(ctx context.Context, token string) (string, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return "", err
	}
	return KeyAuthorization(client.Key, token)
}

func (c *ACMEClient) CompleteChallenge(ctx context.Context, challenge *Challenge) error {
	client, err := c.ready(ctx)
	if err != nil {
		return err
	}
	_, err = client.Accept(ctx, &xacme.Challenge{Type: challenge.Type, URI: challenge.URL, Token: challenge.Token})
	if err != nil {
		return classify("accept challenge", err)
	}
	logger.Debug("challenge accepted", zap.String("challenge", challenge.URL))
	return nil
}

func (c *ACMEClient) WaitForValidStatus(ctx context.Context, authorizationURL string) error {
	client, err := c.ready(ctx)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ValidationTimeout)
	defer cancel()

	_, err = client.WaitAuthorization(waitCtx, authorizationURL)
	if err != nil && ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrValidationTimeout, authorizationURL)
	}
	return classify("wait for authorization", err)
}

func (c *ACMEClient) FinalizeOrder(ctx context.Context, finalizeURL string, csr []byte) (string, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return "", err
	}
	_, certURL, err := client.CreateOrderCert(ctx, finalizeURL, csr, true)
	if err != nil {
		return "", classify("finalize order", err)
	}
	return certURL, nil
}

func (c *ACMEClient) GetCertificate(ctx context.Context, certificateURL string) ([][]byte, error) {
	client, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	der, err := client.FetchCert(ctx, certificateURL, true)
	if err != nil {
		return nil, classify("fetch certificate", err)
	}
	return der, nil
}

// classify maps x/crypto/acme errors onto ValidationError, ProblemError and ErrTransport.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var authzErr *xacme.AuthorizationError
	if errors.As(err, &authzErr) {
		details := make([]string, 0, len(authzErr.Errors))
		for _, e := range authzErr.Errors {
			var ae *xacme.Error
			if errors.As(e, &ae) && ae.Detail != "" {
				details = append(details, ae.Detail)
			} else {
				details = append(details, e.Error())
			}
		}
		if len(details) == 0 {
			details = append(details, "authorization is invalid")
		}
		return &ValidationError{Domain: authzErr.Identifier, Detail: strings.Join(details, "; ")}
	}

	var orderErr *xacme.OrderError
	if errors.As(err, &orderErr) {
		return &ProblemError{Op: op, Type: "orderInvalid", Detail: fmt.Sprintf("order %s is %s", orderErr.OrderURL, orderErr.Status)}
	}

	var acmeErr *xacme.Error
	if errors.As(err, &acmeErr) {
		if acmeErr.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("acme: %s: %w: %w", op, ErrTransport, err)
		}
		return &ProblemError{Op: op, Status: acmeErr.StatusCode, Type: acmeErr.ProblemType, Detail: acmeErr.Detail}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acme: %s: %w", op, err)
	}
	return fmt.Errorf("acme: %s: %w: %w", op, ErrTransport, err)
}

func toOrder(o *xacme.Order) *Order {
	ids := make([]string, 0, len(o.Identifiers))
	for _, id := range o.Identifiers {
		ids = append(ids, id.Value)
	}
	return &Order{
		URL:               o.URI,
		Status:            o.Status,
		Identifiers:       ids,
		AuthorizationURLs: o.AuthzURLs,
		FinalizeURL:       o.FinalizeURL,
		CertificateURL:    o.CertURL,
	}
}

func toAuthorization(a *xacme.Authorization) *Authorization {
	authz := &Authorization{URL: a.URI, Status: a.Status, Domain: a.Identifier.Value}
	for _, ch := range a.Challenges {
		authz.Challenges = append(authz.Challenges, toChallenge(ch))
	}
	return authz
}

func toChallenge(ch *xacme.Challenge) *Challenge {
	out := &Challenge{Type: ch.Type, URL: ch.URI, Token: ch.Token, Status: ch.Status}
	if ch.Error != nil {
		out.Error = ch.Error.Error()
	}
	return out
}
