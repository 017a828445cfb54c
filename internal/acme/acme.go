// Package acme exposes the subset of the ACME protocol the issuance flow needs,
// as a small capability interface plus an implementation on golang.org/x/crypto/acme.
package acme

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acme"))
}

// Order, authorization and challenge statuses (RFC 8555 section 7.1.6).
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Order is a read-only view of an ACME order.
type Order struct {
	URL               string
	Status            string
	Identifiers       []string
	AuthorizationURLs []string
	FinalizeURL       string
	CertificateURL    string
}

// Authorization is a read-only view of an ACME authorization.
type Authorization struct {
	URL        string
	Status     string
	Domain     string
	Challenges []*Challenge
}

// Challenge is a read-only view of an ACME challenge.
type Challenge struct {
	Type   string
	URL    string
	Token  string
	Status string
	Error  string
}

// Find returns the first challenge of the given type, or nil.
func (a *Authorization) Find(challengeType string) *Challenge {
	for _, ch := range a.Challenges {
		if ch.Type == challengeType {
			return ch
		}
	}
	return nil
}

// Client is the ACME capability used by the issuance flow. Every method other than
// KeyAuthorization may block on network I/O.
type Client interface {
	// EnsureAccount loads or creates the account key and registers it. Safe for concurrent use.
	EnsureAccount(ctx context.Context) error
	CreateOrder(ctx context.Context, domain string) (*Order, error)
	GetOrder(ctx context.Context, orderURL string) (*Order, error)
	GetAuthorizations(ctx context.Context, order *Order) ([]*Authorization, error)
	GetChallenge(ctx context.Context, challengeURL string) (*Challenge, error)
	KeyAuthorization(ctx context.Context, token string) (string, error)
	// CompleteChallenge tells the server the challenge is ready to be validated.
	CompleteChallenge(ctx context.Context, challenge *Challenge) error
	// WaitForValidStatus blocks until the authorization is valid. It returns a
	// *ValidationError when the server marks it invalid.
	WaitForValidStatus(ctx context.Context, authorizationURL string) error
	// FinalizeOrder submits the DER CSR and returns the certificate URL once issued.
	FinalizeOrder(ctx context.Context, finalizeURL string, csr []byte) (string, error)
	// GetCertificate downloads the DER chain, leaf first.
	GetCertificate(ctx context.Context, certificateURL string) ([][]byte, error)
}

var (
	// ErrTransport marks failures to reach the ACME server or 5xx responses.
	ErrTransport = errors.New("acme: server unavailable")
	// ErrValidationTimeout is returned when an authorization stays pending past the wait limit.
	ErrValidationTimeout = errors.New("acme: timed out waiting for validation")
)

// ProblemError is a request the ACME server rejected with an RFC 7807 problem document.
type ProblemError struct {
	Op     string
	Status int
	Type   string
	Detail string
}

func (e *ProblemError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("acme: %s rejected: %s", e.Op, e.Type)
	}
	return fmt.Sprintf("acme: %s rejected: %s", e.Op, e.Detail)
}

// ValidationError is returned when the server checked a challenge and found it unsatisfied.
type ValidationError struct {
	Domain string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("acme: validation of %s failed: %s", e.Domain, e.Detail)
}
