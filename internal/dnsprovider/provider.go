// Package dnsprovider publishes and removes DNS-01 TXT records through hosted DNS
// APIs and checks that published records are visible on the authoritative servers.
package dnsprovider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/challenge/dns01"
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
	logger = l.With(zap.String("package", "dnsprovider"))
}

const challengeLabel = "_acme-challenge."

var (
	ErrUnsupportedProvider = errors.New("dnsprovider: unsupported DNS provider")
	ErrInvalidCredentials  = errors.New("dnsprovider: invalid provider credentials")
	ErrPropagationTimeout  = errors.New("dnsprovider: timed out waiting for TXT record propagation")
)

// Record is one DNS-01 TXT record. FQDN and Value are derived from the domain and
// key authorization; Token and KeyAuthorization are kept for providers that derive
// the record themselves.
type Record struct {
	Domain           string
	FQDN             string
	Value            string
	Token            string
	KeyAuthorization string
}

// NewRecord builds the TXT record that proves control of domain.
func NewRecord(domain, token, keyAuthorization string) Record {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return Record{
		Domain:           domain,
		FQDN:             dns01.ToFqdn(challengeLabel + strings.TrimSuffix(domain, ".")),
		Value:            base64.RawURLEncoding.EncodeToString(sum[:]),
		Token:            token,
		KeyAuthorization: keyAuthorization,
	}
}

// Provider creates and deletes TXT records in one hosted DNS service.
type Provider interface {
	Name() string
	CreateRecord(ctx context.Context, rec Record) error
	RemoveRecord(ctx context.Context, rec Record) error
}

// Factory builds a Provider from the opaque apiKey supplied with a request.
type Factory func(apiKey string) (Provider, error)

// Registry maps provider identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every provider shipped with the service.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("cloudflare", NewCloudflare)
	r.Register("digitalocean", NewDigitalOcean)
	r.Register("ovh", NewOVH)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

func (r *Registry) Supports(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(name)]
	return ok
}

// Names lists the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider. Credentials are only checked for shape here;
// the hosted API is not contacted.
func (r *Registry) New(name, apiKey string) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: empty api key for %s", ErrInvalidCredentials, name)
	}
	p, err := f(apiKey)
	if err != nil {
		return nil, err
	}
	logger.Debug("DNS provider configured", zap.String("provider", p.Name()))
	return p, nil
}
