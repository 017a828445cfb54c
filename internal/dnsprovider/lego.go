package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/providers/dns/digitalocean"
)

// legoProvider adapts a lego DNS provider. lego computes the record name and value
// from the domain and key authorization itself, following CNAMEs when present.
type legoProvider struct {
	name     string
	provider challenge.Provider
}

func (l *legoProvider) Name() string { return l.name }

func (l *legoProvider) CreateRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.provider.Present(rec.Domain, rec.Token, rec.KeyAuthorization); err != nil {
		return fmt.Errorf("dnsprovider: %s: failed to create TXT record for %s: %w", l.name, rec.Domain, err)
	}
	return nil
}

func (l *legoProvider) RemoveRecord(ctx context.Context, rec Record) error {
	if err := l.provider.CleanUp(rec.Domain, rec.Token, rec.KeyAuthorization); err != nil {
		return fmt.Errorf("dnsprovider: %s: failed to remove TXT record for %s: %w", l.name, rec.Domain, err)
	}
	return nil
}

// NewCloudflare accepts either a scoped API token or "email:globalAPIKey".
func NewCloudflare(apiKey string) (Provider, error) {
	cfg := cloudflare.NewDefaultConfig()
	if email, key, ok := strings.Cut(apiKey, ":"); ok && strings.Contains(email, "@") {
		cfg.AuthEmail = email
		cfg.AuthKey = key
	} else {
		cfg.AuthToken = apiKey
	}
	p, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: cloudflare: %v", ErrInvalidCredentials, err)
	}
	return &legoProvider{name: "cloudflare", provider: p}, nil
}

// NewDigitalOcean accepts a personal access token.
func NewDigitalOcean(apiKey string) (Provider, error) {
	cfg := digitalocean.NewDefaultConfig()
	cfg.AuthToken = apiKey
	p, err := digitalocean.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: digitalocean: %v", ErrInvalidCredentials, err)
	}
	return &legoProvider{name: "digitalocean", provider: p}, nil
}
