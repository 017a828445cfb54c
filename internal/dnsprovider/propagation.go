package dnsprovider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	defaultPropagationTimeout = 2 * time.Minute
	defaultPollInterval       = 5 * time.Second
)

// PropagationChecker polls nameservers until a TXT record carries the expected value.
type PropagationChecker struct {
	// Resolvers are recursive resolvers used to discover authoritative nameservers.
	Resolvers []string
	// Nameservers, when set, are polled directly and discovery is skipped.
	Nameservers []string
	Timeout     time.Duration
	Interval    time.Duration

	client *dns.Client
}

func NewPropagationChecker(resolvers, nameservers []string, timeout, interval time.Duration) *PropagationChecker {
	if timeout <= 0 {
		timeout = defaultPropagationTimeout
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PropagationChecker{
		Resolvers:   withPort(resolvers),
		Nameservers: withPort(nameservers),
		Timeout:     timeout,
		Interval:    interval,
		client:      &dns.Client{Timeout: 5 * time.Second},
	}
}

// Wait blocks until every authoritative nameserver answers fqdn with value, or
// returns ErrPropagationTimeout once the checker's timeout elapses.
func (p *PropagationChecker) Wait(ctx context.Context, fqdn, value string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	fqdn = dns.Fqdn(fqdn)

	servers := p.Nameservers
	if len(servers) == 0 {
		var err error
		servers, err = p.authoritativeServers(ctx, fqdn)
		if err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = 4 * p.Interval
	b.MaxElapsedTime = 0

	attempts := 0
	check := func() error {
		attempts++
		for _, ns := range servers {
			found, err := p.hasTXT(ctx, ns, fqdn, value)
			if err != nil {
				return fmt.Errorf("query %s: %w", ns, err)
			}
			if !found {
				return fmt.Errorf("%s does not serve the record yet", ns)
			}
		}
		return nil
	}

	if err := backoff.Retry(check, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrPropagationTimeout, fqdn, attempts, err)
	}
	logger.Debug("TXT record visible", zap.String("fqdn", fqdn), zap.Strings("nameservers", servers), zap.Int("attempts", attempts))
	return nil
}

func (p *PropagationChecker) hasTXT(ctx context.Context, server, fqdn, value string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeTXT)
	m.RecursionDesired = false

	in, _, err := p.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return false, err
	}
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true, nil
		}
	}
	return false, nil
}

// authoritativeServers walks up from fqdn to the closest name with NS records and
// resolves those nameservers to addresses.
func (p *PropagationChecker) authoritativeServers(ctx context.Context, fqdn string) ([]string, error) {
	if len(p.Resolvers) == 0 {
		return nil, errors.New("dnsprovider: no resolvers configured for nameserver discovery")
	}

	labels := dns.SplitDomainName(fqdn)
	for i := range labels {
		name := dns.Fqdn(strings.Join(labels[i:], "."))
		in, err := p.query(ctx, name, dns.TypeNS)
		if err != nil {
			return nil, err
		}

		var hosts []string
		for _, rr := range in.Answer {
			if ns, ok := rr.(*dns.NS); ok {
				hosts = append(hosts, ns.Ns)
			}
		}
		if len(hosts) == 0 {
			continue
		}

		var servers []string
		for _, host := range hosts {
			addr, err := p.query(ctx, host, dns.TypeA)
			if err != nil {
				continue
			}
			for _, rr := range addr.Answer {
				if a, ok := rr.(*dns.A); ok {
					servers = append(servers, net.JoinHostPort(a.A.String(), "53"))
				}
			}
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("dnsprovider: could not resolve nameservers %v for %s", hosts, name)
		}
		logger.Debug("authoritative nameservers found", zap.String("zone", name), zap.Strings("nameservers", servers))
		return servers, nil
	}
	return nil, fmt.Errorf("dnsprovider: no authoritative nameservers found for %s", fqdn)
}

// query asks each resolver in turn and returns the first usable answer.
func (p *PropagationChecker) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, r := range p.Resolvers {
		in, _, err := p.client.ExchangeContext(ctx, m, r)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("%s answered %s", r, dns.RcodeToString[in.Rcode])
			continue
		}
		return in, nil
	}
	return nil, fmt.Errorf("dnsprovider: failed to query %s %s: %w", dns.TypeToString[qtype], name, lastErr)
}

func withPort(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out
}
