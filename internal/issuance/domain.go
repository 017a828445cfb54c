package issuance

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.VerifyDNSLength(true),
	idna.BidiRule(),
)

// NormalizeDomain returns the lowercase ASCII form of a single DNS name.
// Wildcards, IP addresses and single-label names are rejected.
func NormalizeDomain(raw string) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(raw), ".")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if strings.Contains(name, "*") {
		return "", fmt.Errorf("%w: wildcard names are not supported: %q", ErrInvalidDomain, raw)
	}
	if net.ParseIP(name) != nil {
		return "", fmt.Errorf("%w: IP addresses are not supported: %q", ErrInvalidDomain, raw)
	}

	ascii, err := domainProfile.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDomain, raw, err)
	}
	ascii = strings.ToLower(ascii)
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("%w: %q is not fully qualified", ErrInvalidDomain, raw)
	}
	return ascii, nil
}

// domainLocks is a set of per-domain try-locks. A second caller for a held domain
// is refused rather than queued.
type domainLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newDomainLocks() *domainLocks {
	return &domainLocks{held: make(map[string]struct{})}
}

func (l *domainLocks) tryLock(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[domain]; busy {
		return false
	}
	l.held[domain] = struct{}{}
	return true
}

func (l *domainLocks) unlock(domain string) {
	l.mu.Lock()
	delete(l.held, domain)
	l.mu.Unlock()
}
