package certutil

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrKeyMismatch = errors.New("certutil: certificate public key does not match private key")
	ErrExpired     = errors.New("certutil: certificate is not currently valid")
)

// ValidateLeaf checks that an issued leaf covers domain, is usable for TLS server auth,
// is within its validity window at now, and belongs to key.
func ValidateLeaf(leaf *x509.Certificate, domain string, key crypto.Signer, now time.Time) error {
	if err := leaf.VerifyHostname(domain); err != nil {
		return fmt.Errorf("certutil: certificate does not cover %s: %w", domain, err)
	}
	if len(leaf.ExtKeyUsage) > 0 && !slices.Contains(leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth) {
		return fmt.Errorf("certutil: certificate for %s lacks server auth usage", domain)
	}
	if now.Before(leaf.NotBefore) || !now.Before(leaf.NotAfter) {
		return ErrExpired
	}

	type equaler interface {
		Equal(x crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	if !ok || !pub.Equal(leaf.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}
