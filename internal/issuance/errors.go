package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockadesystems/certforge/internal/acme"
)

// Input errors are returned before any order is created or record is published.
var (
	ErrInvalidDomain          = errors.New("issuance: invalid domain")
	ErrInvalidChallengeType   = errors.New("issuance: unsupported challenge type")
	ErrMissingCredentials     = errors.New("issuance: dns-01 requires a DNS provider and API key")
	ErrInvalidCredentials     = errors.New("issuance: malformed DNS provider credentials")
	ErrUnsupportedDNSProvider = errors.New("issuance: unsupported DNS provider")
)

var (
	ErrChallengeUnavailable      = errors.New("issuance: requested challenge type not offered by the ACME server")
	ErrChallengeValidationFailed = errors.New("issuance: challenge validation failed")
	ErrAcmeServer                = errors.New("issuance: ACME server error")
	ErrDNSProvider               = errors.New("issuance: DNS provider error")
	ErrOrderNotReady             = errors.New("issuance: order is not ready to be finalized")
	ErrPendingOrderNotFound      = errors.New("issuance: pending order not found")
	ErrDomainMismatch            = errors.New("issuance: request does not match the pending order")
	ErrUnknownDomain             = errors.New("issuance: no certificate on record for domain")
	ErrIssuanceInProgress        = errors.New("issuance: another request for this domain is in progress")
)

// acmeError folds errors from the ACME capability into the issuance taxonomy.
// Server-side validation failures keep the server's reason.
func acmeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *acme.ValidationError
	if errors.As(err, &ve) {
		return fmt.Errorf("%w: %s", ErrChallengeValidationFailed, ve.Detail)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("issuance: %s: %w", op, err)
	}
	var pe *acme.ProblemError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %s rejected: %s", ErrAcmeServer, op, pe.Detail)
	}
	return fmt.Errorf("%w: %s: %w", ErrAcmeServer, op, err)
}
