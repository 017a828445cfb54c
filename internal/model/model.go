package model

import (
	"time"
)

// ChallengeType identifies an ACME domain validation method.
type ChallengeType string

const (
	ChallengeDNS01  ChallengeType = "dns-01"
	ChallengeHTTP01 ChallengeType = "http-01"
)

// Valid reports whether t is one of the supported challenge types.
func (t ChallengeType) Valid() bool {
	return t == ChallengeDNS01 || t == ChallengeHTTP01
}

// DNSConfig identifies the DNS provider adapter and the credential used to publish dns-01 records.
type DNSConfig struct {
	Provider string `json:"provider" db:"dns_provider"` // Provider identifier, e.g. "cloudflare"
	APIKey   string `json:"apiKey" db:"dns_api_key"`    // Provider credential (format is provider specific)
}

// PendingOrder is the durable context of an HTTP-01 order awaiting operator action.
// It is keyed by the SHA-256 hex digest of OrderURL.
type PendingOrder struct {
	Key              string        `json:"key" db:"key"`                            // Hash of OrderURL
	Domain           string        `json:"domain" db:"domain"`                      // Domain being validated
	ChallengeType    ChallengeType `json:"challengeType" db:"challenge_type"`       // Always http-01 today
	OrderURL         string        `json:"orderUrl" db:"order_url"`                 // ACME order URL
	AuthorizationURL string        `json:"authorizationUrl" db:"authorization_url"` // ACME authorization URL for Domain
	ChallengeURL     string        `json:"challengeUrl" db:"challenge_url"`         // ACME challenge URL
	Token            string        `json:"token" db:"token"`                        // Challenge token
	KeyAuthorization string        `json:"keyAuthorization" db:"key_authorization"` // Expected challenge response
	PrivateKeyPEM    string        `json:"privateKeyPem" db:"private_key_pem"`      // Certificate key generated for this order
	CSRPEM           string        `json:"csrPem" db:"csr_pem"`                     // CSR submitted at finalization
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`               // When the order was initiated
}

// ChallengeResponse is the body served at /.well-known/acme-challenge/<Token>.
type ChallengeResponse struct {
	Token            string    `json:"token" db:"token"`
	KeyAuthorization string    `json:"keyAuthorization" db:"key_authorization"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}

// CertificateRecord is the most recently issued certificate for a domain together
// with the configuration used to obtain it. It drives renewal.
type CertificateRecord struct {
	Domain         string        `json:"domain" db:"domain"`                  // Lookup key
	CertificatePEM string        `json:"certificatePem" db:"certificate_pem"` // Leaf followed by the issuer chain
	PrivateKeyPEM  string        `json:"privateKeyPem" db:"private_key_pem"`  // Key matching the leaf
	ChallengeType  ChallengeType `json:"challengeType" db:"challenge_type"`   // Method used to validate
	DNSConfig      *DNSConfig    `json:"dnsConfig,omitempty" db:"-"`          // Set for dns-01 only
	ExpiresAt      time.Time     `json:"expiresAt" db:"expires_at"`           // Leaf NotAfter
	IssuedAt       time.Time     `json:"issuedAt" db:"issued_at"`             // When this record was written
}

// IssuedCertificate is the result of a completed issuance.
type IssuedCertificate struct {
	Domain         string        `json:"domain"`
	CertificatePEM string        `json:"certificatePem"`
	PrivateKeyPEM  string        `json:"privateKeyPem"`
	ChallengeType  ChallengeType `json:"challengeType"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}

// PendingChallenge describes what the operator has to publish to complete an HTTP-01 order.
type PendingChallenge struct {
	Domain           string `json:"domain"`
	Token            string `json:"token"`
	KeyAuthorization string `json:"keyAuthorization"`
	ChallengeURL     string `json:"challengeUrl"`
	OrderURL         string `json:"orderUrl"`
}

// VerifyStatus is the outcome of asking the ACME server to validate an HTTP-01 challenge.
type VerifyStatus string

const (
	VerifyValid   VerifyStatus = "valid"
	VerifyInvalid VerifyStatus = "invalid"
)
