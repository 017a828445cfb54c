package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name read by LoadConfig.
const EnvPrefix = "CERTFORGE_"

type Config struct {
	// ACME
	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"` // ACME directory of the issuing CA
	ACMEContactEmail string `env:"ACME_CONTACT_EMAIL"`                                                             // Contact registered with the ACME account
	CertKeyType      string `env:"CERT_KEY_TYPE" envDefault:"2048"`                                                // lego certcrypto key type for issued certificates

	// Storage
	StorageType    string `env:"STORAGE_TYPE" envDefault:"dir"`                   // "postgres", "redis" or "dir"
	DataDir        string `env:"DATA_DIR" envDefault:"./data"`                    // Directory backend root and default TLS material location
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`                  // PostgreSQL host
	DBUser         string `env:"DB_USER" envDefault:"certforge"`                  // PostgreSQL user
	DBPassword     string `env:"DB_PASSWORD" envDefault:"password"`               // PostgreSQL password
	DBName         string `env:"DB_NAME" envDefault:"certforge"`                  // PostgreSQL database name
	DBPort         int    `env:"DB_PORT" envDefault:"5432"`                       // PostgreSQL port
	DBSSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`                 // PostgreSQL SSL mode
	DBCert         string `env:"DB_CERT"`                                         // PostgreSQL client certificate file
	DBKey          string `env:"DB_KEY"`                                          // PostgreSQL client private key file
	DBRootCert     string `env:"DB_ROOTCERT"`                                     // PostgreSQL root CA certificate file
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"` // Redis connection URL
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"certforge:"`        // Namespace for all Redis keys

	// HTTP
	ChallengeAddress string   `env:"CHALLENGE_ADDRESS" envDefault:":80"`             // Plain HTTP listener for /.well-known/acme-challenge
	APIAddress       string   `env:"API_ADDRESS" envDefault:":8443"`                 // Management API listener
	APITLS           bool     `env:"API_TLS" envDefault:"true"`                      // Serve the API over TLS
	HTTPSCertFile    string   `env:"HTTPS_CERT_FILE" envDefault:"./data/https.crt"`  // API TLS certificate, generated when missing
	HTTPSKeyFile     string   `env:"HTTPS_KEY_FILE" envDefault:"./data/https.key"`   // API TLS key, generated when missing
	HTTPSCommonName  string   `env:"HTTPS_COMMON_NAME" envDefault:"certforge.local"` // Subject of the generated API certificate
	APIKeys          []string `env:"API_KEYS" envSeparator:","`                      // Accepted X-API-Key values; empty disables auth

	// DNS-01
	DNSResolvers          []string      `env:"DNS_RESOLVERS" envSeparator:"," envDefault:"8.8.8.8:53,1.1.1.1:53"` // Recursive resolvers used to find authoritative nameservers
	DNSNameservers        []string      `env:"DNS_NAMESERVERS" envSeparator:","`                                  // Fixed nameservers to poll instead of discovery
	DNSPropagationTimeout time.Duration `env:"DNS_PROPAGATION_TIMEOUT" envDefault:"2m"`                           // Upper bound on waiting for TXT visibility
	DNSPollInterval       time.Duration `env:"DNS_POLL_INTERVAL" envDefault:"5s"`                                 // Initial poll interval, grows with backoff

	// Maintenance
	PendingOrderTTL   time.Duration `env:"PENDING_ORDER_TTL" envDefault:"0s"`   // Abandon pending HTTP-01 orders older than this; 0 disables
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`      // How often the pending-order sweeper runs
	AutoRenewInterval time.Duration `env:"AUTO_RENEW_INTERVAL" envDefault:"0s"` // How often to renew due dns-01 certificates; 0 disables
	RenewBefore       time.Duration `env:"RENEW_BEFORE" envDefault:"720h"`      // Renew certificates expiring within this window
}

var validStorageTypes = map[string]bool{"postgres": true, "redis": true, "dir": true}

// LoadConfig loads configuration from an optional .env file and CERTFORGE_* environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that env parsing alone cannot.
func (c *Config) Validate() error {
	c.StorageType = strings.ToLower(strings.TrimSpace(c.StorageType))
	if !validStorageTypes[c.StorageType] {
		return fmt.Errorf("config: invalid storage type %q", c.StorageType)
	}
	switch certcrypto.KeyType(c.CertKeyType) {
	case certcrypto.EC256, certcrypto.EC384, certcrypto.RSA2048, certcrypto.RSA3072, certcrypto.RSA4096, certcrypto.RSA8192:
	default:
		return fmt.Errorf("config: unsupported certificate key type %q", c.CertKeyType)
	}
	if c.DNSPropagationTimeout <= 0 {
		return errors.New("config: DNS propagation timeout must be positive")
	}
	if c.DNSPollInterval <= 0 {
		return errors.New("config: DNS poll interval must be positive")
	}
	if c.PendingOrderTTL < 0 || c.AutoRenewInterval < 0 {
		return errors.New("config: maintenance intervals cannot be negative")
	}
	return nil
}
