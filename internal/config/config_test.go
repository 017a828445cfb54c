package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env file present

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "dir", cfg.StorageType)
	assert.Equal(t, "https://acme-v02.api.letsencrypt.org/directory", cfg.ACMEDirectoryURL)
	assert.Equal(t, "2048", cfg.CertKeyType)
	assert.Equal(t, ":80", cfg.ChallengeAddress)
	assert.True(t, cfg.APITLS)
	assert.Empty(t, cfg.APIKeys)
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53"}, cfg.DNSResolvers)
	assert.Equal(t, 2*time.Minute, cfg.DNSPropagationTimeout)
	assert.Equal(t, time.Duration(0), cfg.PendingOrderTTL)
	assert.Equal(t, 720*time.Hour, cfg.RenewBefore)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CERTFORGE_STORAGE_TYPE", "Redis")
	t.Setenv("CERTFORGE_API_KEYS", "one,two")
	t.Setenv("CERTFORGE_DNS_NAMESERVERS", "127.0.0.1:5353")
	t.Setenv("CERTFORGE_DNS_PROPAGATION_TIMEOUT", "45s")
	t.Setenv("CERTFORGE_CERT_KEY_TYPE", "P256")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.StorageType)
	assert.Equal(t, []string{"one", "two"}, cfg.APIKeys)
	assert.Equal(t, []string{"127.0.0.1:5353"}, cfg.DNSNameservers)
	assert.Equal(t, 45*time.Second, cfg.DNSPropagationTimeout)
	assert.Equal(t, "P256", cfg.CertKeyType)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage type", func(c *Config) { c.StorageType = "sqlite" }},
		{"key type", func(c *Config) { c.CertKeyType = "1024" }},
		{"propagation timeout", func(c *Config) { c.DNSPropagationTimeout = 0 }},
		{"poll interval", func(c *Config) { c.DNSPollInterval = -time.Second }},
		{"negative ttl", func(c *Config) { c.PendingOrderTTL = -time.Minute }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				StorageType:           "dir",
				CertKeyType:           "2048",
				DNSPropagationTimeout: time.Minute,
				DNSPollInterval:       time.Second,
			}
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
