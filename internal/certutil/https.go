package certutil

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/config"
)

// EnsureHTTPSCertificates makes sure the API TLS certificate and key exist, generating
// a self-signed pair when both are missing. It returns the certificate and key paths.
func EnsureHTTPSCertificates(cfg *config.Config) (certFile string, keyFile string, err error) {
	_, certErr := os.Stat(cfg.HTTPSCertFile)
	_, keyErr := os.Stat(cfg.HTTPSKeyFile)

	switch {
	case os.IsNotExist(certErr) && os.IsNotExist(keyErr):
		if err := generateSelfSignedCert(cfg.HTTPSCertFile, cfg.HTTPSKeyFile, cfg.HTTPSCommonName); err != nil {
			return "", "", fmt.Errorf("certutil: failed to generate self-signed certificate: %w", err)
		}
		logger.Info("generated self-signed HTTPS certificate", zap.String("cert_file", cfg.HTTPSCertFile), zap.String("key_file", cfg.HTTPSKeyFile))
	case os.IsNotExist(certErr):
		return "", "", fmt.Errorf("certutil: key file exists but cert file does not")
	case os.IsNotExist(keyErr):
		return "", "", fmt.Errorf("certutil: cert file exists but key file does not")
	default:
		logger.Info("found existing HTTPS certificate and key", zap.String("cert_file", cfg.HTTPSCertFile), zap.String("key_file", cfg.HTTPSKeyFile))
	}

	return cfg.HTTPSCertFile, cfg.HTTPSKeyFile, nil
}

func generateSelfSignedCert(certFile string, keyFile string, commonName string) error {
	priv, err := GenerateKey(string(certcrypto.EC256))
	if err != nil {
		return err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("certutil: failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName, "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return fmt.Errorf("certutil: failed to create self-signed certificate: %w", err)
	}
	keyPEM, err := EncodePrivateKey(priv)
	if err != nil {
		return err
	}

	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("certutil: failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}), 0o644); err != nil {
		return fmt.Errorf("certutil: failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("certutil: failed to write private key file: %w", err)
	}
	return nil
}
