// Package certutil holds the key, CSR and PEM helpers shared by the issuance flow.
package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
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
	logger = l.With(zap.String("package", "certutil"))
}

var ErrNoCertificate = errors.New("certutil: no certificate found in PEM data")

// GenerateKey creates a private key of the given lego key type ("2048", "P256", ...).
func GenerateKey(keyType string) (crypto.Signer, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.KeyType(keyType))
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to generate %s key: %w", keyType, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("certutil: generated key of type %T cannot sign", key)
	}
	return signer, nil
}

// EncodePrivateKey returns the PEM form of an RSA or ECDSA key.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return pem.EncodeToMemory(certcrypto.PEMBlock(key)), nil
	default:
		return nil, fmt.Errorf("certutil: unsupported private key type %T", key)
	}
}

// ParsePrivateKey accepts PKCS#1, PKCS#8 and SEC1 PEM encodings.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	key, err := certcrypto.ParsePEMPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("certutil: unsupported private key type %T", key)
	}
	return signer, nil
}

// CreateCSR builds a DER encoded certificate request for a single domain.
func CreateCSR(key crypto.Signer, domain string) ([]byte, error) {
	req := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, req, key)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to create CSR for %s: %w", domain, err)
	}
	return der, nil
}

// EncodeCSR wraps a DER certificate request in PEM.
func EncodeCSR(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// DecodeCSR returns the DER bytes of a PEM certificate request.
func DecodeCSR(pemBytes []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("certutil: failed to decode PEM block containing CSR")
	}
	if _, err := x509.ParseCertificateRequest(block.Bytes); err != nil {
		return nil, fmt.Errorf("certutil: failed to parse CSR: %w", err)
	}
	return block.Bytes, nil
}

// EncodeChain PEM encodes a DER chain as returned by an ACME server, leaf first.
func EncodeChain(der [][]byte) string {
	var b strings.Builder
	for _, c := range der {
		b.Write(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(c)))
	}
	return b.String()
}

// ParseLeaf returns the first certificate of a PEM chain.
func ParseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	certs, err := certcrypto.ParsePEMBundle(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to parse certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}
	return certs[0], nil
}
