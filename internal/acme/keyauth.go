package acme

import (
	"crypto"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// KeyAuthorization returns token || '.' || base64url(JWK thumbprint of the account key).
func KeyAuthorization(accountKey crypto.Signer, token string) (string, error) {
	jwk := jose.JSONWebKey{Key: accountKey.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute account key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
