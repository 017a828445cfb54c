package issuance

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

// attempt carries everything one issuance has produced so far.
type attempt struct {
	Domain           string
	Order            *acme.Order
	Authorization    *acme.Authorization
	Challenge        *acme.Challenge
	KeyAuthorization string

	Key    crypto.Signer
	KeyPEM []byte
	CSR    []byte // DER

	DNS      *model.DNSConfig
	Provider dnsprovider.Provider
}

// ChallengeStrategy satisfies the selected challenge of a pending authorization.
// Initiate returns nil when the challenge was validated within the call and the
// order can be finalized, or a PendingChallenge when completion depends on a later
// request. Authorizations that are already valid never reach a strategy.
type ChallengeStrategy interface {
	Type() model.ChallengeType
	Initiate(ctx context.Context, a *attempt) (*model.PendingChallenge, error)
}

// finisher finalizes orders, downloads the chain and persists the certificate record.
type finisher struct {
	acme  acme.Client
	store storage.CertificateStore
	now   func() time.Time
}

type finishInput struct {
	Domain        string
	Order         *acme.Order
	CSR           []byte
	Key           crypto.Signer
	KeyPEM        []byte
	ChallengeType model.ChallengeType
	DNS           *model.DNSConfig
}

func (f *finisher) finish(ctx context.Context, in finishInput) (*model.IssuedCertificate, error) {
	certURL := in.Order.CertificateURL
	if in.Order.Status != acme.StatusValid || certURL == "" {
		var err error
		certURL, err = f.acme.FinalizeOrder(ctx, in.Order.FinalizeURL, in.CSR)
		if err != nil {
			return nil, acmeError("finalize order", err)
		}
	}

	der, err := f.acme.GetCertificate(ctx, certURL)
	if err != nil {
		return nil, acmeError("download certificate", err)
	}
	chainPEM := certutil.EncodeChain(der)
	leaf, err := certutil.ParseLeaf([]byte(chainPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: unusable certificate: %v", ErrAcmeServer, err)
	}
	now := f.now()
	if err := certutil.ValidateLeaf(leaf, in.Domain, in.Key, now); err != nil {
		return nil, fmt.Errorf("%w: issued certificate rejected: %v", ErrAcmeServer, err)
	}

	rec := &model.CertificateRecord{
		Domain:         in.Domain,
		CertificatePEM: chainPEM,
		PrivateKeyPEM:  string(in.KeyPEM),
		ChallengeType:  in.ChallengeType,
		DNSConfig:      in.DNS,
		ExpiresAt:      leaf.NotAfter.UTC(),
		IssuedAt:       now.UTC(),
	}
	if err := f.store.SaveCertificate(ctx, rec); err != nil {
		return nil, fmt.Errorf("issuance: failed to persist certificate for %s: %w", in.Domain, err)
	}
	logger.Info("certificate issued",
		zap.String("domain", in.Domain),
		zap.String("challenge_type", string(in.ChallengeType)),
		zap.Time("expires_at", rec.ExpiresAt),
		zap.String("serial", leaf.SerialNumber.Text(16)))

	return &model.IssuedCertificate{
		Domain:         rec.Domain,
		CertificatePEM: rec.CertificatePEM,
		PrivateKeyPEM:  rec.PrivateKeyPEM,
		ChallengeType:  rec.ChallengeType,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}
