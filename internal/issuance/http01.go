package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/storage"
)

// HTTP01Strategy runs the manual flow in three independent calls: Initiate stores
// the pending order and its challenge response, Verify asks the ACME server to
// validate, Finalize issues and cleans up. Nothing is kept in memory between calls.
type HTTP01Strategy struct {
	acme     acme.Client
	store    storage.Storage
	finisher *finisher
	now      func() time.Time
}

func NewHTTP01Strategy(client acme.Client, store storage.Storage, now func() time.Time) *HTTP01Strategy {
	if now == nil {
		now = time.Now
	}
	return &HTTP01Strategy{
		acme:     client,
		store:    store,
		finisher: &finisher{acme: client, store: store, now: now},
		now:      now,
	}
}

func (s *HTTP01Strategy) Type() model.ChallengeType { return model.ChallengeHTTP01 }

// Initiate persists the order context. The ACME server is not asked to validate.
func (s *HTTP01Strategy) Initiate(ctx context.Context, a *attempt) (*model.PendingChallenge, error) {
	pending := &model.PendingOrder{
		Domain:           a.Domain,
		ChallengeType:    model.ChallengeHTTP01,
		OrderURL:         a.Order.URL,
		AuthorizationURL: a.Authorization.URL,
		ChallengeURL:     a.Challenge.URL,
		Token:            a.Challenge.Token,
		KeyAuthorization: a.KeyAuthorization,
		PrivateKeyPEM:    string(a.KeyPEM),
		CSRPEM:           string(certutil.EncodeCSR(a.CSR)),
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.SavePendingOrder(ctx, pending); err != nil {
		return nil, fmt.Errorf("issuance: failed to store pending order: %w", err)
	}
	logger.Info("http-01 challenge awaiting operator",
		zap.String("domain", a.Domain),
		zap.String("token", pending.Token),
		zap.String("pending_key", pending.Key))

	return &model.PendingChallenge{
		Domain:           pending.Domain,
		Token:            pending.Token,
		KeyAuthorization: pending.KeyAuthorization,
		ChallengeURL:     pending.ChallengeURL,
		OrderURL:         pending.OrderURL,
	}, nil
}

// Verify asks the server to validate and waits for a terminal status. A failed
// validation is reported as VerifyInvalid with the server's reason, not as an
// error. Calling Verify on an already valid challenge returns VerifyValid again.
func (s *HTTP01Strategy) Verify(ctx context.Context, pending *model.PendingOrder) (model.VerifyStatus, string, error) {
	log := logger.With(zap.String("domain", pending.Domain), zap.String("challenge", pending.ChallengeURL))

	ch, err := s.acme.GetChallenge(ctx, pending.ChallengeURL)
	if err != nil {
		return "", "", acmeError("get challenge", err)
	}

	switch ch.Status {
	case acme.StatusValid:
		log.Info("http-01 challenge already valid")
		return model.VerifyValid, "challenge is valid", nil
	case acme.StatusInvalid:
		log.Info("http-01 challenge is invalid", zap.String("reason", ch.Error))
		return model.VerifyInvalid, invalidMessage(ch.Error), nil
	case acme.StatusPending:
		if err := s.acme.CompleteChallenge(ctx, ch); err != nil {
			return "", "", acmeError("accept challenge", err)
		}
	}

	err = s.acme.WaitForValidStatus(ctx, pending.AuthorizationURL)
	var ve *acme.ValidationError
	switch {
	case errors.As(err, &ve):
		log.Info("http-01 validation failed", zap.String("reason", ve.Detail))
		return model.VerifyInvalid, invalidMessage(ve.Detail), nil
	case err != nil:
		return "", "", acmeError("wait for authorization", err)
	}
	log.Info("http-01 challenge validated")
	return model.VerifyValid, "challenge is valid; the order can be finalized", nil
}

// Finalize requires the order to be ready (or already valid from an earlier
// attempt), issues the certificate and removes the pending order together with
// its challenge response.
func (s *HTTP01Strategy) Finalize(ctx context.Context, pending *model.PendingOrder) (*model.IssuedCertificate, error) {
	order, err := s.acme.GetOrder(ctx, pending.OrderURL)
	if err != nil {
		return nil, acmeError("get order", err)
	}
	switch {
	case order.Status == acme.StatusReady:
	case order.Status == acme.StatusValid && order.CertificateURL != "":
	default:
		return nil, fmt.Errorf("%w: order status is %q", ErrOrderNotReady, order.Status)
	}

	key, err := certutil.ParsePrivateKey([]byte(pending.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("issuance: pending order %s has an unusable key: %w", pending.Key, err)
	}
	csr, err := certutil.DecodeCSR([]byte(pending.CSRPEM))
	if err != nil {
		return nil, fmt.Errorf("issuance: pending order %s has an unusable CSR: %w", pending.Key, err)
	}

	issued, err := s.finisher.finish(ctx, finishInput{
		Domain:        pending.Domain,
		Order:         order,
		CSR:           csr,
		Key:           key,
		KeyPEM:        []byte(pending.PrivateKeyPEM),
		ChallengeType: model.ChallengeHTTP01,
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.DeletePendingOrder(context.WithoutCancel(ctx), pending.Key); err != nil {
		logger.Warn("failed to delete pending order after issuance",
			zap.String("domain", pending.Domain), zap.String("pending_key", pending.Key), zap.Error(err))
	}
	return issued, nil
}

func invalidMessage(reason string) string {
	if reason == "" {
		return "challenge validation failed; check the file at /.well-known/acme-challenge/ and retry"
	}
	return "challenge validation failed: " + reason
}
