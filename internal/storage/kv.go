package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/model"
)

// KV is a flat key/value backend. Get returns (nil, nil) for a missing key and
// Delete ignores missing keys. Delete removes keys in argument order.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Batcher is implemented by KV backends that can write several keys atomically.
type Batcher interface {
	PutAll(ctx context.Context, entries map[string][]byte) error
}

const (
	accountKeyName    = "account+key"
	challengePrefix   = "challenge+"
	pendingPrefix     = "pending+"
	certificatePrefix = "cert+"
)

// KVStorage implements Storage on top of any KV backend using JSON values.
type KVStorage struct {
	kv  KV
	now func() time.Time
}

var _ Storage = (*KVStorage)(nil)

func NewKVStorage(kv KV) *KVStorage {
	return &KVStorage{kv: kv, now: time.Now}
}

func (s *KVStorage) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }
func (s *KVStorage) Close() error                   { return s.kv.Close() }

func (s *KVStorage) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("storage: failed to read '%s': %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: failed to decode '%s': %w", key, err)
	}
	return true, nil
}

// --- Account key ---

func (s *KVStorage) GetAccountKey(ctx context.Context) ([]byte, error) {
	data, err := s.kv.Get(ctx, accountKeyName)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to get account key: %w", err)
	}
	return data, nil
}

func (s *KVStorage) SaveAccountKey(ctx context.Context, keyPEM []byte) error {
	if err := s.kv.Put(ctx, accountKeyName, keyPEM); err != nil {
		return fmt.Errorf("storage: failed to save account key: %w", err)
	}
	logger.Debug("Account key saved")
	return nil
}

// --- Challenge responses ---

func (s *KVStorage) GetChallengeResponse(ctx context.Context, token string) (*model.ChallengeResponse, error) {
	var cr model.ChallengeResponse
	ok, err := s.getJSON(ctx, challengePrefix+token, &cr)
	if err != nil || !ok {
		return nil, err
	}
	return &cr, nil
}

// --- Pending orders ---

// SavePendingOrder writes the challenge response and the order. Without an atomic
// batch the challenge response is written first and removed again if the order write fails.
func (s *KVStorage) SavePendingOrder(ctx context.Context, order *model.PendingOrder) error {
	if err := preparePendingOrder(order, s.now); err != nil {
		return err
	}
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("storage: failed to encode pending order: %w", err)
	}
	crJSON, err := json.Marshal(&model.ChallengeResponse{
		Token:            order.Token,
		KeyAuthorization: order.KeyAuthorization,
		CreatedAt:        order.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("storage: failed to encode challenge response: %w", err)
	}

	crKey, orderKey := challengePrefix+order.Token, pendingPrefix+order.Key

	if b, ok := s.kv.(Batcher); ok {
		if err := b.PutAll(ctx, map[string][]byte{crKey: crJSON, orderKey: orderJSON}); err != nil {
			return fmt.Errorf("storage: failed to save pending order '%s': %w", order.Key, err)
		}
		logger.Debug("Pending order saved", zap.String("key", order.Key), zap.String("domain", order.Domain))
		return nil
	}

	if err := s.kv.Put(ctx, crKey, crJSON); err != nil {
		return fmt.Errorf("storage: failed to save challenge response for token '%s': %w", order.Token, err)
	}
	if err := s.kv.Put(ctx, orderKey, orderJSON); err != nil {
		if delErr := s.kv.Delete(context.WithoutCancel(ctx), crKey); delErr != nil {
			logger.Error("Failed to roll back challenge response after pending order write failed",
				zap.String("token", order.Token), zap.Error(err), zap.NamedError("rollback_error", delErr))
		}
		return fmt.Errorf("storage: failed to save pending order '%s': %w", order.Key, err)
	}
	logger.Debug("Pending order saved", zap.String("key", order.Key), zap.String("domain", order.Domain))
	return nil
}

func (s *KVStorage) GetPendingOrder(ctx context.Context, key string) (*model.PendingOrder, error) {
	var order model.PendingOrder
	ok, err := s.getJSON(ctx, pendingPrefix+key, &order)
	if err != nil || !ok {
		return nil, err
	}
	return &order, nil
}

// DeletePendingOrder removes the challenge response before the order so that a
// partial failure never leaves a servable key authorization behind.
func (s *KVStorage) DeletePendingOrder(ctx context.Context, key string) error {
	order, err := s.GetPendingOrder(ctx, key)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, challengePrefix+order.Token, pendingPrefix+key); err != nil {
		return fmt.Errorf("storage: failed to delete pending order '%s': %w", key, err)
	}
	logger.Debug("Pending order deleted", zap.String("key", key))
	return nil
}

func (s *KVStorage) ListPendingOrders(ctx context.Context) ([]*model.PendingOrder, error) {
	keys, err := s.kv.Keys(ctx, pendingPrefix)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list pending orders: %w", err)
	}
	orders := make([]*model.PendingOrder, 0, len(keys))
	for _, k := range keys {
		order, err := s.GetPendingOrder(ctx, strings.TrimPrefix(k, pendingPrefix))
		if err != nil {
			return nil, err
		}
		if order != nil { // deleted since listing
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

// --- Certificates ---

func (s *KVStorage) SaveCertificate(ctx context.Context, rec *model.CertificateRecord) error {
	if rec.Domain == "" {
		return errors.New("storage: certificate record requires a domain")
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = s.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: failed to encode certificate for '%s': %w", rec.Domain, err)
	}
	if err := s.kv.Put(ctx, certificatePrefix+rec.Domain, data); err != nil {
		return fmt.Errorf("storage: failed to save certificate for '%s': %w", rec.Domain, err)
	}
	logger.Debug("Certificate saved", zap.String("domain", rec.Domain), zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

func (s *KVStorage) GetCertificate(ctx context.Context, domain string) (*model.CertificateRecord, error) {
	var rec model.CertificateRecord
	ok, err := s.getJSON(ctx, certificatePrefix+domain, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *KVStorage) ListCertificates(ctx context.Context) ([]*model.CertificateRecord, error) {
	keys, err := s.kv.Keys(ctx, certificatePrefix)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list certificates: %w", err)
	}
	recs := make([]*model.CertificateRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := s.GetCertificate(ctx, strings.TrimPrefix(k, certificatePrefix))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Domain < recs[j].Domain })
	return recs, nil
}
