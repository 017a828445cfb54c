package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/model"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// --- Interfaces ---
//
// All Get methods return (nil, nil) when the record does not exist.

// CredentialStore holds the single ACME account key.
type CredentialStore interface {
	GetAccountKey(ctx context.Context) ([]byte, error)
	SaveAccountKey(ctx context.Context, keyPEM []byte) error
}

// ChallengeResponseStore serves HTTP-01 key authorizations by token.
// Records are written and removed only through PendingOrderStore.
type ChallengeResponseStore interface {
	GetChallengeResponse(ctx context.Context, token string) (*model.ChallengeResponse, error)
}

// PendingOrderStore persists in-flight HTTP-01 orders. SavePendingOrder and
// DeletePendingOrder also write and remove the paired challenge response.
type PendingOrderStore interface {
	SavePendingOrder(ctx context.Context, order *model.PendingOrder) error
	GetPendingOrder(ctx context.Context, key string) (*model.PendingOrder, error)
	DeletePendingOrder(ctx context.Context, key string) error
	ListPendingOrders(ctx context.Context) ([]*model.PendingOrder, error)
}

// CertificateStore keeps the latest certificate per domain.
type CertificateStore interface {
	SaveCertificate(ctx context.Context, rec *model.CertificateRecord) error
	GetCertificate(ctx context.Context, domain string) (*model.CertificateRecord, error)
	ListCertificates(ctx context.Context) ([]*model.CertificateRecord, error)
}

// Storage is implemented by every backend.
type Storage interface {
	CredentialStore
	ChallengeResponseStore
	PendingOrderStore
	CertificateStore

	Ping(ctx context.Context) error
	Close() error
}

// PendingOrderKey derives the pending order key from an ACME order URL.
func PendingOrderKey(orderURL string) string {
	sum := sha256.Sum256([]byte(orderURL))
	return hex.EncodeToString(sum[:])
}

// NewStorage is the factory function.
func NewStorage(cfg *config.Config) (Storage, error) {
	switch strings.ToLower(cfg.StorageType) {
	case "postgres":
		return NewPostgreSQLStorage(cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode, cfg.DBCert, cfg.DBKey, cfg.DBRootCert)
	case "redis":
		kv, err := NewRedisKV(cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, err
		}
		return NewKVStorage(kv), nil
	case "dir":
		kv, err := NewDirKV(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return NewKVStorage(kv), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", cfg.StorageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", cfg.StorageType)
	}
}

// preparePendingOrder fills the derived fields of a pending order before it is written.
func preparePendingOrder(order *model.PendingOrder, now func() time.Time) error {
	if order.OrderURL == "" || order.Token == "" {
		return fmt.Errorf("storage: pending order requires an order URL and token")
	}
	order.Key = PendingOrderKey(order.OrderURL)
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now().UTC()
	}
	return nil
}
