// internal/testutils/server_test_helper.go
package testutils

import (
	"testing"
	"time"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/server"
	"github.com/blockadesystems/certforge/internal/storage"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"
)

// TestAPIKey is accepted by servers built with SetupTestServer.
const TestAPIKey = "test-api-key"

// TestServer bundles both listeners of a test instance with their collaborators.
type TestServer struct {
	Challenge *echo.Echo // plain HTTP challenge listener
	API       *echo.Echo // authenticated API listener
	Store     storage.Storage
	Orders    *issuance.OrderCoordinator
	Renewals  *issuance.RenewalCoordinator
	Metrics   *metrics.Metrics
	Config    *config.Config
}

// SetupTestServer wires the application around client and store without starting
// listeners. Requests are driven through ServeHTTP with httptest recorders.
// When store is nil a directory backend under t.TempDir() is used.
func SetupTestServer(t *testing.T, client acme.Client, store storage.Storage) *TestServer {
	t.Helper()
	propagation := dnsprovider.NewPropagationChecker(nil, []string{"127.0.0.1:1"}, 5*time.Second, 100*time.Millisecond)
	return SetupTestServerWithDNS(t, client, store, dnsprovider.DefaultRegistry(), propagation)
}

// SetupTestServerWithDNS is SetupTestServer with the DNS providers and the
// propagation check replaced, so dns-01 can complete without a real zone.
func SetupTestServerWithDNS(t *testing.T, client acme.Client, store storage.Storage, providers *dnsprovider.Registry, propagation issuance.PropagationWaiter) *TestServer {
	t.Helper()

	// Use zaptest logger which integrates with go test logging
	testLogger := zaptest.NewLogger(t)

	if store == nil {
		kv, err := storage.NewDirKV(t.TempDir())
		if err != nil {
			t.Fatalf("Failed to create directory storage for test: %v", err)
		}
		store = storage.NewKVStorage(kv)
	}

	cfg := &config.Config{
		StorageType:           "dir",
		CertKeyType:           "P256",
		APIKeys:               []string{TestAPIKey},
		DNSPropagationTimeout: 5 * time.Second,
		DNSPollInterval:       100 * time.Millisecond,
	}

	m := metrics.New()
	orders := issuance.NewOrderCoordinator(client, store, providers, propagation, issuance.Options{
		KeyType: cfg.CertKeyType,
		Metrics: m,
	})
	renewals := issuance.NewRenewalCoordinator(store, orders, m)

	challengeInstance := echo.New()
	apiInstance := echo.New()
	server.ApplyCommonMiddleware(challengeInstance, store, cfg, orders, renewals, testLogger)
	server.ApplyCommonMiddleware(apiInstance, store, cfg, orders, renewals, testLogger)
	server.SetupRouter(challengeInstance, apiInstance, cfg, m)

	return &TestServer{
		Challenge: challengeInstance,
		API:       apiInstance,
		Store:     store,
		Orders:    orders,
		Renewals:  renewals,
		Metrics:   m,
		Config:    cfg,
	}
}
