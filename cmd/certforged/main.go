package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/blockadesystems/certforge/internal/acme"
	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/dnsprovider"
	"github.com/blockadesystems/certforge/internal/issuance"
	"github.com/blockadesystems/certforge/internal/metrics"
	"github.com/blockadesystems/certforge/internal/server"
	"github.com/blockadesystems/certforge/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
	zap.ReplaceGlobals(l)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certforge starting...",
		zap.String("acme_directory", cfg.ACMEDirectoryURL),
		zap.String("storage_type", cfg.StorageType),
		zap.String("challenge_address", cfg.ChallengeAddress),
		zap.String("api_address", cfg.APIAddress),
		zap.Bool("api_tls", cfg.APITLS),
	)

	// Make sure the data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err), zap.String("data_dir", cfg.DataDir))
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	m := metrics.New()
	client := acme.NewACMEClient(store, acme.Options{
		DirectoryURL: cfg.ACMEDirectoryURL,
		ContactEmail: cfg.ACMEContactEmail,
	})
	propagation := dnsprovider.NewPropagationChecker(cfg.DNSResolvers, cfg.DNSNameservers, cfg.DNSPropagationTimeout, cfg.DNSPollInterval)
	orders := issuance.NewOrderCoordinator(client, store, dnsprovider.DefaultRegistry(), propagation, issuance.Options{
		KeyType: cfg.CertKeyType,
		Metrics: m,
	})
	renewals := issuance.NewRenewalCoordinator(store, orders, m)

	challengeServer := echo.New()
	apiServer := echo.New()
	server.ApplyCommonMiddleware(challengeServer, store, cfg, orders, renewals, logger)
	server.ApplyCommonMiddleware(apiServer, store, cfg, orders, renewals, logger)
	server.SetupRouter(challengeServer, apiServer, cfg, m)

	var certFile, keyFile string
	if cfg.APITLS {
		certFile, keyFile, err = certutil.EnsureHTTPSCertificates(cfg)
		if err != nil {
			logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("challenge listener starting", zap.String("address", cfg.ChallengeAddress))
		return serve(challengeServer.Start(cfg.ChallengeAddress))
	})
	g.Go(func() error {
		logger.Info("API listener starting", zap.String("address", cfg.APIAddress))
		if cfg.APITLS {
			return serve(apiServer.StartTLS(cfg.APIAddress, certFile, keyFile))
		}
		return serve(apiServer.Start(cfg.APIAddress))
	})

	if cfg.PendingOrderTTL > 0 {
		g.Go(func() error { return orders.RunSweeper(ctx, cfg.SweepInterval, cfg.PendingOrderTTL) })
	}
	if cfg.AutoRenewInterval > 0 {
		g.Go(func() error { return renewals.RunAutoRenew(ctx, cfg.AutoRenewInterval, cfg.RenewBefore) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(challengeServer.Shutdown(shutdownCtx), apiServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("certforge stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("certforge stopped")
}

// serve treats a graceful shutdown as a clean exit.
func serve(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
