package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/internal/auth"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/evidence"
	"github.com/terminal-bench/settlegate/internal/gateway"
	"github.com/terminal-bench/settlegate/internal/journal"
	"github.com/terminal-bench/settlegate/internal/ledger"
	"github.com/terminal-bench/settlegate/internal/metrics"
	"github.com/terminal-bench/settlegate/internal/selection"
	"github.com/terminal-bench/settlegate/pkg/circuit"
	"github.com/terminal-bench/settlegate/pkg/messaging"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	store := ledger.NewLedger(db, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("failed to migrate database")
	}

	source, closeSource, err := config.OpenSource(cfg)
	if err != nil {
		logger.WithError(err).WithField("backend", cfg.ConfigBackend).Warn("config source unavailable, using defaults")
		source = nil
	}
	defer closeSource()
	resolver := config.NewResolver(source, cfg.WeightSet, cfg.ConfigTimeout, logger)

	// Optional sinks stay nil interfaces when absent
	var (
		publisher journal.Publisher
		events    gateway.Subscriber
	)
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "settlegate",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Warn("event bus unavailable, events will not be published")
	} else {
		defer msgClient.Close()
		publisher, events = msgClient, msgClient
	}

	var metricsWriter journal.MetricsWriter
	if cfg.InfluxURL != "" {
		w := metrics.NewWriter(metrics.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		defer w.Close()
		if err := w.Ping(ctx); err != nil {
			logger.WithError(err).Warn("metrics store not reachable yet")
		}
		metricsWriter = w
	}

	var (
		proofs   dispute.EvidenceChecker
		uploader gateway.EvidenceUploader
	)
	if cfg.MinioEndpoint != "" {
		objects, err := evidence.NewStore(evidence.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.WithError(err).Fatal("failed to configure evidence storage")
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.WithError(err).Fatal("failed to prepare evidence bucket")
		}
		proofs, uploader = objects, objects
	}

	j := journal.New(store, publisher, metricsWriter, logger)
	tracker := circuit.NewTracker(store)
	engine := selection.NewEngine(store, tracker, j, logger)
	disputes := dispute.NewService(store, store, proofs, j, logger)

	gw, err := gateway.NewGateway(gateway.Config{
		Port:            cfg.Port,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		MaxHeaderBytes:  1 << 20,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, gateway.Deps{
		Auth:        auth.NewService(cfg.JWTSecret, 24*time.Hour),
		Settings:    resolver,
		Selector:    engine,
		Disputes:    disputes,
		Circuits:    tracker,
		Transitions: j,
		Evidence:    uploader,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create gateway")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("gateway stopped unexpectedly")
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("gateway shutdown error")
	}
	logger.WithFields(logrus.Fields{"sinks": j.SinkStates()}).Info("gateway stopped")
}
