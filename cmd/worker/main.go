// Command worker runs the confidential snapshot worker: attested
// bootstrap, encrypted credential vault, venue aggregation, daily
// scheduler, and the mTLS RPC surface.
package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equivault/enclave-worker/internal/aggregator"
	"github.com/equivault/enclave-worker/internal/attestation"
	"github.com/equivault/enclave-worker/internal/config"
	"github.com/equivault/enclave-worker/internal/connector"
	"github.com/equivault/enclave-worker/internal/events"
	"github.com/equivault/enclave-worker/internal/memguard"
	"github.com/equivault/enclave-worker/internal/ops"
	"github.com/equivault/enclave-worker/internal/ratelimit"
	"github.com/equivault/enclave-worker/internal/repository"
	"github.com/equivault/enclave-worker/internal/rpc"
	"github.com/equivault/enclave-worker/internal/scheduler"
	"github.com/equivault/enclave-worker/internal/telemetry"
	"github.com/equivault/enclave-worker/internal/vault"
)

// Exit codes. Startup and attestation failures share code 1; a shutdown
// that outlives its deadline exits distinctly so orchestrators can tell
// a hang from a clean stop.
const (
	exitOK              = 0
	exitStartupFailure  = 1
	exitShutdownTimeout = 3
)

const shutdownDeadline = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("BOOT").Error("configuration failed", err, nil)
		return exitStartupFailure
	}
	telemetry.SetDefaultLevel(telemetry.ParseLevel(cfg.LogLevel))
	logger := telemetry.NewLogger("BOOT")

	// Memory hardening comes first so every later secret allocation is
	// covered by the core-dump and ptrace posture.
	guard := memguard.New()
	defer guard.WipeAll()

	attestationResult := attest(cfg, logger)
	if attestationResult == nil && cfg.Mode == config.ModeProduction {
		return exitStartupFailure
	}

	v, err := vault.New(cfg.MasterKey, guard)
	if err != nil {
		logger.Error("vault init failed", err, nil)
		return exitStartupFailure
	}

	ctx := context.Background()
	store, err := repository.Open(ctx, cfg.Repository)
	if err != nil {
		logger.Error("repository init failed", err, nil)
		return exitStartupFailure
	}
	defer store.Close()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.NewMetrics()
	}

	registry := connector.NewRegistry(cfg.VenuePolicy, metrics)
	defer registry.Close()

	agg := aggregator.New(store, v, registry, cfg.VenuePolicy, metrics)
	limiter := ratelimit.New(store)

	var emitter events.Emitter
	var pubsubBus *events.PubSubBus
	if cfg.Events.PubSubProject != "" && cfg.Events.PubSubTopic != "" {
		pubsubBus, err = events.NewPubSubBus(ctx, cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			logger.Error("pubsub init failed, continuing with in-memory bus", err, nil)
			emitter = events.NewBus()
		} else {
			emitter = pubsubBus
			defer pubsubBus.Close()
		}
	} else {
		emitter = events.NewBus()
	}

	sched := scheduler.New(store, agg, limiter, emitter, metrics)
	sched.Start()

	opsServer := ops.New(cfg.OpsPort, metrics, attestationResult, guard, sched)
	opsServer.Start()

	rpcServer := rpc.New(cfg, store, v, registry, agg, limiter, emitter, metrics)
	serveErr := make(chan error, 1)
	go func() { serveErr <- rpcServer.Serve() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErr:
		logger.Error("rpc serving failed", err, nil)
		return exitStartupFailure
	case sig := <-signals:
		logger.Info("shutdown signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	shutdownStart := time.Now()
	schedulerDone := sched.Stop(shutdownDeadline)

	remaining := shutdownDeadline - time.Since(shutdownStart)
	if remaining < 0 {
		remaining = 0
	}
	rpcServer.Stop(remaining)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opsServer.Stop(stopCtx)

	if !schedulerDone {
		logger.Warn("scheduler pass outlived shutdown deadline", nil)
		return exitShutdownTimeout
	}
	logger.Info("shutdown complete", nil)
	return exitOK
}

// attest produces and verifies the launch report. In production a
// failure is fatal; in development the worker runs unattested with a
// warning so local work does not require SNP hardware.
func attest(cfg *config.Config, logger *telemetry.Logger) *attestation.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nonce := make([]byte, attestation.ReportDataSize)
	if _, err := rand.Read(nonce); err != nil {
		logger.Error("attestation nonce generation failed", err, nil)
		return nil
	}

	raw, err := attestation.NewProducer().Produce(ctx, nonce)
	if err != nil {
		logger.Error("attestation report production failed", err, map[string]interface{}{
			"mode": string(cfg.Mode),
		})
		return nil
	}

	result, err := attestation.NewVerifier(cfg.VCEKCachePath).Verify(ctx, raw)
	if err != nil {
		logger.Error("attestation verification failed", err, map[string]interface{}{
			"mode": string(cfg.Mode),
		})
		return nil
	}
	logger.Info("attestation verified", map[string]interface{}{
		"platform_version": result.PlatformVersion,
	})
	return result
}
