package sweepd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"proxysweep/observability/logging"
	telemetry "proxysweep/observability/otel"
	"proxysweep/services/sweepd/chain"
)

// Main initialises and runs the sweep daemon.
func Main() error {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "services/sweepd/config.yaml", "path to sweepd configuration (.yaml or .toml)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before SWEEP_* overrides are applied")
	flag.Parse()

	if err := LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SWEEP_ENV"))
	logger := logging.Setup("sweepd", env, logging.Options{File: cfg.LogFile, Level: cfg.LogLevel})
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	sampleRatio := 0.0
	if value := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			sampleRatio = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "sweepd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		SampleRatio: sampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rpc, err := chain.NewRPC(chain.RPCConfig{
		URL:               cfg.Endpoint,
		Timeout:           cfg.RPC.Timeout.Duration,
		Retries:           cfg.RPC.Retries,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		Logger:            logger.With("component", "rpc"),
	})
	if err != nil {
		return fmt.Errorf("init node rpc: %w", err)
	}
	relay, err := chain.NewRelay(chain.RelayConfig{
		URL:     cfg.Relay.URL,
		Token:   cfg.Relay.Token,
		Timeout: cfg.Relay.Timeout.Duration,
		Logger:  logger.With("component", "relay"),
	})
	if err != nil {
		return fmt.Errorf("init signing relay: %w", err)
	}
	client := chain.NewClient(rpc, chain.NewCallBuilder(cfg.Chain.CallIndices(), cfg.Chain.MultiAddress), relay)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	signer, err := relay.SignerAddress(startupCtx)
	if err == nil {
		signer, err = chain.NormalizeAccount(signer)
	}
	if err != nil {
		cancel()
		return fmt.Errorf("resolve proxy address: %w", err)
	}
	if cfg.ProxyAddress == "" {
		cfg.ProxyAddress = signer
	} else if cfg.ProxyAddress != signer {
		cancel()
		return fmt.Errorf("proxy_address %s does not match relay signer %s", cfg.ProxyAddress, signer)
	}
	props, err := client.Properties(startupCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("read chain properties: %w", err)
	}

	settings := cfg.Settings()
	logger.Info("sweepd configured",
		"endpoint", cfg.Endpoint,
		"proxy", chain.Checksum(settings.Proxy),
		"destination", chain.Checksum(settings.Destination),
		"sources", len(settings.Sources),
		"leave_free", settings.Retained.String()+" "+props.TokenSymbol,
		"proxy_delay", settings.Delay,
		"round_frequency", settings.RoundFrequency,
		"schedule", cfg.PollSchedule,
		logging.MaskField("relay_token", cfg.Relay.Token),
	)

	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	metrics := NewMetrics()
	scheduler := NewScheduler(client, settings,
		WithLogger(logger),
		WithMetrics(metrics),
		WithJournal(journal),
	)
	poller := NewPoller(scheduler, cfg.PollSchedule, metrics, logger)

	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer := NewAdminServer(poller, journal, auth)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cycles run on their own context so a signal lets the current one finish.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := poller.Start(runCtx); err != nil {
		return err
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("sweepd admin listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
		logger.Info("shutdown requested")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	select {
	case <-poller.Stop().Done():
	case <-time.After(5 * time.Minute):
		logger.Error("sweep cycle did not finish before shutdown deadline")
	}
	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
