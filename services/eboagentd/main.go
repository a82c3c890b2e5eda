package eboagentd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"eboagent/native/ebo"
	"eboagent/observability"
	"eboagent/observability/logging"
	telemetry "eboagent/observability/otel"
)

const serviceName = "eboagentd"

// Main runs the EBO agent daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/eboagentd/config.yaml", "path to eboagentd config (yaml or toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("EBO_ENV"))
	logger, logCloser := logging.New(logging.Config{Service: serviceName, Env: env, File: cfg.LogFile})
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	logger.Info("configuration loaded",
		slog.String("config", cfgPath),
		slog.String("listen", cfg.ListenAddress),
		slog.Int("chains", len(cfg.Chains)),
		logging.MaskField("signer_key_source", cfg.SignerKeySource()))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	key, err := gethcrypto.HexToECDSA(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("load signer key: %w", err)
	}

	protocolClient, err := DialEVMClient(cfg.Protocol.RPCURL)
	if err != nil {
		return fmt.Errorf("dial protocol chain: %w", err)
	}
	defer protocolClient.Close()

	journal, err := OpenJournal(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	provider, err := NewEVMProvider(ProviderConfig{
		Client:        protocolClient,
		Key:           key,
		ChainID:       big.NewInt(cfg.Protocol.ChainID),
		Addresses:     cfg.Protocol.Addresses(),
		Confirmations: cfg.Protocol.Confirmations,
		RPS:           cfg.Protocol.RPS,
		Recorder:      journal,
		Logger:        logger,
		Timeout:       cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	blocks := NewEVMBlockNumberService()
	for _, chain := range cfg.Chains {
		client, err := DialEVMClient(chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial chain %s: %w", chain.ID, err)
		}
		defer client.Close()
		if err := blocks.AddChain(ebo.ChainID(chain.ID), client, chain.RPS); err != nil {
			return err
		}
	}

	decoder, err := NewEventDecoder(protocolClient, cfg.Protocol.RPS)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}

	actorMetrics := observability.EboActor()
	monitor, err := NewMonitor(MonitorConfig{
		Client:   protocolClient,
		Decoder:  decoder,
		Provider: provider,
		NewActor: func(req ebo.ActorRequest) (*ebo.Actor, error) {
			return ebo.NewActor(req, provider, blocks,
				ebo.WithLogger(logger),
				ebo.WithNotifier(journal),
				ebo.WithMetrics(actorMetrics))
		},
		Cursor:        journal,
		Oracle:        cfg.Protocol.Addresses().Oracle,
		StartBlock:    cfg.StartBlock,
		Confirmations: cfg.Protocol.Confirmations,
		MaxBlockRange: cfg.MaxBlockRange,
		Concurrency:   cfg.ActorConcurrency,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
		Metrics:       observability.EboAgentd(),
	})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(NewServer(monitor, journal), serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("eboagentd listening", slog.String("listen", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		logger.Info("monitor started",
			slog.String("oracle", cfg.Protocol.Oracle),
			slog.Duration("poll_interval", cfg.PollInterval))
		errs <- monitor.Run(stopCtx)
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
