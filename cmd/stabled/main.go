package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stablecoin/config"
	"stablecoin/core/events"
	"stablecoin/core/state"
	nativecommon "stablecoin/native/common"
	"stablecoin/native/stablecoin"
	"stablecoin/observability"
	"stablecoin/observability/logging"
	telemetry "stablecoin/observability/otel"
	"stablecoin/services/stabled/custody"
	"stablecoin/services/stabled/oracle"
	"stablecoin/services/stabled/server"
	auditstore "stablecoin/services/stabled/storage"
	"stablecoin/storage"
)

const serviceName = "stabled"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			if err := runKeygen(os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "stabled keygen: %v\n", err)
				os.Exit(1)
			}
			return
		case "token":
			if err := runToken(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "stabled token: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "stabled.toml", "path to stabled configuration file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("stabled exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := logging.New(cfg.LoggingOptions(serviceName))
	defer closeLog.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.TelemetryOptions(serviceName))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	st := state.NewManager(db)

	audit, err := auditstore.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()
	audit.SetLogger(logger)
	if err := audit.Verify(context.Background()); err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}

	bank, err := custody.NewBank(st, cfg.Protocol.CollateralToken, cfg.Protocol.DebtToken)
	if err != nil {
		return err
	}
	emitter := events.Multi(audit, events.EmitterFunc(func(evt events.Event) {
		observability.Events().Record(evt.EventType())
	}))
	bank.SetEmitter(emitter)

	registry := oracle.NewRegistry(oracle.WithRecorder(audit), oracle.WithLogger(logger))
	pauses := nativecommon.NewPauses(cfg.Pauses...)
	engine := stablecoin.NewEngine(st, registry, bank)
	engine.SetPauses(pauses)
	engine.SetEmitter(emitter)
	engine.SetLogger(logger)

	if err := bootstrapConfig(engine, cfg, logger); err != nil {
		return err
	}

	operators, err := cfg.OperatorAddresses()
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Engine: engine,
		Bank:   bank,
		Oracle: registry,
		Audit:  audit,
		Pauses: pauses,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Operators: operators,
		Defaults:  cfg.ProtocolOptions(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("stabled listening", "addr", cfg.ListenAddress, "storage", cfg.Storage.Backend, "audit", cfg.Audit.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("stabled shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// bootstrapConfig applies the configured launch parameters when the store has
// no protocol config yet.
func bootstrapConfig(engine *stablecoin.Engine, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.Protocol.AutoInitialize {
		return nil
	}
	existing, err := engine.Config()
	switch {
	case err == nil:
		logger.Info("protocol config present", "authority", existing.Authority.String(), "min_health_factor", existing.MinHealthFactor)
		return nil
	case !errors.Is(err, stablecoin.ErrConfigNotFound):
		return fmt.Errorf("load protocol config: %w", err)
	}
	authority, err := cfg.AuthorityAddress()
	if err != nil {
		return fmt.Errorf("protocol authority: %w", err)
	}
	created, err := engine.InitializeConfig(context.Background(), authority, cfg.Protocol.DebtToken, cfg.ProtocolOptions()...)
	if err != nil {
		return fmt.Errorf("initialise protocol config: %w", err)
	}
	logger.Info("protocol config initialised", "authority", created.Authority.String(), "feed", created.PriceFeed)
	return nil
}
