package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"thunderfuel/cmd/internal/passphrase"
	"thunderfuel/config"
	"thunderfuel/core"
	"thunderfuel/core/state"
	"thunderfuel/crypto"
	"thunderfuel/observability/logging"
	"thunderfuel/observability/metrics"
	telemetry "thunderfuel/observability/otel"
	"thunderfuel/storage"
)

// app bundles everything a command needs once the config has been read.
type app struct {
	cfg      *config.Config
	db       storage.Database
	exec     *core.Executor
	logger   *slog.Logger
	pass     *passphrase.Source
	closers  []func()
	shutdown func(context.Context) error
}

func loadConfig(path string, pass *passphrase.Source) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		secret, err := pass.Get()
		if err != nil {
			return nil, err
		}
		return config.Load(path, config.WithKeystorePassphrase(secret))
	}
	return config.Load(path)
}

// openApp loads the config and, when withLedger is set, opens the store and
// executor.
func openApp(configPath string, stderr io.Writer, withLedger bool) (*app, error) {
	pass := passphrase.NewSource(passphrase.DefaultEnvVar)
	cfg, err := loadConfig(configPath, pass)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithFile(stderr, serviceName, cfg.Environment, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	a := &app{cfg: cfg, logger: logger, pass: pass}
	a.closers = append(a.closers, func() { _ = logCloser.Close() })

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		logger.Info("telemetry enabled",
			slog.String("endpoint", cfg.Telemetry.Endpoint),
			logging.MaskField("headers", cfg.Telemetry.Headers))
		shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Network:     cfg.NetworkName,
			LedgerRoot:  state.RootID(cfg.NetworkName).Hex(),
			Backend:     cfg.Backend,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.shutdown = shutdown
	}

	if !withLedger {
		return a, nil
	}
	if cfg.Backend != storage.BackendMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			a.Close()
			return nil, err
		}
	}
	db, err := storage.Open(cfg.Backend, cfg.DatabasePath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	exec, err := core.NewExecutor(db, cfg.NetworkName, nil)
	if err != nil {
		a.Close()
		return nil, err
	}
	exec.SetLogger(logger)
	exec.SetMetrics(metrics.Rewards())
	a.exec = exec
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a == nil {
		return
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.shutdown(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) keystorePath(override string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}
	return a.cfg.KeystorePath
}

func (a *app) loadKey(override string) (*crypto.PrivateKey, error) {
	secret, err := a.pass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(a.keystorePath(override), secret)
	if err != nil {
		return nil, fmt.Errorf("unlock keystore: %w", err)
	}
	return key, nil
}

// resolveAddress decodes a bech32 address, falling back to the address
// recorded in the keystore when raw is empty. The keystore is not unlocked.
func (a *app) resolveAddress(raw, keystore string) ([20]byte, error) {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return [20]byte{}, err
		}
		if addr.Prefix() != crypto.TFPrefix {
			return [20]byte{}, fmt.Errorf("address %s does not use the %s prefix", trimmed, crypto.TFPrefix)
		}
		return addr.Raw(), nil
	}
	addr, err := crypto.KeystoreAddress(a.keystorePath(keystore))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
