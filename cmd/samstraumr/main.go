// Package main implements the entry point for the Samstraumr runtime
// demo. It assembles a validator -> transformer -> persister pipeline
// under a machine, runs the health monitor and adaptation controller
// against it, and serves Prometheus metrics until shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/heymumford/Samstraumr-sub008/adapt"
	"github.com/heymumford/Samstraumr-sub008/composite"
	"github.com/heymumford/Samstraumr-sub008/config"
	"github.com/heymumford/Samstraumr-sub008/health"
	"github.com/heymumford/Samstraumr-sub008/identity"
	"github.com/heymumford/Samstraumr-sub008/machine"
	"github.com/heymumford/Samstraumr-sub008/memory"
	"github.com/heymumford/Samstraumr-sub008/metric"
	"github.com/heymumford/Samstraumr-sub008/telemetry"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "samstraumr"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting Samstraumr runtime",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"metrics_addr", cfg.Metrics.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	core := registry.Core()

	sink, store, natsConn, err := setupCollaborators(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	m, pipeline, err := buildMachine(cfg, core, sink, logger)
	if err != nil {
		return err
	}

	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize machine: %w", err)
	}
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start machine: %w", err)
	}

	controller := adapt.NewController(adapt.Config{
		RetryBudget: cfg.Adaptation.RetryBudget,
		MinDwell:    time.Duration(cfg.Adaptation.MinDwell),
		Cooldown:    time.Duration(cfg.Adaptation.Cooldown),
	}, adapt.WithStore(store), adapt.WithLogger(logger), adapt.WithMetrics(core))

	monitor := health.NewMonitor(time.Duration(cfg.Monitor.Interval),
		health.WithLogger(logger),
		health.WithSink(sink),
		health.WithMetrics(core),
		health.WithHandler(controller))

	thresholds := health.Thresholds{
		ErrorRate:     cfg.Monitor.ErrorRate,
		LatencyP95:    cfg.Monitor.LatencyP95,
		CriticalAfter: cfg.Monitor.CriticalAfter,
	}
	for _, notation := range pipeline.Members() {
		if tb, ok := pipeline.Member(notation); ok {
			monitor.Register(tb, thresholds)
		}
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	server := startMetricsServer(cfg.Metrics.Addr, registry, m, logger)

	go generateTraffic(ctx, m, logger)

	<-ctx.Done()
	slog.Info("Shutdown signal received", "timeout", cliCfg.ShutdownTimeout)
	return shutdown(cliCfg.ShutdownTimeout, server, monitor, m)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// setupCollaborators wires the telemetry sink and long-term memory store.
// With a NATS URL configured both go over NATS; otherwise transitions go
// to the log and learned adjustments stay in process memory.
func setupCollaborators(ctx context.Context, cfg *config.Config, logger *slog.Logger) (telemetry.Sink, memory.Store, *nats.Conn, error) {
	if cfg.NATS.URL == "" {
		return telemetry.NewLogSink(logger), memory.NewInMemoryStore(), nil, nil
	}

	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
	}

	store, err := memory.NewNATSStore(ctx, conn, cfg.NATS.MemoryBucket)
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("bind memory bucket: %w", err)
	}

	sink := telemetry.MultiSink{
		telemetry.NewLogSink(logger),
		telemetry.NewNATSSink(conn, cfg.NATS.SubjectPrefix, logger),
	}
	return sink, store, conn, nil
}

// buildMachine assembles the demo topology: one machine owning one
// composite with a validator -> transformer -> persister chain.
func buildMachine(cfg *config.Config, core *metric.CoreMetrics, sink telemetry.Sink, logger *slog.Logger) (*machine.Machine, *composite.Composite, error) {
	reg := identity.NewRegistry()

	mid, err := reg.NewMachine("coordinate email pipelines")
	if err != nil {
		return nil, nil, err
	}
	cid, err := reg.NewChild(mid, identity.KindComposite, "process inbound emails")
	if err != nil {
		return nil, nil, err
	}

	tubeOpts := func() []tube.Option {
		return []tube.Option{
			tube.WithLogger(logger),
			tube.WithSink(sink),
			tube.WithMetrics(core),
			tube.WithWindowSize(cfg.Tube.WindowSize),
			tube.WithJournalCapacity(cfg.Tube.JournalCapacity),
			tube.WithProcessTimeout(time.Duration(cfg.Tube.ProcessTimeout)),
		}
	}

	newTube := func(reason string, fn tube.ProcessFunc, in, out string) (*tube.Tube, error) {
		id, err := reg.NewChild(cid, identity.KindTube, reason)
		if err != nil {
			return nil, err
		}
		opts := append(tubeOpts(), tube.WithTypes(in, out))
		return tube.New(id, fn, opts...)
	}

	validator, err := newTube("Validate emails", validateEmail, "raw", "email")
	if err != nil {
		return nil, nil, err
	}
	transformer, err := newTube("Normalize emails", normalizeEmail, "email", "email")
	if err != nil {
		return nil, nil, err
	}
	persister, err := newTube("Persist emails", persistEmail, "email", "receipt")
	if err != nil {
		return nil, nil, err
	}

	pipeline, err := composite.NewBuilder(cid,
		composite.WithLogger(logger),
		composite.WithSink(sink),
		composite.WithMetrics(core)).
		AddTube(validator, transformer, persister).
		Connect(validator, transformer).
		Connect(transformer, persister).
		WithFallback(transformer).
		Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build pipeline: %w", err)
	}

	m, err := machine.New(mid,
		machine.WithLogger(logger),
		machine.WithSink(sink),
		machine.WithMetrics(core),
		machine.WithErrorBudget(cfg.Machine.ErrorBudget))
	if err != nil {
		return nil, nil, err
	}
	if err := m.Add(pipeline); err != nil {
		return nil, nil, err
	}
	return m, pipeline, nil
}

// validateEmail rejects inputs without a plausible address.
func validateEmail(_ context.Context, input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("expected string input, got %T", input)
	}
	at := strings.Index(s, "@")
	if at < 1 || at == len(s)-1 {
		return nil, fmt.Errorf("invalid email address: %q", s)
	}
	return s, nil
}

func normalizeEmail(_ context.Context, input any) (any, error) {
	return strings.ToLower(strings.TrimSpace(input.(string))), nil
}

func persistEmail(_ context.Context, input any) (any, error) {
	// Stand-in for a real storage backend.
	return fmt.Sprintf("stored:%s", input), nil
}

// generateTraffic feeds sample inputs through the machine so the demo has
// dynamic state to monitor. Roughly one in five inputs is malformed.
func generateTraffic(ctx context.Context, m *machine.Machine, logger *slog.Logger) {
	samples := []string{
		"Alice@Example.com",
		"bob@example.org",
		"carol@example.net ",
		"not-an-email",
		"dave@example.io",
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			input := samples[i%len(samples)]
			i++
			out, err := m.Process(ctx, input)
			if err != nil {
				logger.Debug("pipeline rejected input", "input", input, "error", err)
				continue
			}
			logger.Debug("pipeline output", "input", input, "outputs", out)
		}
	}
}

func startMetricsServer(addr string, registry *metric.MetricsRegistry, m *machine.Machine, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := m.State()
		if state == composite.DerivedError {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = fmt.Fprintf(w, `{"state":%q}`, state.String())
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}

func shutdown(timeout time.Duration, server *http.Server, monitor *health.Monitor, m *machine.Machine) error {
	var errs []error

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}

	if err := monitor.Stop(timeout); err != nil {
		errs = append(errs, fmt.Errorf("stop monitor: %w", err))
	}

	// Machine teardown stops the recompute loops and tears the pipeline
	// down, releasing every tube resource exactly once.
	if err := m.Teardown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("teardown machine: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("Shutdown complete")
	return nil
}
