package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/pitchpractice/internal/app"
	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/observe"
)

// serve runs the backend until ctx is cancelled.
func serve(ctx context.Context, configPath string, cfg *config.Config) int {
	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levelVar := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("pitchpractice backend starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		Metrics:          cfg.Telemetry.MetricsEnabled(),
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg.Providers, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(levelVar),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     PitchPractice, startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProviders("STT", cfg.Providers.STT)
	printProviders("LLM", cfg.Providers.LLM)
	printRow("Storage", string(cfg.Storage.Driver))
	printRow("Default plan", cfg.Entitlements.DefaultPlan)
	printRow("Accounts", fmt.Sprint(len(cfg.Entitlements.Accounts)))
	if cfg.Telemetry.MetricsEnabled() {
		printRow("Metrics", "/metrics")
	} else {
		printRow("Metrics", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProviders(kind string, entries []config.ProviderEntry) {
	if len(entries) == 0 {
		printRow(kind, "(not configured)")
		return
	}
	for i, e := range entries {
		label := kind
		if i > 0 {
			label = fmt.Sprintf("%s fallback %d", kind, i)
		}
		value := e.Name
		if e.Model != "" {
			value = e.Name + " / " + e.Model
		}
		printRow(label, value)
	}
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
