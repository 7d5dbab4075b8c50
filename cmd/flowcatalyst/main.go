// Command flowcatalyst runs the follow-up engine: it polls configured
// mailboxes for replies, classifies them, and drives the multi-stage
// follow-up schedule for threads still awaiting a WhatsApp handoff.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowcatalyst/followup-engine/internal/common/health"
	"github.com/flowcatalyst/followup-engine/internal/common/lifecycle"
	"github.com/flowcatalyst/followup-engine/internal/config"
	"github.com/flowcatalyst/followup-engine/internal/supervisor"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging isn't configured yet without cfg.LogLevel, so this one
		// error goes straight to stderr.
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := parseLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting follow-up engine", "version", version, "build_time", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, services, err := supervisor.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	httpServer := newHTTPServer(cfg.HTTPPort, svc.Checker)
	services = append(services, lifecycle.NewHTTPService("http", httpServer))

	runErr := lifecycle.Run(ctx, services...)

	if err := svc.Close(); err != nil {
		slog.Error("error closing services", "error", err)
	}

	if runErr != nil {
		slog.Error("follow-up engine exited with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("follow-up engine stopped")
}

func newHTTPServer(port int, checker *health.Checker) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", checker.HandleHealth)
	r.Get("/health/live", checker.HandleLive)
	r.Get("/health/ready", checker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
