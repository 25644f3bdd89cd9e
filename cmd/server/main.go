package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/moeva/internal/attack/moeva"
	"github.com/copyleftdev/moeva/internal/attack/problem"
	"github.com/copyleftdev/moeva/internal/classifier"
	"github.com/copyleftdev/moeva/internal/config"
	apierrors "github.com/copyleftdev/moeva/internal/errors"
	"github.com/copyleftdev/moeva/internal/logging"
	"github.com/copyleftdev/moeva/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	serviceLogger := logger.WithFields(logging.Fields{
		"service": "moeva-server",
		"env":     cfg.Environment,
	})

	prob, err := problem.Load(cfg.Problem.Path)
	if err != nil {
		serviceLogger.Fatal("failed to load problem", logging.Fields{"path": cfg.Problem.Path, "error": err.Error()})
	}

	runCfg := moeva.DefaultConfig()
	if cfg.Attack.ConfigPath != "" {
		if runCfg, err = moeva.LoadConfig(cfg.Attack.ConfigPath); err != nil {
			serviceLogger.Fatal("failed to load attack config", logging.Fields{"path": cfg.Attack.ConfigPath, "error": err.Error()})
		}
	}

	scorer, err := classifier.Open(classifier.Source{
		ModelPath: cfg.Model.Path,
		URL:       cfg.Model.ScorerURL,
		Timeout:   cfg.Model.Timeout,
		CacheTTL:  cfg.Model.CacheTTL,
	})
	if err != nil {
		serviceLogger.Fatal("failed to open classifier", logging.Fields{"error": err.Error()})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(apierrors.RecoveryMiddleware(serviceLogger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := server.NewServer(cfg, serviceLogger, prob, scorer, runCfg, metrics)
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		serviceLogger.Info("starting server", logging.Fields{
			"address":  httpServer.Addr,
			"problem":  prob.Name,
			"features": prob.Schema.Len(),
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("failed to start server", logging.Fields{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("server forced to shutdown", logging.Fields{"error": err.Error()})
	}
	if err := srv.Close(); err != nil {
		serviceLogger.Error("error stopping attacks", logging.Fields{"error": err.Error()})
	}
	serviceLogger.Info("server exited properly")
}
