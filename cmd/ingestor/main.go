// The ingestor accepts payment events over HTTP, persists them to the event
// log and fans counters out to the metric store. It also serves the query
// endpoints (rules, alerts, recent metrics) and the Prometheus scrape.
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 dependency
// unavailable at startup, 130 interrupted.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paysentinel/backend/internal/api"
	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/ingest"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
	"github.com/paysentinel/backend/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.New(log.Writer(), "[INGESTOR] ", log.LstdFlags)
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("❌ Configuration: %v", err)
		return 1
	}
	rates, err := config.LoadRates(cfg.RatesFile)
	if err != nil {
		logger.Printf("❌ Configuration: %v", err)
		return 1
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	events, err := eventlog.NewPostgresStore(startCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("❌ Postgres unavailable: %v", err)
		return 2
	}
	defer events.Close()

	ms, err := metrics.NewRedisStore(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.BucketTTL)
	if err != nil {
		logger.Printf("❌ Redis unavailable: %v", err)
		return 2
	}
	defer ms.Close()

	ruleStore, err := rules.NewPostgresStore(startCtx, events.DB())
	if err != nil {
		logger.Printf("❌ Rule store: %v", err)
		return 2
	}
	incStore, err := incidents.NewPostgresStore(startCtx, events.DB())
	if err != nil {
		logger.Printf("❌ Incident store: %v", err)
		return 2
	}

	tel := telemetry.NewMetrics()
	registry := rules.NewRegistry(ruleStore, cfg.RuleRefresh)
	ing := ingest.NewService(events, ms, rates, cfg.IngestQueueDepth, tel)

	server := api.NewServer(ing, registry, incStore, ms, events).HTTPServer(cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Printf("❌ Server failed: %v", err)
		return 2
	case sig := <-sigCh:
		logger.Printf("👋 Caught %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("⚠️  Shutdown: %v", err)
		}
		if sig == os.Interrupt {
			return 130
		}
		return 0
	}
}
