// The detector runs the periodic anomaly-detection loop and the enrichment
// worker pool. A Postgres advisory lock elects a single active detector, so
// extra replicas idle until the leader dies.
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 dependency
// unavailable at startup, 130 interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/detector"
	"github.com/paysentinel/backend/internal/enricher"
	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/llm"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
	"github.com/paysentinel/backend/internal/telemetry"
	"github.com/paysentinel/backend/internal/webhooks"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.New(log.Writer(), "[DETECTOR] ", log.LstdFlags)
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("❌ Configuration: %v", err)
		return 1
	}
	client, err := llm.New(cfg)
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

	pool := enricher.NewPool(incStore, events, client, cfg.EnrichWorkers, cfg.LLMTimeout, cfg.WindowRate, tel)
	logger.Printf("🤖 Enrichment pool ready (%d workers, llm=%s)", cfg.EnrichWorkers, client.Name())

	var dispatcher *webhooks.Dispatcher
	if cfg.WebhookURL != "" {
		hooks := webhooks.NewRegistry()
		hooks.Register(&webhooks.Subscription{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Events: []webhooks.EventType{webhooks.EventIncidentNotified},
		})
		dispatcher = webhooks.NewDispatcher(hooks, 2)
		pool.OnDone = func(incidentID string, _ core.EnrichmentStatus) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			inc, err := incStore.Get(ctx, incidentID)
			if err != nil || inc == nil {
				return
			}
			dispatcher.Emit(webhooks.EventIncidentNotified, inc)
		}
	}

	d := detector.New(cfg, registry, ms, events, incStore,
		incidents.NewPgLocker(events.DB()), pool.Enqueue, tel)
	go d.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("👋 Caught %s, shutting down", sig)

	d.Stop()
	pool.Shutdown()
	if dispatcher != nil {
		dispatcher.Shutdown()
	}

	if sig == os.Interrupt {
		return 130
	}
	return 0
}
