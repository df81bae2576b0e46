// Package api exposes the pipeline over REST/JSON: event ingest, rule CRUD,
// alert and metric queries, health and Prometheus scrape.
package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paysentinel/backend/internal/eventlog"
	"github.com/paysentinel/backend/internal/incidents"
	"github.com/paysentinel/backend/internal/ingest"
	"github.com/paysentinel/backend/internal/metrics"
	"github.com/paysentinel/backend/internal/rules"
)

// Server wires the HTTP surface over the domain services.
type Server struct {
	ingest    *ingest.Service
	registry  *rules.Registry
	incidents incidents.Store
	metrics   metrics.Store
	events    eventlog.Store
	logger    *log.Logger
}

func NewServer(ing *ingest.Service, registry *rules.Registry, inc incidents.Store, ms metrics.Store, events eventlog.Store) *Server {
	return &Server{
		ingest:    ing,
		registry:  registry,
		incidents: inc,
		metrics:   ms,
		events:    events,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	// --- Endpoints ---

	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")

	r.HandleFunc("/rules", s.handleListRules).Methods("GET")
	r.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	r.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	r.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	r.HandleFunc("/metrics/recent", s.handleRecentMetrics).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/", s.handleRoot).Methods("GET")

	return r
}

// HTTPServer returns a configured server; the caller owns Shutdown.
func (s *Server) HTTPServer(port string) *http.Server {
	addr := fmt.Sprintf(":%s", port)
	s.logger.Printf("🚀 API listening on %s", addr)
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
