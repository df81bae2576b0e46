package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/incidents"
)

// maxIngestBody caps the raw payload; anything bigger is not a payment event.
const maxIngestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// transient 503, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Msg,
			"field": ve.Field,
		})
		return
	}
	if errors.Is(err, core.ErrValidation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, core.ErrTransient) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, core.Invalidf("body", "read failed: %v", err))
		return
	}

	e, err := s.ingest.Ingest(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"event_id":    e.EventID,
		"accepted_at": e.ReceivedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	list, err := s.registry.List(r.Context(), includeInactive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"total": len(list),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, core.Invalidf("body", "malformed JSON: %v", err))
		return
	}
	rule.Active = true
	if err := s.registry.Create(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.SetActive(r.Context(), id, false); err != nil {
		if errors.Is(err, core.ErrValidation) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown rule " + id})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "rule_id": id})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	f := incidents.ListFilter{}
	q := r.URL.Query()

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, core.Invalidf("since", "want RFC3339, got %q", since))
			return
		}
		f.Since = &t
	}
	if states := q.Get("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			f.States = append(f.States, core.IncidentState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, core.Invalidf("limit", "want a positive integer, got %q", limit))
			return
		}
		f.Limit = n
	}

	alerts, err := s.incidents.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []core.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// minuteSnapshot is one row of the recent-metrics response.
type minuteSnapshot struct {
	Timestamp    string  `json:"timestamp"`
	TotalCount   int64   `json:"total_count"`
	ApprovalRate float64 `json:"approval_rate"`
	ErrorRate    float64 `json:"error_rate"`
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	minutes := 5
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 60 {
			writeError(w, core.Invalidf("minutes", "want an integer in [1,60], got %q", v))
			return
		}
		minutes = n
	}

	now := time.Now().UTC()
	stats, err := s.metrics.GlobalMinutes(r.Context(), now.Add(-time.Duration(minutes)*time.Minute), now)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]minuteSnapshot, 0, len(stats))
	for _, st := range stats {
		var total int64
		for _, n := range st.ByStatus {
			total += n
		}
		snap := minuteSnapshot{
			Timestamp:  st.Bucket.Format(time.RFC3339),
			TotalCount: total,
		}
		denom := st.ByStatus[core.StatusSucceeded] + st.ByStatus[core.StatusDeclined] + st.ByStatus[core.StatusError]
		if denom > 0 {
			snap.ApprovalRate = float64(st.ByStatus[core.StatusSucceeded]) / float64(denom)
			snap.ErrorRate = float64(st.ByStatus[core.StatusError]) / float64(denom)
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"minutes": out,
		"total":   len(out),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	redisOK := s.metrics.Ping(ctx) == nil
	dbOK := s.events.Ping(ctx) == nil

	status := "healthy"
	if !redisOK || !dbOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"redis":     connState(redisOK),
		"database":  connState(dbOK),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func connState(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "sentinel-ingestor",
		"status":  "operational",
		"endpoints": map[string]string{
			"ingest":  "POST /ingest",
			"rules":   "GET|POST /rules, DELETE /rules/{id}",
			"alerts":  "GET /alerts?since=&state=&limit=",
			"metrics": "GET /metrics/recent?minutes=5",
			"health":  "GET /health",
		},
	})
}
