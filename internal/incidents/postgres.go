package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/paysentinel/backend/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
    incident_id                  TEXT PRIMARY KEY,
    rule_id                      TEXT NOT NULL,
    dimension_key                TEXT NOT NULL,
    title                        TEXT NOT NULL,
    state                        TEXT NOT NULL,
    severity                     TEXT NOT NULL,
    opened_at                    TIMESTAMPTZ NOT NULL,
    last_evaluated_at            TIMESTAMPTZ NOT NULL,
    closed_at                    TIMESTAMPTZ,
    observed_value               DOUBLE PRECISION NOT NULL,
    affected_transactions        INTEGER NOT NULL DEFAULT 0,
    revenue_at_risk_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    response_code_breakdown      JSONB,
    issuer_breakdown             JSONB,
    root_cause                   JSONB NOT NULL DEFAULT '{}',
    suggested_action             JSONB NOT NULL DEFAULT '{}',
    llm_explanation              TEXT,
    enrichment_status            TEXT NOT NULL DEFAULT 'pending',
    confidence_score             DOUBLE PRECISION NOT NULL DEFAULT 0,
    sla_breach_countdown_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_incidents_pair
    ON incidents (rule_id, dimension_key, state);
CREATE INDEX IF NOT EXISTS idx_incidents_opened_at
    ON incidents (opened_at DESC);

CREATE TABLE IF NOT EXISTS merchant_baselines (
    merchant_id       TEXT PRIMARY KEY,
    sla_minutes       INTEGER NOT NULL,
    avg_approval_rate DOUBLE PRECISION NOT NULL
);
`

// detectorLockID keys the Postgres advisory lock that elects the single
// detector across replicas.
const detectorLockID int64 = 0x70617964 // "payd"

// PostgresStore persists incidents and merchant baselines.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, core.Permanentf("apply incidents schema: %v", err)
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[INCIDENTS] ", log.LstdFlags),
	}, nil
}

func (s *PostgresStore) Create(ctx context.Context, inc *core.Incident) error {
	rcb, ib, rc, sa, err := marshalJSONFields(inc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (
			incident_id, rule_id, dimension_key, title, state, severity,
			opened_at, last_evaluated_at, closed_at, observed_value,
			affected_transactions, revenue_at_risk_usd,
			response_code_breakdown, issuer_breakdown, root_cause,
			suggested_action, llm_explanation, enrichment_status,
			confidence_score, sla_breach_countdown_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inc.IncidentID, inc.RuleID, string(inc.Dimension), inc.Title, inc.State,
		inc.Severity, inc.OpenedAt, inc.LastEvaluatedAt, inc.ClosedAt,
		inc.ObservedValue, inc.AffectedTransactions, inc.RevenueAtRiskUSD,
		rcb, ib, rc, sa, inc.LLMExplanation, inc.EnrichmentStatus,
		inc.ConfidenceScore, inc.SLABreachCountdownSec)
	if err != nil {
		return core.Transientf("insert incident %s: %v", inc.IncidentID, err)
	}
	s.logger.Printf("🚨 Incident %s opened: %s [%s]", inc.IncidentID, inc.Title, inc.Severity)
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, inc *core.Incident) error {
	rcb, ib, rc, sa, err := marshalJSONFields(inc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			title = $2, state = $3, severity = $4, last_evaluated_at = $5,
			closed_at = $6, observed_value = $7, affected_transactions = $8,
			revenue_at_risk_usd = $9, response_code_breakdown = $10,
			issuer_breakdown = $11, root_cause = $12, suggested_action = $13,
			confidence_score = $14, sla_breach_countdown_seconds = $15
		WHERE incident_id = $1`,
		inc.IncidentID, inc.Title, inc.State, inc.Severity, inc.LastEvaluatedAt,
		inc.ClosedAt, inc.ObservedValue, inc.AffectedTransactions,
		inc.RevenueAtRiskUSD, rcb, ib, rc, sa,
		inc.ConfidenceScore, inc.SLABreachCountdownSec)
	if err != nil {
		return core.Transientf("update incident %s: %v", inc.IncidentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Invalidf("incident_id", "unknown incident %s", inc.IncidentID)
	}
	return nil
}

func (s *PostgresStore) SetEnrichment(ctx context.Context, incidentID string, explanation *string, status core.EnrichmentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET llm_explanation = $2, enrichment_status = $3
		WHERE incident_id = $1`, incidentID, explanation, status)
	if err != nil {
		return core.Transientf("set enrichment %s: %v", incidentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Invalidf("incident_id", "unknown incident %s", incidentID)
	}
	return nil
}

func (s *PostgresStore) SetState(ctx context.Context, incidentID string, from, to core.IncidentState, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, core.Invariantf("incident %s: illegal transition %s -> %s", incidentID, from, to)
	}
	var closedAt interface{}
	if Terminal(to) {
		closedAt = at.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET state = $3, closed_at = COALESCE($4, closed_at)
		WHERE incident_id = $1 AND state = $2`,
		incidentID, from, to, closedAt)
	if err != nil {
		return false, core.Transientf("set state %s: %v", incidentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.Transientf("set state %s: %v", incidentID, err)
	}
	return n == 1, nil
}

const incidentColumns = `incident_id, rule_id, dimension_key, title, state, severity,
	opened_at, last_evaluated_at, closed_at, observed_value,
	affected_transactions, revenue_at_risk_usd, response_code_breakdown,
	issuer_breakdown, root_cause, suggested_action, llm_explanation,
	enrichment_status, confidence_score, sla_breach_countdown_seconds`

func scanIncident(row interface{ Scan(...interface{}) error }) (*core.Incident, error) {
	var inc core.Incident
	var dim string
	var rcb, ib, rc, sa []byte
	err := row.Scan(&inc.IncidentID, &inc.RuleID, &dim, &inc.Title, &inc.State,
		&inc.Severity, &inc.OpenedAt, &inc.LastEvaluatedAt, &inc.ClosedAt,
		&inc.ObservedValue, &inc.AffectedTransactions, &inc.RevenueAtRiskUSD,
		&rcb, &ib, &rc, &sa, &inc.LLMExplanation, &inc.EnrichmentStatus,
		&inc.ConfidenceScore, &inc.SLABreachCountdownSec)
	if err != nil {
		return nil, err
	}
	inc.Dimension = core.DimensionKey(dim)
	if err := unmarshalJSONFields(&inc, rcb, ib, rc, sa); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *PostgresStore) Get(ctx context.Context, incidentID string) (*core.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE incident_id = $1`, incidentID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Transientf("get incident %s: %v", incidentID, err)
	}
	return inc, nil
}

func (s *PostgresStore) GetActive(ctx context.Context, ruleID string, dim core.DimensionKey) (*core.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE rule_id = $1 AND dimension_key = $2
		  AND state IN ('OPEN','ENRICHING','NOTIFIED')
		ORDER BY opened_at DESC LIMIT 1`, ruleID, string(dim))
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Transientf("get active incident %s/%s: %v", ruleID, dim, err)
	}
	return inc, nil
}

func (s *PostgresStore) LastClosedAt(ctx context.Context, ruleID string, dim core.DimensionKey) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(closed_at) FROM incidents
		WHERE rule_id = $1 AND dimension_key = $2 AND state = 'RECOVERED'`,
		ruleID, string(dim)).Scan(&t)
	if err != nil {
		return nil, core.Transientf("last closed %s/%s: %v", ruleID, dim, err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]core.Incident, error) {
	var clauses []string
	var args []interface{}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		args = append(args, pq.StringArray(states))
		clauses = append(clauses, "state = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		clauses = append(clauses, "rule_id = $"+strconv.Itoa(len(args)))
	}
	if f.MerchantID != "" {
		args = append(args, f.MerchantID+"/%")
		clauses = append(clauses, "dimension_key LIKE $"+strconv.Itoa(len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		clauses = append(clauses, "opened_at >= $"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += ` ORDER BY opened_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, core.Transientf("list incidents: %v", err)
	}
	defer rows.Close()

	var out []core.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, core.Transientf("scan incident: %v", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MerchantBaseline(ctx context.Context, merchantID string) (*core.MerchantBaseline, error) {
	var b core.MerchantBaseline
	err := s.db.QueryRowContext(ctx, `
		SELECT merchant_id, sla_minutes, avg_approval_rate
		FROM merchant_baselines WHERE merchant_id = $1`, merchantID).
		Scan(&b.MerchantID, &b.SLAMinutes, &b.AvgApprovalRate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Transientf("baseline %s: %v", merchantID, err)
	}
	return &b, nil
}

func (s *PostgresStore) UpsertBaseline(ctx context.Context, b *core.MerchantBaseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchant_baselines (merchant_id, sla_minutes, avg_approval_rate)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_id) DO UPDATE
		SET sla_minutes = EXCLUDED.sla_minutes,
		    avg_approval_rate = EXCLUDED.avg_approval_rate`,
		b.MerchantID, b.SLAMinutes, b.AvgApprovalRate)
	if err != nil {
		return core.Transientf("upsert baseline %s: %v", b.MerchantID, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the event log.
func (s *PostgresStore) Close() error { return nil }

func marshalJSONFields(inc *core.Incident) (rcb, ib, rc, sa []byte, err error) {
	if inc.ResponseCodeBreakdown != nil {
		if rcb, err = json.Marshal(inc.ResponseCodeBreakdown); err != nil {
			return nil, nil, nil, nil, core.Invariantf("marshal response codes: %v", err)
		}
	}
	if inc.IssuerBreakdown != nil {
		if ib, err = json.Marshal(inc.IssuerBreakdown); err != nil {
			return nil, nil, nil, nil, core.Invariantf("marshal issuer breakdown: %v", err)
		}
	}
	if rc, err = json.Marshal(inc.RootCause); err != nil {
		return nil, nil, nil, nil, core.Invariantf("marshal root cause: %v", err)
	}
	if sa, err = json.Marshal(inc.SuggestedAction); err != nil {
		return nil, nil, nil, nil, core.Invariantf("marshal suggested action: %v", err)
	}
	return rcb, ib, rc, sa, nil
}

func unmarshalJSONFields(inc *core.Incident, rcb, ib, rc, sa []byte) error {
	if len(rcb) > 0 {
		if err := json.Unmarshal(rcb, &inc.ResponseCodeBreakdown); err != nil {
			return core.Invariantf("unmarshal response codes: %v", err)
		}
	}
	if len(ib) > 0 {
		if err := json.Unmarshal(ib, &inc.IssuerBreakdown); err != nil {
			return core.Invariantf("unmarshal issuer breakdown: %v", err)
		}
	}
	if len(rc) > 0 {
		if err := json.Unmarshal(rc, &inc.RootCause); err != nil {
			return core.Invariantf("unmarshal root cause: %v", err)
		}
	}
	if len(sa) > 0 {
		if err := json.Unmarshal(sa, &inc.SuggestedAction); err != nil {
			return core.Invariantf("unmarshal suggested action: %v", err)
		}
	}
	return nil
}

// ============================================================================
// DETECTOR LEADER LOCK
// ============================================================================

// PgLocker elects a single detector via a Postgres session advisory lock.
// The lock rides a dedicated connection; releasing it returns the connection
// to the pool.
type PgLocker struct {
	db *sql.DB
}

func NewPgLocker(db *sql.DB) *PgLocker { return &PgLocker{db: db} }

func (l *PgLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, core.Transientf("lock conn: %v", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, detectorLockID).Scan(&got); err != nil {
		conn.Close()
		return nil, false, core.Transientf("try advisory lock: %v", err)
	}
	if !got {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Best effort; closing the connection drops the lock anyway.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, detectorLockID)
			conn.Close()
		})
	}
	return release, true, nil
}
