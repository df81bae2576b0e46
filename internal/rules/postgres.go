package rules

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_rules (
    rule_id          TEXT PRIMARY KEY,
    merchant_id      TEXT NOT NULL DEFAULT '',
    country          TEXT NOT NULL DEFAULT '',
    provider         TEXT NOT NULL DEFAULT '',
    issuer           TEXT NOT NULL DEFAULT '',
    metric_type      TEXT NOT NULL,
    operator         TEXT NOT NULL,
    threshold        DOUBLE PRECISION NOT NULL,
    min_transactions INTEGER NOT NULL DEFAULT 0,
    start_hour       INTEGER,
    end_hour         INTEGER,
    severity         TEXT NOT NULL,
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore persists rules in Postgres. It shares the pool opened by the
// event log rather than holding its own.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, core.Permanentf("apply rules schema: %v", err)
	}
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *core.Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (
			rule_id, merchant_id, country, provider, issuer, metric_type,
			operator, threshold, min_transactions, start_hour, end_hour,
			severity, active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.RuleID, r.MerchantID, r.Country, r.Provider, r.Issuer, r.Metric,
		r.Operator, r.Threshold, r.MinTransactions, r.StartHour, r.EndHour,
		r.Severity, r.Active, r.CreatedAt)
	if err != nil {
		return core.Transientf("insert rule %s: %v", r.RuleID, err)
	}
	s.logger.Printf("📏 Rule %s created (%s %s %v)", r.RuleID, r.Metric, r.Operator, r.Threshold)
	return nil
}

const ruleColumns = `rule_id, merchant_id, country, provider, issuer, metric_type,
	operator, threshold, min_transactions, start_hour, end_hour,
	severity, active, created_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*core.Rule, error) {
	var r core.Rule
	err := row.Scan(&r.RuleID, &r.MerchantID, &r.Country, &r.Provider, &r.Issuer,
		&r.Metric, &r.Operator, &r.Threshold, &r.MinTransactions,
		&r.StartHour, &r.EndHour, &r.Severity, &r.Active, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, ruleID string) (*core.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE rule_id = $1`, ruleID)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Transientf("get rule %s: %v", ruleID, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, includeInactive bool) ([]core.Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM alert_rules`
	if !includeInactive {
		q += ` WHERE active`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, core.Transientf("list rules: %v", err)
	}
	defer rows.Close()

	var out []core.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, core.Transientf("scan rule: %v", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetActive(ctx context.Context, ruleID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET active = $2 WHERE rule_id = $1`, ruleID, active)
	if err != nil {
		return core.Transientf("set rule %s active=%v: %v", ruleID, active, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Transientf("set rule %s active: %v", ruleID, err)
	}
	if n == 0 {
		return core.Invalidf("rule_id", "unknown rule %s", ruleID)
	}
	return nil
}

// Close is a no-op; the pool belongs to the event log.
func (s *PostgresStore) Close() error { return nil }
