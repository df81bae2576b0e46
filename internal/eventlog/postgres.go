package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/paysentinel/backend/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_events (
    event_id             TEXT PRIMARY KEY,
    received_at          TIMESTAMPTZ NOT NULL,
    merchant_id          TEXT NOT NULL,
    provider_id          TEXT NOT NULL,
    country              TEXT NOT NULL,
    status               TEXT NOT NULL,
    sub_status           TEXT NOT NULL DEFAULT '',
    amount_usd           DOUBLE PRECISION NOT NULL,
    issuer_name          TEXT NOT NULL DEFAULT '',
    card_brand           TEXT NOT NULL DEFAULT '',
    bin                  TEXT NOT NULL DEFAULT '',
    response_code        TEXT NOT NULL DEFAULT '',
    merchant_advice_code TEXT NOT NULL DEFAULT '',
    latency_ms           INTEGER NOT NULL DEFAULT 0,
    raw_payload          JSONB
);
CREATE INDEX IF NOT EXISTS idx_payment_events_dims
    ON payment_events (merchant_id, country, provider_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_payment_events_received_at
    ON payment_events (received_at DESC);
`

// PostgresStore is the production event log on lib/pq.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore opens the pool, pings and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, core.Permanentf("open postgres: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Transientf("postgres ping: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, core.Permanentf("apply event schema: %v", err)
	}

	logger := log.New(log.Writer(), "[EVENTLOG] ", log.LstdFlags)
	logger.Printf("✅ Connected to Postgres, event schema ready")

	return &PostgresStore{db: db, logger: logger}, nil
}

// DB exposes the pool so sibling stores can share one connection set.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Append(ctx context.Context, e *core.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (
			event_id, received_at, merchant_id, provider_id, country, status,
			sub_status, amount_usd, issuer_name, card_brand, bin,
			response_code, merchant_advice_code, latency_ms, raw_payload
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.EventID, e.ReceivedAt, e.MerchantID, e.ProviderID, e.Country, e.Status,
		e.SubStatus, e.AmountUSD, e.IssuerName, e.CardBrand, e.BIN,
		e.ResponseCode, e.MerchantAdviceCode, e.LatencyMS, nullableJSON(e.RawPayload))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return core.Invalidf("event_id", "duplicate event %s", e.EventID)
		}
		return core.Transientf("insert event %s: %v", e.EventID, err)
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *PostgresStore) GetByID(ctx context.Context, eventID string) (*core.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, received_at, merchant_id, provider_id, country, status,
		       sub_status, amount_usd, issuer_name, card_brand, bin,
		       response_code, merchant_advice_code, latency_ms,
		       COALESCE(raw_payload::text, '')
		FROM payment_events WHERE event_id = $1`, eventID)

	var e core.Event
	var raw string
	err := row.Scan(&e.EventID, &e.ReceivedAt, &e.MerchantID, &e.ProviderID,
		&e.Country, &e.Status, &e.SubStatus, &e.AmountUSD, &e.IssuerName,
		&e.CardBrand, &e.BIN, &e.ResponseCode, &e.MerchantAdviceCode,
		&e.LatencyMS, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.Transientf("get event %s: %v", eventID, err)
	}
	if raw != "" {
		e.RawPayload = []byte(raw)
	}
	return &e, nil
}

// dimWhere translates the non-wildcard positions of a dimension key into SQL
// predicates. Args pick up after the given placeholder offset.
func dimWhere(dim core.DimensionKey, offset int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		clauses = append(clauses, col+" = $"+strconv.Itoa(offset+len(args)))
	}
	add("merchant_id", dim.Merchant())
	add("country", dim.Country())
	add("provider_id", dim.Provider())
	add("issuer_name", dim.Issuer())
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) RevenueAtRisk(ctx context.Context, dim core.DimensionKey, statuses []core.Status, from, to time.Time) (float64, error) {
	where, args := dimWhere(dim, 3)
	sts := make(pq.StringArray, len(statuses))
	for i, st := range statuses {
		sts[i] = string(st)
	}
	args = append([]interface{}{from, to, sts}, args...)

	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)
		FROM payment_events
		WHERE received_at >= $1 AND received_at < $2
		  AND status = ANY($3)
		  AND `+where, args...).Scan(&total)
	if err != nil {
		return 0, core.Transientf("revenue at risk %s: %v", dim, err)
	}
	return total, nil
}

func (s *PostgresStore) RecentStatuses(ctx context.Context, dim core.DimensionKey, since time.Time, limit int) ([]core.Status, error) {
	where, args := dimWhere(dim, 1)
	args = append([]interface{}{since}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM payment_events
		WHERE received_at >= $1 AND `+where+`
		ORDER BY received_at DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, core.Transientf("recent statuses %s: %v", dim, err)
	}
	defer rows.Close()

	var out []core.Status
	for rows.Next() {
		var st core.Status
		if err := rows.Scan(&st); err != nil {
			return nil, core.Transientf("scan status: %v", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IssuerBreakdown(ctx context.Context, dim core.DimensionKey, from, to time.Time, minCount int) ([]core.IssuerImpact, error) {
	where, args := dimWhere(dim, 2)
	args = append([]interface{}{from, to}, args...)
	args = append(args, minCount)

	// Issuer comes from the typed column when present, else straight out of
	// the raw payload for events ingested before the column was extracted.
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(issuer_name, ''),
			         raw_payload->'payment_method'->'detail'->'card'->>'issuer_name',
			         'UNKNOWN') AS issuer,
			COUNT(*) AS error_count,
			COALESCE(SUM(amount_usd), 0) AS revenue,
			ARRAY_AGG(DISTINCT sub_status) FILTER (WHERE sub_status <> '') AS sub_statuses
		FROM payment_events
		WHERE received_at >= $1 AND received_at < $2
		  AND status = 'ERROR'
		  AND `+where+`
		GROUP BY issuer
		HAVING COUNT(*) >= $`+strconv.Itoa(len(args))+`
		ORDER BY error_count DESC
		LIMIT 5`, args...)
	if err != nil {
		return nil, core.Transientf("issuer breakdown %s: %v", dim, err)
	}
	defer rows.Close()

	var out []core.IssuerImpact
	for rows.Next() {
		var imp core.IssuerImpact
		var subs pq.StringArray
		if err := rows.Scan(&imp.IssuerName, &imp.ErrorCount, &imp.RevenueAtRisk, &subs); err != nil {
			return nil, core.Transientf("scan issuer row: %v", err)
		}
		imp.SubStatuses = []string(subs)
		out = append(out, imp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdviceCodes(ctx context.Context, dim core.DimensionKey, from, to time.Time) (map[string]int64, error) {
	where, args := dimWhere(dim, 2)
	args = append([]interface{}{from, to}, args...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT merchant_advice_code, COUNT(*)
		FROM payment_events
		WHERE received_at >= $1 AND received_at < $2
		  AND status IN ('ERROR','DECLINED')
		  AND merchant_advice_code <> ''
		  AND `+where+`
		GROUP BY merchant_advice_code`, args...)
	if err != nil {
		return nil, core.Transientf("advice codes %s: %v", dim, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, core.Transientf("scan advice row: %v", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return core.Transientf("postgres ping: %v", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
