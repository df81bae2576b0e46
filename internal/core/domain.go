package core

import "time"

// Status is the terminal (or in-flight) outcome of a payment transaction.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusDeclined  Status = "DECLINED"
	StatusError     Status = "ERROR"
	StatusRejected  Status = "REJECTED"
)

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSucceeded, StatusDeclined, StatusError, StatusRejected:
		return true
	}
	return false
}

// Event is an immutable payment transaction record. RawPayload preserves the
// ingested body byte-for-byte for ad-hoc granular queries; the typed fields
// are the projection the pipeline works with.
type Event struct {
	EventID            string    `json:"event_id"`
	ReceivedAt         time.Time `json:"received_at"`
	MerchantID         string    `json:"merchant_id"`
	ProviderID         string    `json:"provider_id"`
	Country            string    `json:"country"`
	Status             Status    `json:"status"`
	SubStatus          string    `json:"sub_status,omitempty"`
	AmountUSD          float64   `json:"amount_usd"`
	IssuerName         string    `json:"issuer_name,omitempty"`
	CardBrand          string    `json:"card_brand,omitempty"`
	BIN                string    `json:"bin,omitempty"`
	ResponseCode       string    `json:"response_code,omitempty"`
	MerchantAdviceCode string    `json:"merchant_advice_code,omitempty"`
	LatencyMS          int       `json:"latency_ms"`
	RawPayload         []byte    `json:"-"`
}

// Adverse reports whether the event counts against the merchant: an error or
// a decline. REJECTED events are gateway-side refusals excluded from rate
// denominators, so they are not adverse either.
func (e *Event) Adverse() bool {
	return e.Status == StatusError || e.Status == StatusDeclined
}

// MetricType selects the quantity a rule evaluates.
type MetricType string

const (
	MetricApprovalRate MetricType = "APPROVAL_RATE"
	MetricErrorRate    MetricType = "ERROR_RATE"
	MetricDeclineRate  MetricType = "DECLINE_RATE"
	MetricTotalVolume  MetricType = "TOTAL_VOLUME"
)

// Valid reports whether m is a known metric type.
func (m MetricType) Valid() bool {
	switch m {
	case MetricApprovalRate, MetricErrorRate, MetricDeclineRate, MetricTotalVolume:
		return true
	}
	return false
}

// Rate reports whether the metric is a ratio rather than an absolute count.
func (m MetricType) Rate() bool { return m != MetricTotalVolume }

// AdverseStatuses lists the statuses whose amounts count as revenue at risk
// for this metric: errors for ERROR_RATE, declines for DECLINE_RATE, both
// otherwise.
func (m MetricType) AdverseStatuses() []Status {
	switch m {
	case MetricErrorRate:
		return []Status{StatusError}
	case MetricDeclineRate:
		return []Status{StatusDeclined}
	}
	return []Status{StatusError, StatusDeclined}
}

// Description is the human form used in incident titles, e.g. "High Error Rate".
func (m MetricType) Description() string {
	switch m {
	case MetricApprovalRate:
		return "Low Approval Rate"
	case MetricErrorRate:
		return "High Error Rate"
	case MetricDeclineRate:
		return "High Decline Rate"
	case MetricTotalVolume:
		return "Volume Anomaly"
	}
	return string(m)
}

// Operator is the comparison a rule applies between observed value and threshold.
type Operator string

const (
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpLess, OpGreater, OpLessEqual, OpGreaterEqual:
		return true
	}
	return false
}

// Compare evaluates observed <op> threshold.
func (op Operator) Compare(observed, threshold float64) bool {
	switch op {
	case OpLess:
		return observed < threshold
	case OpGreater:
		return observed > threshold
	case OpLessEqual:
		return observed <= threshold
	case OpGreaterEqual:
		return observed >= threshold
	}
	return false
}

// Severity of a rule or incident.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityCritical
}

// Rule is a user-defined alert condition. Rules are immutable after creation
// except for the Active flag (soft delete).
type Rule struct {
	RuleID          string     `json:"rule_id"`
	MerchantID      string     `json:"merchant_id,omitempty"` // empty = global
	Country         string     `json:"country,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	Issuer          string     `json:"issuer,omitempty"`
	Metric          MetricType `json:"metric_type"`
	Operator        Operator   `json:"operator"`
	Threshold       float64    `json:"threshold"`
	MinTransactions int        `json:"min_transactions"`
	StartHour       *int       `json:"start_hour,omitempty"` // UTC, [start, end)
	EndHour         *int       `json:"end_hour,omitempty"`
	Severity        Severity   `json:"severity"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TimeBounded reports whether the rule only applies inside a UTC hour window.
func (r *Rule) TimeBounded() bool { return r.StartHour != nil && r.EndHour != nil }

// InWindow reports whether t (in UTC) falls inside the rule's hour window.
// Rules without a window always match. A window may wrap midnight
// (start > end).
func (r *Rule) InWindow(t time.Time) bool {
	if !r.TimeBounded() {
		return true
	}
	h := t.UTC().Hour()
	start, end := *r.StartHour, *r.EndHour
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// Dimension returns the dimension key slice this rule watches, with the
// status position left as a wildcard.
func (r *Rule) Dimension() DimensionKey {
	return NewDimensionKey(r.MerchantID, r.Country, r.Provider, r.Issuer, "")
}

// IncidentState is the lifecycle state of an alert episode.
type IncidentState string

const (
	IncidentOpen       IncidentState = "OPEN"
	IncidentEnriching  IncidentState = "ENRICHING"
	IncidentNotified   IncidentState = "NOTIFIED"
	IncidentRecovered  IncidentState = "RECOVERED"
	IncidentSuppressed IncidentState = "SUPPRESSED"
)

// EnrichmentStatus is the machine-readable outcome of LLM enrichment.
type EnrichmentStatus string

const (
	EnrichmentPending   EnrichmentStatus = "pending"
	EnrichmentSucceeded EnrichmentStatus = "succeeded"
	EnrichmentFailed    EnrichmentStatus = "failed"
)

// RootCause is the structured scope description attached to an incident.
type RootCause struct {
	Provider     string `json:"provider"`
	Issue        string `json:"issue"`
	Scope        string `json:"scope"`
	ResponseCode string `json:"response_code,omitempty"`
}

// SuggestedAction is the structured remediation hint attached to an incident.
type SuggestedAction struct {
	Label      string `json:"label"`
	ActionType string `json:"action_type"`
}

// IssuerImpact is one row of the issuer-level error breakdown.
type IssuerImpact struct {
	IssuerName    string   `json:"issuer_name"`
	ErrorCount    int      `json:"error_count"`
	RevenueAtRisk float64  `json:"revenue_at_risk"`
	SubStatuses   []string `json:"sub_statuses"`
}

// Incident is a stateful alert episode bound to a (rule, dimension) pair.
// The Detector is the sole writer of state transitions; the Enricher writes
// only the enrichment fields.
type Incident struct {
	IncidentID            string           `json:"incident_id"`
	RuleID                string           `json:"rule_id"`
	Dimension             DimensionKey     `json:"dimension_key"`
	Title                 string           `json:"title"`
	State                 IncidentState    `json:"state"`
	Severity              Severity         `json:"severity"`
	OpenedAt              time.Time        `json:"opened_at"`
	LastEvaluatedAt       time.Time        `json:"last_evaluated_at"`
	ClosedAt              *time.Time       `json:"closed_at,omitempty"`
	ObservedValue         float64          `json:"observed_value"`
	AffectedTransactions  int              `json:"affected_transactions"`
	RevenueAtRiskUSD      float64          `json:"revenue_at_risk_usd"`
	ResponseCodeBreakdown map[string]int64 `json:"response_code_breakdown,omitempty"`
	IssuerBreakdown       []IssuerImpact   `json:"issuer_breakdown,omitempty"`
	RootCause             RootCause        `json:"root_cause"`
	SuggestedAction       SuggestedAction  `json:"suggested_action"`
	LLMExplanation        *string          `json:"llm_explanation"`
	EnrichmentStatus      EnrichmentStatus `json:"enrichment_status"`
	ConfidenceScore       float64          `json:"confidence_score"`
	SLABreachCountdownSec *int             `json:"sla_breach_countdown_seconds,omitempty"`
}

// Active reports whether the incident counts toward active totals and blocks
// opening a duplicate for the same (rule, dimension).
func (i *Incident) Active() bool {
	switch i.State {
	case IncidentOpen, IncidentEnriching, IncidentNotified:
		return true
	}
	return false
}

// MerchantBaseline holds per-merchant SLA and approval expectations.
type MerchantBaseline struct {
	MerchantID      string  `json:"merchant_id"`
	SLAMinutes      int     `json:"sla_minutes"`
	AvgApprovalRate float64 `json:"avg_approval_rate"`
}
