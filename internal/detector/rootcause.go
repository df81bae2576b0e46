package detector

import (
	"fmt"

	"github.com/paysentinel/backend/internal/core"
)

// diagnosis is everything the root-cause analysis needs about a firing rule.
type diagnosis struct {
	Provider      string
	Country       string
	Metric        core.MetricType
	AdverseCount  int
	ResponseCodes map[string]int64 // code -> count over W
	IssuerRows    []core.IssuerImpact
	AdviceCodes   map[string]int64 // advice code -> count over W
}

// mostCommonCode returns the dominant response code, "" when none.
func (d *diagnosis) mostCommonCode() string {
	var best int64
	var code string
	for c, n := range d.ResponseCodes {
		if n > best {
			best, code = n, c
		}
	}
	return code
}

// adviceMajority reports whether the given advice code accounts for a strict
// majority of all advice-coded adverse events.
func (d *diagnosis) adviceMajority(code string) bool {
	var total int64
	for _, n := range d.AdviceCodes {
		total += n
	}
	if total == 0 {
		return false
	}
	return d.AdviceCodes[code]*2 > total
}

// determineRootCause maps the diagnosis to a structured root cause and
// remediation. Response-code priorities come first: a dominant 401 means bad
// credentials and a dominant 57 means a regulatory block, whatever the issuer
// spread looks like. After those, a single-issuer failure points at the
// issuer; anything else is treated as provider-wide and keyed off the
// dominant HTTP code.
func determineRootCause(d *diagnosis) (core.RootCause, core.SuggestedAction) {
	code := d.mostCommonCode()

	if code == "401" {
		return core.RootCause{
				Provider:     d.Provider,
				Issue:        "Merchant Configuration Error - Invalid API Credentials",
				Scope:        fmt.Sprintf("All %s transactions", d.Provider),
				ResponseCode: "401",
			}, core.SuggestedAction{
				Label:      fmt.Sprintf("Update API Keys for %s", d.Provider),
				ActionType: "UPDATE_CREDENTIALS",
			}
	}

	if code == "57" {
		return core.RootCause{
				Provider:     d.Provider,
				Issue:        fmt.Sprintf("Regulatory/Regional Block in %s", d.Country),
				Scope:        fmt.Sprintf("Transactions not permitted in %s", d.Country),
				ResponseCode: "57",
			}, core.SuggestedAction{
				Label:      fmt.Sprintf("Review Country Rules for %s", d.Country),
				ActionType: "REVIEW_COMPLIANCE",
			}
	}

	var cause core.RootCause
	var action core.SuggestedAction

	if len(d.IssuerRows) == 1 {
		issuer := d.IssuerRows[0].IssuerName
		issue := fmt.Sprintf("Elevated errors for %s cards", issuer)
		if code != "" {
			issue += fmt.Sprintf(" (HTTP %s)", code)
		}
		cause = core.RootCause{
			Provider:     d.Provider,
			Issue:        issue,
			Scope:        fmt.Sprintf("%s issuers only", issuer),
			ResponseCode: code,
		}
		action = core.SuggestedAction{
			Label:      fmt.Sprintf("Failover %s to backup provider", issuer),
			ActionType: "FAILOVER_PROVIDER",
		}
	} else {
		issue := fmt.Sprintf("%s across %s", d.Metric.Description(), d.Country)
		if code != "" {
			issue += fmt.Sprintf(" (HTTP %s)", code)
		}
		cause = core.RootCause{
			Provider:     d.Provider,
			Issue:        issue,
			Scope:        "All transactions",
			ResponseCode: code,
		}
		switch code {
		case "502", "503", "504":
			action = core.SuggestedAction{
				Label:      fmt.Sprintf("Increase timeout or failover %s", d.Provider),
				ActionType: "INCREASE_TIMEOUT",
			}
		case "500":
			action = core.SuggestedAction{
				Label:      fmt.Sprintf("Contact %s - Internal server error", d.Provider),
				ActionType: "CONTACT_ISSUER",
			}
		default:
			action = core.SuggestedAction{
				Label:      fmt.Sprintf("Pause traffic to %s", d.Provider),
				ActionType: "PAUSE_TRAFFIC",
			}
		}
	}

	// The provider telling merchants to back off trumps issuer failover and
	// code heuristics, but never the credential/compliance causes above.
	if d.adviceMajority("TRY_AGAIN_LATER") {
		action = core.SuggestedAction{
			Label:      fmt.Sprintf("Pause traffic to %s temporarily", d.Provider),
			ActionType: "PAUSE_TRAFFIC",
		}
	}

	return cause, action
}

// confidenceScore grades the diagnosis on data quality: more adverse samples,
// issuer granularity and sub-status detail all raise it.
func confidenceScore(d *diagnosis) float64 {
	confidence := 0.5
	if d.AdverseCount >= 10 {
		confidence += 0.2
	}
	if d.AdverseCount >= 50 {
		confidence += 0.1
	}
	if len(d.IssuerRows) > 0 {
		confidence += 0.15
		if len(d.IssuerRows[0].SubStatuses) > 0 {
			confidence += 0.05
		}
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
