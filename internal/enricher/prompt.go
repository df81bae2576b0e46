// Package enricher runs the asynchronous LLM enrichment pool. Incidents
// arrive by ID on a bounded queue; workers build a prompt from the incident's
// impact data, call the LLM with retries and write back the explanation.
// Enrichment failing never blocks the lifecycle: the incident still moves to
// NOTIFIED with a null explanation and a failed enrichment status.
package enricher

import (
	"fmt"
	"strconv"
	"strings"
)

// PromptInput is the incident context handed to the LLM.
type PromptInput struct {
	Provider      string
	Country       string
	ErrorCount    int
	RevenueAtRisk float64
	IssuerName    string
	SubStatuses   []string
	AdviceCode    string
	WindowMinutes int
}

// BuildPrompt renders the analyst prompt. Optional context lines only appear
// when the data exists.
func BuildPrompt(in PromptInput) string {
	issuerContext := ""
	if in.IssuerName != "" {
		issuerContext = fmt.Sprintf(" affecting %s cardholders", in.IssuerName)
	}
	subStatusContext := ""
	if len(in.SubStatuses) > 0 {
		subStatusContext = fmt.Sprintf("\nError types: %s", strings.Join(in.SubStatuses, ", "))
	}
	adviceContext := ""
	if in.AdviceCode != "" {
		adviceContext = fmt.Sprintf("\nProvider advice: %s", in.AdviceCode)
	}

	return fmt.Sprintf(`You are a payment systems expert analyzing a real-time anomaly.

**Incident Details:**
- Provider: %s
- Country: %s
- Affected Transactions: %d
- Revenue at Risk: $%s USD%s%s%s

**Task:**
Write a concise 2-3 sentence explanation for an operations team. Include:
1. What is happening (technical root cause)
2. Why it matters (business impact)
3. Recommended immediate action

Be specific, actionable, and avoid jargon. Focus on urgency and clarity.`,
		in.Provider, in.Country, in.ErrorCount, formatUSD(in.RevenueAtRisk),
		issuerContext, subStatusContext, adviceContext)
}

// FallbackExplanation is the template used when every LLM attempt failed.
func FallbackExplanation(in PromptInput) string {
	issuerText := ""
	if in.IssuerName != "" {
		issuerText = fmt.Sprintf(" from %s", in.IssuerName)
	}
	window := in.WindowMinutes
	if window <= 0 {
		window = 10
	}
	return fmt.Sprintf(
		"⚠️ %s in %s is experiencing elevated error rates. "+
			"%d transactions%s failed in the last %d minutes. "+
			"Consider failover to backup provider or contacting %s support.",
		in.Provider, in.Country, in.ErrorCount, issuerText, window, in.Provider)
}

// formatUSD renders 12345.6 as "12,345.60".
func formatUSD(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	dot := strings.IndexByte(s, '.')
	intPart, frac := s[:dot], s[dot:]
	for i := len(intPart) - 3; i > 0; i -= 3 {
		intPart = intPart[:i] + "," + intPart[i:]
	}
	if neg {
		return "-" + intPart + frac
	}
	return intPart + frac
}
