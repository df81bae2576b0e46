// Package incidents owns the alert incident lifecycle: the transition table,
// persistence and the detector leader lock. The detector is the only writer
// of lifecycle state; the enricher writes only the enrichment fields.
package incidents

import (
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// ============================================================================
// INCIDENT STATE MACHINE
// ============================================================================

// validTransitions is the full lifecycle. SUPPRESSED and RECOVERED are
// terminal; SUPPRESSED incidents are born terminal (cooldown markers).
var validTransitions = map[core.IncidentState][]core.IncidentState{
	core.IncidentOpen:      {core.IncidentEnriching, core.IncidentRecovered},
	core.IncidentEnriching: {core.IncidentNotified, core.IncidentRecovered},
	core.IncidentNotified:  {core.IncidentRecovered},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to core.IncidentState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func Terminal(s core.IncidentState) bool {
	return s == core.IncidentRecovered || s == core.IncidentSuppressed
}

// Transition moves the incident to the target state, stamping ClosedAt on
// terminal states. Illegal moves return ErrInvariant and leave the incident
// untouched.
func Transition(inc *core.Incident, to core.IncidentState, at time.Time) error {
	if !CanTransition(inc.State, to) {
		return core.Invariantf("incident %s: illegal transition %s -> %s",
			inc.IncidentID, inc.State, to)
	}
	inc.State = to
	if Terminal(to) {
		t := at.UTC()
		inc.ClosedAt = &t
	}
	return nil
}
