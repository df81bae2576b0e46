package core

import "strings"

// DimensionKey identifies a slice of traffic as the canonical string
// "merchant/country/provider/issuer/status" with "_" in wildcard positions.
// Metric buckets are keyed by (DimensionKey, minute).
//
// Response-code side counters reuse the same shape with "rc:<code>" in the
// status position so they never collide with status counters.
type DimensionKey string

// Wildcard marks an unset position in a dimension key.
const Wildcard = "_"

// ResponseCodePrefix marks a response-code side counter in the status position.
const ResponseCodePrefix = "rc:"

// NewDimensionKey builds a key from its five positions; empty strings become
// wildcards. Positions must not contain "/" (enforced at ingest validation).
func NewDimensionKey(merchant, country, provider, issuer, status string) DimensionKey {
	parts := [5]string{merchant, country, provider, issuer, status}
	for i, p := range parts {
		if p == "" {
			parts[i] = Wildcard
		}
	}
	return DimensionKey(strings.Join(parts[:], "/"))
}

// WithStatus returns the key with its status position replaced.
func (k DimensionKey) WithStatus(status Status) DimensionKey {
	parts := strings.Split(string(k), "/")
	if len(parts) != 5 {
		return k
	}
	parts[4] = string(status)
	return DimensionKey(strings.Join(parts, "/"))
}

// SidePrefix returns the prefix matching all response-code side counters of
// the key's merchant/country/provider slice.
func (k DimensionKey) SidePrefix() string {
	parts := strings.Split(string(k), "/")
	if len(parts) != 5 {
		return string(k)
	}
	return strings.Join([]string{parts[0], parts[1], parts[2], Wildcard, ResponseCodePrefix}, "/")
}

// Merchant returns the merchant position ("" when wildcard).
func (k DimensionKey) Merchant() string { return k.part(0) }

// Country returns the country position ("" when wildcard).
func (k DimensionKey) Country() string { return k.part(1) }

// Provider returns the provider position ("" when wildcard).
func (k DimensionKey) Provider() string { return k.part(2) }

// Issuer returns the issuer position ("" when wildcard).
func (k DimensionKey) Issuer() string { return k.part(3) }

func (k DimensionKey) part(i int) string {
	parts := strings.Split(string(k), "/")
	if len(parts) != 5 || parts[i] == Wildcard {
		return ""
	}
	return parts[i]
}

// EventKeys returns the pre-declared dimension keys incremented for every
// accepted event. Counters are split by outcome via the status position, so
// approval/error/decline rates are computable by ratio.
func EventKeys(e *Event) []DimensionKey {
	s := string(e.Status)
	keys := []DimensionKey{
		NewDimensionKey(e.MerchantID, "", "", "", s),
		NewDimensionKey(e.MerchantID, e.Country, "", "", s),
		NewDimensionKey(e.MerchantID, e.Country, e.ProviderID, "", s),
		NewDimensionKey(e.MerchantID, e.Country, e.ProviderID, e.IssuerName, s),
		// Global per-country provider view used by merchant-less rules.
		NewDimensionKey("", e.Country, e.ProviderID, "", s),
	}
	if e.Status == StatusError && e.ResponseCode != "" {
		keys = append(keys, NewDimensionKey(
			e.MerchantID, e.Country, e.ProviderID, "", ResponseCodePrefix+e.ResponseCode))
	}
	return keys
}
