package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// RateTable converts transaction amounts to USD at ingest time. Rates are
// USD per one unit of the source currency. The table is static for the life
// of the process; operators ship a rates file when the defaults drift.
type RateTable struct {
	rates map[string]float64
}

// Default FX table covering the corridors the simulator and production
// traffic use. Values are deliberately coarse; revenue-at-risk is an
// estimate, not an accounting figure.
var defaultRates = map[string]float64{
	"USD": 1.0,
	"MXN": 0.058,
	"COP": 0.00025,
	"BRL": 0.18,
	"EUR": 1.09,
	"GBP": 1.27,
	"ARS": 0.0011,
	"CLP": 0.0011,
	"PEN": 0.27,
}

type ratesFile struct {
	Rates map[string]float64 `yaml:"rates"`
}

// LoadRates returns the default table, overlaid with the yaml file at path
// when path is non-empty. File entries replace defaults key by key.
func LoadRates(path string) (*RateTable, error) {
	rates := make(map[string]float64, len(defaultRates))
	for k, v := range defaultRates {
		rates[k] = v
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rates file: %w", err)
		}
		defer f.Close()

		var rf ratesFile
		if err := yaml.NewDecoder(f).Decode(&rf); err != nil {
			return nil, fmt.Errorf("parse rates file %s: %w", path, err)
		}
		for code, rate := range rf.Rates {
			if rate <= 0 {
				return nil, fmt.Errorf("rates file %s: non-positive rate for %s", path, code)
			}
			rates[strings.ToUpper(code)] = rate
		}
	}

	return &RateTable{rates: rates}, nil
}

// ToUSD converts value in the given currency to USD. Unknown currencies are
// a validation failure at ingest, reported via ok=false.
func (t *RateTable) ToUSD(value float64, currency string) (usd float64, ok bool) {
	rate, ok := t.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, false
	}
	return value * rate, true
}

// Known reports whether the currency is convertible.
func (t *RateTable) Known(currency string) bool {
	_, ok := t.rates[strings.ToUpper(currency)]
	return ok
}
