// Chaos-injecting traffic generator. Posts realistic payment events to the
// ingestor at a steady rate and occasionally forces failure scenarios so the
// detector has something to find.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var (
	merchants  = []string{"merchant_shopito", "merchant_techstore", "merchant_fashionhub"}
	countries  = []string{"MX", "CO", "BR"}
	providers  = []string{"STRIPE", "DLOCAL", "ADYEN"}
	cardBrands = []string{"VISA", "MASTERCARD", "AMEX"}

	issuersByCountry = map[string][]string{
		"MX": {"BBVA", "Santander", "Citibanamex", "Banorte"},
		"CO": {"Bancolombia", "Davivienda", "BBVA Colombia"},
		"BR": {"Itau", "Bradesco", "Banco do Brasil", "Santander Brasil"},
	}
	currencyByCountry = map[string]string{"MX": "MXN", "CO": "COP", "BR": "BRL"}

	binsByBrand = map[string][]string{
		"VISA":       {"415231", "424242", "411111"},
		"MASTERCARD": {"531111", "555555", "222100"},
		"AMEX":       {"378282", "371449"},
	}

	declineSubStatuses = []string{"INSUFFICIENT_FUNDS", "DO_NOT_HONOR", "FRAUD"}

	responseCodes = map[string][]string{
		"SUCCEEDED": {"200", "0000"},
		"DECLINED":  {"05", "51", "57"},
		"ERROR":     {"504", "500", "timeout"},
	}
)

// chaos scenario types
const (
	chaosStripeTimeout  = "STRIPE_TIMEOUT"  // STRIPE+MX+BBVA errors
	chaosProviderOutage = "PROVIDER_OUTAGE" // one provider 100% errors
	chaosIssuerDown     = "ISSUER_DOWN"     // one issuer declines
)

type chaosScenario struct {
	kind     string
	provider string
	issuer   string
}

type generator struct {
	rng    *rand.Rand
	chaos  *chaosScenario
	logger *log.Logger
}

func (g *generator) pick(list []string) string { return list[g.rng.Intn(len(list))] }

func (g *generator) status(provider, country, issuer string) string {
	if c := g.chaos; c != nil {
		switch c.kind {
		case chaosStripeTimeout:
			if provider == "STRIPE" && country == "MX" && issuer == "BBVA" {
				return "ERROR"
			}
		case chaosProviderOutage:
			if provider == c.provider {
				return "ERROR"
			}
		case chaosIssuerDown:
			if issuer == c.issuer {
				return "DECLINED"
			}
		}
	}
	// 90/5/5 under normal conditions.
	switch n := g.rng.Intn(100); {
	case n < 90:
		return "SUCCEEDED"
	case n < 95:
		return "DECLINED"
	default:
		return "ERROR"
	}
}

func (g *generator) latency(status string) int {
	switch status {
	case "ERROR":
		return 5000 + g.rng.Intn(5000)
	case "SUCCEEDED":
		return 200 + g.rng.Intn(600)
	default:
		return 300 + g.rng.Intn(900)
	}
}

func (g *generator) transaction() map[string]interface{} {
	country := g.pick(countries)
	provider := g.pick(providers)
	issuer := g.pick(issuersByCountry[country])
	brand := g.pick(cardBrands)
	status := g.status(provider, country, issuer)

	var subStatus interface{}
	switch status {
	case "DECLINED":
		subStatus = g.pick(declineSubStatuses)
	case "ERROR":
		if g.rng.Intn(2) == 0 {
			subStatus = "TIMEOUT"
		}
	}

	var advice interface{}
	if status == "ERROR" {
		advice = "TRY_AGAIN_LATER"
	}

	return map[string]interface{}{
		"id":          uuid.NewString(),
		"created_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"merchant_id": g.pick(merchants),
		"country":     country,
		"status":      status,
		"sub_status":  subStatus,
		"amount": map[string]interface{}{
			"value":    50 + g.rng.Float64()*4950,
			"currency": currencyByCountry[country],
		},
		"payment_method": map[string]interface{}{
			"type": "CARD",
			"detail": map[string]interface{}{
				"card": map[string]interface{}{
					"brand":       brand,
					"issuer_name": issuer,
					"bin":         g.pick(binsByBrand[brand]),
				},
			},
		},
		"provider_data": map[string]interface{}{
			"id":                   provider,
			"merchant_advice_code": advice,
			"response_code":        g.pick(responseCodes[status]),
		},
		"latency_ms": g.latency(status),
	}
}

func (g *generator) maybeToggleChaos(probability float64) {
	if g.chaos == nil {
		if g.rng.Float64() < probability {
			scenarios := []chaosScenario{
				{kind: chaosStripeTimeout},
				{kind: chaosProviderOutage, provider: g.pick(providers)},
				{kind: chaosIssuerDown, issuer: "BBVA"},
			}
			c := scenarios[g.rng.Intn(len(scenarios))]
			g.chaos = &c
			g.logger.Printf("🔥 CHAOS INJECTED: %s %s%s", c.kind, c.provider, c.issuer)
		}
		return
	}
	if g.rng.Float64() < 0.1 {
		g.logger.Printf("✅ Chaos cleared: %s", g.chaos.kind)
		g.chaos = nil
	}
}

func main() {
	apiURL := flag.String("url", envOr("API_URL", "http://localhost:8080"), "ingestor base URL")
	tps := flag.Int("tps", 10, "transactions per second")
	chaosProb := flag.Float64("chaos", 0.05, "per-second chaos injection probability")
	seed := flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	flag.Parse()

	logger := log.New(log.Writer(), "[LOADGEN] ", log.LstdFlags)
	logger.Printf("🚀 Generating %d tps against %s (chaos %.0f%%)", *tps, *apiURL, *chaosProb*100)

	g := &generator{rng: rand.New(rand.NewSource(*seed)), logger: logger}
	client := &http.Client{Timeout: 5 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var sent, failed int
	for {
		select {
		case <-sigCh:
			logger.Printf("👋 Stopping: %d sent, %d failed", sent, failed)
			return
		case <-ticker.C:
			g.maybeToggleChaos(*chaosProb)
			for i := 0; i < *tps; i++ {
				if send(client, *apiURL, g.transaction()) {
					sent++
				} else {
					failed++
				}
			}
			if (sent+failed)%(*tps*10) == 0 {
				logger.Printf("📊 Stats: %d sent, %d failed", sent, failed)
			}
		}
	}
}

func send(client *http.Client, baseURL string, txn map[string]interface{}) bool {
	body, err := json.Marshal(txn)
	if err != nil {
		return false
	}
	resp, err := client.Post(fmt.Sprintf("%s/ingest", baseURL), "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
