// Alert-rule management CLI.
//
//	rules list [-merchant <id>] [-all]
//	rules create -metric ERROR_RATE -operator '>' -threshold 0.1 [flags]
//	rules enable <rule_id>
//	rules disable <rule_id>
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/paysentinel/backend/internal/config"
	"github.com/paysentinel/backend/internal/core"
	"github.com/paysentinel/backend/internal/rules"
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()
	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Open postgres: %v\n", err)
		return 2
	}
	defer db.Close()
	store, err := rules.NewPostgresStore(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Rule store: %v\n", err)
		return 2
	}

	switch os.Args[1] {
	case "list":
		return list(ctx, store, os.Args[2:])
	case "create":
		return create(ctx, store, os.Args[2:])
	case "enable":
		return setActive(ctx, store, os.Args[2:], true)
	case "disable", "delete":
		return setActive(ctx, store, os.Args[2:], false)
	default:
		printUsage()
		return 1
	}
}

func list(ctx context.Context, store rules.Store, args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	merchant := fs.String("merchant", "", "only rules for this merchant")
	all := fs.Bool("all", false, "include inactive rules")
	fs.Parse(args)

	out, err := store.List(ctx, *all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ List: %v\n", err)
		return 2
	}

	fmt.Println("==========================================================================================")
	fmt.Println("ALERT RULES")
	fmt.Println("==========================================================================================")
	fmt.Printf("%-36s %-20s %-8s %-10s %-14s %-10s %-7s\n",
		"RULE ID", "MERCHANT", "COUNTRY", "PROVIDER", "METRIC", "THRESHOLD", "ACTIVE")
	for _, r := range out {
		if *merchant != "" && r.MerchantID != *merchant {
			continue
		}
		active := "✗"
		if r.Active {
			active = "✓"
		}
		fmt.Printf("%-36s %-20s %-8s %-10s %-14s %-10.4g %-7s\n",
			r.RuleID, orAll(r.MerchantID, "GLOBAL"), orAll(r.Country, "ALL"),
			orAll(r.Provider, "ALL"), r.Metric, r.Threshold, active)
	}
	fmt.Println("==========================================================================================")
	return 0
}

func create(ctx context.Context, store rules.Store, args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	merchant := fs.String("merchant", "", "merchant ID (empty = global)")
	country := fs.String("country", "", "country filter (MX, BR, CO)")
	provider := fs.String("provider", "", "provider filter (STRIPE, DLOCAL)")
	issuer := fs.String("issuer", "", "issuer filter")
	metric := fs.String("metric", string(core.MetricErrorRate), "APPROVAL_RATE|ERROR_RATE|DECLINE_RATE|TOTAL_VOLUME")
	operator := fs.String("operator", string(core.OpGreater), "comparison operator")
	threshold := fs.Float64("threshold", 0.10, "threshold (rate 0-1 or absolute count)")
	minTxns := fs.Int("min-transactions", 30, "sample floor")
	severity := fs.String("severity", string(core.SeverityWarning), "WARNING|CRITICAL")
	startHour := fs.Int("start-hour", -1, "UTC window start (with -end-hour)")
	endHour := fs.Int("end-hour", -1, "UTC window end, exclusive")
	fs.Parse(args)

	r := &core.Rule{
		MerchantID:      *merchant,
		Country:         *country,
		Provider:        *provider,
		Issuer:          *issuer,
		Metric:          core.MetricType(*metric),
		Operator:        core.Operator(*operator),
		Threshold:       *threshold,
		MinTransactions: *minTxns,
		Severity:        core.Severity(*severity),
		Active:          true,
	}
	if *startHour >= 0 || *endHour >= 0 {
		r.StartHour, r.EndHour = startHour, endHour
	}

	if err := store.Create(ctx, r); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Create: %v\n", err)
		return 1
	}
	fmt.Printf("✅ Rule created: %s\n", r.RuleID)
	fmt.Printf("   Merchant:  %s\n", orAll(r.MerchantID, "GLOBAL"))
	fmt.Printf("   Metric:    %s %s %v\n", r.Metric, r.Operator, r.Threshold)
	fmt.Printf("   Severity:  %s\n", r.Severity)
	return 0
}

func setActive(ctx context.Context, store rules.Store, args []string, active bool) int {
	if len(args) != 1 {
		printUsage()
		return 1
	}
	if err := store.SetActive(ctx, args[0], active); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Update: %v\n", err)
		return 1
	}
	verb := "disabled"
	if active {
		verb = "enabled"
	}
	fmt.Printf("✅ Rule %s\n", verb)
	return 0
}

func orAll(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func printUsage() {
	fmt.Fprint(os.Stderr, `sentinel rules CLI

USAGE:
    rules list [-merchant <id>] [-all]
    rules create [-merchant <id>] [-country MX] [-provider STRIPE]
                 [-metric ERROR_RATE] [-operator '>'] [-threshold 0.10]
                 [-min-transactions 30] [-severity WARNING]
                 [-start-hour 9 -end-hour 18]
    rules enable <rule_id>
    rules disable <rule_id>
`)
}
