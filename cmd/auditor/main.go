// Package main is the entry point for the auditor CLI, which scans audit
// hash chains directly against the database and reports findings.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/veridocs/ledger/internal/audit"
	"github.com/veridocs/ledger/internal/validate"
)

// fleetReport aggregates verification across every scope in the ledger.
type fleetReport struct {
	Scopes  int                  `json:"scopes"`
	Valid   bool                 `json:"valid"`
	Reports []*audit.ScopeReport `json:"reports"`
}

// scan runs the requested verification. It returns the report to print and
// whether every checked chain verified clean.
func scan(ctx context.Context, store audit.Store, verifier *audit.Verifier, scopeID string, category audit.Category, all bool) (interface{}, bool, error) {
	switch {
	case all:
		scopes, err := store.Scopes(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("listing scopes: %w", err)
		}
		report := &fleetReport{
			Scopes:  len(scopes),
			Valid:   true,
			Reports: make([]*audit.ScopeReport, 0, len(scopes)),
		}
		for _, id := range scopes {
			sr, err := verifier.VerifyScope(ctx, id)
			if err != nil {
				return nil, false, fmt.Errorf("verifying scope %s: %w", id, err)
			}
			if !sr.Valid {
				report.Valid = false
			}
			report.Reports = append(report.Reports, sr)
		}
		return report, report.Valid, nil

	case category != "":
		res, err := verifier.VerifyChain(ctx, scopeID, category)
		if err != nil {
			return nil, false, fmt.Errorf("verifying chain: %w", err)
		}
		return res, res.Valid, nil

	default:
		sr, err := verifier.VerifyScope(ctx, scopeID)
		if err != nil {
			return nil, false, fmt.Errorf("verifying scope %s: %w", scopeID, err)
		}
		return sr, sr.Valid, nil
	}
}

func main() {
	help := flag.Bool("help", false, "display help message")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string (defaults to DATABASE_URL)")
	scopeID := flag.String("scope", "", "scope ID to verify")
	categoryName := flag.String("category", "", "single category to verify: general_audit, security_event, or data_access (requires -scope)")
	all := flag.Bool("all", false, "verify every scope in the ledger")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall scan timeout")
	flag.Parse()

	if *help {
		fmt.Println("Veridocs Audit Chain Auditor")
		fmt.Println()
		fmt.Println("Scans audit hash chains and writes a JSON report to stdout.")
		fmt.Println("Exit code 0 means every checked chain verified clean; 1 means at")
		fmt.Println("least one chain is broken, gapped, or tampered; 2 means the scan")
		fmt.Println("could not run.")
		fmt.Println()
		fmt.Println("Usage: auditor -scope <id> [-category <name>]")
		fmt.Println("       auditor -all")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// The report goes to stdout; logs stay on stderr so output can be piped.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *all == (*scopeID != "") {
		fmt.Fprintln(os.Stderr, "exactly one of -all or -scope is required")
		os.Exit(2)
	}
	if *categoryName != "" && *scopeID == "" {
		fmt.Fprintln(os.Stderr, "-category requires -scope")
		os.Exit(2)
	}
	if *scopeID != "" {
		if _, err := validate.ScopeID(*scopeID); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -scope value %q: %v\n", *scopeID, err)
			os.Exit(2)
		}
	}
	category := audit.Category(*categoryName)
	if *categoryName != "" && !category.Valid() {
		fmt.Fprintf(os.Stderr, "unknown category %q\n", *categoryName)
		os.Exit(2)
	}
	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "a database is required: set DATABASE_URL or pass -database-url")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *databaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to reach database", "error", err)
		os.Exit(2)
	}

	store := audit.NewPostgresStore(db, logger)
	hasher, err := audit.NewContentHasher()
	if err != nil {
		logger.Error("failed to initialize content hasher", "error", err)
		os.Exit(2)
	}
	verifier := audit.NewVerifier(store, hasher, audit.VerifierConfig{Logger: logger})

	report, valid, err := scan(ctx, store, verifier, *scopeID, category, *all)
	if err != nil {
		logger.Error("scan failed", "error", err)
		os.Exit(2)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error("failed to encode report", "error", err)
		os.Exit(2)
	}
	fmt.Println(string(out))

	if !valid {
		os.Exit(1)
	}
}
