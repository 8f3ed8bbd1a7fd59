package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/veridocs/ledger/internal/audit"
)

// scanFixture holds the pieces a scan needs plus a ledger for seeding.
type scanFixture struct {
	store    audit.Store
	verifier *audit.Verifier
	ledger   *audit.Ledger
}

func newScanFixture(t *testing.T, store audit.Store) *scanFixture {
	t.Helper()
	hasher, err := audit.NewContentHasher()
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}
	appender := audit.NewAppender(store, hasher, audit.AppenderConfig{RetryBackoff: time.Millisecond})
	verifier := audit.NewVerifier(store, hasher, audit.VerifierConfig{})
	ledger := audit.NewLedger(store, appender, verifier, audit.LedgerConfig{})
	return &scanFixture{store: store, verifier: verifier, ledger: ledger}
}

func (f *scanFixture) seed(t *testing.T, scopeID string, category audit.Category, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.LogEvent(context.Background(), category, audit.Entry{
			ScopeID:  scopeID,
			ActorID:  "usr_1",
			Action:   fmt.Sprintf("document.update.%d", i),
			Resource: "document",
			Payload:  audit.Payload{Severity: "info", Message: "change"},
		})
		if err != nil {
			t.Fatalf("failed to seed record: %v", err)
		}
	}
}

func TestScan_SingleChain(t *testing.T) {
	f := newScanFixture(t, audit.NewInMemoryStore())
	f.seed(t, "org_1", audit.CategoryGeneralAudit, 3)

	report, valid, err := scan(context.Background(), f.store, f.verifier, "org_1", audit.CategoryGeneralAudit, false)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if !valid {
		t.Error("scan() valid = false, want true")
	}

	res, ok := report.(*audit.VerificationResult)
	if !ok {
		t.Fatalf("scan() report type = %T, want *audit.VerificationResult", report)
	}
	if res.RecordsVerified != 3 {
		t.Errorf("RecordsVerified = %d, want 3", res.RecordsVerified)
	}
	if res.Category != audit.CategoryGeneralAudit {
		t.Errorf("Category = %q, want %q", res.Category, audit.CategoryGeneralAudit)
	}
}

func TestScan_Scope(t *testing.T) {
	f := newScanFixture(t, audit.NewInMemoryStore())
	f.seed(t, "org_1", audit.CategoryGeneralAudit, 2)
	f.seed(t, "org_1", audit.CategorySecurityEvent, 1)

	report, valid, err := scan(context.Background(), f.store, f.verifier, "org_1", "", false)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if !valid {
		t.Error("scan() valid = false, want true")
	}

	sr, ok := report.(*audit.ScopeReport)
	if !ok {
		t.Fatalf("scan() report type = %T, want *audit.ScopeReport", report)
	}
	if len(sr.Results) != len(audit.Categories()) {
		t.Errorf("len(Results) = %d, want %d", len(sr.Results), len(audit.Categories()))
	}
}

func TestScan_AllScopes(t *testing.T) {
	f := newScanFixture(t, audit.NewInMemoryStore())
	f.seed(t, "org_alpha", audit.CategoryGeneralAudit, 2)
	f.seed(t, "org_beta", audit.CategoryDataAccess, 1)

	report, valid, err := scan(context.Background(), f.store, f.verifier, "", "", true)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if !valid {
		t.Error("scan() valid = false, want true")
	}

	fleet, ok := report.(*fleetReport)
	if !ok {
		t.Fatalf("scan() report type = %T, want *fleetReport", report)
	}
	if fleet.Scopes != 2 {
		t.Errorf("Scopes = %d, want 2", fleet.Scopes)
	}
	if len(fleet.Reports) != 2 {
		t.Errorf("len(Reports) = %d, want 2", len(fleet.Reports))
	}
}

func TestScan_EmptyLedger(t *testing.T) {
	f := newScanFixture(t, audit.NewInMemoryStore())

	report, valid, err := scan(context.Background(), f.store, f.verifier, "", "", true)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if !valid {
		t.Error("scan() valid = false, want true for empty ledger")
	}

	fleet := report.(*fleetReport)
	if fleet.Scopes != 0 {
		t.Errorf("Scopes = %d, want 0", fleet.Scopes)
	}
}

// tamperingStore corrupts the first record of every chain read, simulating
// an in-place modification behind the appender's back.
type tamperingStore struct {
	audit.Store
}

func (s *tamperingStore) Range(ctx context.Context, scopeID string, category audit.Category, fromSeq, toSeq uint64) ([]*audit.Record, error) {
	recs, err := s.Store.Range(ctx, scopeID, category, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		recs[0].Action = "document.delete"
	}
	return recs, nil
}

func TestScan_DetectsTampering(t *testing.T) {
	inner := audit.NewInMemoryStore()
	f := newScanFixture(t, inner)
	f.seed(t, "org_1", audit.CategoryGeneralAudit, 3)

	tampered := &tamperingStore{Store: inner}
	hasher, err := audit.NewContentHasher()
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}
	verifier := audit.NewVerifier(tampered, hasher, audit.VerifierConfig{})

	report, valid, err := scan(context.Background(), tampered, verifier, "", "", true)
	if err != nil {
		t.Fatalf("scan() error = %v", err)
	}
	if valid {
		t.Error("scan() valid = true, want false for tampered chain")
	}

	fleet := report.(*fleetReport)
	if fleet.Valid {
		t.Error("fleet.Valid = true, want false")
	}

	var finding *audit.Finding
	for _, sr := range fleet.Reports {
		for _, res := range sr.Results {
			if res.Finding != nil {
				finding = res.Finding
			}
		}
	}
	if finding == nil {
		t.Fatal("expected a finding in the fleet report")
	}
	if finding.Check != audit.CheckContent {
		t.Errorf("Finding.Check = %q, want %q", finding.Check, audit.CheckContent)
	}
}

// failingStore returns an error from every scope listing.
type failingStore struct {
	audit.Store
	err error
}

func (s *failingStore) Scopes(ctx context.Context) ([]string, error) {
	return nil, s.err
}

func TestScan_StoreError(t *testing.T) {
	f := newScanFixture(t, audit.NewInMemoryStore())
	broken := &failingStore{Store: f.store, err: errors.New("connection refused")}

	_, _, err := scan(context.Background(), broken, f.verifier, "", "", true)
	if err == nil {
		t.Fatal("scan() error = nil, want listing error")
	}
}
