package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func storedRecord(scope string, cat Category, seq uint64, ts time.Time) *Record {
	return &Record{
		ID:          fmt.Sprintf("%s-%s-%d", scope, cat, seq),
		ScopeID:     scope,
		Category:    cat,
		SequenceNum: seq,
		CreatedAt:   ts,
		ActorID:     "user-1",
		ActorEmail:  "driver@example.com",
		Action:      "document.view",
		Resource:    "document",
		ResourceID:  "doc-1",
		Payload:     Payload{Message: "viewed certificate"},
		Hash:        fmt.Sprintf("hash-%d", seq),
		Verified:    true,
	}
}

func TestInMemoryStoreAppendAndLastRecord(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	if _, err := s.LastRecord(ctx, "company-1", CategoryGeneralAudit); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty chain, got %v", err)
	}

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	for seq := uint64(0); seq < 3; seq++ {
		rec := storedRecord("company-1", CategoryGeneralAudit, seq, base.Add(time.Duration(seq)*time.Minute))
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("failed to append sequence %d: %v", seq, err)
		}
	}

	head, err := s.LastRecord(ctx, "company-1", CategoryGeneralAudit)
	if err != nil {
		t.Fatalf("failed to read head: %v", err)
	}
	if head.SequenceNum != 2 {
		t.Errorf("expected head sequence 2, got %d", head.SequenceNum)
	}

	// Chains are independent per category.
	if _, err := s.LastRecord(ctx, "company-1", CategoryDataAccess); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected empty data access chain, got %v", err)
	}
}

func TestInMemoryStoreSequenceConflict(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	ts := time.Now().UTC()

	if err := s.Append(ctx, storedRecord("company-1", CategoryGeneralAudit, 0, ts)); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	err := s.Append(ctx, storedRecord("company-1", CategoryGeneralAudit, 0, ts))
	if !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}

	// The losing write must not have replaced the winner.
	recs, err := s.Range(ctx, "company-1", CategoryGeneralAudit, 0, MaxSeq)
	if err != nil {
		t.Fatalf("failed to range: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record after conflict, got %d", len(recs))
	}
}

func TestInMemoryStoreCopyOnReturn(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	rec := storedRecord("company-1", CategoryGeneralAudit, 0, time.Now().UTC())
	rec.Payload.Metadata = map[string]string{"ip": "10.0.0.1"}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("failed to append: %v", err)
	}

	// Mutating the caller's record after append must not reach the store.
	rec.Action = "mutated"
	rec.Payload.Metadata["ip"] = "mutated"

	got, err := s.LastRecord(ctx, "company-1", CategoryGeneralAudit)
	if err != nil {
		t.Fatalf("failed to read head: %v", err)
	}
	if got.Action != "document.view" || got.Payload.Metadata["ip"] != "10.0.0.1" {
		t.Error("store returned state mutated through a caller pointer")
	}

	// Mutating a returned record must not reach the store either.
	got.Payload.Metadata["ip"] = "also-mutated"
	again, err := s.LastRecord(ctx, "company-1", CategoryGeneralAudit)
	if err != nil {
		t.Fatalf("failed to re-read head: %v", err)
	}
	if again.Payload.Metadata["ip"] != "10.0.0.1" {
		t.Error("store state changed through a returned pointer")
	}
}

func TestInMemoryStoreRange(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	for seq := uint64(0); seq < 5; seq++ {
		if err := s.Append(ctx, storedRecord("company-1", CategorySecurityEvent, seq, base)); err != nil {
			t.Fatalf("failed to seed sequence %d: %v", seq, err)
		}
	}

	tests := []struct {
		name     string
		from, to uint64
		want     int
	}{
		{"full chain", 0, MaxSeq, 5},
		{"middle window", 1, 3, 3},
		{"single", 4, 4, 1},
		{"past the end", 10, MaxSeq, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Range(ctx, "company-1", CategorySecurityEvent, tt.from, tt.to)
			if err != nil {
				t.Fatalf("failed to range: %v", err)
			}
			if len(recs) != tt.want {
				t.Fatalf("expected %d records, got %d", tt.want, len(recs))
			}
			for i := 1; i < len(recs); i++ {
				if recs[i].SequenceNum <= recs[i-1].SequenceNum {
					t.Errorf("range output not ascending at index %d", i)
				}
			}
		})
	}
}

func TestInMemoryStoreExportRange(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	for seq := uint64(0); seq < 3; seq++ {
		rec := storedRecord("company-1", CategoryDataAccess, seq, base.Add(time.Duration(seq)*time.Hour))
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("failed to seed sequence %d: %v", seq, err)
		}
	}

	recs, err := s.ExportRange(ctx, "company-1", CategoryDataAccess, base.Add(30*time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("failed to export range: %v", err)
	}
	if len(recs) != 1 || recs[0].SequenceNum != 1 {
		t.Fatalf("expected only sequence 1 inside the window, got %d records", len(recs))
	}

	all, err := s.ExportRange(ctx, "company-1", CategoryDataAccess, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("failed to export unbounded: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records unbounded, got %d", len(all))
	}
}

func TestInMemoryStoreCountAndPage(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	seed := []*Record{
		storedRecord("company-1", CategoryGeneralAudit, 0, base),
		storedRecord("company-1", CategoryGeneralAudit, 1, base.Add(time.Minute)),
		storedRecord("company-1", CategorySecurityEvent, 0, base.Add(2*time.Minute)),
		storedRecord("company-2", CategoryGeneralAudit, 0, base.Add(3*time.Minute)),
	}
	seed[1].ActorID = "user-2"
	seed[1].Action = "document.delete"
	seed[2].Payload.Message = "failed login burst"
	for _, rec := range seed {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"scope only", Filter{ScopeID: "company-1"}, 3},
		{"other scope", Filter{ScopeID: "company-2"}, 1},
		{"by category", Filter{ScopeID: "company-1", Category: CategoryGeneralAudit}, 2},
		{"by actor", Filter{ScopeID: "company-1", ActorID: "user-2"}, 1},
		{"by action", Filter{ScopeID: "company-1", Action: "document.delete"}, 1},
		{"search message", Filter{ScopeID: "company-1", Search: "login burst"}, 1},
		{"search email", Filter{ScopeID: "company-1", Search: "DRIVER@"}, 3},
		{"time window", Filter{ScopeID: "company-1", From: base.Add(30 * time.Second)}, 2},
		{"no match", Filter{ScopeID: "company-1", Action: "nope"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, err := s.Count(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to count: %v", err)
			}
			if count != tt.want {
				t.Errorf("expected count %d, got %d", tt.want, count)
			}
		})
	}

	page, err := s.Page(ctx, Filter{ScopeID: "company-1"}, 2, 0)
	if err != nil {
		t.Fatalf("failed to page: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 records on first page, got %d", len(page))
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Error("page output not newest-first")
	}

	rest, err := s.Page(ctx, Filter{ScopeID: "company-1"}, 2, 2)
	if err != nil {
		t.Fatalf("failed to page with offset: %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("expected 1 record on second page, got %d", len(rest))
	}

	empty, err := s.Page(ctx, Filter{ScopeID: "company-1"}, 2, 10)
	if err != nil {
		t.Fatalf("failed to page past the end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(empty))
	}
}

func TestInMemoryStoreScopes(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	ts := time.Now().UTC()

	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatalf("failed to list scopes: %v", err)
	}
	if len(scopes) != 0 {
		t.Fatalf("expected no scopes, got %v", scopes)
	}

	for _, scope := range []string{"zeta", "alpha", "alpha"} {
		seq := uint64(0)
		if scope == "alpha" {
			chain, _ := s.Range(ctx, "alpha", CategoryGeneralAudit, 0, MaxSeq)
			seq = uint64(len(chain))
		}
		if err := s.Append(ctx, storedRecord(scope, CategoryGeneralAudit, seq, ts)); err != nil {
			t.Fatalf("failed to seed scope %s: %v", scope, err)
		}
	}

	scopes, err = s.Scopes(ctx)
	if err != nil {
		t.Fatalf("failed to list scopes: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "alpha" || scopes[1] != "zeta" {
		t.Errorf("expected sorted [alpha zeta], got %v", scopes)
	}
}
