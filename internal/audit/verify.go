package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Integrity errors, one per verification check.
var (
	ErrMalformedGenesis = errors.New("malformed genesis record")
	ErrSequenceGap      = errors.New("audit sequence gap")
	ErrChainBroken      = errors.New("audit chain broken")
	ErrContentTampered  = errors.New("audit content tampered")
)

// Check identifies which verification rule a finding violated.
type Check string

const (
	CheckGenesis  Check = "genesis"
	CheckSequence Check = "sequence"
	CheckLinkage  Check = "linkage"
	CheckContent  Check = "content"
)

// Finding describes the first integrity violation found in a chain.
//
// For linkage and sequence findings both the offending record and its
// predecessor are attached. For content findings ExpectedHash is the digest
// recomputed from the stored content and ActualHash is the digest the
// record claims; a mismatch means the content changed after it was hashed.
type Finding struct {
	Check            Check   `json:"check"`
	Err              error   `json:"-"`
	Message          string  `json:"message"`
	SequenceNum      uint64  `json:"sequence_num"`
	Record           *Record `json:"record,omitempty"`
	Previous         *Record `json:"previous,omitempty"`
	ExpectedHash     string  `json:"expected_hash,omitempty"`
	ActualHash       string  `json:"actual_hash,omitempty"`
	PossibleDeletion bool    `json:"possible_deletion,omitempty"`
	MissingSequences uint64  `json:"missing_sequences,omitempty"`
}

// VerificationResult reports a full scan of one chain. FirstSequence and
// LastSequence are only meaningful when RecordsVerified > 0; an empty chain
// is vacuously valid. On failure, RecordsVerified counts the records that
// passed every check before the finding.
type VerificationResult struct {
	ScopeID         string    `json:"scope_id"`
	Category        Category  `json:"category"`
	Valid           bool      `json:"valid"`
	RecordsVerified int       `json:"records_verified"`
	FirstSequence   uint64    `json:"first_sequence"`
	LastSequence    uint64    `json:"last_sequence"`
	Finding         *Finding  `json:"finding,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// ScopeReport aggregates verification across every category of one scope.
type ScopeReport struct {
	ScopeID string                `json:"scope_id"`
	Valid   bool                  `json:"valid"`
	Results []*VerificationResult `json:"results"`
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives per-chain verification outcomes when set.
	Metrics *Metrics
}

// Verifier walks audit chains and checks every invariant the appender
// maintains. Verification is read-only and idempotent: scanning an
// untouched chain twice yields the same result.
type Verifier struct {
	store   Store
	hasher  *ContentHasher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewVerifier creates a verifier over a store and hasher.
func NewVerifier(store Store, hasher *ContentHasher, cfg VerifierConfig) *Verifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		store:   store,
		hasher:  hasher,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// VerifyChain loads one chain in full and walks it from genesis. The walk
// stops at the first finding: past a corrupt link, later comparisons would
// be against untrustworthy data.
//
// Check order per record: sequence continuity before linkage, so a deleted
// record reports as a gap rather than as the hash mismatch it also causes;
// then content recomputation for records hashed at write time.
func (v *Verifier) VerifyChain(ctx context.Context, scopeID string, category Category) (*VerificationResult, error) {
	if scopeID == "" {
		return nil, ErrMissingScopeID
	}
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}

	recs, err := v.store.Range(ctx, scopeID, category, 0, MaxSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}

	res := &VerificationResult{
		ScopeID:    scopeID,
		Category:   category,
		Valid:      true,
		VerifiedAt: v.now().UTC(),
	}
	if len(recs) == 0 {
		v.observe(res)
		return res, nil
	}

	res.FirstSequence = recs[0].SequenceNum
	res.LastSequence = recs[len(recs)-1].SequenceNum

	for i, rec := range recs {
		if i == 0 {
			if f := checkGenesis(rec); f != nil {
				return v.fail(ctx, res, f), nil
			}
		} else {
			prev := recs[i-1]
			if f := checkSequence(rec, prev); f != nil {
				return v.fail(ctx, res, f), nil
			}
			if f := checkLinkage(rec, prev); f != nil {
				return v.fail(ctx, res, f), nil
			}
		}

		if rec.Verified {
			expected, err := v.hasher.Hash(rec)
			if err != nil {
				return nil, fmt.Errorf("failed to recompute hash for sequence %d: %w", rec.SequenceNum, err)
			}
			if expected != rec.Hash {
				return v.fail(ctx, res, &Finding{
					Check:        CheckContent,
					Err:          ErrContentTampered,
					Message:      fmt.Sprintf("record %d content does not match its hash", rec.SequenceNum),
					SequenceNum:  rec.SequenceNum,
					Record:       rec.Clone(),
					ExpectedHash: expected,
					ActualHash:   rec.Hash,
				}), nil
			}
		}

		res.RecordsVerified++
	}

	v.observe(res)
	return res, nil
}

// VerifyScope verifies every category chain of one scope.
func (v *Verifier) VerifyScope(ctx context.Context, scopeID string) (*ScopeReport, error) {
	report := &ScopeReport{ScopeID: scopeID, Valid: true}
	for _, category := range Categories() {
		res, err := v.VerifyChain(ctx, scopeID, category)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			report.Valid = false
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func checkGenesis(rec *Record) *Finding {
	if rec.SequenceNum == 0 && rec.PreviousHash == "" {
		return nil
	}
	return &Finding{
		Check:       CheckGenesis,
		Err:         ErrMalformedGenesis,
		Message:     fmt.Sprintf("chain starts at sequence %d with previous hash %q", rec.SequenceNum, rec.PreviousHash),
		SequenceNum: rec.SequenceNum,
		Record:      rec.Clone(),
	}
}

func checkSequence(rec, prev *Record) *Finding {
	if rec.SequenceNum == prev.SequenceNum+1 {
		return nil
	}
	f := &Finding{
		Check:       CheckSequence,
		Err:         ErrSequenceGap,
		Message:     fmt.Sprintf("sequence jumps from %d to %d", prev.SequenceNum, rec.SequenceNum),
		SequenceNum: rec.SequenceNum,
		Record:      rec.Clone(),
		Previous:    prev.Clone(),
	}
	if rec.SequenceNum > prev.SequenceNum {
		f.PossibleDeletion = true
		f.MissingSequences = rec.SequenceNum - prev.SequenceNum - 1
	}
	return f
}

func checkLinkage(rec, prev *Record) *Finding {
	if rec.PreviousHash == prev.Hash {
		return nil
	}
	return &Finding{
		Check:       CheckLinkage,
		Err:         ErrChainBroken,
		Message:     fmt.Sprintf("record %d previous hash does not match record %d hash", rec.SequenceNum, prev.SequenceNum),
		SequenceNum: rec.SequenceNum,
		Record:      rec.Clone(),
		Previous:    prev.Clone(),
	}
}

func (v *Verifier) fail(ctx context.Context, res *VerificationResult, f *Finding) *VerificationResult {
	res.Valid = false
	res.Finding = f
	v.logger.WarnContext(ctx, "audit chain verification failed",
		"scope_id", res.ScopeID,
		"category", res.Category,
		"check", f.Check,
		"sequence", f.SequenceNum)
	v.observe(res)
	return res
}

func (v *Verifier) observe(res *VerificationResult) {
	if v.metrics == nil {
		return
	}
	outcome := "valid"
	if !res.Valid {
		outcome = string(res.Finding.Check)
	}
	v.metrics.ObserveVerification(res.Category, outcome)
}
