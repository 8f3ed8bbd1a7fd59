// Package audit implements the tamper-evident audit ledger shared by the
// platform's services. Every security- and compliance-relevant event is
// appended to a per-scope, per-category hash chain: each record carries a
// SHA-256 hash over its canonical content plus the hash of its predecessor,
// so content edits, deletions, and reordering are detectable after the fact
// by a full-chain scan.
//
// The package is organized around five pieces: Record (the chain link),
// ContentHasher (canonical encoding + digest), Store (persistence),
// Appender (sequence assignment and linkage under concurrency), and
// Verifier (full-chain integrity scans). Ledger ties them together into the
// facade business code calls.
package audit

import (
	"errors"
	"time"
)

// Category identifies which hash chain a record belongs to. Exactly one
// chain exists per (scope, category) pair.
type Category string

const (
	// CategoryGeneralAudit covers routine business operations: sign-ins,
	// billing activity, document lifecycle changes.
	CategoryGeneralAudit Category = "general_audit"

	// CategorySecurityEvent covers security-sensitive activity: MFA
	// enrollment and challenges, permission denials, anomalous access.
	CategorySecurityEvent Category = "security_event"

	// CategoryDataAccess covers reads and exports of regulated data.
	CategoryDataAccess Category = "data_access"
)

// Categories returns every chain category in a stable order.
func Categories() []Category {
	return []Category{CategoryGeneralAudit, CategorySecurityEvent, CategoryDataAccess}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryGeneralAudit, CategorySecurityEvent, CategoryDataAccess:
		return true
	}
	return false
}

// Validation errors shared by the appender and verifier.
var (
	ErrMissingScopeID  = errors.New("scope id is required")
	ErrMissingAction   = errors.New("action is required")
	ErrInvalidCategory = errors.New("invalid audit category")
)

// Payload carries the structured content of an audit event. The shape is
// deliberately closed (fixed fields, string-valued maps) so the canonical
// encoding that feeds the record hash is unambiguous. Free-form data goes in
// Metadata; state transitions go in Before/After.
type Payload struct {
	Severity string            `json:"severity,omitempty"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Before   map[string]string `json:"before,omitempty"`
	After    map[string]string `json:"after,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// clone returns a deep copy of the payload.
func (p Payload) clone() Payload {
	out := p
	out.Before = cloneStringMap(p.Before)
	out.After = cloneStringMap(p.After)
	out.Metadata = cloneStringMap(p.Metadata)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Record is one link in an audit chain.
//
// SequenceNum is contiguous from 0 within a chain. PreviousHash holds the
// hex hash of the preceding record and is empty for the genesis record;
// that empty string is the chain's null sentinel everywhere (Go, SQL,
// JSON). Verified marks records whose hash was computed at write time; rows
// imported from before the hashing scheme carry false and are exempt from
// content verification, though linkage and sequence checks still apply.
type Record struct {
	ID           string    `json:"id"`
	ScopeID      string    `json:"scope_id"`
	Category     Category  `json:"category"`
	SequenceNum  uint64    `json:"sequence_num"`
	CreatedAt    time.Time `json:"created_at"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActorEmail   string    `json:"actor_email,omitempty"`
	ActorName    string    `json:"actor_name,omitempty"`
	Action       string    `json:"action"`
	Resource     string    `json:"resource,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Payload      Payload   `json:"payload"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	Verified     bool      `json:"verified"`
}

// Clone returns a deep copy of the record. Stores return clones so callers
// can never mutate persisted state through a shared pointer.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = r.Payload.clone()
	return &out
}

// Entry is the caller-supplied portion of a record. The appender assigns
// identity, timestamp, sequence, linkage, and hash. Actor fields are
// optional; system-initiated events leave all three empty.
type Entry struct {
	ScopeID    string
	ActorID    string
	ActorEmail string
	ActorName  string
	Action     string
	Resource   string
	ResourceID string
	Payload    Payload
}

// Validate checks that the entry can be appended.
func (e *Entry) Validate() error {
	if e.ScopeID == "" {
		return ErrMissingScopeID
	}
	if e.Action == "" {
		return ErrMissingAction
	}
	return nil
}
