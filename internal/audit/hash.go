package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// hashEnvelope is the exact shape fed to the digest. Integer keys pin the
// encoding to positions rather than field names, so a Go-level rename can
// never silently change existing hashes. The Hash and Verified fields of a
// record are not part of the envelope.
type hashEnvelope struct {
	ScopeID      string            `cbor:"1,keyasint"`
	Category     string            `cbor:"2,keyasint"`
	SequenceNum  uint64            `cbor:"3,keyasint"`
	CreatedAtNS  int64             `cbor:"4,keyasint"`
	ActorID      string            `cbor:"5,keyasint"`
	ActorEmail   string            `cbor:"6,keyasint"`
	ActorName    string            `cbor:"7,keyasint"`
	Action       string            `cbor:"8,keyasint"`
	Resource     string            `cbor:"9,keyasint"`
	ResourceID   string            `cbor:"10,keyasint"`
	Severity     string            `cbor:"11,keyasint"`
	Message      string            `cbor:"12,keyasint"`
	ErrorText    string            `cbor:"13,keyasint"`
	Before       map[string]string `cbor:"14,keyasint"`
	After        map[string]string `cbor:"15,keyasint"`
	Metadata     map[string]string `cbor:"16,keyasint"`
	PreviousHash string            `cbor:"17,keyasint"`
}

// ContentHasher computes record content hashes over CBOR canonical encoding.
//
// Determinism guarantees: map keys are sorted by the encoder, integers use
// their shortest form, timestamps are reduced to UTC unix nanoseconds, and
// absent optional fields encode as explicit zero values. An empty map and a
// nil map encode identically, so "no metadata" can never hash two different
// ways.
type ContentHasher struct {
	enc cbor.EncMode
}

// NewContentHasher builds a hasher with the canonical encoder. The encoder
// mode is immutable and safe for concurrent use.
func NewContentHasher() (*ContentHasher, error) {
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build canonical cbor encoder: %w", err)
	}
	return &ContentHasher{enc: enc}, nil
}

// Hash returns the hex SHA-256 digest of the record's canonical encoding.
func (h *ContentHasher) Hash(r *Record) (string, error) {
	env := hashEnvelope{
		ScopeID:      r.ScopeID,
		Category:     string(r.Category),
		SequenceNum:  r.SequenceNum,
		CreatedAtNS:  r.CreatedAt.UTC().UnixNano(),
		ActorID:      r.ActorID,
		ActorEmail:   r.ActorEmail,
		ActorName:    r.ActorName,
		Action:       r.Action,
		Resource:     r.Resource,
		ResourceID:   r.ResourceID,
		Severity:     r.Payload.Severity,
		Message:      r.Payload.Message,
		ErrorText:    r.Payload.Error,
		Before:       normalizeMap(r.Payload.Before),
		After:        normalizeMap(r.Payload.After),
		Metadata:     normalizeMap(r.Payload.Metadata),
		PreviousHash: r.PreviousHash,
	}

	data, err := h.enc.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode record for hashing: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeMap collapses empty maps to nil so both encode as CBOR null.
func normalizeMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
