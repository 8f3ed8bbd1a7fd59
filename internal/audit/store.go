package audit

import (
	"context"
	"errors"
	"math"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when a chain has no records.
	ErrNotFound = errors.New("audit record not found")

	// ErrSequenceConflict is returned when an append collides with an
	// existing (scope, category, sequence) row. A conforming store must
	// reject the write rather than overwrite; the appender's retry loop
	// depends on this sentinel to detect races with other writers.
	ErrSequenceConflict = errors.New("audit sequence conflict")
)

// MaxSeq is the open upper bound for Range.
const MaxSeq = uint64(math.MaxUint64)

// Filter narrows ledger queries. ScopeID is required; every other field is
// optional and combined with AND. Search matches case-insensitively against
// action, resource, actor email, actor name, and the payload message.
type Filter struct {
	ScopeID    string
	Category   Category
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	From       time.Time
	To         time.Time
	Search     string
}

// Store persists audit records. Implementations must be safe for concurrent
// use, must never expose update or delete paths, and must enforce
// (scope, category, sequence) uniqueness at the storage layer.
type Store interface {
	// Append persists a new record. Returns ErrSequenceConflict when the
	// (scope, category, sequence) slot is already taken.
	Append(ctx context.Context, rec *Record) error

	// LastRecord returns the highest-sequence record of a chain, or
	// ErrNotFound when the chain is empty.
	LastRecord(ctx context.Context, scopeID string, category Category) (*Record, error)

	// Range returns the records of one chain with fromSeq <= seq <= toSeq,
	// ascending by sequence. Pass MaxSeq for an open upper bound.
	Range(ctx context.Context, scopeID string, category Category, fromSeq, toSeq uint64) ([]*Record, error)

	// ExportRange returns the records of one chain created inside
	// [from, to], ascending by sequence. Zero time bounds are unbounded.
	ExportRange(ctx context.Context, scopeID string, category Category, from, to time.Time) ([]*Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Page returns records matching the filter, newest first.
	Page(ctx context.Context, f Filter, limit, offset int) ([]*Record, error)

	// Scopes returns the distinct scope IDs present in the ledger, sorted.
	Scopes(ctx context.Context) ([]string, error)
}
