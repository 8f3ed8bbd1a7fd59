package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Page size bounds for Query.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// AppendListener is notified after a record is durably appended. Callbacks
// run synchronously on the appending goroutine, receive a shared copy they
// must not modify, and must not block.
type AppendListener interface {
	RecordAppended(rec *Record)
}

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives append failure counts when set.
	Metrics *Metrics
}

// Ledger is the facade business code appends through.
//
// Audit writes are deliberately non-fatal to the operation they describe: a
// document upload that succeeds must not be rolled back because the audit
// insert lost a race. The wrappers here make that policy explicit instead
// of silent. Every method returns the append error so call sites that care
// can react, and every failure is logged and counted, so call sites that
// ignore the return value still leave an operational trace.
type Ledger struct {
	appender *Appender
	verifier *Verifier
	store    Store
	logger   *slog.Logger
	metrics  *Metrics

	mu        sync.RWMutex
	listeners []AppendListener
}

// NewLedger wires the facade over an appender, verifier, and store.
func NewLedger(store Store, appender *Appender, verifier *Verifier, cfg LedgerConfig) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		appender: appender,
		verifier: verifier,
		store:    store,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// AddListener registers a listener for successful appends.
func (l *Ledger) AddListener(listener AppendListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// LogEvent appends an entry to the chain for the given category.
func (l *Ledger) LogEvent(ctx context.Context, category Category, e Entry) (*Record, error) {
	rec, err := l.appender.Append(ctx, category, e)
	if err != nil {
		if l.metrics != nil {
			l.metrics.IncAppendFailure(category, failureReason(err))
		}
		l.logger.ErrorContext(ctx, "audit append failed",
			"scope_id", e.ScopeID,
			"category", category,
			"action", e.Action,
			"error", err)
		return nil, err
	}
	l.notify(rec)
	return rec, nil
}

// LogAuthentication records sign-in and session lifecycle events on the
// general audit chain.
func (l *Ledger) LogAuthentication(ctx context.Context, e Entry) (*Record, error) {
	return l.LogEvent(ctx, CategoryGeneralAudit, e)
}

// LogBilling records subscription and payment events on the general audit
// chain.
func (l *Ledger) LogBilling(ctx context.Context, e Entry) (*Record, error) {
	return l.LogEvent(ctx, CategoryGeneralAudit, e)
}

// LogMFA records MFA enrollment and challenge events on the security chain.
func (l *Ledger) LogMFA(ctx context.Context, e Entry) (*Record, error) {
	return l.LogEvent(ctx, CategorySecurityEvent, e)
}

// LogSecurityEvent records a security-relevant event on the security chain.
func (l *Ledger) LogSecurityEvent(ctx context.Context, e Entry) (*Record, error) {
	return l.LogEvent(ctx, CategorySecurityEvent, e)
}

// LogPermissionDenied records an authorization rejection on the security
// chain. The action defaults to "permission.denied" when the entry leaves
// it empty.
func (l *Ledger) LogPermissionDenied(ctx context.Context, e Entry) (*Record, error) {
	if e.Action == "" {
		e.Action = "permission.denied"
	}
	return l.LogEvent(ctx, CategorySecurityEvent, e)
}

// LogDataAccess records a read or export of regulated data on the data
// access chain.
func (l *Ledger) LogDataAccess(ctx context.Context, e Entry) (*Record, error) {
	return l.LogEvent(ctx, CategoryDataAccess, e)
}

// Verify runs a full integrity scan of one chain.
func (l *Ledger) Verify(ctx context.Context, scopeID string, category Category) (*VerificationResult, error) {
	return l.verifier.VerifyChain(ctx, scopeID, category)
}

// VerifyScope runs a full integrity scan across every chain of one scope.
func (l *Ledger) VerifyScope(ctx context.Context, scopeID string) (*ScopeReport, error) {
	return l.verifier.VerifyScope(ctx, scopeID)
}

// Query returns a newest-first page of records matching the filter plus the
// total match count. Limits outside (0, MaxPageSize] are clamped.
func (l *Ledger) Query(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	if f.ScopeID == "" {
		return nil, 0, ErrMissingScopeID
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, ErrInvalidCategory
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	total, err := l.store.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	recs, err := l.store.Page(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Scopes returns the distinct scope IDs present in the ledger.
func (l *Ledger) Scopes(ctx context.Context) ([]string, error) {
	return l.store.Scopes(ctx)
}

// LastSequence returns the head sequence of a chain, or ErrNotFound for an
// empty chain.
func (l *Ledger) LastSequence(ctx context.Context, scopeID string, category Category) (uint64, error) {
	head, err := l.store.LastRecord(ctx, scopeID, category)
	if err != nil {
		return 0, err
	}
	return head.SequenceNum, nil
}

// ExportWindow bounds an export. Zero time bounds are unbounded.
type ExportWindow struct {
	From time.Time
	To   time.Time
}

// notify fans a freshly appended record out to listeners.
func (l *Ledger) notify(rec *Record) {
	l.mu.RLock()
	listeners := make([]AppendListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}
	shared := rec.Clone()
	for _, listener := range listeners {
		listener.RecordAppended(shared)
	}
}

// failureReason buckets an append error for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAppendContention):
		return "contention"
	case errors.Is(err, ErrMissingScopeID),
		errors.Is(err, ErrMissingAction),
		errors.Is(err, ErrInvalidCategory):
		return "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "storage"
	}
}
