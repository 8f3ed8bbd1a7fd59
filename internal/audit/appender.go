package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAppendContention is returned when an append loses the sequence race
// more times than the retry budget allows. The chain itself is unharmed;
// the event was simply never written and the caller may retry later.
var ErrAppendContention = errors.New("audit append contention")

const (
	defaultRetryBudget  = 5
	defaultRetryBackoff = 25 * time.Millisecond
)

// AppenderConfig configures an Appender. Zero values fall back to defaults.
type AppenderConfig struct {
	// RetryBudget is the maximum number of attempts per append when racing
	// writers in other processes. Defaults to 5.
	RetryBudget int

	// RetryBackoff is the base delay between attempts, scaled linearly by
	// attempt number. Defaults to 25ms.
	RetryBackoff time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives append, retry, and latency observations when set.
	Metrics *Metrics
}

// Appender turns entries into hash-chained records.
//
// Two defenses close the check-then-act race between reading the chain head
// and claiming the next sequence slot. In-process, appends to the same
// chain are serialized by a per-chain mutex, so local goroutines never burn
// retries against each other. Across processes sharing one store, the
// store's uniqueness constraint turns the race into ErrSequenceConflict;
// the appender then re-reads the head and retries with backoff, bounded by
// the retry budget.
type Appender struct {
	store   Store
	hasher  *ContentHasher
	logger  *slog.Logger
	metrics *Metrics

	retryBudget  int
	retryBackoff time.Duration

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[chainKey]*sync.Mutex
}

// NewAppender creates an appender over a store and hasher.
func NewAppender(store Store, hasher *ContentHasher, cfg AppenderConfig) *Appender {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Appender{
		store:        store,
		hasher:       hasher,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		retryBudget:  cfg.RetryBudget,
		retryBackoff: cfg.RetryBackoff,
		now:          time.Now,
		newID:        uuid.NewString,
		locks:        make(map[chainKey]*sync.Mutex),
	}
}

// Append validates the entry, links it to the chain head, and persists it.
// On success the returned record carries its assigned sequence, hash, and
// previous hash. Append never mutates existing records; every failure mode
// leaves the chain exactly as it was.
func (a *Appender) Append(ctx context.Context, category Category, e Entry) (*Record, error) {
	if !category.Valid() {
		return nil, ErrInvalidCategory
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	lock := a.chainLock(chainKey{e.ScopeID, category})
	lock.Lock()
	defer lock.Unlock()

	start := a.now()
	defer func() {
		if a.metrics != nil {
			a.metrics.ObserveAppendDuration(category, a.now().Sub(start).Seconds())
		}
	}()

	for attempt := 1; attempt <= a.retryBudget; attempt++ {
		if attempt > 1 {
			if a.metrics != nil {
				a.metrics.IncAppendRetry(category)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * a.retryBackoff):
			}
		}

		rec, err := a.buildRecord(ctx, category, e)
		if err != nil {
			return nil, err
		}

		err = a.store.Append(ctx, rec)
		if err == nil {
			if a.metrics != nil {
				a.metrics.IncAppend(category)
			}
			return rec, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return nil, fmt.Errorf("failed to append audit record: %w", err)
		}

		// Another writer claimed this sequence slot first. Re-read the
		// head on the next pass and link behind the winner instead.
		a.logger.WarnContext(ctx, "audit append lost sequence race",
			"scope_id", e.ScopeID,
			"category", category,
			"sequence", rec.SequenceNum,
			"attempt", attempt)
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts on scope %s", ErrAppendContention, a.retryBudget, e.ScopeID)
}

// buildRecord reads the chain head and assembles the next record.
func (a *Appender) buildRecord(ctx context.Context, category Category, e Entry) (*Record, error) {
	head, err := a.store.LastRecord(ctx, e.ScopeID, category)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	// timestamptz stores microseconds; truncate before hashing so a round
	// trip through the store cannot change the digest.
	rec := &Record{
		ID:         a.newID(),
		ScopeID:    e.ScopeID,
		Category:   category,
		CreatedAt:  a.now().UTC().Truncate(time.Microsecond),
		ActorID:    e.ActorID,
		ActorEmail: e.ActorEmail,
		ActorName:  e.ActorName,
		Action:     e.Action,
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Payload:    e.Payload.clone(),
	}
	if head != nil {
		rec.SequenceNum = head.SequenceNum + 1
		rec.PreviousHash = head.Hash
	}

	hash, err := a.hasher.Hash(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to hash audit record: %w", err)
	}
	rec.Hash = hash
	rec.Verified = true
	return rec, nil
}

// chainLock returns the mutex serializing in-process appends for one chain.
func (a *Appender) chainLock(key chainKey) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}
