package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// chainKey identifies one hash chain.
type chainKey struct {
	scopeID  string
	category Category
}

// InMemoryStore is a Store backed by process memory. It is intended for
// tests and local development; records do not survive a restart. All
// methods return deep copies so callers cannot mutate stored state.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[chainKey][]*Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chains: make(map[chainKey][]*Record),
	}
}

// Append persists a new record, rejecting duplicate sequence numbers.
func (s *InMemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chainKey{rec.ScopeID, rec.Category}
	for _, existing := range s.chains[key] {
		if existing.SequenceNum == rec.SequenceNum {
			return ErrSequenceConflict
		}
	}

	recs := append(s.chains[key], rec.Clone())
	// Appends arrive in sequence order; re-sort only when one does not.
	if n := len(recs); n > 1 && recs[n-1].SequenceNum < recs[n-2].SequenceNum {
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].SequenceNum < recs[j].SequenceNum
		})
	}
	s.chains[key] = recs
	return nil
}

// LastRecord returns the highest-sequence record of a chain.
func (s *InMemoryStore) LastRecord(ctx context.Context, scopeID string, category Category) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.chains[chainKey{scopeID, category}]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[len(recs)-1].Clone(), nil
}

// Range returns chain records with fromSeq <= seq <= toSeq, ascending.
func (s *InMemoryStore) Range(ctx context.Context, scopeID string, category Category, fromSeq, toSeq uint64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.chains[chainKey{scopeID, category}] {
		if rec.SequenceNum < fromSeq || rec.SequenceNum > toSeq {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// ExportRange returns chain records created inside [from, to], ascending.
func (s *InMemoryStore) ExportRange(ctx context.Context, scopeID string, category Category, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.chains[chainKey{scopeID, category}] {
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Count returns the number of records matching the filter.
func (s *InMemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for key, recs := range s.chains {
		if key.scopeID != f.ScopeID {
			continue
		}
		for _, rec := range recs {
			if matchesFilter(rec, f) {
				count++
			}
		}
	}
	return count, nil
}

// Page returns records matching the filter, newest first.
func (s *InMemoryStore) Page(ctx context.Context, f Filter, limit, offset int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for key, recs := range s.chains {
		if key.scopeID != f.ScopeID {
			continue
		}
		for _, rec := range recs {
			if matchesFilter(rec, f) {
				matched = append(matched, rec)
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].SequenceNum > matched[j].SequenceNum
	})

	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}

	out := make([]*Record, 0, end-offset)
	for _, rec := range matched[offset:end] {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Scopes returns the distinct scope IDs present in the store, sorted.
func (s *InMemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for key, recs := range s.chains {
		if len(recs) > 0 {
			seen[key.scopeID] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// matchesFilter applies every optional filter field to one record.
func matchesFilter(rec *Record, f Filter) bool {
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Resource != "" && rec.Resource != f.Resource {
		return false
	}
	if f.ResourceID != "" && rec.ResourceID != f.ResourceID {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hay := strings.ToLower(rec.Action + "\n" + rec.Resource + "\n" +
			rec.ActorEmail + "\n" + rec.ActorName + "\n" + rec.Payload.Message)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}
