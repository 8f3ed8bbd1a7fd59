package idempotency

import (
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*ProcessedEvent
}

// NewInMemoryRepository creates a new in-memory processed-event repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events: make(map[string]*ProcessedEvent),
	}
}

// Register records an event as processed.
// Returns ErrAlreadyProcessed if the event ID was registered before.
func (r *InMemoryRepository) Register(event *ProcessedEvent) error {
	if err := ValidateEventID(event.EventID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[event.EventID]; exists {
		return ErrAlreadyProcessed
	}

	stored := *event
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now()
	}
	r.events[event.EventID] = &stored

	return nil
}

// Forget removes a registered event. Unknown event IDs are a no-op.
func (r *InMemoryRepository) Forget(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.events, eventID)
	return nil
}

// DeleteOlderThan removes events received before now minus the given
// duration. Returns the number of events deleted.
func (r *InMemoryRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-duration)
	deleted := int64(0)

	for id, event := range r.events {
		if event.ReceivedAt.Before(cutoff) {
			delete(r.events, id)
			deleted++
		}
	}

	return deleted, nil
}
