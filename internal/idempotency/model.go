// Package idempotency deduplicates webhook event deliveries.
//
// Providers such as Stripe deliver at-least-once: a slow response or a
// transient network failure triggers a redelivery of the same event. The
// audit ledger is append-only, so a redelivered event that is processed
// twice becomes two permanent records. Registering the event ID before
// appending keeps the ledger to one record per provider event.
package idempotency

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyProcessed is returned when registering an event ID that
	// was registered before.
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrInvalidEventID is returned when the event ID is empty.
	ErrInvalidEventID = errors.New("invalid event id")

	// ErrEventIDTooLong is returned when the event ID exceeds maximum length.
	ErrEventIDTooLong = errors.New("event id exceeds maximum length of 255 characters")
)

// MaxEventIDLength is the maximum allowed length for an event ID.
const MaxEventIDLength = 255

// ProcessedEvent records one handled webhook delivery.
type ProcessedEvent struct {
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// ValidateEventID checks if an event ID is usable as a dedup key.
// Returns ErrInvalidEventID if the ID is empty.
// Returns ErrEventIDTooLong if the ID exceeds MaxEventIDLength.
func ValidateEventID(id string) error {
	if id == "" {
		return ErrInvalidEventID
	}
	if len(id) > MaxEventIDLength {
		return ErrEventIDTooLong
	}
	return nil
}

// Repository defines methods for processed-event persistence.
type Repository interface {
	// Register records an event as processed.
	// Returns ErrAlreadyProcessed if the event ID was registered before.
	Register(event *ProcessedEvent) error

	// Forget removes a registered event so a later redelivery can be
	// processed again. Used when handling fails after registration.
	// Forgetting an unknown event ID is a no-op.
	Forget(eventID string) error

	// DeleteOlderThan removes events received before now minus the given
	// duration. This is used by cleanup jobs to prevent unbounded growth.
	DeleteOlderThan(duration time.Duration) (int64, error)
}
