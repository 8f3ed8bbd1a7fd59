package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/veridocs/ledger/internal/audit"
	"github.com/veridocs/ledger/internal/idempotency"
	"github.com/veridocs/ledger/internal/middleware"
	"github.com/veridocs/ledger/internal/validate"
)

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	ledger        *audit.Ledger
	events        idempotency.Repository
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(webhookSecret string, ledger *audit.Ledger, events idempotency.Repository) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		ledger:        ledger,
		events:        events,
	}
}

// HandleStripeWebhook records Stripe billing lifecycle events in the audit
// ledger, with signature verification and event-level deduplication.
//
// Stripe delivers at-least-once. A redelivered event that is appended twice
// becomes two permanent ledger records, so the event ID is registered
// before the append; if the append then fails, the registration is rolled
// back and a non-2xx response asks Stripe to redeliver.
// POST /internal/stripe
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "missing Stripe-Signature header")
		return
	}

	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
		return
	}

	// Log minimal event info (type and ID only, not full payload)
	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	if err := h.events.Register(&idempotency.ProcessedEvent{
		EventID:   event.ID,
		Source:    "stripe",
		EventType: string(event.Type),
	}); err != nil {
		if err == idempotency.ErrAlreadyProcessed {
			slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			// Return 200 to acknowledge receipt even though we're ignoring it
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.ErrorContext(ctx, "failed to register webhook event", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	var handleErr error
	switch event.Type {
	case "customer.subscription.created":
		handleErr = h.handleSubscriptionEvent(ctx, event, "subscription.created")
	case "customer.subscription.updated":
		handleErr = h.handleSubscriptionEvent(ctx, event, "subscription.updated")
	case "customer.subscription.deleted":
		handleErr = h.handleSubscriptionEvent(ctx, event, "subscription.deleted")
	case "invoice.paid":
		handleErr = h.handleInvoiceEvent(ctx, event, "invoice.paid", "info")
	case "invoice.payment_failed":
		handleErr = h.handleInvoiceEvent(ctx, event, "invoice.payment_failed", "warning")
	default:
		// Unknown event type - log and ignore
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
	}

	if handleErr != nil {
		// Roll back the dedup mark so the redelivery is processed, not
		// swallowed as a duplicate.
		if err := h.events.Forget(event.ID); err != nil {
			slog.ErrorContext(ctx, "failed to forget webhook event after append failure",
				"event_id", event.ID, "error", err)
		}
		slog.ErrorContext(ctx, "failed to process webhook event",
			"event_type", event.Type,
			"event_id", event.ID,
			"error", handleErr,
		)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleSubscriptionEvent appends a billing record for a subscription
// lifecycle event. Returns an error only for append failures, which are
// retryable; malformed or unattributable events are logged and acknowledged
// because a redelivery would fail the same way.
func (h *WebhookHandlers) handleSubscriptionEvent(ctx context.Context, event stripe.Event, action string) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		slog.ErrorContext(ctx, "failed to parse subscription", "event_id", event.ID, "error", err)
		return nil
	}

	scopeID := sub.Metadata["scope_id"]
	if scopeID == "" {
		slog.WarnContext(ctx, "subscription event without scope_id metadata, skipping",
			"event_id", event.ID,
			"subscription_id", sub.ID,
		)
		return nil
	}
	if _, err := validate.ScopeID(scopeID); err != nil {
		slog.WarnContext(ctx, "subscription event with malformed scope_id metadata, skipping",
			"event_id", event.ID,
			"subscription_id", sub.ID,
			"error", err,
		)
		return nil
	}

	meta := map[string]string{
		"event_id": event.ID,
		"status":   string(sub.Status),
	}
	if sub.Customer != nil {
		meta["customer_id"] = sub.Customer.ID
	}

	if _, err := h.ledger.LogBilling(ctx, audit.Entry{
		ScopeID:    scopeID,
		Action:     action,
		Resource:   "subscription",
		ResourceID: sub.ID,
		Payload: audit.Payload{
			Severity: "info",
			Message:  "stripe subscription lifecycle event",
			Metadata: meta,
		},
	}); err != nil {
		return fmt.Errorf("failed to append billing record: %w", err)
	}

	slog.InfoContext(ctx, "billing event recorded",
		"scope_id", scopeID,
		"action", action,
		"subscription_id", sub.ID,
	)
	return nil
}

// handleInvoiceEvent appends a billing record for an invoice event. The
// scope comes from the invoice metadata, falling back to the metadata of
// the subscription the invoice bills.
func (h *WebhookHandlers) handleInvoiceEvent(ctx context.Context, event stripe.Event, action, severity string) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		slog.ErrorContext(ctx, "failed to parse invoice", "event_id", event.ID, "error", err)
		return nil
	}

	scopeID := inv.Metadata["scope_id"]
	if scopeID == "" && inv.SubscriptionDetails != nil {
		scopeID = inv.SubscriptionDetails.Metadata["scope_id"]
	}
	if scopeID == "" {
		slog.WarnContext(ctx, "invoice event without scope_id metadata, skipping",
			"event_id", event.ID,
			"invoice_id", inv.ID,
		)
		return nil
	}
	if _, err := validate.ScopeID(scopeID); err != nil {
		slog.WarnContext(ctx, "invoice event with malformed scope_id metadata, skipping",
			"event_id", event.ID,
			"invoice_id", inv.ID,
			"error", err,
		)
		return nil
	}

	meta := map[string]string{
		"event_id":    event.ID,
		"amount_due":  fmt.Sprintf("%d", inv.AmountDue),
		"amount_paid": fmt.Sprintf("%d", inv.AmountPaid),
		"currency":    string(inv.Currency),
	}
	if inv.Customer != nil {
		meta["customer_id"] = inv.Customer.ID
	}
	if action == "invoice.payment_failed" {
		meta["attempt_count"] = fmt.Sprintf("%d", inv.AttemptCount)
	}

	if _, err := h.ledger.LogBilling(ctx, audit.Entry{
		ScopeID:    scopeID,
		Action:     action,
		Resource:   "invoice",
		ResourceID: inv.ID,
		Payload: audit.Payload{
			Severity: severity,
			Message:  "stripe invoice event",
			Metadata: meta,
		},
	}); err != nil {
		return fmt.Errorf("failed to append billing record: %w", err)
	}

	slog.InfoContext(ctx, "billing event recorded",
		"scope_id", scopeID,
		"action", action,
		"invoice_id", inv.ID,
	)
	return nil
}
